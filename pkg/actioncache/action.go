// Package actioncache maps action fingerprints to execution results and
// guarantees at most one concurrent execution per fingerprint.
package actioncache

import (
	"fmt"
	"path"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

const fingerprintDomain = "hermit.action.v1"

// Action is a single command invocation with declared inputs and outputs.
type Action struct {
	// Name is a label for logs and events. It is not part of the fingerprint.
	Name string `json:"name,omitempty"`

	Argv    []string          `json:"argv"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
	Inputs  *depset.DepSet    `json:"-"`
	Outputs []string          `json:"outputs"`

	// Network opts the action into network access.
	Network bool `json:"network,omitempty"`

	// Timeout bounds execution. Zero uses the executor default. It is not
	// part of the fingerprint.
	Timeout time.Duration `json:"timeout,omitempty"`

	Policy CachePolicy `json:"policy"`
}

// CachePolicy decides which failures of an action are stored.
type CachePolicy struct {
	// CacheFailures stores deterministic failures (non-zero exit, missing
	// output) so resubmission returns them without re-running.
	CacheFailures bool `json:"cache_failures"`

	// CacheableExitCodes narrows which non-zero exits are cached. Empty
	// means any non-zero exit.
	CacheableExitCodes []int `json:"cacheable_exit_codes,omitempty"`

	// OptionalOutputs lists declared outputs whose absence is tolerated.
	OptionalOutputs []string `json:"optional_outputs,omitempty"`
}

// DefaultCachePolicy caches every deterministic failure.
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{CacheFailures: true}
}

// IsOptional reports whether output p may be absent.
func (p CachePolicy) IsOptional(output string) bool {
	return slices.Contains(p.OptionalOutputs, output)
}

// Caches reports whether err, produced by an execution, may be stored.
// Only deterministic failures qualify.
func (p CachePolicy) Caches(err error) bool {
	if err == nil {
		return true
	}
	if !p.CacheFailures || !execerr.IsCacheable(err) {
		return false
	}
	if e, ok := execerr.As(err); ok && e.Kind == execerr.KindExecutionFailed && len(p.CacheableExitCodes) > 0 {
		return slices.Contains(p.CacheableExitCodes, e.ExitCode)
	}
	return true
}

// Validate checks the action for structural problems.
func (a *Action) Validate() error {
	if len(a.Argv) == 0 || a.Argv[0] == "" {
		return execerr.NewInvalidEntry("action argv is empty", nil).WithCode(execerr.ErrCodeValidation)
	}
	if a.Inputs == nil {
		return execerr.NewInvalidEntry("action inputs are nil", nil).WithCode(execerr.ErrCodeValidation)
	}
	if a.WorkDir != "" {
		if err := depset.ValidatePath(a.WorkDir); err != nil {
			return execerr.NewInvalidEntry("invalid working directory", err).WithCode(execerr.ErrCodeInvalidPath)
		}
	}
	seen := make(map[string]bool, len(a.Outputs))
	for _, out := range a.Outputs {
		if err := depset.ValidatePath(out); err != nil {
			return execerr.NewInvalidEntry(fmt.Sprintf("invalid output path %q", out), err).WithCode(execerr.ErrCodeInvalidPath)
		}
		if seen[out] {
			return execerr.NewInvalidEntry(fmt.Sprintf("output %q declared twice", out), nil).WithCode(execerr.ErrCodeDuplicatePath)
		}
		seen[out] = true
	}
	for _, opt := range a.Policy.OptionalOutputs {
		if !seen[opt] {
			return execerr.NewInvalidEntry(fmt.Sprintf("optional output %q is not declared", opt), nil).WithCode(execerr.ErrCodeValidation)
		}
	}
	for k := range a.Env {
		if k == "" || strings.Contains(k, "=") {
			return execerr.NewInvalidEntry(fmt.Sprintf("invalid environment variable name %q", k), nil).WithCode(execerr.ErrCodeValidation)
		}
	}
	return nil
}

// OutputPath returns the location of a declared output relative to the
// action root, honoring the working directory.
func (a *Action) OutputPath(output string) string {
	if a.WorkDir == "" {
		return output
	}
	return path.Join(a.WorkDir, output)
}

// EnvList returns the environment as sorted KEY=VALUE pairs.
func (a *Action) EnvList() []string {
	out := make([]string, 0, len(a.Env))
	for k, v := range a.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Fingerprint hashes everything that determines the action's result:
// argv, sorted environment, working directory, input DepSet hash, sorted
// outputs, optional outputs and network access.
func (a *Action) Fingerprint() digest.Digest {
	h := digest.NewHasher(fingerprintDomain)
	h.Tag('a').Strings(a.Argv)
	h.Tag('e').Strings(a.EnvList())
	h.Tag('w').String(a.WorkDir)
	inputs := depset.Empty()
	if a.Inputs != nil {
		inputs = a.Inputs
	}
	h.Tag('i').Digest(inputs.Hash())
	h.Tag('o').Strings(sortedCopy(a.Outputs))
	h.Tag('p').Strings(sortedCopy(a.Policy.OptionalOutputs))
	h.Tag('n').Bool(a.Network)
	return h.Sum()
}

func sortedCopy(in []string) []string {
	out := slices.Clone(in)
	sort.Strings(out)
	return out
}

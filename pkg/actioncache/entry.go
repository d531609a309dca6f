package actioncache

import (
	"time"

	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// Entry is the stored result of one execution. Entries are immutable once
// installed and shared between callers.
type Entry struct {
	Fingerprint digest.Digest  `json:"fingerprint"`
	Generation  int64          `json:"generation"`
	Outputs     *depset.DepSet `json:"-"`
	ExitCode    int            `json:"exit_code"`

	// Stdout and Stderr reference captured streams in the content store.
	Stdout digest.Digest `json:"stdout,omitzero"`
	Stderr digest.Digest `json:"stderr,omitzero"`

	// StderrTail is the end of stderr, kept inline for diagnostics.
	StderrTail string `json:"stderr_tail,omitempty"`

	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
	Backend   string        `json:"backend,omitempty"`

	// Failure is set for cached deterministic failures.
	Failure *Failure `json:"failure,omitempty"`
}

// Failure records why a cached execution failed.
type Failure struct {
	Kind    execerr.Kind `json:"kind"`
	Message string       `json:"message"`
	Path    string       `json:"path,omitempty"`
}

// OK reports whether the entry is a successful result.
func (e *Entry) OK() bool {
	return e.Failure == nil
}

// OutputsOrEmpty returns the output DepSet, never nil.
func (e *Entry) OutputsOrEmpty() *depset.DepSet {
	if e.Outputs == nil {
		return depset.Empty()
	}
	return e.Outputs
}

// Err rebuilds the classified error for a failing entry, or nil.
func (e *Entry) Err(argv []string) *execerr.Error {
	if e.Failure == nil {
		return nil
	}
	err := execerr.New(e.Failure.Kind, e.Failure.Message, nil).
		WithFingerprint(e.Fingerprint.String()).
		WithCommand(argv).
		WithStderrTail(e.StderrTail)
	err.ExitCode = e.ExitCode
	if e.Failure.Path != "" {
		err = err.WithDetail("path", e.Failure.Path)
	}
	return err
}

// failureOf extracts the stored form of a cacheable error.
func failureOf(err error) *Failure {
	e, ok := execerr.As(err)
	if !ok {
		return &Failure{Kind: execerr.KindExecutionFailed, Message: err.Error()}
	}
	f := &Failure{Kind: e.Kind, Message: e.Message}
	if p, ok := e.Details["path"].(string); ok {
		f.Path = p
	}
	return f
}

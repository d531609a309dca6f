package policy

import (
	"time"

	"github.com/openfroyo/hermit/pkg/actioncache"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the action.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the action.
	SeverityError Severity = "error"

	// SeverityCritical blocks the action.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the action.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module. Admission rules are collected from the
// module's "deny" set, caching exclusions from its "nocache" set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for deny results that do not
	// carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with hermit.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	Tags []string `json:"tags,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string   `json:"policy"`
	Action   string   `json:"action,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of admission.
type Decision struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Reason joins the blocking violation messages.
func (d *Decision) Reason() string {
	var out string
	for i, v := range d.Violations {
		if i > 0 {
			out += "; "
		}
		out += v.Policy + ": " + v.Message
	}
	return out
}

// Input is the document policies see as "input".
type Input struct {
	Action ActionInput `json:"action"`

	// ExitCode is set when deciding whether a failed result is cached.
	ExitCode *int `json:"exit_code,omitempty"`

	Context *Context `json:"context"`
}

// ActionInput is the policy view of an action.
type ActionInput struct {
	Name        string            `json:"name,omitempty"`
	Fingerprint string            `json:"fingerprint"`
	Argv        []string          `json:"argv"`
	Env         map[string]string `json:"env"`
	WorkDir     string            `json:"workdir"`
	Outputs     []string          `json:"outputs"`
	Network     bool              `json:"network"`
	TimeoutSecs float64           `json:"timeout_seconds,omitempty"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Operation is "admit" or "cache".
	Operation string    `json:"operation"`
	Backend   string    `json:"backend,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewActionInput builds the policy view of a.
func NewActionInput(a *actioncache.Action) ActionInput {
	env := a.Env
	if env == nil {
		env = map[string]string{}
	}
	outputs := a.Outputs
	if outputs == nil {
		outputs = []string{}
	}
	return ActionInput{
		Name:        a.Name,
		Fingerprint: a.Fingerprint().String(),
		Argv:        a.Argv,
		Env:         env,
		WorkDir:     a.WorkDir,
		Outputs:     outputs,
		Network:     a.Network,
		TimeoutSecs: a.Timeout.Seconds(),
	}
}

// Settings is published to policies as data.hermit.config.
type Settings struct {
	// AllowNetwork permits actions that opt in to network access.
	AllowNetwork bool `json:"allow_network" yaml:"allow_network"`

	// RestrictArgv rejects absolute argv[0] outside Passthrough.
	RestrictArgv bool `json:"restrict_argv" yaml:"restrict_argv"`

	Passthrough []string `json:"passthrough" yaml:"passthrough"`

	// EnvDenylist names variables that may not be passed to actions.
	EnvDenylist []string `json:"env_denylist" yaml:"env_denylist"`

	// NoCacheExitCodes are exit codes whose failures are never cached.
	NoCacheExitCodes []int `json:"nocache_exit_codes" yaml:"nocache_exit_codes"`
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		EnvDenylist:      []string{"SSH_AUTH_SOCK", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN", "GITHUB_TOKEN"},
		NoCacheExitCodes: []int{137, 143, 152},
	}
}

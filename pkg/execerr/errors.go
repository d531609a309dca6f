// Package execerr defines the failure taxonomy shared by every layer of the
// executor: DepSet construction, the content store, materialization, the
// action cache and the sandbox backends.
package execerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure for caching and retry decisions.
type Kind string

const (
	// KindInvalidEntry indicates a malformed DepSet construction.
	// This is a programmer error and fatal to the call.
	KindInvalidEntry Kind = "invalid_entry"

	// KindContentMissing indicates a referenced hash is absent from the store.
	// Fatal to the affected action and never retried locally.
	KindContentMissing Kind = "content_missing"

	// KindStoreUnavailable indicates the content store could not be reached.
	KindStoreUnavailable Kind = "store_unavailable"

	// KindFilesystemError indicates an I/O failure during materialization or capture.
	KindFilesystemError Kind = "filesystem_error"

	// KindSandboxSetup indicates the isolation backend failed to initialize.
	KindSandboxSetup Kind = "sandbox_setup"

	// KindMissingOutput indicates a declared output was absent after execution.
	// Deterministic given the same inputs, so it is cached as a failing result.
	KindMissingOutput Kind = "missing_output"

	// KindTimeout indicates the action deadline was exceeded.
	KindTimeout Kind = "timeout"

	// KindExecutionFailed indicates the command exited non-zero.
	KindExecutionFailed Kind = "execution_failed"

	// KindCanceled indicates the caller canceled the action.
	KindCanceled Kind = "canceled"

	// KindPolicyDenied indicates the action was rejected by admission policy.
	KindPolicyDenied Kind = "policy_denied"
)

// Error is a classified executor failure. Every failure that reaches a
// caller carries the action fingerprint, the command and the stderr tail
// when they are known.
type Error struct {
	// Kind is the failure classification.
	Kind Kind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Fingerprint is the hex fingerprint of the failing action, if known.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Command is the argv of the failing action, if known.
	Command []string `json:"command,omitempty"`

	// ExitCode is the process exit code for execution failures.
	ExitCode int `json:"exit_code,omitempty"`

	// StderrTail holds the last bytes of captured stderr.
	StderrTail string `json:"stderr_tail,omitempty"`

	// Cached is set when the failure was served from the action cache
	// rather than produced by a fresh execution.
	Cached bool `json:"cached,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)

	var attrs []string
	if e.Fingerprint != "" {
		attrs = append(attrs, "fingerprint="+shortFingerprint(e.Fingerprint))
	}
	if len(e.Command) > 0 {
		attrs = append(attrs, "command="+strings.Join(e.Command, " "))
	}
	if e.Kind == KindExecutionFailed {
		attrs = append(attrs, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	if e.Cached {
		attrs = append(attrs, "cached")
	}
	if len(attrs) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(attrs, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is compares Kind and Code so that errors.Is works against sentinel values
// built with New.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// New creates an error of the given kind.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewInvalidEntry creates an InvalidEntry error.
func NewInvalidEntry(message string, err error) *Error {
	return New(KindInvalidEntry, message, err).WithCode(ErrCodeValidation)
}

// NewContentMissing creates a ContentMissing error for the given hex digest.
func NewContentMissing(hash string, err error) *Error {
	return New(KindContentMissing, "content not found in store", err).
		WithCode(ErrCodeNotFound).
		WithDetail("digest", hash)
}

// NewStoreUnavailable creates a StoreUnavailable error.
func NewStoreUnavailable(message string, err error) *Error {
	return New(KindStoreUnavailable, message, err)
}

// NewFilesystemError creates a FilesystemError.
func NewFilesystemError(message string, err error) *Error {
	return New(KindFilesystemError, message, err).WithCode(ErrCodeIO)
}

// NewSandboxSetupError creates a SandboxSetupError.
func NewSandboxSetupError(message string, err error) *Error {
	return New(KindSandboxSetup, message, err)
}

// NewMissingOutput creates a MissingOutput error for the given declared path.
func NewMissingOutput(path string) *Error {
	return New(KindMissingOutput, fmt.Sprintf("declared output %q was not produced", path), nil).
		WithDetail("path", path)
}

// NewTimeout creates a Timeout error.
func NewTimeout(message string, err error) *Error {
	return New(KindTimeout, message, err).WithCode(ErrCodeTimeout)
}

// NewExecutionFailed creates an ExecutionFailed error for a non-zero exit.
func NewExecutionFailed(exitCode int) *Error {
	e := New(KindExecutionFailed, "command exited with non-zero status", nil)
	e.ExitCode = exitCode
	return e
}

// NewCanceled creates a Canceled error.
func NewCanceled(err error) *Error {
	return New(KindCanceled, "action canceled", err)
}

// FromContext classifies the error of a done context. An expired deadline
// is a Timeout; anything else is a cancellation.
func FromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout("deadline exceeded", err)
	}
	return NewCanceled(err)
}

// NewPolicyDenied creates a PolicyDenied error.
func NewPolicyDenied(message string) *Error {
	return New(KindPolicyDenied, message, nil).WithCode(ErrCodePermissionDenied)
}

// WithFingerprint sets the action fingerprint.
func (e *Error) WithFingerprint(fp string) *Error {
	e.Fingerprint = fp
	return e
}

// WithCommand sets the action argv.
func (e *Error) WithCommand(argv []string) *Error {
	e.Command = append([]string(nil), argv...)
	return e
}

// WithStderrTail sets the captured stderr tail.
func (e *Error) WithStderrTail(tail string) *Error {
	e.StderrTail = tail
	return e
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail key-value pair.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsCached returns a copy of e marked as served from the cache. The
// original is left untouched because cached errors are shared between
// callers.
func (e *Error) AsCached() *Error {
	c := *e
	c.Cached = true
	if e.Details != nil {
		c.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsInvalidEntry checks if an error is an InvalidEntry error.
func IsInvalidEntry(err error) bool { return KindOf(err) == KindInvalidEntry }

// IsContentMissing checks if an error is a ContentMissing error.
func IsContentMissing(err error) bool { return KindOf(err) == KindContentMissing }

// IsStoreUnavailable checks if an error is a StoreUnavailable error.
func IsStoreUnavailable(err error) bool { return KindOf(err) == KindStoreUnavailable }

// IsFilesystemError checks if an error is a FilesystemError.
func IsFilesystemError(err error) bool { return KindOf(err) == KindFilesystemError }

// IsSandboxSetup checks if an error is a SandboxSetupError.
func IsSandboxSetup(err error) bool { return KindOf(err) == KindSandboxSetup }

// IsMissingOutput checks if an error is a MissingOutput error.
func IsMissingOutput(err error) bool { return KindOf(err) == KindMissingOutput }

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsExecutionFailed checks if an error is an ExecutionFailed error.
func IsExecutionFailed(err error) bool { return KindOf(err) == KindExecutionFailed }

// IsCanceled checks if an error is a Canceled error.
func IsCanceled(err error) bool { return KindOf(err) == KindCanceled }

// IsPolicyDenied checks if an error is a PolicyDenied error.
func IsPolicyDenied(err error) bool { return KindOf(err) == KindPolicyDenied }

// IsCached reports whether err was served from the action cache.
func IsCached(err error) bool {
	e, ok := As(err)
	return ok && e.Cached
}

// IsRetryable checks if an error may succeed when the whole operation is
// retried by the caller. The core itself never retries.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindFilesystemError, KindSandboxSetup, KindStoreUnavailable, KindTimeout:
		return true
	}
	return false
}

// IsCacheable reports whether a failure is deterministic given the same
// inputs and therefore may be stored as a failing cache entry.
func IsCacheable(err error) bool {
	switch KindOf(err) {
	case KindExecutionFailed, KindMissingOutput:
		return true
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeDuplicatePath    = "DUPLICATE_PATH"
	ErrCodeInvalidPath      = "INVALID_PATH"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeIO               = "IO_ERROR"
	ErrCodeBackend          = "BACKEND_ERROR"
)

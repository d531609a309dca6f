// Package ssh provides the SSH and SFTP transport used to reach a remote
// content store or a guest execution host.
package ssh

import "fmt"

// TransportError represents an SSH transport failure.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "run", "upload").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates if the error is temporary and may succeed on retry.
	IsTemporary bool

	// IsAuthError indicates if the error is due to authentication failure.
	IsAuthError bool
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary returns true if the error is temporary.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

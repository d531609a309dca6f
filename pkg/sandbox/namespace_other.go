//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"runtime"
)

// NamespaceBackend is only available on Linux.
type NamespaceBackend struct{}

// NewNamespaceBackend reports that namespaces are unavailable.
func NewNamespaceBackend(NamespaceOptions) (*NamespaceBackend, error) {
	return nil, fmt.Errorf("namespace backend is not supported on %s", runtime.GOOS)
}

func (b *NamespaceBackend) Name() string { return BackendNamespace }

func (b *NamespaceBackend) Prepare(context.Context, string) (*Handle, error) {
	return nil, fmt.Errorf("namespace backend is not supported on %s", runtime.GOOS)
}

func (b *NamespaceBackend) Exec(context.Context, *Handle, *Command) (*ExecResult, error) {
	return nil, fmt.Errorf("namespace backend is not supported on %s", runtime.GOOS)
}

func (b *NamespaceBackend) Teardown(context.Context, *Handle) error { return nil }

package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/materialize"
)

// scratch creates per-handle directories under a base directory.
type scratch struct {
	base     string
	strategy materialize.Strategy
}

func newScratch(base string, strategy materialize.Strategy) scratch {
	if base == "" {
		base = os.TempDir()
	}
	return scratch{base: base, strategy: strategy}
}

// create makes the handle directory. When clone is set the root is copied
// into <dir>/work, which becomes the output root.
func (s scratch) create(ctx context.Context, prefix, root string, clone bool) (*Handle, error) {
	if err := os.MkdirAll(s.base, 0o755); err != nil {
		return nil, execerr.NewSandboxSetupError("failed to create scratch base", err)
	}
	id := uuid.NewString()
	dir, err := os.MkdirTemp(s.base, prefix+"-"+id[:8]+"-")
	if err != nil {
		return nil, execerr.NewSandboxSetupError("failed to create scratch directory", err)
	}
	h := &Handle{ID: id, Root: root, Dir: dir, OutputRoot: filepath.Join(dir, "work")}

	if clone {
		if err := materialize.CloneTree(ctx, root, h.OutputRoot, s.strategy); err != nil {
			materialize.RemoveTree(dir)
			return nil, err
		}
	} else if err := os.Mkdir(h.OutputRoot, 0o755); err != nil {
		materialize.RemoveTree(dir)
		return nil, execerr.NewSandboxSetupError("failed to create output root", err)
	}
	return h, nil
}

func (s scratch) remove(h *Handle) error {
	if h == nil || h.Dir == "" {
		return nil
	}
	materialize.RemoveTree(h.Dir)
	if _, err := os.Lstat(h.Dir); err == nil {
		return fmt.Errorf("failed to remove scratch directory %s", h.Dir)
	}
	return nil
}

// workDir returns the host working directory for cmd, creating it.
func workDir(h *Handle, rel string) (string, error) {
	if err := checkRelative(rel); err != nil {
		return "", err
	}
	dir := filepath.Join(h.OutputRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", execerr.NewSandboxSetupError("failed to create working directory", err)
	}
	return dir, nil
}

func checkRelative(rel string) error {
	if rel == "" {
		return nil
	}
	if path.IsAbs(rel) || rel != path.Clean(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return execerr.NewInvalidEntry(fmt.Sprintf("working directory %q must be a clean relative path", rel), nil)
	}
	return nil
}

// envValue returns the value of key in a KEY=VALUE list.
func envValue(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v
		}
	}
	return ""
}

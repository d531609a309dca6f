package nsinit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExitNotFound is the exit code reported when argv[0] cannot be resolved,
// matching what a shell reports.
const ExitNotFound = 127

// ErrNotFound is returned by LookPath when no executable matches.
var ErrNotFound = errors.New("executable not found")

// LookPath resolves an action's argv[0]. Names containing a slash are
// taken relative to dir; bare names are searched in the PATH of env, never
// the host's.
func LookPath(name string, env []string, dir string) (string, error) {
	if strings.Contains(name, "/") {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, name)
		}
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return p, nil
	}

	var pathVar string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathVar = v
		}
	}
	for _, d := range filepath.SplitList(pathVar) {
		if d == "" {
			d = "."
		}
		if !filepath.IsAbs(d) {
			d = filepath.Join(dir, d)
		}
		p := filepath.Join(d, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q in action PATH", ErrNotFound, name)
}

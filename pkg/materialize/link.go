package materialize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync/atomic"
)

// Strategy selects how regular files are placed into a root.
type Strategy string

const (
	// StrategyAuto tries a copy-on-write clone, then a hard link, then a
	// byte copy, remembering which mechanisms the filesystem rejected.
	StrategyAuto Strategy = "auto"

	// StrategyHardlink links store files into the root.
	StrategyHardlink Strategy = "hardlink"

	// StrategyReflink clones store files (FICLONE on Linux, clonefile on macOS).
	StrategyReflink Strategy = "reflink"

	// StrategyCopy always copies bytes.
	StrategyCopy Strategy = "copy"
)

// ParseStrategy validates a strategy name. The empty string selects auto.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyAuto, nil
	case StrategyAuto, StrategyHardlink, StrategyReflink, StrategyCopy:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown link strategy %q", s)
}

type method int

const (
	methodReflink method = iota
	methodHardlink
	methodCopy
	methodNone
)

var errReflinkUnsupported = errors.New("reflink not supported on this platform")

// linker places files according to a strategy. Mechanisms that fail with a
// capability error are disabled for the linker's lifetime.
type linker struct {
	strategy    Strategy
	noReflink   atomic.Bool
	noHardlink  atomic.Bool
	forbidLinks bool
}

func newLinker(s Strategy) *linker {
	return &linker{strategy: s}
}

// place creates dst from src with the given mode. mode only applies to
// clones and copies; hard links share the source inode.
func (l *linker) place(src, dst string, mode fs.FileMode) (method, error) {
	if l.strategy == StrategyReflink || l.strategy == StrategyAuto {
		if !l.noReflink.Load() {
			err := reflink(src, dst, mode)
			if err == nil {
				return methodReflink, nil
			}
			if l.strategy == StrategyReflink || !isCapabilityErr(err) {
				return 0, err
			}
			l.noReflink.Store(true)
		}
	}
	if (l.strategy == StrategyHardlink || l.strategy == StrategyAuto) && !l.forbidLinks {
		if !l.noHardlink.Load() {
			err := os.Link(src, dst)
			if err == nil {
				return methodHardlink, nil
			}
			if l.strategy == StrategyHardlink || !isCapabilityErr(err) {
				return 0, err
			}
			l.noHardlink.Store(true)
		}
	}
	return methodCopy, copyFile(src, dst, mode)
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFile(in, dst, mode)
}

func writeFile(r io.Reader, dst string, mode fs.FileMode) error {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Chmod(dst, mode)
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

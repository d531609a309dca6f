package materialize

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/hermit/pkg/execerr"
)

// CloneTree makes a writable copy of src at dst. Regular files are cloned
// when the filesystem supports it and copied otherwise; they are never hard
// linked, so writes to the copy cannot reach the content store.
func CloneTree(ctx context.Context, src, dst string, strategy Strategy) error {
	l := newLinker(strategy)
	l.forbidLinks = true
	if strategy == StrategyHardlink {
		l.strategy = StrategyAuto
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return execerr.NewFilesystemError("failed to create clone root", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultWorkers)
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil || rel == "." {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			info, err := d.Info()
			if err != nil {
				return err
			}
			mode := info.Mode().Perm() | 0o200
			g.Go(func() error {
				_, err := l.place(p, target, mode)
				return err
			})
		}
		return nil
	})
	if werr := g.Wait(); err == nil {
		err = werr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return execerr.NewFilesystemError("failed to clone tree", err)
	}
	return nil
}

// RemoveTree deletes a tree that may contain read-only files and
// directories.
func RemoveTree(root string) {
	removeTree(root)
}

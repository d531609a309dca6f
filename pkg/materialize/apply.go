package materialize

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// counter accumulates per-file stats from concurrent workers.
type counter struct {
	mu    sync.Mutex
	stats *Stats
}

func (c *counter) add(m method, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m {
	case methodReflink:
		c.stats.Reflinks++
	case methodHardlink:
		c.stats.Links++
	case methodCopy:
		c.stats.Copies++
	}
	c.stats.Bytes += n
}

// populate creates entries under an empty root. Directories are created
// first, serially; files and symlinks in parallel.
func (m *Materializer) populate(ctx context.Context, root string, entries []depset.FileEntry, stats *Stats) error {
	if err := createDirs(root, entries); err != nil {
		return err
	}

	c := &counter{stats: stats}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for _, e := range entries {
		if e.Kind == depset.KindDirectory {
			continue
		}
		e := e
		g.Go(func() error {
			return m.place(gctx, root, e, c)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// createDirs creates every explicit directory and every parent directory
// implied by an entry path.
func createDirs(root string, entries []depset.FileEntry) error {
	dirs := make(map[string]bool)
	for _, e := range entries {
		if e.Kind == depset.KindDirectory {
			dirs[e.Path] = true
		}
		for d := path.Dir(e.Path); d != "."; d = path.Dir(d) {
			if dirs[d] {
				break
			}
			dirs[d] = true
		}
	}
	sorted := make([]string, 0, len(dirs))
	for d := range dirs {
		sorted = append(sorted, d)
	}
	// A parent sorts before its children, so each Mkdir runs beneath
	// directories already checked.
	sort.Strings(sorted)
	for _, d := range sorted {
		if err := mkdirBeneath(root, d); err != nil {
			return err
		}
	}
	return nil
}

// mkdirBeneath creates root/rel unless it already is a directory. An
// existing symlink or file at rel is an error: following it would place
// entries outside root.
func mkdirBeneath(root, rel string) error {
	p := filepath.Join(root, filepath.FromSlash(rel))
	fi, err := os.Lstat(p)
	switch {
	case err == nil && fi.IsDir():
		return nil
	case err == nil:
		return execerr.NewFilesystemError("refusing to create entries beneath a non-directory", nil).
			WithDetail("path", rel).
			WithDetail("mode", fi.Mode().String())
	case !errors.Is(err, fs.ErrNotExist):
		return execerr.NewFilesystemError("failed to stat directory", err).WithDetail("path", rel)
	}
	if err := os.Mkdir(p, 0o755); err != nil {
		return execerr.NewFilesystemError("failed to create directory", err).WithDetail("path", rel)
	}
	return nil
}

// place creates one file or symlink. The parent directory must exist.
func (m *Materializer) place(ctx context.Context, root string, e depset.FileEntry, c *counter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := filepath.Join(root, filepath.FromSlash(e.Path))

	switch e.Kind {
	case depset.KindSymlink:
		if err := os.Symlink(e.Target, dst); err != nil {
			return execerr.NewFilesystemError("failed to create symlink", err).WithDetail("path", e.Path)
		}
		c.add(methodNone, 0)
		return nil
	case depset.KindDirectory:
		return mkdirBeneath(root, e.Path)
	}

	mode := fs.FileMode(0o444)
	if e.Executable {
		mode = 0o555
	}

	if lf, ok := m.store.(cas.LocalFiles); ok {
		src, err := lf.Path(ctx, e.Digest, e.Executable)
		switch {
		case err == nil:
			used, err := m.linker.place(src, dst, mode)
			if err != nil {
				return execerr.NewFilesystemError("failed to place file", err).WithDetail("path", e.Path)
			}
			var n int64
			if used == methodCopy {
				if fi, err := os.Lstat(dst); err == nil {
					n = fi.Size()
				}
			}
			c.add(used, n)
			return nil
		case !errors.Is(err, cas.ErrNoLocalFiles):
			return err
		}
	}

	rc, err := m.store.Open(ctx, e.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()
	cr := &countingReader{r: &ctxReader{ctx: ctx, r: rc}}
	if err := writeFile(cr, dst, mode); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return execerr.NewFilesystemError("failed to write file", err).WithDetail("path", e.Path)
	}
	c.add(methodCopy, cr.n)
	return nil
}

type countingReader struct {
	r interface{ Read([]byte) (int, error) }
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// applyDelta mutates a committed root in place. Removed and changed
// entries are unlinked first; directories that no entry needs any more are
// pruned; then changed and added entries are placed.
func (m *Materializer) applyDelta(ctx context.Context, root string, delta depset.Delta, next []depset.FileEntry, stats *Stats) error {
	var stale []depset.FileEntry
	stale = append(stale, delta.Removed...)
	stale = append(stale, delta.Changed...)

	// Deepest paths first so directories are emptied before removal.
	sort.Slice(stale, func(i, j int) bool {
		return strings.Count(stale[i].Path, "/") > strings.Count(stale[j].Path, "/")
	})

	needed := requiredDirs(next)
	for _, e := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := filepath.Join(root, filepath.FromSlash(e.Path))
		fi, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return execerr.NewFilesystemError("failed to stat stale entry", err).WithDetail("path", e.Path)
		}
		if fi.IsDir() {
			if needed[e.Path] {
				continue
			}
			if err := os.Remove(p); err != nil && !isNotEmpty(err) {
				return execerr.NewFilesystemError("failed to remove directory", err).WithDetail("path", e.Path)
			}
			continue
		}
		if err := os.Remove(p); err != nil {
			return execerr.NewFilesystemError("failed to remove file", err).WithDetail("path", e.Path)
		}
	}
	pruneDirs(root, delta.Removed, needed)

	var place []depset.FileEntry
	place = append(place, delta.Changed...)
	place = append(place, delta.Added...)
	return m.populate(ctx, root, place, stats)
}

// requiredDirs returns explicit directories and all parents of next.
func requiredDirs(next []depset.FileEntry) map[string]bool {
	dirs := make(map[string]bool)
	for _, e := range next {
		if e.Kind == depset.KindDirectory {
			dirs[e.Path] = true
		}
		for d := path.Dir(e.Path); d != "." && !dirs[d]; d = path.Dir(d) {
			dirs[d] = true
		}
	}
	return dirs
}

// pruneDirs removes now-empty implicit parent directories of removed
// entries.
func pruneDirs(root string, removed []depset.FileEntry, needed map[string]bool) {
	candidates := make(map[string]bool)
	for _, e := range removed {
		for d := path.Dir(e.Path); d != "."; d = path.Dir(d) {
			if needed[d] {
				break
			}
			candidates[d] = true
		}
	}
	sorted := make([]string, 0, len(candidates))
	for d := range candidates {
		sorted = append(sorted, d)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return strings.Count(sorted[i], "/") > strings.Count(sorted[j], "/")
	})
	for _, d := range sorted {
		_ = os.Remove(filepath.Join(root, filepath.FromSlash(d)))
	}
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST)
}

// removeTree deletes a tree whose files and directories may be read-only.
func removeTree(root string) {
	if err := os.RemoveAll(root); err == nil {
		return
	}
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o755)
		}
		return nil
	})
	_ = os.RemoveAll(root)
}

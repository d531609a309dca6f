package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// Output is a declared output path relative to the action root.
type Output struct {
	Path     string `json:"path"`
	Optional bool   `json:"optional,omitempty"`
}

// stream collects a bounded prefix of a process stream plus its last
// tail bytes. Writes never fail so a chatty process is not killed by a
// full buffer.
type stream struct {
	mu        sync.Mutex
	limit     int64
	buf       []byte
	tailSize  int
	tail      []byte
	total     int64
	truncated bool
}

func newStream(limit int64, tailSize int) *stream {
	return &stream{limit: limit, tailSize: tailSize}
}

func (s *stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total += int64(len(p))
	if room := s.limit - int64(len(s.buf)); room > 0 {
		n := min(int64(len(p)), room)
		s.buf = append(s.buf, p[:n]...)
		if n < int64(len(p)) {
			s.truncated = true
		}
	} else if len(p) > 0 {
		s.truncated = true
	}

	if s.tailSize > 0 {
		s.tail = append(s.tail, p...)
		if over := len(s.tail) - s.tailSize; over > 0 {
			s.tail = append(s.tail[:0], s.tail[over:]...)
		}
	}
	return len(p), nil
}

func (s *stream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

func (s *stream) Tail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.tail)
}

func (s *stream) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// captureOutputs hashes every declared output found under root into store
// and returns them as a DepSet. Directories are captured recursively. An
// absent non-optional output fails with MissingOutput.
func captureOutputs(ctx context.Context, store cas.Store, root string, outputs []Output, workers int) (*depset.DepSet, error) {
	var (
		entries []depset.FileEntry
		files   []int
		seen    = make(map[string]bool)
	)
	add := func(e depset.FileEntry) {
		if seen[e.Path] {
			return
		}
		seen[e.Path] = true
		if e.Kind == depset.KindRegular {
			files = append(files, len(entries))
		}
		entries = append(entries, e)
	}

	for _, out := range outputs {
		host := filepath.Join(root, filepath.FromSlash(out.Path))
		info, err := os.Lstat(host)
		if errors.Is(err, fs.ErrNotExist) {
			if out.Optional {
				continue
			}
			return nil, execerr.NewMissingOutput(out.Path)
		}
		if err != nil {
			return nil, execerr.NewFilesystemError(fmt.Sprintf("failed to stat output %s", out.Path), err)
		}

		if !info.IsDir() {
			e, err := describe(host, out.Path, info)
			if err != nil {
				return nil, err
			}
			add(e)
			continue
		}

		err = filepath.WalkDir(host, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if d.IsDir() {
				if empty, err := isEmptyDir(p); err != nil {
					return err
				} else if empty {
					add(depset.Directory(rel))
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			e, err := describe(p, rel, info)
			if err != nil {
				return err
			}
			add(e)
			return nil
		})
		if err != nil {
			if _, ok := execerr.As(err); ok {
				return nil, err
			}
			return nil, execerr.NewFilesystemError(fmt.Sprintf("failed to walk output %s", out.Path), err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, i := range files {
		g.Go(func() error {
			host := filepath.Join(root, filepath.FromSlash(entries[i].Path))
			info, err := cas.PutFile(gctx, store, host)
			if err != nil {
				if _, ok := execerr.As(err); ok {
					return err
				}
				return execerr.NewFilesystemError(fmt.Sprintf("failed to capture output %s", entries[i].Path), err)
			}
			entries[i].Digest = info.Digest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return depset.Leaf(entries)
}

// describe builds the entry for one non-directory output. Regular file
// digests are filled in later.
func describe(host, rel string, info fs.FileInfo) (depset.FileEntry, error) {
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(host)
		if err != nil {
			return depset.FileEntry{}, execerr.NewFilesystemError(fmt.Sprintf("failed to read symlink %s", rel), err)
		}
		return depset.Symlink(rel, filepath.ToSlash(target)), nil
	case info.Mode().IsRegular():
		return depset.FileEntry{
			Path:       path.Clean(rel),
			Kind:       depset.KindRegular,
			Executable: info.Mode().Perm()&0o111 != 0,
		}, nil
	default:
		return depset.FileEntry{}, execerr.NewFilesystemError(
			fmt.Sprintf("output %s is not a regular file, symlink or directory", rel), nil)
	}
}

func isEmptyDir(p string) (bool, error) {
	f, err := os.Open(p)
	if err != nil {
		return false, err
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return len(names) == 0, err
}

package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

const (
	contentDir = "content"
	execDir    = "exec"
	tmpDir     = "tmp"
)

// DiskStore keeps blobs under root/content/sha256/<ab>/<hex> as read-only
// files. Executable variants live under root/exec with the same layout so
// both can be used directly as hard link sources.
type DiskStore struct {
	root   string
	logger zerolog.Logger
}

// DiskOption configures a DiskStore.
type DiskOption func(*DiskStore)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) DiskOption {
	return func(s *DiskStore) { s.logger = l.With().Str("component", "cas").Logger() }
}

// NewDiskStore opens or creates a store rooted at root.
func NewDiskStore(root string, opts ...DiskOption) (*DiskStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root: %w", err)
	}
	s := &DiskStore{root: abs, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{
		filepath.Join(abs, contentDir, digest.Algorithm),
		filepath.Join(abs, execDir, digest.Algorithm),
		filepath.Join(abs, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, execerr.NewFilesystemError("failed to create store directory", err)
		}
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *DiskStore) Root() string {
	return s.root
}

func (s *DiskStore) blobPath(kind string, d digest.Digest) string {
	hex := d.String()
	return filepath.Join(s.root, kind, digest.Algorithm, hex[:2], hex)
}

// Has reports whether d is present.
func (s *DiskStore) Has(_ context.Context, d digest.Digest) (bool, error) {
	_, err := os.Lstat(s.blobPath(contentDir, d))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, execerr.NewFilesystemError("failed to stat blob", err)
	}
}

// Stat returns the blob's size.
func (s *DiskStore) Stat(_ context.Context, d digest.Digest) (Info, error) {
	fi, err := os.Lstat(s.blobPath(contentDir, d))
	if err != nil {
		return Info{}, s.mapErr(d, err)
	}
	return Info{Digest: d, Size: fi.Size()}, nil
}

// Open returns a reader for the blob.
func (s *DiskStore) Open(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(contentDir, d))
	if err != nil {
		return nil, s.mapErr(d, err)
	}
	return f, nil
}

// Put copies r into a temporary file while hashing it, then renames it into
// place unless the digest is already stored.
func (s *DiskStore) Put(ctx context.Context, r io.Reader) (Info, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "put-*")
	if err != nil {
		return Info{}, execerr.NewFilesystemError("failed to create temp blob", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	d, n, err := digest.FromReader(io.TeeReader(&ctxReader{ctx: ctx, r: r}, tmp))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return Info{}, ctx.Err()
		}
		return Info{}, execerr.NewFilesystemError("failed to write blob", err)
	}

	info := Info{Digest: d, Size: n}
	if err := s.commit(tmpName, s.blobPath(contentDir, d), 0o444); err != nil {
		return Info{}, err
	}
	return info, nil
}

// commit moves tmpName to final with mode, keeping an existing final file.
func (s *DiskStore) commit(tmpName, final string, mode fs.FileMode) error {
	if _, err := os.Lstat(final); err == nil {
		return nil
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return execerr.NewFilesystemError("failed to chmod blob", err)
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return execerr.NewFilesystemError("failed to create shard directory", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return execerr.NewFilesystemError("failed to commit blob", err)
	}
	s.logger.Trace().Str("path", final).Msg("blob stored")
	return nil
}

// Path returns a local read-only file for d. The executable variant is
// created on first request.
func (s *DiskStore) Path(ctx context.Context, d digest.Digest, executable bool) (string, error) {
	plain := s.blobPath(contentDir, d)
	if _, err := os.Lstat(plain); err != nil {
		return "", s.mapErr(d, err)
	}
	if !executable {
		return plain, nil
	}

	execPath := s.blobPath(execDir, d)
	if _, err := os.Lstat(execPath); err == nil {
		return execPath, nil
	}

	src, err := os.Open(plain)
	if err != nil {
		return "", s.mapErr(d, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "exec-*")
	if err != nil {
		return "", execerr.NewFilesystemError("failed to create temp blob", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", execerr.NewFilesystemError("failed to copy executable blob", err)
	}
	if err := s.commit(tmpName, execPath, 0o555); err != nil {
		return "", err
	}
	return execPath, nil
}

func (s *DiskStore) mapErr(d digest.Digest, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return execerr.NewContentMissing(d.String(), err)
	}
	return execerr.NewFilesystemError("failed to access blob", err)
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

package cas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/transports/ssh"
)

// RemoteStore keeps blobs on a remote host reached over SFTP, using the
// same layout as DiskStore.
type RemoteStore struct {
	client *ssh.Client
	root   string
	logger zerolog.Logger
}

// NewRemoteStore creates a store under root on the host client is
// configured for. The connection is established lazily.
func NewRemoteStore(client *ssh.Client, root string, logger zerolog.Logger) *RemoteStore {
	return &RemoteStore{
		client: client,
		root:   root,
		logger: logger.With().Str("component", "cas-remote").Logger(),
	}
}

func (s *RemoteStore) sftp(ctx context.Context) (*sftp.Client, error) {
	if !s.client.IsConnected() {
		if err := s.client.Connect(ctx); err != nil {
			return nil, execerr.NewStoreUnavailable("failed to connect to remote store", err)
		}
	}
	sc, err := s.client.SFTP()
	if err != nil {
		return nil, execerr.NewStoreUnavailable("failed to open remote store session", err)
	}
	return sc, nil
}

func (s *RemoteStore) blobPath(d digest.Digest) string {
	hex := d.String()
	return path.Join(s.root, contentDir, digest.Algorithm, hex[:2], hex)
}

func (s *RemoteStore) mapErr(d digest.Digest, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return execerr.NewContentMissing(d.String(), err)
	}
	return execerr.NewStoreUnavailable("remote store request failed", err)
}

func (s *RemoteStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	sc, err := s.sftp(ctx)
	if err != nil {
		return false, err
	}
	_, err = sc.Lstat(s.blobPath(d))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, s.mapErr(d, err)
	}
}

func (s *RemoteStore) Stat(ctx context.Context, d digest.Digest) (Info, error) {
	sc, err := s.sftp(ctx)
	if err != nil {
		return Info{}, err
	}
	fi, err := sc.Lstat(s.blobPath(d))
	if err != nil {
		return Info{}, s.mapErr(d, err)
	}
	return Info{Digest: d, Size: fi.Size()}, nil
}

func (s *RemoteStore) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	sc, err := s.sftp(ctx)
	if err != nil {
		return nil, err
	}
	f, err := sc.Open(s.blobPath(d))
	if err != nil {
		return nil, s.mapErr(d, err)
	}
	return f, nil
}

// Put uploads to a temporary name while hashing, then renames into place.
func (s *RemoteStore) Put(ctx context.Context, r io.Reader) (Info, error) {
	sc, err := s.sftp(ctx)
	if err != nil {
		return Info{}, err
	}
	tmpDirPath := path.Join(s.root, tmpDir)
	if err := sc.MkdirAll(tmpDirPath); err != nil {
		return Info{}, execerr.NewStoreUnavailable("failed to create remote temp directory", err)
	}
	tmpName := path.Join(tmpDirPath, "put-"+uuid.New().String())

	f, err := sc.Create(tmpName)
	if err != nil {
		return Info{}, execerr.NewStoreUnavailable("failed to create remote temp blob", err)
	}
	d, n, err := digest.FromReader(io.TeeReader(&ctxReader{ctx: ctx, r: r}, f))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sc.Remove(tmpName)
		if ctx.Err() != nil {
			return Info{}, ctx.Err()
		}
		return Info{}, execerr.NewStoreUnavailable("failed to upload blob", err)
	}

	final := s.blobPath(d)
	if _, err := sc.Lstat(final); err == nil {
		_ = sc.Remove(tmpName)
		return Info{Digest: d, Size: n}, nil
	}
	if err := sc.MkdirAll(path.Dir(final)); err != nil {
		_ = sc.Remove(tmpName)
		return Info{}, execerr.NewStoreUnavailable("failed to create remote shard", err)
	}
	_ = sc.Chmod(tmpName, 0o444)
	if err := sc.PosixRename(tmpName, final); err != nil {
		// The server may not support the posix-rename extension.
		if rerr := sc.Rename(tmpName, final); rerr != nil {
			_ = sc.Remove(tmpName)
			if ok, _ := s.Has(ctx, d); ok {
				return Info{Digest: d, Size: n}, nil
			}
			return Info{}, execerr.NewStoreUnavailable(fmt.Sprintf("failed to commit blob %s", d.Short()), rerr)
		}
	}
	s.logger.Debug().Str("digest", d.Short()).Int64("size", n).Msg("blob uploaded")
	return Info{Digest: d, Size: n}, nil
}

package cas

import (
	"context"
	"io"

	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// TieredStore is a local read-through cache in front of a remote store.
// Writes go to both tiers.
type TieredStore struct {
	local  *DiskStore
	remote Store
}

// NewTieredStore layers local in front of remote.
func NewTieredStore(local *DiskStore, remote Store) *TieredStore {
	return &TieredStore{local: local, remote: remote}
}

func (s *TieredStore) Has(ctx context.Context, d digest.Digest) (bool, error) {
	if ok, err := s.local.Has(ctx, d); err != nil || ok {
		return ok, err
	}
	return s.remote.Has(ctx, d)
}

func (s *TieredStore) Stat(ctx context.Context, d digest.Digest) (Info, error) {
	info, err := s.local.Stat(ctx, d)
	if err == nil || !execerr.IsContentMissing(err) {
		return info, err
	}
	return s.remote.Stat(ctx, d)
}

func (s *TieredStore) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	if err := s.fetch(ctx, d); err != nil {
		return nil, err
	}
	return s.local.Open(ctx, d)
}

func (s *TieredStore) Put(ctx context.Context, r io.Reader) (Info, error) {
	info, err := s.local.Put(ctx, r)
	if err != nil {
		return Info{}, err
	}
	if ok, err := s.remote.Has(ctx, info.Digest); err == nil && ok {
		return info, nil
	}
	rc, err := s.local.Open(ctx, info.Digest)
	if err != nil {
		return Info{}, err
	}
	defer rc.Close()
	if _, err := s.remote.Put(ctx, rc); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Path fetches d into the local tier if needed and returns its local file.
func (s *TieredStore) Path(ctx context.Context, d digest.Digest, executable bool) (string, error) {
	if err := s.fetch(ctx, d); err != nil {
		return "", err
	}
	return s.local.Path(ctx, d, executable)
}

func (s *TieredStore) fetch(ctx context.Context, d digest.Digest) error {
	ok, err := s.local.Has(ctx, d)
	if err != nil || ok {
		return err
	}
	rc, err := s.remote.Open(ctx, d)
	if err != nil {
		return err
	}
	defer rc.Close()
	info, err := s.local.Put(ctx, rc)
	if err != nil {
		return err
	}
	if info.Digest != d {
		return execerr.NewContentMissing(d.String(), nil).WithDetail("reason", "remote content hash mismatch")
	}
	return nil
}

package cas

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// MemoryStore keeps blobs in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[digest.Digest][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[digest.Digest][]byte)}
}

func (s *MemoryStore) Has(_ context.Context, d digest.Digest) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[d]
	return ok, nil
}

func (s *MemoryStore) Stat(_ context.Context, d digest.Digest) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[d]
	if !ok {
		return Info{}, execerr.NewContentMissing(d.String(), nil)
	}
	return Info{Digest: d, Size: int64(len(b))}, nil
}

func (s *MemoryStore) Open(_ context.Context, d digest.Digest) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[d]
	if !ok {
		return nil, execerr.NewContentMissing(d.String(), nil)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *MemoryStore) Put(ctx context.Context, r io.Reader) (Info, error) {
	b, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return Info{}, err
	}
	d := digest.FromBytes(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[d]; !ok {
		s.blobs[d] = b
	}
	return Info{Digest: d, Size: int64(len(b))}, nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

package cas

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/openfroyo/hermit/pkg/digest"
)

// Op names a store operation for instrumentation.
type Op string

const (
	OpHas  Op = "has"
	OpStat Op = "stat"
	OpOpen Op = "open"
	OpPut  Op = "put"
	OpPath Op = "path"
)

// Observer receives every store operation with the byte count when known.
type Observer func(op Op, bytes int64)

// Instrumented wraps a Store, counting calls and forwarding them to an
// optional observer.
type Instrumented struct {
	inner    Store
	observer Observer

	has, stat, open, put, path atomic.Int64
}

// NewInstrumented wraps inner. observer may be nil.
func NewInstrumented(inner Store, observer Observer) *Instrumented {
	return &Instrumented{inner: inner, observer: observer}
}

func (s *Instrumented) observe(op Op, n int64) {
	if s.observer != nil {
		s.observer(op, n)
	}
}

func (s *Instrumented) Has(ctx context.Context, d digest.Digest) (bool, error) {
	s.has.Add(1)
	s.observe(OpHas, 0)
	return s.inner.Has(ctx, d)
}

func (s *Instrumented) Stat(ctx context.Context, d digest.Digest) (Info, error) {
	s.stat.Add(1)
	s.observe(OpStat, 0)
	return s.inner.Stat(ctx, d)
}

func (s *Instrumented) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	s.open.Add(1)
	rc, err := s.inner.Open(ctx, d)
	if err == nil {
		if info, serr := s.inner.Stat(ctx, d); serr == nil {
			s.observe(OpOpen, info.Size)
		}
	}
	return rc, err
}

func (s *Instrumented) Put(ctx context.Context, r io.Reader) (Info, error) {
	s.put.Add(1)
	info, err := s.inner.Put(ctx, r)
	if err == nil {
		s.observe(OpPut, info.Size)
	}
	return info, err
}

// Path forwards to the inner store when it keeps local files.
func (s *Instrumented) Path(ctx context.Context, d digest.Digest, executable bool) (string, error) {
	lf, ok := s.inner.(LocalFiles)
	if !ok {
		return "", ErrNoLocalFiles
	}
	s.path.Add(1)
	s.observe(OpPath, 0)
	return lf.Path(ctx, d, executable)
}

// Unwrap returns the wrapped store.
func (s *Instrumented) Unwrap() Store {
	return s.inner
}

// Reads returns the number of calls that fetched content (Open and Path).
func (s *Instrumented) Reads() int64 {
	return s.open.Load() + s.path.Load()
}

// Calls returns the total number of calls.
func (s *Instrumented) Calls() int64 {
	return s.has.Load() + s.stat.Load() + s.open.Load() + s.put.Load() + s.path.Load()
}

// Puts returns the number of Put calls.
func (s *Instrumented) Puts() int64 {
	return s.put.Load()
}

// Reset zeroes all counters.
func (s *Instrumented) Reset() {
	s.has.Store(0)
	s.stat.Store(0)
	s.open.Store(0)
	s.put.Store(0)
	s.path.Store(0)
}

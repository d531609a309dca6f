// Package cas implements the content store: an append-only mapping from a
// content digest to file bytes.
//
// Writes are insert-if-absent. Concurrent writes of the same digest carry
// identical bytes and race harmlessly.
package cas

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openfroyo/hermit/pkg/digest"
)

// Info describes a stored blob.
type Info struct {
	Digest digest.Digest `json:"digest"`
	Size   int64         `json:"size"`
}

// Store is the content store contract. Missing content is reported as a
// ContentMissing error; an unreachable backend as StoreUnavailable.
type Store interface {
	// Has reports whether d is present.
	Has(ctx context.Context, d digest.Digest) (bool, error)

	// Stat returns the blob's size.
	Stat(ctx context.Context, d digest.Digest) (Info, error)

	// Open returns a reader for the blob.
	Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error)

	// Put stores everything read from r and returns its digest.
	Put(ctx context.Context, r io.Reader) (Info, error)
}

// LocalFiles is implemented by stores that keep blobs as local files which
// can serve as hard link or clone sources. Stored files are read-only;
// executable selects a variant with the execute bits set.
type LocalFiles interface {
	Path(ctx context.Context, d digest.Digest, executable bool) (string, error)
}

// ErrNoLocalFiles is returned by wrappers whose inner store cannot provide
// local files. Callers fall back to copying through Open.
var ErrNoLocalFiles = errors.New("store does not keep local files")

// Get reads a whole blob.
func Get(ctx context.Context, s Store, d digest.Digest) ([]byte, error) {
	rc, err := s.Open(ctx, d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", d.Short(), err)
	}
	return data, nil
}

// PutBytes stores b.
func PutBytes(ctx context.Context, s Store, b []byte) (digest.Digest, error) {
	info, err := s.Put(ctx, bytes.NewReader(b))
	return info.Digest, err
}

// PutFile stores the contents of a local file.
func PutFile(ctx context.Context, s Store, path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return s.Put(ctx, f)
}

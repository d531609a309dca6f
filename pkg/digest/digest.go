// Package digest provides the content hash used to address file contents,
// DepSet nodes and action fingerprints.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// Size is the length of a Digest in bytes.
const Size = sha256.Size

// Algorithm names the hash function. It is used as a path component in
// on-disk layouts.
const Algorithm = "sha256"

// Digest is a SHA-256 content hash. Equal digests imply equal bytes.
type Digest [Size]byte

// Zero is the all-zero digest, used as "no content".
var Zero Digest

// FromBytes hashes b.
func FromBytes(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// FromString hashes s.
func FromString(s string) Digest {
	return FromBytes([]byte(s))
}

// FromReader hashes everything read from r and returns the digest and the
// number of bytes consumed.
func FromReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Zero, n, err
	}
	var d Digest
	h.Sum(d[:0])
	return d, n, nil
}

// Parse decodes a hex encoded digest.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != hex.EncodedLen(Size) {
		return d, fmt.Errorf("invalid digest length %d", len(s))
	}
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return d, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters, for logs.
func (d Digest) Short() string {
	return d.String()[:12]
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Zero
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Hasher builds a digest over a sequence of typed, length-prefixed fields, so
// that distinct field sequences can never produce the same byte stream.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a Hasher whose stream starts with domain, which separates
// unrelated uses of the same field layout.
func NewHasher(domain string) *Hasher {
	hs := &Hasher{h: sha256.New()}
	hs.String(domain)
	return hs
}

// Tag writes a single discriminator byte.
func (hs *Hasher) Tag(b byte) *Hasher {
	hs.h.Write([]byte{b})
	return hs
}

// Uint writes a fixed width integer.
func (hs *Hasher) Uint(v uint64) *Hasher {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	hs.h.Write(buf[:])
	return hs
}

// Bool writes a boolean.
func (hs *Hasher) Bool(v bool) *Hasher {
	if v {
		return hs.Tag(1)
	}
	return hs.Tag(0)
}

// String writes a length-prefixed string.
func (hs *Hasher) String(s string) *Hasher {
	hs.Uint(uint64(len(s)))
	io.WriteString(hs.h, s)
	return hs
}

// Strings writes a count followed by each string.
func (hs *Hasher) Strings(ss []string) *Hasher {
	hs.Uint(uint64(len(ss)))
	for _, s := range ss {
		hs.String(s)
	}
	return hs
}

// Digest writes another digest.
func (hs *Hasher) Digest(d Digest) *Hasher {
	hs.h.Write(d[:])
	return hs
}

// Sum returns the accumulated digest.
func (hs *Hasher) Sum() Digest {
	var d Digest
	hs.h.Sum(d[:0])
	return d
}

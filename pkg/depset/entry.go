package depset

import (
	"fmt"
	"path"
	"strings"

	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// EntryKind is the kind of filesystem object a FileEntry describes.
type EntryKind string

const (
	// KindRegular is a regular file whose bytes live in the content store.
	KindRegular EntryKind = "file"

	// KindSymlink is a symbolic link; Target holds the link text.
	KindSymlink EntryKind = "symlink"

	// KindDirectory is an explicit, possibly empty, directory.
	KindDirectory EntryKind = "dir"
)

// FileEntry is one content-addressed file reference. Immutable once created.
type FileEntry struct {
	// Path is relative, slash separated and clean.
	Path string `json:"path"`

	// Kind is the entry kind.
	Kind EntryKind `json:"kind"`

	// Digest is the content hash of a regular file.
	Digest digest.Digest `json:"digest,omitzero"`

	// Executable marks a regular file as executable.
	Executable bool `json:"executable,omitempty"`

	// Target is the symlink target.
	Target string `json:"target,omitempty"`
}

// File returns a regular file entry.
func File(p string, d digest.Digest, executable bool) FileEntry {
	return FileEntry{Path: p, Kind: KindRegular, Digest: d, Executable: executable}
}

// Symlink returns a symlink entry.
func Symlink(p, target string) FileEntry {
	return FileEntry{Path: p, Kind: KindSymlink, Target: target}
}

// Directory returns a directory placeholder entry.
func Directory(p string) FileEntry {
	return FileEntry{Path: p, Kind: KindDirectory}
}

// SameContent reports whether e and o would materialize identically. The
// path is not compared.
func (e FileEntry) SameContent(o FileEntry) bool {
	return e.Kind == o.Kind && e.Digest == o.Digest && e.Executable == o.Executable && e.Target == o.Target
}

// Validate checks the entry's path and kind-specific fields.
func (e FileEntry) Validate() error {
	if err := ValidatePath(e.Path); err != nil {
		return err
	}
	switch e.Kind {
	case KindRegular:
		if e.Digest.IsZero() {
			return execerr.NewInvalidEntry(fmt.Sprintf("file %q has no digest", e.Path), nil)
		}
		if e.Target != "" {
			return execerr.NewInvalidEntry(fmt.Sprintf("file %q has a symlink target", e.Path), nil)
		}
	case KindSymlink:
		if e.Target == "" {
			return execerr.NewInvalidEntry(fmt.Sprintf("symlink %q has no target", e.Path), nil)
		}
	case KindDirectory:
		if !e.Digest.IsZero() || e.Target != "" {
			return execerr.NewInvalidEntry(fmt.Sprintf("directory %q carries file data", e.Path), nil)
		}
	default:
		return execerr.NewInvalidEntry(fmt.Sprintf("entry %q has unknown kind %q", e.Path, e.Kind), nil)
	}
	return nil
}

// ValidatePath checks that p is a clean, relative, slash separated path that
// stays inside its root.
func ValidatePath(p string) error {
	switch {
	case p == "" || p == ".":
		return execerr.NewInvalidEntry("empty path", nil).WithCode(execerr.ErrCodeInvalidPath)
	case strings.HasPrefix(p, "/"):
		return execerr.NewInvalidEntry(fmt.Sprintf("absolute path %q", p), nil).WithCode(execerr.ErrCodeInvalidPath)
	case path.Clean(p) != p:
		return execerr.NewInvalidEntry(fmt.Sprintf("path %q is not clean", p), nil).WithCode(execerr.ErrCodeInvalidPath)
	case p == ".." || strings.HasPrefix(p, "../"):
		return execerr.NewInvalidEntry(fmt.Sprintf("path %q escapes root", p), nil).WithCode(execerr.ErrCodeInvalidPath)
	case strings.ContainsRune(p, 0):
		return execerr.NewInvalidEntry("path contains NUL", nil).WithCode(execerr.ErrCodeInvalidPath)
	}
	return nil
}

func (e FileEntry) hashInto(h *digest.Hasher) {
	h.String(e.Path).String(string(e.Kind))
	switch e.Kind {
	case KindRegular:
		h.Digest(e.Digest).Bool(e.Executable)
	case KindSymlink:
		h.String(e.Target)
	}
}

func (e FileEntry) withPrefix(prefix string) FileEntry {
	e.Path = path.Join(prefix, e.Path)
	return e
}

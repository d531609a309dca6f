// Package depset implements DepSet, an immutable and persistent tree of
// content-addressed file references.
//
// Leaves hold an ordered list of entries with unique paths. Interior nodes
// reference other DepSets without copying them, so merging is O(1) and large
// transitive input sets share structure across actions. Every node is
// identified by a structural hash computed from its own contents and its
// children's hashes.
//
// Flattening walks the tree left to right. When two entries share a path the
// entry keeps the position of its first occurrence and takes the value of
// the last one.
package depset

import (
	"fmt"
	"iter"
	"path"
	"regexp"
	"strings"

	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

type nodeKind uint8

const (
	nodeLeaf nodeKind = iota + 1
	nodeMerge
	nodeMount
	nodeFilter
)

func (k nodeKind) String() string {
	switch k {
	case nodeLeaf:
		return "leaf"
	case nodeMerge:
		return "merge"
	case nodeMount:
		return "mount"
	case nodeFilter:
		return "filter"
	}
	return "unknown"
}

// DepSet is an immutable node. The zero value is not valid; use Empty, Leaf,
// Merge, MergeAt or Filter.
type DepSet struct {
	kind     nodeKind
	hash     digest.Digest
	entries  []FileEntry
	children []*DepSet

	// mount and filter nodes
	prefix   string
	patterns []*regexp.Regexp
}

var empty = &DepSet{kind: nodeLeaf, hash: leafHash(nil)}

// Empty returns the DepSet with no entries.
func Empty() *DepSet {
	return empty
}

// Leaf builds a DepSet from an ordered list of entries. Two entries sharing
// a path, or a file entry that is also the parent of another entry, fail
// with InvalidEntry.
func Leaf(entries []FileEntry) (*DepSet, error) {
	if len(entries) == 0 {
		return empty, nil
	}
	seen := make(map[string]EntryKind, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[e.Path]; dup {
			return nil, execerr.NewInvalidEntry(fmt.Sprintf("duplicate path %q in leaf", e.Path), nil).
				WithCode(execerr.ErrCodeDuplicatePath)
		}
		seen[e.Path] = e.Kind
	}
	for p := range seen {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if kind, ok := seen[dir]; ok && kind != KindDirectory {
				return nil, execerr.NewInvalidEntry(fmt.Sprintf("%q is nested under non-directory %q", p, dir), nil)
			}
		}
	}
	own := make([]FileEntry, len(entries))
	copy(own, entries)
	return &DepSet{kind: nodeLeaf, hash: leafHash(own), entries: own}, nil
}

// MustLeaf is like Leaf but panics on error.
func MustLeaf(entries ...FileEntry) *DepSet {
	ds, err := Leaf(entries)
	if err != nil {
		panic(err)
	}
	return ds
}

// Merge returns a DepSet whose flattened content is the children's content
// in order, later children winning on path collisions. Empty children are
// dropped; merging a single child returns it unchanged.
func Merge(children ...*DepSet) *DepSet {
	kept := make([]*DepSet, 0, len(children))
	for _, c := range children {
		if c == nil || c.hash == empty.hash {
			continue
		}
		kept = append(kept, c)
	}
	switch len(kept) {
	case 0:
		return empty
	case 1:
		return kept[0]
	}
	h := digest.NewHasher("hermit.depset.merge").Uint(uint64(len(kept)))
	for _, c := range kept {
		h.Digest(c.hash)
	}
	return &DepSet{kind: nodeMerge, hash: h.Sum(), children: kept}
}

// MergeAt re-roots child under mount, so an entry "a/b" becomes "mount/a/b".
func MergeAt(mount string, child *DepSet) (*DepSet, error) {
	if mount == "" || mount == "." {
		return child, nil
	}
	if err := ValidatePath(mount); err != nil {
		return nil, err
	}
	if child.hash == empty.hash {
		return empty, nil
	}
	h := digest.NewHasher("hermit.depset.mount").String(mount).Digest(child.hash)
	return &DepSet{kind: nodeMount, hash: h.Sum(), prefix: mount, children: []*DepSet{child}}, nil
}

// Filter keeps the entries of child whose path is under prefix and matches
// at least one of patterns. An empty prefix selects everything; no patterns
// keeps every entry under prefix.
func Filter(child *DepSet, prefix string, patterns ...string) (*DepSet, error) {
	if prefix != "" {
		if err := ValidatePath(prefix); err != nil {
			return nil, err
		}
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, execerr.NewInvalidEntry(fmt.Sprintf("invalid filter pattern %q", p), err)
		}
		compiled = append(compiled, re)
	}
	h := digest.NewHasher("hermit.depset.filter").String(prefix).Strings(patterns).Digest(child.hash)
	return &DepSet{kind: nodeFilter, hash: h.Sum(), prefix: prefix, patterns: compiled, children: []*DepSet{child}}, nil
}

func leafHash(entries []FileEntry) digest.Digest {
	h := digest.NewHasher("hermit.depset.leaf").Uint(uint64(len(entries)))
	for _, e := range entries {
		e.hashInto(h)
	}
	return h.Sum()
}

// Hash returns the structural hash.
func (d *DepSet) Hash() digest.Digest {
	return d.hash
}

// IsEmpty reports whether d is the empty DepSet.
func (d *DepSet) IsEmpty() bool {
	return d.hash == empty.hash
}

// Children returns the direct children of an interior node.
func (d *DepSet) Children() []*DepSet {
	return d.children
}

// String returns a short description for logs.
func (d *DepSet) String() string {
	return fmt.Sprintf("depset(%s %s)", d.kind, d.hash.Short())
}

func (d *DepSet) keeps(p string) bool {
	if d.prefix != "" && p != d.prefix && !strings.HasPrefix(p, d.prefix+"/") {
		return false
	}
	if len(d.patterns) == 0 {
		return true
	}
	for _, re := range d.patterns {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// walk yields raw entries, with duplicates, in traversal order.
func (d *DepSet) walk(yield func(FileEntry) bool) bool {
	switch d.kind {
	case nodeLeaf:
		for _, e := range d.entries {
			if !yield(e) {
				return false
			}
		}
	case nodeMerge:
		for _, c := range d.children {
			if !c.walk(yield) {
				return false
			}
		}
	case nodeMount:
		return d.children[0].walk(func(e FileEntry) bool {
			return yield(e.withPrefix(d.prefix))
		})
	case nodeFilter:
		return d.children[0].walk(func(e FileEntry) bool {
			if !d.keeps(e.Path) {
				return true
			}
			return yield(e)
		})
	}
	return true
}

// Flatten returns the deduplicated entries. Each call recomputes the result
// from the tree; nothing is cached on interior nodes.
//
// Merged children may disagree on whether a path is a directory, e.g. one
// child has a symlink "lib" and a later one a file "lib/x". Such conflicts
// resolve like duplicates: the entry written later wins and the other is
// dropped, so the result never nests an entry under a file or symlink.
func (d *DepSet) Flatten() []FileEntry {
	if d.kind == nodeLeaf {
		out := make([]FileEntry, len(d.entries))
		copy(out, d.entries)
		return out
	}
	var (
		out   []FileEntry
		order []int
		seq   int
	)
	index := make(map[string]int)
	d.walk(func(e FileEntry) bool {
		if i, ok := index[e.Path]; ok {
			out[i], order[i] = e, seq
		} else {
			index[e.Path] = len(out)
			out = append(out, e)
			order = append(order, seq)
		}
		seq++
		return true
	})
	return dropShadowed(out, order)
}

// dropShadowed removes every entry that has a conflicting entry written
// after it. Two entries conflict when one is a file or symlink and the
// other lies beneath it. order gives the write sequence of each entry; nil
// means list position.
func dropShadowed(entries []FileEntry, order []int) []FileEntry {
	blockers := make(map[string]int)
	for i, e := range entries {
		if e.Kind != KindDirectory {
			blockers[e.Path] = i
		}
	}
	if len(blockers) == 0 {
		return entries
	}
	at := func(i int) int {
		if order == nil {
			return i
		}
		return order[i]
	}

	dropped := make(map[int]bool)
	for i, e := range entries {
		for dir := path.Dir(e.Path); dir != "."; dir = path.Dir(dir) {
			j, ok := blockers[dir]
			if !ok {
				continue
			}
			if at(i) > at(j) {
				dropped[j] = true
			} else {
				dropped[i] = true
			}
		}
	}
	if len(dropped) == 0 {
		return entries
	}
	out := make([]FileEntry, 0, len(entries)-len(dropped))
	for i, e := range entries {
		if !dropped[i] {
			out = append(out, e)
		}
	}
	return out
}

// All returns a restartable sequence over the flattened entries.
func (d *DepSet) All() iter.Seq[FileEntry] {
	return func(yield func(FileEntry) bool) {
		for _, e := range d.Flatten() {
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of flattened entries.
func (d *DepSet) Len() int {
	if d.kind == nodeLeaf {
		return len(d.entries)
	}
	return len(d.Flatten())
}

// Lookup returns the flattened entry for p.
func (d *DepSet) Lookup(p string) (FileEntry, bool) {
	entries := d.entries
	if d.kind != nodeLeaf {
		entries = d.Flatten()
	}
	for _, e := range entries {
		if e.Path == p {
			return e, true
		}
	}
	return FileEntry{}, false
}

// Digests returns the distinct content digests referenced by regular files,
// in flattened order.
func (d *DepSet) Digests() []digest.Digest {
	seen := make(map[digest.Digest]bool)
	var out []digest.Digest
	for _, e := range d.Flatten() {
		if e.Kind != KindRegular || seen[e.Digest] {
			continue
		}
		seen[e.Digest] = true
		out = append(out, e.Digest)
	}
	return out
}

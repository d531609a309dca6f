package depset

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/hermit/pkg/digest"
)

// Node is the serialized form of a single DepSet node. Children are
// referenced by hash, so storing a tree means storing each distinct node
// once.
type Node struct {
	Kind     string          `json:"kind"`
	Entries  []FileEntry     `json:"entries,omitempty"`
	Children []digest.Digest `json:"children,omitempty"`
	Prefix   string          `json:"prefix,omitempty"`
	Patterns []string        `json:"patterns,omitempty"`
}

// Encode serializes the node itself, not its children.
func Encode(d *DepSet) ([]byte, error) {
	n := Node{Kind: d.kind.String(), Entries: d.entries, Prefix: d.prefix}
	for _, c := range d.children {
		n.Children = append(n.Children, c.hash)
	}
	for _, re := range d.patterns {
		n.Patterns = append(n.Patterns, re.String())
	}
	return json.Marshal(n)
}

// Resolver returns a previously decoded node by hash.
type Resolver func(digest.Digest) (*DepSet, error)

// Decode rebuilds a node from its serialized form, resolving children
// through resolve. The decoded node's hash must equal want.
func Decode(data []byte, want digest.Digest, resolve Resolver) (*DepSet, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode depset node: %w", err)
	}

	children := make([]*DepSet, 0, len(n.Children))
	for _, h := range n.Children {
		c, err := resolve(h)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve child %s: %w", h.Short(), err)
		}
		children = append(children, c)
	}

	var (
		ds  *DepSet
		err error
	)
	switch n.Kind {
	case "leaf":
		ds, err = Leaf(n.Entries)
	case "merge":
		ds = Merge(children...)
	case "mount":
		if len(children) != 1 {
			return nil, fmt.Errorf("mount node has %d children", len(children))
		}
		ds, err = MergeAt(n.Prefix, children[0])
	case "filter":
		if len(children) != 1 {
			return nil, fmt.Errorf("filter node has %d children", len(children))
		}
		ds, err = Filter(children[0], n.Prefix, n.Patterns...)
	default:
		return nil, fmt.Errorf("unknown depset node kind %q", n.Kind)
	}
	if err != nil {
		return nil, err
	}
	if ds.hash != want {
		return nil, fmt.Errorf("depset node hash mismatch: expected %s, got %s", want.Short(), ds.hash.Short())
	}
	return ds, nil
}

// Walk visits every distinct node reachable from d once, children before
// parents.
func Walk(d *DepSet, fn func(*DepSet) error) error {
	seen := make(map[digest.Digest]bool)
	var visit func(*DepSet) error
	visit = func(n *DepSet) error {
		if seen[n.hash] {
			return nil
		}
		seen[n.hash] = true
		for _, c := range n.children {
			if err := visit(c); err != nil {
				return err
			}
		}
		return fn(n)
	}
	return visit(d)
}

package depset

import (
	"fmt"
	"sync"

	"github.com/openfroyo/hermit/pkg/digest"
)

// Registry interns DepSet nodes by structural hash so that identical
// sub-trees built independently share one instance.
type Registry struct {
	mu    sync.RWMutex
	nodes map[digest.Digest]*DepSet
}

// NewRegistry creates an empty registry holding the empty DepSet.
func NewRegistry() *Registry {
	return &Registry{nodes: map[digest.Digest]*DepSet{empty.hash: empty}}
}

// Intern registers d and every node under it, returning the canonical
// instance for d's hash.
func (r *Registry) Intern(d *DepSet) *DepSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = Walk(d, func(n *DepSet) error {
		if _, ok := r.nodes[n.hash]; !ok {
			r.nodes[n.hash] = n
		}
		return nil
	})
	return r.nodes[d.hash]
}

// Get returns the node with hash h.
func (r *Registry) Get(h digest.Digest) (*DepSet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.nodes[h]
	return d, ok
}

// Resolve is a Resolver backed by the registry.
func (r *Registry) Resolve(h digest.Digest) (*DepSet, error) {
	if d, ok := r.Get(h); ok {
		return d, nil
	}
	return nil, fmt.Errorf("depset %s not registered", h.Short())
}

// Len returns the number of interned nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

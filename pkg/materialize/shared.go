package materialize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
)

// Root is a realized DepSet handed to an executor. Release must be called
// once the executor no longer reads from it.
type Root struct {
	path    string
	hash    digest.Digest
	stats   Stats
	once    sync.Once
	release func()
}

// Path returns the root directory.
func (r *Root) Path() string { return r.path }

// Hash returns the realized DepSet hash.
func (r *Root) Hash() digest.Digest { return r.hash }

// Stats returns the work performed to realize the root.
func (r *Root) Stats() Stats { return r.stats }

// Release drops the caller's reference. Safe to call more than once.
func (r *Root) Release() {
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

type sharedEntry struct {
	refs     int
	lastUsed time.Time
}

func (m *Materializer) sharedPath(h digest.Digest) string {
	hex := h.String()
	return filepath.Join(m.dir, sharedDirName, hex[:2], hex)
}

// Shared returns a reference-counted realization of ds keyed by its hash.
// Concurrent callers with the same DepSet share one tree. The tree must be
// treated as read-only.
func (m *Materializer) Shared(ctx context.Context, ds *depset.DepSet) (*Root, error) {
	h := ds.Hash()

	m.mu.Lock()
	e, ok := m.shared[h]
	if !ok {
		e = &sharedEntry{}
		m.shared[h] = e
	}
	e.refs++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		e.refs--
		e.lastUsed = time.Now()
		m.mu.Unlock()
	}

	target := m.sharedPath(h)
	stats, err := m.Materialize(ctx, target, ds)
	if err != nil {
		release()
		return nil, err
	}
	touchState(m.stateKey(target))
	return &Root{path: target, hash: h, stats: stats, release: release}, nil
}

// slotPool hands out reusable roots that are updated incrementally.
type slotPool struct {
	m      *Materializer
	sem    chan struct{}
	mu     sync.Mutex
	free   []bool
	hashes []digest.Digest
}

func newSlotPool(m *Materializer, n int) *slotPool {
	if n <= 0 {
		n = 1
	}
	p := &slotPool{m: m, sem: make(chan struct{}, n), free: make([]bool, n), hashes: make([]digest.Digest, n)}
	for i := range p.free {
		p.free[i] = true
	}
	return p
}

// pick chooses a free slot, preferring one that already holds want.
func (p *slotPool) pick(want digest.Digest) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	chosen := -1
	for i, free := range p.free {
		if !free {
			continue
		}
		if p.hashes[i] == want {
			chosen = i
			break
		}
		if chosen < 0 {
			chosen = i
		}
	}
	p.free[chosen] = false
	return chosen
}

func (p *slotPool) put(i int, h digest.Digest) {
	p.mu.Lock()
	p.free[i] = true
	p.hashes[i] = h
	p.mu.Unlock()
	<-p.sem
}

// Lease realizes ds into one of a fixed set of slot roots, reusing whatever
// the slot held before through an incremental update. It blocks while every
// slot is leased. The tree must be treated as read-only.
func (m *Materializer) Lease(ctx context.Context, ds *depset.DepSet) (*Root, error) {
	p := m.slots
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	i := p.pick(ds.Hash())
	target := filepath.Join(m.dir, slotsDirName, strconv.Itoa(i))
	stats, err := m.Materialize(ctx, target, ds)
	if err != nil {
		// The slot content is unknown; force a rebuild next time.
		p.put(i, digest.Zero)
		return nil, err
	}
	h := ds.Hash()
	return &Root{path: target, hash: h, stats: stats, release: func() { p.put(i, h) }}, nil
}

// GCOptions bounds garbage collection of shared realizations.
type GCOptions struct {
	// MaxAge removes unreferenced realizations unused for longer than this.
	// Zero removes every unreferenced realization beyond Keep.
	MaxAge time.Duration

	// Keep retains this many of the most recently used realizations
	// regardless of age.
	Keep int
}

// GCResult reports what GC removed.
type GCResult struct {
	Removed  int `json:"removed"`
	Retained int `json:"retained"`
	Staging  int `json:"staging"`
}

type gcCandidate struct {
	hash     digest.Digest
	path     string
	lastUsed time.Time
}

// GC removes shared realizations that no executor holds, and leftover
// staging or retired directories from interrupted materializations.
func (m *Materializer) GC(ctx context.Context, opts GCOptions) (GCResult, error) {
	var result GCResult
	base := filepath.Join(m.dir, sharedDirName)

	shards, err := os.ReadDir(base)
	if err != nil {
		return result, fmt.Errorf("failed to list shared realizations: %w", err)
	}

	var candidates []gcCandidate
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(base, shard.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			p := filepath.Join(base, shard.Name(), e.Name())
			if strings.Contains(e.Name(), stagingSuffix) || strings.Contains(e.Name(), retiredSuffix) {
				if m.orphaned(p) {
					removeTree(p)
					result.Staging++
				}
				continue
			}
			h, err := digest.Parse(e.Name())
			if err != nil {
				continue
			}
			candidates = append(candidates, gcCandidate{hash: h, path: p, lastUsed: m.lastUsed(h, p)})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.After(candidates[j].lastUsed)
	})

	now := time.Now()
	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if i < opts.Keep || (opts.MaxAge > 0 && now.Sub(c.lastUsed) < opts.MaxAge) {
			result.Retained++
			continue
		}
		removed, err := m.collect(ctx, c)
		if err != nil {
			return result, err
		}
		if removed {
			result.Removed++
		} else {
			result.Retained++
		}
	}

	m.logger.Info().
		Int("removed", result.Removed).
		Int("retained", result.Retained).
		Int("staging", result.Staging).
		Msg("garbage collection finished")
	return result, nil
}

// collect removes one realization under its root lock, unless it gained a
// reference in the meantime.
func (m *Materializer) collect(ctx context.Context, c gcCandidate) (bool, error) {
	unlock, err := m.locks.acquire(ctx, c.path)
	if err != nil {
		return false, err
	}
	defer unlock()

	m.mu.Lock()
	e, ok := m.shared[c.hash]
	if ok && e.refs > 0 {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.shared, c.hash)
	m.mu.Unlock()

	key := m.stateKey(c.path)
	_ = os.Remove(key + stateFileExt)
	_ = os.Remove(key + dirtyFileExt)
	removeTree(c.path)
	return true, nil
}

func (m *Materializer) lastUsed(h digest.Digest, p string) time.Time {
	m.mu.Lock()
	e, ok := m.shared[h]
	m.mu.Unlock()
	if ok && !e.lastUsed.IsZero() {
		return e.lastUsed
	}
	if fi, err := os.Stat(m.stateKey(p) + stateFileExt); err == nil {
		return fi.ModTime()
	}
	return time.Time{}
}

// orphaned reports whether a staging or retired directory belongs to no
// in-progress materialization.
func (m *Materializer) orphaned(p string) bool {
	name := filepath.Base(p)
	for _, suffix := range []string{stagingSuffix, retiredSuffix} {
		if i := strings.Index(name, suffix); i > 0 {
			return !m.locks.held(filepath.Join(filepath.Dir(p), name[:i]))
		}
	}
	return false
}

// Package materialize projects a DepSet into a real directory tree whose
// contents exactly match the DepSet's flattened entries.
//
// A target root is updated incrementally by diffing against the DepSet last
// realized there. A root whose previous update did not commit, or that has
// no recorded state, is rebuilt in a staging directory and swapped into
// place with a rename, so a partially populated tree is never recorded as
// complete.
package materialize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

const (
	stateDirName   = "state"
	sharedDirName  = "shared"
	slotsDirName   = "slots"
	stagingSuffix  = ".hermit-staging-"
	retiredSuffix  = ".hermit-retired-"
	stateFileExt   = ".json"
	dirtyFileExt   = ".dirty"
	defaultWorkers = 16
)

// Options configures a Materializer.
type Options struct {
	// Dir holds per-root state, shared realizations and slots.
	Dir string

	// Strategy selects how regular files are placed.
	Strategy Strategy

	// Parallelism bounds concurrent file operations per materialization.
	Parallelism int

	// Slots is the number of reusable roots handed out by Lease.
	Slots int

	// Logger receives debug output.
	Logger zerolog.Logger

	// Observer is called after every materialization with its stats.
	Observer func(Stats)
}

// Stats describes the work one materialization performed.
type Stats struct {
	Root     string        `json:"root"`
	Hash     digest.Digest `json:"hash"`
	Full     bool          `json:"full"`
	Added    int           `json:"added"`
	Removed  int           `json:"removed"`
	Changed  int           `json:"changed"`
	Reflinks int           `json:"reflinks"`
	Links    int           `json:"links"`
	Copies   int           `json:"copies"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// Ops returns the number of entry operations performed.
func (s Stats) Ops() int {
	return s.Added + s.Removed + s.Changed
}

// Materializer realizes DepSets from a content store.
type Materializer struct {
	store       cas.Store
	dir         string
	linker      *linker
	parallelism int
	logger      zerolog.Logger
	observer    func(Stats)
	locks       *rootLocks

	mu     sync.Mutex
	shared map[digest.Digest]*sharedEntry

	slots *slotPool
}

// New creates a Materializer.
func New(store cas.Store, opts Options) (*Materializer, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("materializer directory is required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve materializer directory: %w", err)
	}
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultWorkers
	}
	for _, sub := range []string{stateDirName, sharedDirName, slotsDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, execerr.NewFilesystemError("failed to create materializer directory", err)
		}
	}

	m := &Materializer{
		store:       store,
		dir:         dir,
		linker:      newLinker(strategy),
		parallelism: opts.Parallelism,
		logger:      opts.Logger.With().Str("component", "materializer").Logger(),
		observer:    opts.Observer,
		locks:       newRootLocks(),
		shared:      make(map[digest.Digest]*sharedEntry),
	}
	m.slots = newSlotPool(m, opts.Slots)
	return m, nil
}

// Dir returns the materializer's working directory.
func (m *Materializer) Dir() string {
	return m.dir
}

func (m *Materializer) stateKey(target string) string {
	sum := sha256.Sum256([]byte(target))
	return filepath.Join(m.dir, stateDirName, hex.EncodeToString(sum[:16]))
}

// Materialize makes target contain exactly ds. Calls for the same target
// are serialized; calls for different targets run in parallel. When target
// already holds ds nothing is touched.
func (m *Materializer) Materialize(ctx context.Context, target string, ds *depset.DepSet) (Stats, error) {
	target, err := filepath.Abs(target)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to resolve target: %w", err)
	}

	unlock, err := m.locks.acquire(ctx, target)
	if err != nil {
		return Stats{}, err
	}
	defer unlock()

	start := time.Now()
	stats := Stats{Root: target, Hash: ds.Hash()}

	key := m.stateKey(target)
	prev, clean := m.loadState(key, target)
	switch {
	case clean && prev.Hash == ds.Hash():
		return stats, nil
	case clean:
		err = m.applyIncremental(ctx, key, target, prev, ds, &stats)
	default:
		err = m.rebuild(ctx, key, target, ds, &stats)
	}
	if err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	m.logger.Debug().
		Str("root", target).
		Str("depset", ds.Hash().Short()).
		Bool("full", stats.Full).
		Int("added", stats.Added).
		Int("removed", stats.Removed).
		Int("changed", stats.Changed).
		Dur("duration", stats.Duration).
		Msg("materialized")
	if m.observer != nil {
		m.observer(stats)
	}
	return stats, nil
}

func (m *Materializer) applyIncremental(ctx context.Context, key, target string, prev *rootState, ds *depset.DepSet, stats *Stats) error {
	next := ds.Flatten()
	delta := depset.DiffEntries(prev.Entries, next)
	stats.Added, stats.Removed, stats.Changed = len(delta.Added), len(delta.Removed), len(delta.Changed)

	if err := markDirty(key); err != nil {
		return err
	}
	if err := m.applyDelta(ctx, target, delta, next, stats); err != nil {
		return err
	}
	if err := writeState(key, &rootState{Hash: ds.Hash(), Entries: next, Root: target, UpdatedAt: time.Now()}); err != nil {
		return err
	}
	return clearDirty(key)
}

// rebuild populates a sibling staging directory and renames it over target.
func (m *Materializer) rebuild(ctx context.Context, key, target string, ds *depset.DepSet, stats *Stats) error {
	stats.Full = true
	entries := ds.Flatten()
	stats.Added = len(entries)

	if err := markDirty(key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return execerr.NewFilesystemError("failed to create target parent", err)
	}

	staging := target + stagingSuffix + uuid.New().String()[:8]
	if err := os.Mkdir(staging, 0o755); err != nil {
		return execerr.NewFilesystemError("failed to create staging directory", err)
	}
	committed := false
	defer func() {
		if !committed {
			removeTree(staging)
		}
	}()

	if err := m.populate(ctx, staging, entries, stats); err != nil {
		return err
	}

	if err := swapInto(staging, target); err != nil {
		return err
	}
	committed = true

	if err := writeState(key, &rootState{Hash: ds.Hash(), Entries: entries, Root: target, UpdatedAt: time.Now()}); err != nil {
		return err
	}
	return clearDirty(key)
}

// swapInto renames staging to target, moving any existing target aside
// first and deleting it afterwards.
func swapInto(staging, target string) error {
	err := os.Rename(staging, target)
	if err == nil {
		return nil
	}
	if _, statErr := os.Lstat(target); statErr != nil {
		return execerr.NewFilesystemError("failed to commit staging directory", err)
	}

	retired := target + retiredSuffix + uuid.New().String()[:8]
	if err := os.Rename(target, retired); err != nil {
		return execerr.NewFilesystemError("failed to retire previous root", err)
	}
	if err := os.Rename(staging, target); err != nil {
		_ = os.Rename(retired, target)
		return execerr.NewFilesystemError("failed to commit staging directory", err)
	}
	removeTree(retired)
	return nil
}

// Forget drops the recorded state for target so the next Materialize
// rebuilds it, and removes the tree.
func (m *Materializer) Forget(ctx context.Context, target string) error {
	target, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	unlock, err := m.locks.acquire(ctx, target)
	if err != nil {
		return err
	}
	defer unlock()

	key := m.stateKey(target)
	_ = os.Remove(key + stateFileExt)
	_ = os.Remove(key + dirtyFileExt)
	removeTree(target)
	return nil
}

package actioncache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/telemetry"
)

// Persistence is the durable side of the cache. Lookup returns nil, nil
// when no entry exists. Insert must be crash-consistent: a partially
// written entry is never returned by Lookup.
type Persistence interface {
	Lookup(ctx context.Context, fp digest.Digest) (*Entry, error)
	Insert(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, fp digest.Digest) error
	Generation(ctx context.Context) (int64, error)
	SetGeneration(ctx context.Context, gen int64) error
}

// ExecFunc performs one execution. On success it returns the entry. On a
// deterministic failure it returns the entry describing the failed run
// together with the classified error; the cache decides whether to store
// it. Any other failure returns a nil entry.
type ExecFunc func(ctx context.Context) (*Entry, error)

// Options configures a Cache.
type Options struct {
	// Persistence stores entries across restarts. Nil keeps entries in
	// memory only.
	Persistence Persistence

	// MaxConcurrent bounds concurrent executions. Zero is unbounded.
	MaxConcurrent int64

	// AllowFailure is consulted before a failing entry is stored. Returning
	// false leaves it uncached.
	AllowFailure func(ctx context.Context, a *Action, e *Entry, err error) bool

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Result is what ExecuteOrGet hands back to a caller.
type Result struct {
	Entry *Entry

	// Cached is set when the result came from a stored entry rather than
	// an execution performed for this request.
	Cached bool

	// Shared is set when the caller joined another caller's execution.
	Shared bool
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits          int64 `json:"hits"`
	PersistedHits int64 `json:"persisted_hits"`
	Misses        int64 `json:"misses"`
	Executions    int64 `json:"executions"`
	Shared        int64 `json:"shared"`
	Uncached      int64 `json:"uncached"`
	Inflight      int   `json:"inflight"`
	Entries       int   `json:"entries"`
	Generation    int64 `json:"generation"`
}

// call is an in-flight execution. Fields are written once before done is
// closed.
type call struct {
	done    chan struct{}
	entry   *Entry
	err     error
	reelect bool
}

// Cache is the process-wide action cache.
type Cache struct {
	persist      Persistence
	sem          *semaphore.Weighted
	allowFailure func(ctx context.Context, a *Action, e *Entry, err error) bool
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
	events       *telemetry.EventPublisher

	mu         sync.Mutex
	generation int64
	entries    map[digest.Digest]*Entry
	inflight   map[digest.Digest]*call

	hits, persistedHits, misses, executions, shared, uncached atomic.Int64
}

// New creates a Cache, loading the current generation from persistence.
func New(ctx context.Context, opts Options) (*Cache, error) {
	c := &Cache{
		persist:      opts.Persistence,
		allowFailure: opts.AllowFailure,
		logger:       opts.Logger.With().Str("component", "actioncache").Logger(),
		metrics:      opts.Metrics,
		events:       opts.Events,
		entries:      make(map[digest.Digest]*Entry),
		inflight:     make(map[digest.Digest]*call),
	}
	if opts.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	if c.persist != nil {
		gen, err := c.persist.Generation(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load cache generation: %w", err)
		}
		c.generation = gen
	}
	return c, nil
}

// ExecuteOrGet returns the result for a, running fn only if no stored
// entry exists and no other caller is already executing the same
// fingerprint. Concurrent callers with the same fingerprint share one
// execution. Cached failures are returned as the entry together with an
// *execerr.Error.
func (c *Cache) ExecuteOrGet(ctx context.Context, a *Action, fn ExecFunc) (*Result, error) {
	fp := a.Fingerprint()
	for {
		if err := ctx.Err(); err != nil {
			return nil, execerr.FromContext(err).WithFingerprint(fp.String())
		}

		c.mu.Lock()
		gen := c.generation
		if e, ok := c.entries[fp]; ok {
			c.mu.Unlock()
			c.hits.Add(1)
			c.metrics.RecordCacheLookup(telemetry.LookupHit)
			_ = c.events.PublishCacheHit(fp.String(), a.Name, "memory")
			return served(a, e, true, false)
		}
		if cl, ok := c.inflight[fp]; ok {
			c.mu.Unlock()
			select {
			case <-cl.done:
			case <-ctx.Done():
				return nil, execerr.FromContext(ctx.Err()).WithFingerprint(fp.String())
			}
			if cl.reelect {
				continue
			}
			c.shared.Add(1)
			c.metrics.RecordCacheLookup(telemetry.LookupShared)
			if cl.entry != nil {
				return served(a, cl.entry, false, true)
			}
			return nil, cl.err
		}
		cl := &call{done: make(chan struct{})}
		c.inflight[fp] = cl
		c.metrics.SetCacheInflight(len(c.inflight))
		c.mu.Unlock()

		return c.lead(ctx, a, fp, gen, cl, fn)
	}
}

// lead runs the execution for an elected caller and publishes the outcome
// to waiters.
func (c *Cache) lead(ctx context.Context, a *Action, fp digest.Digest, gen int64, cl *call, fn ExecFunc) (*Result, error) {
	finished := false
	finish := func(e *Entry, err error, reelect bool) {
		finished = true
		c.finish(fp, cl, e, err, reelect)
	}
	defer func() {
		if finished {
			return
		}
		r := recover()
		if r == nil {
			// runtime.Goexit in fn; let waiters elect a new leader.
			finish(nil, execerr.NewCanceled(nil), true)
			return
		}
		finish(nil, fmt.Errorf("executor panicked: %v", r), false)
		panic(r)
	}()

	if e := c.lookupDurable(ctx, fp, gen); e != nil {
		finish(e, nil, false)
		c.persistedHits.Add(1)
		c.metrics.RecordCacheLookup(telemetry.LookupPersisted)
		_ = c.events.PublishCacheHit(fp.String(), a.Name, "persisted")
		return served(a, e, true, false)
	}

	c.misses.Add(1)
	c.metrics.RecordCacheLookup(telemetry.LookupMiss)
	_ = c.events.PublishCacheMiss(fp.String(), a.Name)

	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			finish(nil, err, true)
			return nil, execerr.FromContext(err).WithFingerprint(fp.String())
		}
	}
	c.executions.Add(1)
	entry, err := c.run(ctx, fn)

	if err == nil && entry == nil {
		panic("actioncache: executor returned neither an entry nor an error")
	}

	if err != nil {
		if ctx.Err() != nil || execerr.IsCanceled(err) {
			// Waiters re-elect: their own contexts may still be live.
			finish(nil, err, true)
			return nil, interruptedErr(ctx, err, fp)
		}
		if entry == nil || !a.Policy.Caches(err) || !c.admitFailure(ctx, a, entry, err) {
			err = withFingerprint(err, fp, a.Argv)
			c.uncached.Add(1)
			finish(nil, err, false)
			c.logger.Debug().Err(err).Str("fingerprint", fp.Short()).Msg("execution result not cached")
			return nil, err
		}
		entry.Failure = failureOf(err)
	}

	entry.Fingerprint = fp
	entry.Generation = gen
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	c.store(ctx, entry)
	finish(entry, nil, false)
	return served(a, entry, false, false)
}

// run calls fn holding a concurrency slot when the cache is bounded.
func (c *Cache) run(ctx context.Context, fn ExecFunc) (*Entry, error) {
	if c.sem != nil {
		defer c.sem.Release(1)
	}
	return fn(ctx)
}

func (c *Cache) admitFailure(ctx context.Context, a *Action, e *Entry, err error) bool {
	if c.allowFailure == nil {
		return true
	}
	return c.allowFailure(ctx, a, e, err)
}

func (c *Cache) lookupDurable(ctx context.Context, fp digest.Digest, gen int64) *Entry {
	if c.persist == nil {
		return nil
	}
	e, err := c.persist.Lookup(ctx, fp)
	if err != nil {
		c.logger.Warn().Err(err).Str("fingerprint", fp.Short()).Msg("durable lookup failed, executing")
		return nil
	}
	if e == nil || e.Generation != gen {
		return nil
	}
	return e
}

func (c *Cache) store(ctx context.Context, e *Entry) {
	if c.persist == nil {
		return
	}
	// The result is valid even if the caller went away mid-insert.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.persist.Insert(ictx, e); err != nil {
		c.logger.Warn().Err(err).Str("fingerprint", e.Fingerprint.Short()).Msg("failed to persist cache entry")
	}
}

// finish publishes an outcome. The in-flight handle is removed and the
// entry installed under one lock hold, so no caller can observe neither.
func (c *Cache) finish(fp digest.Digest, cl *call, e *Entry, err error, reelect bool) {
	c.mu.Lock()
	cl.entry, cl.err, cl.reelect = e, err, reelect
	if c.inflight[fp] != cl {
		c.mu.Unlock()
		panic("actioncache: in-flight handle replaced while executing")
	}
	delete(c.inflight, fp)
	if e != nil && e.Generation == c.generation {
		c.entries[fp] = e
	}
	c.metrics.SetCacheInflight(len(c.inflight))
	c.mu.Unlock()
	close(cl.done)
}

func served(a *Action, e *Entry, cached, shared bool) (*Result, error) {
	res := &Result{Entry: e, Cached: cached, Shared: shared}
	if err := e.Err(a.Argv); err != nil {
		err.Cached = cached
		return res, err
	}
	return res, nil
}

// interruptedErr reports an execution cut short by the caller's context or
// canceled by the executor. An expired caller deadline is a Timeout,
// keeping the executor's own Timeout error when it returned one.
func interruptedErr(ctx context.Context, err error, fp digest.Digest) error {
	cause := ctx.Err()
	switch {
	case cause == nil, execerr.IsCanceled(err) && !errors.Is(cause, context.DeadlineExceeded):
		return withFingerprint(err, fp, nil)
	case errors.Is(cause, context.DeadlineExceeded) && execerr.IsTimeout(err):
		return withFingerprint(err, fp, nil)
	}
	return execerr.FromContext(cause).WithFingerprint(fp.String())
}

func withFingerprint(err error, fp digest.Digest, argv []string) error {
	e, ok := execerr.As(err)
	if !ok {
		return err
	}
	if e.Fingerprint == "" {
		e.Fingerprint = fp.String()
	}
	if len(e.Command) == 0 && len(argv) > 0 {
		e.Command = append([]string(nil), argv...)
	}
	return err
}

// Get returns the stored entry for fp in the current generation, or nil.
func (c *Cache) Get(ctx context.Context, fp digest.Digest) (*Entry, error) {
	c.mu.Lock()
	e, ok := c.entries[fp]
	gen := c.generation
	c.mu.Unlock()
	if ok {
		return e, nil
	}
	if c.persist == nil {
		return nil, nil
	}
	e, err := c.persist.Lookup(ctx, fp)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Generation != gen {
		return nil, nil
	}
	return e, nil
}

// Forget removes the entry for fp from memory and persistence. An
// execution in flight is unaffected.
func (c *Cache) Forget(ctx context.Context, fp digest.Digest) error {
	c.mu.Lock()
	delete(c.entries, fp)
	c.mu.Unlock()
	if c.persist == nil {
		return nil
	}
	return c.persist.Delete(ctx, fp)
}

// Bump starts a new generation, invalidating every existing entry.
// Executions in flight still deliver to their waiters but are not stored
// as current.
func (c *Cache) Bump(ctx context.Context) (int64, error) {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.entries = make(map[digest.Digest]*Entry)
	c.mu.Unlock()

	if c.persist != nil {
		if err := c.persist.SetGeneration(ctx, gen); err != nil {
			return gen, fmt.Errorf("failed to persist cache generation: %w", err)
		}
	}
	c.logger.Info().Int64("generation", gen).Msg("cache generation bumped")
	return gen, nil
}

// Generation returns the current generation.
func (c *Cache) Generation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	inflight, entries, gen := len(c.inflight), len(c.entries), c.generation
	c.mu.Unlock()
	return Stats{
		Hits:          c.hits.Load(),
		PersistedHits: c.persistedHits.Load(),
		Misses:        c.misses.Load(),
		Executions:    c.executions.Load(),
		Shared:        c.shared.Load(),
		Uncached:      c.uncached.Load(),
		Inflight:      inflight,
		Entries:       entries,
		Generation:    gen,
	}
}

package actioncache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
)

// memPersistence is an in-memory Persistence for tests.
type memPersistence struct {
	mu      sync.Mutex
	entries map[digest.Digest]*Entry
	gen     int64
	inserts int
}

func newMemPersistence() *memPersistence {
	return &memPersistence{entries: make(map[digest.Digest]*Entry)}
}

func (p *memPersistence) Lookup(_ context.Context, fp digest.Digest) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[fp], nil
}

func (p *memPersistence) Insert(_ context.Context, e *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[e.Fingerprint] = e
	p.inserts++
	return nil
}

func (p *memPersistence) Delete(_ context.Context, fp digest.Digest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, fp)
	return nil
}

func (p *memPersistence) Generation(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen, nil
}

func (p *memPersistence) SetGeneration(_ context.Context, gen int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen = gen
	return nil
}

func newCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	opts.Logger = zerolog.Nop()
	c, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func testAction(argv ...string) *Action {
	return &Action{
		Name:    "test",
		Argv:    argv,
		Inputs:  depset.MustLeaf(depset.File("a.txt", digest.FromString("hello"), false)),
		Outputs: []string{"b.txt"},
		Policy:  DefaultCachePolicy(),
	}
}

func successEntry() *Entry {
	out := depset.MustLeaf(depset.File("b.txt", digest.FromString("hello"), false))
	return &Entry{Outputs: out, Duration: time.Millisecond}
}

// counting wraps an ExecFunc and counts invocations.
func counting(n *atomic.Int32, fn ExecFunc) ExecFunc {
	return func(ctx context.Context) (*Entry, error) {
		n.Add(1)
		return fn(ctx)
	}
}

func TestConcurrentCallersShareOneExecution(t *testing.T) {
	c := newCache(t, Options{})
	a := testAction("cp", "a.txt", "b.txt")

	var calls atomic.Int32
	release := make(chan struct{})
	fn := counting(&calls, func(ctx context.Context) (*Entry, error) {
		<-release
		return successEntry(), nil
	})

	const n = 32
	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.ExecuteOrGet(context.Background(), a, fn)
		}(i)
	}

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 execution, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
		if results[i].Entry != results[0].Entry {
			t.Fatalf("caller %d observed a different entry", i)
		}
	}
	fresh := 0
	for _, r := range results {
		if !r.Cached && !r.Shared {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("expected exactly one caller to own the execution, got %d", fresh)
	}
}

func TestSecondSubmissionIsCached(t *testing.T) {
	c := newCache(t, Options{})
	a := testAction("cp", "a.txt", "b.txt")
	var calls atomic.Int32
	fn := counting(&calls, func(context.Context) (*Entry, error) { return successEntry(), nil })

	first, err := c.ExecuteOrGet(context.Background(), a, fn)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if first.Cached {
		t.Error("expected first run to be uncached")
	}
	if first.Entry.Fingerprint != a.Fingerprint() {
		t.Error("expected entry fingerprint to be set")
	}

	second, err := c.ExecuteOrGet(context.Background(), testAction("cp", "a.txt", "b.txt"), fn)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !second.Cached {
		t.Error("expected second run to be cached")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 execution, got %d", calls.Load())
	}
	if second.Entry.Outputs.Hash() != first.Entry.Outputs.Hash() {
		t.Error("expected identical outputs")
	}
}

func TestFailureCaching(t *testing.T) {
	tests := []struct {
		name       string
		policy     CachePolicy
		err        error
		wantCached bool
	}{
		{name: "exit code cached", policy: DefaultCachePolicy(), err: execerr.NewExecutionFailed(2), wantCached: true},
		{name: "missing output cached", policy: DefaultCachePolicy(), err: execerr.NewMissingOutput("c.txt"), wantCached: true},
		{name: "failures disabled", policy: CachePolicy{}, err: execerr.NewExecutionFailed(2), wantCached: false},
		{name: "exit code allowed", policy: CachePolicy{CacheFailures: true, CacheableExitCodes: []int{1, 2}}, err: execerr.NewExecutionFailed(2), wantCached: true},
		{name: "exit code not allowed", policy: CachePolicy{CacheFailures: true, CacheableExitCodes: []int{1}}, err: execerr.NewExecutionFailed(137), wantCached: false},
		{name: "timeout never cached", policy: DefaultCachePolicy(), err: execerr.NewTimeout("deadline exceeded", nil), wantCached: false},
		{name: "sandbox setup never cached", policy: DefaultCachePolicy(), err: execerr.NewSandboxSetupError("no namespaces", nil), wantCached: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCache(t, Options{})
			a := testAction("false")
			a.Policy = tt.policy

			var calls atomic.Int32
			fn := counting(&calls, func(context.Context) (*Entry, error) {
				return &Entry{ExitCode: 2, StderrTail: "boom"}, tt.err
			})

			_, err := c.ExecuteOrGet(context.Background(), a, fn)
			if execerr.KindOf(err) != execerr.KindOf(tt.err) {
				t.Fatalf("expected kind %s, got %v", execerr.KindOf(tt.err), err)
			}
			if execerr.IsCached(err) {
				t.Error("first failure must not be marked cached")
			}
			e, _ := execerr.As(err)
			if e.Fingerprint != a.Fingerprint().String() {
				t.Errorf("expected fingerprint on error, got %q", e.Fingerprint)
			}

			res, err := c.ExecuteOrGet(context.Background(), a, fn)
			if execerr.KindOf(err) != execerr.KindOf(tt.err) {
				t.Fatalf("expected kind %s on resubmission, got %v", execerr.KindOf(tt.err), err)
			}
			if tt.wantCached {
				if calls.Load() != 1 {
					t.Errorf("expected 1 execution, got %d", calls.Load())
				}
				if !execerr.IsCached(err) || !res.Cached {
					t.Error("expected resubmission to be served from cache")
				}
				if e, _ := execerr.As(err); e.StderrTail != "boom" {
					t.Errorf("expected stderr tail on cached failure, got %q", e.StderrTail)
				}
			} else if calls.Load() != 2 {
				t.Errorf("expected re-execution, got %d executions", calls.Load())
			}
		})
	}
}

func TestNonCachedErrorReachesWaiters(t *testing.T) {
	c := newCache(t, Options{})
	a := testAction("tool")

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fn := counting(&calls, func(context.Context) (*Entry, error) {
		close(started)
		<-release
		return nil, execerr.NewFilesystemError("disk full", nil)
	})

	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.ExecuteOrGet(context.Background(), a, fn)
		leaderErr <- err
	}()
	<-started

	waiterErr := make(chan error, 1)
	go func() {
		_, err := c.ExecuteOrGet(context.Background(), a, func(context.Context) (*Entry, error) {
			t.Error("waiter must not execute")
			return nil, errors.New("unexpected")
		})
		waiterErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-leaderErr; !execerr.IsFilesystemError(err) {
		t.Fatalf("expected filesystem error for leader, got %v", err)
	}
	if err := <-waiterErr; !execerr.IsFilesystemError(err) {
		t.Fatalf("expected filesystem error for waiter, got %v", err)
	}

	var retries atomic.Int32
	if _, err := c.ExecuteOrGet(context.Background(), a, counting(&retries, func(context.Context) (*Entry, error) {
		return successEntry(), nil
	})); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retries.Load() != 1 {
		t.Error("expected the slot to be cleared so a later caller retries")
	}
}

func TestCanceledLeaderHandsOverToWaiter(t *testing.T) {
	c := newCache(t, Options{})
	a := testAction("slow")

	var calls atomic.Int32
	started := make(chan struct{}, 2)
	fn := counting(&calls, func(ctx context.Context) (*Entry, error) {
		started <- struct{}{}
		if calls.Load() == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return successEntry(), nil
	})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.ExecuteOrGet(leaderCtx, a, fn)
		leaderErr <- err
	}()
	<-started

	waiter := make(chan *Result, 1)
	go func() {
		res, err := c.ExecuteOrGet(context.Background(), a, fn)
		if err != nil {
			t.Errorf("waiter failed: %v", err)
		}
		waiter <- res
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-leaderErr; !execerr.IsCanceled(err) {
		t.Fatalf("expected canceled leader, got %v", err)
	}
	res := <-waiter
	if res == nil || res.Entry == nil {
		t.Fatal("expected waiter to obtain a result")
	}
	if calls.Load() != 2 {
		t.Errorf("expected waiter to re-execute, got %d executions", calls.Load())
	}
	if s := c.Stats(); s.Inflight != 0 || s.Entries != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestLeaderDeadlineIsTimeout(t *testing.T) {
	c := newCache(t, Options{})
	a := testAction("slow")

	var calls atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.ExecuteOrGet(ctx, a, counting(&calls, func(ctx context.Context) (*Entry, error) {
		<-ctx.Done()
		return nil, execerr.NewCanceled(ctx.Err())
	}))
	if !execerr.IsTimeout(err) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if e, ok := execerr.As(err); !ok || e.Fingerprint != a.Fingerprint().String() {
		t.Errorf("expected fingerprint on the error, got %v", err)
	}

	// Never cached: the next caller executes again.
	if _, err := c.ExecuteOrGet(context.Background(), a, counting(&calls, func(context.Context) (*Entry, error) {
		return successEntry(), nil
	})); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 executions, got %d", calls.Load())
	}
}

func TestCanceledWaiterDoesNotDisturbLeader(t *testing.T) {
	c := newCache(t, Options{})
	a := testAction("slow")
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = c.ExecuteOrGet(context.Background(), a, func(context.Context) (*Entry, error) {
			close(started)
			<-release
			return successEntry(), nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.ExecuteOrGet(ctx, a, func(context.Context) (*Entry, error) {
		t.Error("waiter must not execute")
		return nil, nil
	})
	if !execerr.IsTimeout(err) {
		t.Fatalf("expected waiter deadline to report Timeout, got %v", err)
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for c.Stats().Entries == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.Stats().Entries != 1 {
		t.Error("expected leader result to be stored")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	p := newMemPersistence()
	a := testAction("cp", "a.txt", "b.txt")

	c1 := newCache(t, Options{Persistence: p})
	if _, err := c1.ExecuteOrGet(context.Background(), a, func(context.Context) (*Entry, error) {
		return successEntry(), nil
	}); err != nil {
		t.Fatal(err)
	}
	if p.inserts != 1 {
		t.Fatalf("expected 1 insert, got %d", p.inserts)
	}

	c2 := newCache(t, Options{Persistence: p})
	res, err := c2.ExecuteOrGet(context.Background(), a, func(context.Context) (*Entry, error) {
		t.Error("restarted cache must not re-execute")
		return nil, errors.New("unexpected")
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached || c2.Stats().PersistedHits != 1 {
		t.Errorf("expected persisted hit, got %+v / %+v", res, c2.Stats())
	}
}

func TestBumpInvalidates(t *testing.T) {
	p := newMemPersistence()
	c := newCache(t, Options{Persistence: p})
	a := testAction("cp", "a.txt", "b.txt")
	var calls atomic.Int32
	fn := counting(&calls, func(context.Context) (*Entry, error) { return successEntry(), nil })

	if _, err := c.ExecuteOrGet(context.Background(), a, fn); err != nil {
		t.Fatal(err)
	}
	gen, err := c.Bump(context.Background())
	if err != nil {
		t.Fatalf("Bump failed: %v", err)
	}
	if gen != 1 || p.gen != 1 {
		t.Errorf("expected generation 1, got %d (persisted %d)", gen, p.gen)
	}

	res, err := c.ExecuteOrGet(context.Background(), a, fn)
	if err != nil {
		t.Fatal(err)
	}
	if res.Cached || calls.Load() != 2 {
		t.Error("expected re-execution after generation bump")
	}
	if res.Entry.Generation != 1 {
		t.Errorf("expected entry in generation 1, got %d", res.Entry.Generation)
	}

	restarted := newCache(t, Options{Persistence: p})
	if restarted.Generation() != 1 {
		t.Errorf("expected generation to survive restart, got %d", restarted.Generation())
	}
}

func TestForget(t *testing.T) {
	p := newMemPersistence()
	c := newCache(t, Options{Persistence: p})
	a := testAction("x")
	var calls atomic.Int32
	fn := counting(&calls, func(context.Context) (*Entry, error) { return successEntry(), nil })

	_, _ = c.ExecuteOrGet(context.Background(), a, fn)
	if e, _ := c.Get(context.Background(), a.Fingerprint()); e == nil {
		t.Fatal("expected entry before Forget")
	}
	if err := c.Forget(context.Background(), a.Fingerprint()); err != nil {
		t.Fatal(err)
	}
	if e, _ := c.Get(context.Background(), a.Fingerprint()); e != nil {
		t.Fatal("expected no entry after Forget")
	}
	_, _ = c.ExecuteOrGet(context.Background(), a, fn)
	if calls.Load() != 2 {
		t.Errorf("expected re-execution after Forget, got %d", calls.Load())
	}
}

func TestAllowFailureHook(t *testing.T) {
	c := newCache(t, Options{
		AllowFailure: func(_ context.Context, _ *Action, e *Entry, _ error) bool {
			return e.ExitCode != 137
		},
	})
	a := testAction("oom")
	var calls atomic.Int32
	fn := counting(&calls, func(context.Context) (*Entry, error) {
		return &Entry{ExitCode: 137}, execerr.NewExecutionFailed(137)
	})
	_, _ = c.ExecuteOrGet(context.Background(), a, fn)
	_, _ = c.ExecuteOrGet(context.Background(), a, fn)
	if calls.Load() != 2 {
		t.Errorf("expected vetoed failure to stay uncached, got %d executions", calls.Load())
	}
}

func TestMaxConcurrent(t *testing.T) {
	c := newCache(t, Options{MaxConcurrent: 2})
	var running, peak atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := testAction("job", string(rune('a'+i)))
			_, err := c.ExecuteOrGet(context.Background(), a, func(context.Context) (*Entry, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return successEntry(), nil
			})
			if err != nil {
				t.Errorf("job %d failed: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Errorf("expected at most 2 concurrent executions, got %d", peak.Load())
	}
}

func TestPanicClearsSlot(t *testing.T) {
	c := newCache(t, Options{})
	a := testAction("panic")

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_, _ = c.ExecuteOrGet(context.Background(), a, func(context.Context) (*Entry, error) {
			panic("boom")
		})
	}()

	if c.Stats().Inflight != 0 {
		t.Fatal("expected in-flight slot to be cleared")
	}
	if _, err := c.ExecuteOrGet(context.Background(), a, func(context.Context) (*Entry, error) {
		return successEntry(), nil
	}); err != nil {
		t.Fatalf("expected later execution to succeed, got %v", err)
	}
}

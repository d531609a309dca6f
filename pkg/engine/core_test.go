//go:build unix

package engine

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/hermit/pkg/actioncache"
	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/config"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/sandbox"
	"github.com/openfroyo/hermit/pkg/stores"
	"github.com/openfroyo/hermit/pkg/telemetry"
)

var testEnv = map[string]string{"PATH": "/usr/bin:/bin"}

func testConfig(t *testing.T, root string, mutate func(*config.ExecutorConfig)) *config.ExecutorConfig {
	t.Helper()
	cfg := config.DefaultExecutorConfig()
	cfg.Root = root
	cfg.Telemetry = *telemetry.TestConfig()
	cfg.Materialize.Strategy = "copy"
	cfg.Sandbox.Strategy = "copy"
	cfg.Sandbox.Backend = sandbox.BackendProcess
	cfg.Sandbox.AllowUnisolated = true
	if mutate != nil {
		mutate(cfg)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test configuration: %v", err)
	}
	return cfg
}

func newTestCore(t *testing.T, cfg *config.ExecutorConfig) *Core {
	t.Helper()
	c, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// inputs stores files and returns a leaf DepSet holding them.
func inputs(t *testing.T, store cas.Store, files map[string]string) *depset.DepSet {
	t.Helper()
	entries := make([]depset.FileEntry, 0, len(files))
	for p, content := range files {
		d, err := cas.PutBytes(context.Background(), store, []byte(content))
		if err != nil {
			t.Fatalf("PutBytes failed: %v", err)
		}
		entries = append(entries, depset.File(p, d, false))
	}
	ds, err := depset.Leaf(entries)
	if err != nil {
		t.Fatalf("Leaf failed: %v", err)
	}
	return ds
}

func shAction(name, script string, in *depset.DepSet, outputs ...string) *actioncache.Action {
	return &actioncache.Action{
		Name:    name,
		Argv:    []string{"sh", "-c", script},
		Env:     testEnv,
		Inputs:  in,
		Outputs: outputs,
		Policy:  actioncache.DefaultCachePolicy(),
	}
}

func TestSubmitCopiesAndCaches(t *testing.T) {
	c := newTestCore(t, testConfig(t, t.TempDir(), nil))
	ctx := context.Background()

	in := inputs(t, c.Store(), map[string]string{"a.txt": "hash one"})
	a := shAction("copy", "cp a.txt b.txt", in, "b.txt")

	out, err := c.Submit(ctx, a)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Cached {
		t.Error("expected first submission to execute")
	}
	if out.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", out.ExitCode)
	}
	got, ok := out.Outputs.Lookup("b.txt")
	if !ok {
		t.Fatalf("expected b.txt in outputs, got %v", out.Outputs.Flatten())
	}
	if got.Digest != digest.FromString("hash one") {
		t.Errorf("expected b.txt to have the content of a.txt, got %s", got.Digest)
	}
	if out.Outputs.Len() != 1 {
		t.Errorf("expected exactly one output, got %d", out.Outputs.Len())
	}

	again, err := c.Submit(ctx, a)
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}
	if !again.Cached {
		t.Error("expected second submission to be cached")
	}
	if again.Outputs.Hash() != out.Outputs.Hash() {
		t.Error("expected the cached outputs to match")
	}
	if n := c.Cache().Stats().Executions; n != 1 {
		t.Errorf("expected 1 execution, got %d", n)
	}
}

func TestSubmitMissingOutputIsCached(t *testing.T) {
	c := newTestCore(t, testConfig(t, t.TempDir(), nil))
	ctx := context.Background()

	a := shAction("forgetful", "echo working >&2", depset.Empty(), "c.txt")

	_, err := c.Submit(ctx, a)
	if !execerr.IsMissingOutput(err) {
		t.Fatalf("expected MissingOutput, got %v", err)
	}
	if execerr.IsCached(err) {
		t.Error("expected the first failure not to be marked cached")
	}

	out, err := c.Submit(ctx, a)
	if !execerr.IsMissingOutput(err) {
		t.Fatalf("expected cached MissingOutput, got %v", err)
	}
	if !execerr.IsCached(err) {
		t.Error("expected the repeated failure to be marked cached")
	}
	if out == nil || !out.Cached {
		t.Error("expected a cached outcome alongside the error")
	}
	if n := c.Cache().Stats().Executions; n != 1 {
		t.Errorf("expected 1 execution, got %d", n)
	}

	e, _ := execerr.As(err)
	if e.Fingerprint != a.Fingerprint().String() {
		t.Errorf("expected the error to carry the fingerprint, got %q", e.Fingerprint)
	}
	if e.StderrTail != "working\n" {
		t.Errorf("expected stderr tail %q, got %q", "working\n", e.StderrTail)
	}
}

func TestSubmitFailureCaching(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		policy     actioncache.CachePolicy
		executions int64
	}{
		{
			name:       "deterministic failure cached",
			script:     "exit 3",
			policy:     actioncache.DefaultCachePolicy(),
			executions: 1,
		},
		{
			name:       "killed exit code excluded by policy",
			script:     "exit 137",
			policy:     actioncache.DefaultCachePolicy(),
			executions: 2,
		},
		{
			name:       "action opts out of failure caching",
			script:     "exit 3",
			policy:     actioncache.CachePolicy{CacheFailures: false},
			executions: 2,
		},
		{
			name:       "exit code outside cacheable list",
			script:     "exit 4",
			policy:     actioncache.CachePolicy{CacheFailures: true, CacheableExitCodes: []int{1, 2}},
			executions: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCore(t, testConfig(t, t.TempDir(), nil))
			a := shAction("fail", tt.script, depset.Empty())
			a.Policy = tt.policy

			for i := 0; i < 2; i++ {
				out, err := c.Submit(context.Background(), a)
				if !execerr.IsExecutionFailed(err) {
					t.Fatalf("expected ExecutionFailed, got %v", err)
				}
				e, _ := execerr.As(err)
				if out != nil && out.ExitCode != e.ExitCode {
					t.Errorf("expected outcome exit code %d, got %d", e.ExitCode, out.ExitCode)
				}
			}
			if n := c.Cache().Stats().Executions; n != tt.executions {
				t.Errorf("expected %d executions, got %d", tt.executions, n)
			}
		})
	}
}

func TestSubmitConcurrentSameFingerprint(t *testing.T) {
	c := newTestCore(t, testConfig(t, t.TempDir(), nil))
	a := shAction("slow", "sleep 0.3; echo done > out.txt", depset.Empty(), "out.txt")

	const callers = 8
	var wg sync.WaitGroup
	outs := make([]*Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = c.Submit(context.Background(), a)
		}(i)
	}
	wg.Wait()

	for i := range outs {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if outs[i].Outputs.Hash() != outs[0].Outputs.Hash() {
			t.Errorf("caller %d observed different outputs", i)
		}
	}
	if n := c.Cache().Stats().Executions; n != 1 {
		t.Errorf("expected 1 execution for %d callers, got %d", callers, n)
	}
}

func TestSubmitOverlappingInputs(t *testing.T) {
	for _, slots := range []int{0, 2} {
		t.Run("slots="+strconv.Itoa(slots), func(t *testing.T) {
			c := newTestCore(t, testConfig(t, t.TempDir(), func(cfg *config.ExecutorConfig) {
				cfg.Materialize.Slots = slots
			}))

			common := inputs(t, c.Store(), map[string]string{"lib/common.h": "shared header"})
			left := depset.Merge(common, inputs(t, c.Store(), map[string]string{"left.c": "left"}))
			right := depset.Merge(common, inputs(t, c.Store(), map[string]string{"right.c": "right"}))

			actions := []*actioncache.Action{
				shAction("left", "sleep 0.1; cat lib/common.h left.c > out", left, "out"),
				shAction("right", "sleep 0.1; cat lib/common.h right.c > out", right, "out"),
			}
			res := c.RunAll(context.Background(), actions, BatchOptions{MaxParallel: 2})
			if err := res.Err(); err != nil {
				t.Fatalf("RunAll failed: %v", err)
			}

			want := map[string]string{
				"left":  "shared headerleft",
				"right": "shared headerright",
			}
			for _, it := range res.Items {
				e, _ := it.Outcome.Outputs.Lookup("out")
				if e.Digest != digest.FromString(want[it.Action.Name]) {
					t.Errorf("%s: unexpected output digest %s", it.Action.Name, e.Digest)
				}
			}
		})
	}
}

func TestSubmitPolicyDenied(t *testing.T) {
	c := newTestCore(t, testConfig(t, t.TempDir(), nil))

	a := shAction("fetch", "true", depset.Empty())
	a.Network = true

	_, err := c.Submit(context.Background(), a)
	if !execerr.IsPolicyDenied(err) {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}
	if n := c.Cache().Stats().Executions; n != 0 {
		t.Errorf("expected no execution, got %d", n)
	}

	open := newTestCore(t, testConfig(t, t.TempDir(), func(cfg *config.ExecutorConfig) {
		cfg.Policy.Enabled = false
	}))
	if _, err := open.Submit(context.Background(), a); err != nil {
		t.Errorf("expected submission to run with policy disabled, got %v", err)
	}
}

func TestSubmitRejectsInvalidAction(t *testing.T) {
	c := newTestCore(t, testConfig(t, t.TempDir(), nil))

	a := shAction("bad", "true", depset.Empty(), "../escape")
	if _, err := c.Submit(context.Background(), a); !execerr.IsInvalidEntry(err) {
		t.Fatalf("expected InvalidEntry, got %v", err)
	}
}

func TestSubmitTimeoutNotCached(t *testing.T) {
	c := newTestCore(t, testConfig(t, t.TempDir(), func(cfg *config.ExecutorConfig) {
		cfg.Exec.DefaultTimeout = 100 * time.Millisecond
	}))
	a := shAction("hang", "sleep 5", depset.Empty())

	for i := 0; i < 2; i++ {
		if _, err := c.Submit(context.Background(), a); !execerr.IsTimeout(err) {
			t.Fatalf("expected Timeout, got %v", err)
		}
	}
	if n := c.Cache().Stats().Executions; n != 2 {
		t.Errorf("expected timeouts to re-execute, got %d executions", n)
	}
}

func TestSubmitCallerDeadlineIsTimeout(t *testing.T) {
	c := newTestCore(t, testConfig(t, t.TempDir(), nil))
	a := shAction("hang", "sleep 5", depset.Empty())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Submit(ctx, a)
	if !execerr.IsTimeout(err) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if took := time.Since(start); took > 4*time.Second {
		t.Errorf("expected the command to be stopped at the deadline, took %v", took)
	}
	if e, err := c.Lookup(context.Background(), a.Fingerprint()); err == nil && e != nil {
		t.Error("a timed out execution must not be cached")
	}
}

func TestSubmitSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t, root, nil)
	ctx := context.Background()

	first, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	in := inputs(t, first.Store(), map[string]string{"a.txt": "persisted"})
	a := shAction("copy", "cp a.txt b.txt", in, "b.txt")
	out, err := first.Submit(ctx, a)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := newTestCore(t, testConfig(t, root, nil))
	again, err := second.Submit(ctx, a)
	if err != nil {
		t.Fatalf("Submit after restart failed: %v", err)
	}
	if !again.Cached {
		t.Error("expected the result to be served from the database")
	}
	if again.Outputs.Hash() != out.Outputs.Hash() {
		t.Error("expected the persisted outputs to match")
	}
	if n := second.Cache().Stats().Executions; n != 0 {
		t.Errorf("expected no execution after restart, got %d", n)
	}

	recs, err := second.DB().ListExecutions(ctx, stores.ExecutionFilter{})
	if err != nil {
		t.Fatalf("ListExecutions failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 execution records, got %d", len(recs))
	}
	var cached int
	for _, r := range recs {
		if r.Cached {
			cached++
		}
	}
	if cached != 1 {
		t.Errorf("expected 1 cached record, got %d", cached)
	}
}

func TestExportAndGC(t *testing.T) {
	c := newTestCore(t, testConfig(t, t.TempDir(), func(cfg *config.ExecutorConfig) {
		cfg.Materialize.Slots = 0
		cfg.Materialize.GCMaxAge = 0
		cfg.Materialize.GCRetain = 0
	}))
	ctx := context.Background()

	in := inputs(t, c.Store(), map[string]string{"a.txt": "export me"})
	out, err := c.Submit(ctx, shAction("copy", "mkdir -p dist && cp a.txt dist/a.txt", in, "dist"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "export")
	if _, err := c.Export(ctx, dir, out.Outputs); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "dist", "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "export me" {
		t.Errorf("expected exported content %q, got %q", "export me", data)
	}

	if _, err := c.Cache().Bump(ctx); err != nil {
		t.Fatalf("Bump failed: %v", err)
	}
	res, err := c.GC(ctx)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if res.Roots.Removed == 0 {
		t.Error("expected the released shared root to be collected")
	}
	if res.Entries != 1 {
		t.Errorf("expected 1 pruned entry from the old generation, got %d", res.Entries)
	}
}

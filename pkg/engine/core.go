package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hermit/pkg/actioncache"
	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/config"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/materialize"
	"github.com/openfroyo/hermit/pkg/policy"
	"github.com/openfroyo/hermit/pkg/sandbox"
	"github.com/openfroyo/hermit/pkg/stores"
	"github.com/openfroyo/hermit/pkg/telemetry"
	"github.com/openfroyo/hermit/pkg/transports/ssh"
)

// Outcome is what a submitter gets back for one action.
type Outcome struct {
	Fingerprint digest.Digest `json:"fingerprint"`
	Action      string        `json:"action,omitempty"`
	ExitCode    int           `json:"exit_code"`

	// Outputs is the captured output DepSet. It is empty for failures.
	Outputs *depset.DepSet `json:"-"`

	// Cached is set when no execution was performed for this submission.
	Cached bool `json:"cached"`

	// Shared is set when the submission joined an execution already in
	// flight for the same fingerprint.
	Shared bool `json:"shared"`

	// Duration is the wall time of the execution that produced the
	// result, which for cached results is the original execution.
	Duration time.Duration `json:"duration"`

	Entry *actioncache.Entry `json:"-"`
}

// Option customizes a Core.
type Option func(*options)

type options struct {
	telemetry *telemetry.Telemetry
	store     cas.Store
	backend   sandbox.Backend
}

// WithTelemetry uses tel instead of building telemetry from the
// configuration. The caller keeps ownership of tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// WithStore uses s as the content store instead of the configured one.
func WithStore(s cas.Store) Option {
	return func(o *options) { o.store = s }
}

// WithBackend uses b as the isolation backend instead of the configured
// one. The caller keeps ownership of b.
func WithBackend(b sandbox.Backend) Option {
	return func(o *options) { o.backend = b }
}

// Core runs actions hermetically. A submission passes admission policy,
// then the action cache; on a miss the inputs are materialized, the
// command runs in the sandbox and its outputs are captured into the
// content store.
type Core struct {
	cfg    *config.ExecutorConfig
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store        *cas.Instrumented
	materializer *materialize.Materializer
	executor     *sandbox.Executor
	cache        *actioncache.Cache
	db           *stores.SQLiteStore
	policy       *policy.Engine

	closers []func(context.Context) error
}

// New builds a Core from cfg. cfg must have been validated.
func New(ctx context.Context, cfg *config.ExecutorConfig, opts ...Option) (_ *Core, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{cfg: cfg, tel: o.telemetry}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	if c.tel == nil {
		tcfg := cfg.Telemetry
		if c.tel, err = telemetry.NewTelemetry(&tcfg); err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		c.closers = append(c.closers, c.tel.Shutdown)
	}
	base := c.tel.Logger.Zerolog()
	c.logger = c.tel.Logger.NewComponentLogger("engine").Zerolog()

	store := o.store
	if store == nil {
		if store, err = c.openStore(ctx, base); err != nil {
			return nil, err
		}
	}
	metrics := c.tel.Metrics
	c.store = cas.NewInstrumented(store, func(op cas.Op, n int64) {
		if n > 0 && (op == cas.OpPut || op == cas.OpOpen) {
			metrics.RecordStoreBytes(string(op), n)
		}
	})

	strategy, err := materialize.ParseStrategy(cfg.Materialize.Strategy)
	if err != nil {
		return nil, err
	}
	c.materializer, err = materialize.New(c.store, materialize.Options{
		Dir:         cfg.Materialize.Dir,
		Strategy:    strategy,
		Parallelism: cfg.Materialize.Parallelism,
		Slots:       cfg.Materialize.Slots,
		Logger:      base,
		Observer: func(s materialize.Stats) {
			metrics.RecordMaterialization(s.Full, s.Added, s.Removed, s.Changed, s.Duration)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create materializer: %w", err)
	}

	backend := o.backend
	if backend == nil {
		var closeBackend func(context.Context) error
		if backend, closeBackend, err = sandbox.NewBackend(ctx, cfg.Sandbox, base); err != nil {
			return nil, fmt.Errorf("failed to create %s backend: %w", cfg.Sandbox.Backend, err)
		}
		c.closers = append(c.closers, closeBackend)
	}
	c.executor, err = sandbox.NewExecutor(backend, c.store, sandbox.Options{
		Logger:          base,
		Tracer:          c.tel.Tracer,
		MaxCaptureBytes: cfg.Exec.MaxCaptureBytes,
		TailBytes:       cfg.Exec.TailBytes,
		TeardownTimeout: cfg.Exec.TeardownTimeout,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Policy.Enabled {
		if err := c.initPolicy(ctx, base); err != nil {
			return nil, err
		}
	}

	cacheOpts := actioncache.Options{
		MaxConcurrent: cfg.Cache.MaxConcurrent,
		AllowFailure:  c.allowFailure,
		Logger:        base,
		Metrics:       c.tel.Metrics,
		Events:        c.tel.Events,
	}
	if cfg.Cache.Persist {
		c.db, err = stores.Open(ctx, stores.Config{Path: cfg.Cache.DBPath})
		if err != nil {
			return nil, fmt.Errorf("failed to open cache database: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return c.db.Close() })
		cacheOpts.Persistence = c.db
	}
	if c.cache, err = actioncache.New(ctx, cacheOpts); err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("backend", backend.Name()).
		Str("store", cfg.Store.Dir).
		Bool("persist", cfg.Cache.Persist).
		Bool("policy", c.policy != nil).
		Int64("generation", c.cache.Generation()).
		Msg("Executor core ready")

	return c, nil
}

// openStore opens the local disk store, tiered in front of a remote store
// when one is configured.
func (c *Core) openStore(ctx context.Context, logger zerolog.Logger) (cas.Store, error) {
	disk, err := cas.NewDiskStore(c.cfg.Store.Dir, cas.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}
	if c.cfg.Store.Remote == nil {
		return disk, nil
	}

	client, err := ssh.NewClient(c.cfg.Store.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to configure remote store: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, execerr.NewStoreUnavailable("failed to connect to remote store", err)
	}
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })
	remote := cas.NewRemoteStore(client, c.cfg.Store.RemoteDir, logger)
	return cas.NewTieredStore(disk, remote), nil
}

func (c *Core) initPolicy(ctx context.Context, logger zerolog.Logger) error {
	eng, err := policy.NewEngine(ctx, logger, c.cfg.Policy.Settings)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(c.cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, c.cfg.Policy.Paths); err != nil {
			return err
		}
		if c.cfg.Policy.Watch {
			loader, err := eng.Watch(ctx, c.cfg.Policy.Paths)
			if err != nil {
				return fmt.Errorf("failed to watch policies: %w", err)
			}
			c.closers = append(c.closers, func(context.Context) error { return loader.Stop() })
		}
	}
	c.policy = eng
	return nil
}

// Submit runs a, or returns the stored result for its fingerprint. A
// failing action returns both an Outcome and the classified error; the
// error reports whether the failure was served from the cache.
func (c *Core) Submit(ctx context.Context, a *actioncache.Action) (*Outcome, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	fp := a.Fingerprint()

	ctx = telemetry.WithActionContext(c.tel.WithContext(ctx), fp.String(), a.Name)
	logger := c.logger.With().Str("fingerprint", fp.Short()).Str("action", a.Name).Logger()

	if err := c.admit(ctx, a, fp, logger); err != nil {
		telemetry.EndActionContext(ctx, false, err)
		return nil, err
	}

	started := time.Now()
	res, err := c.cache.ExecuteOrGet(ctx, a, func(ctx context.Context) (*actioncache.Entry, error) {
		return c.execute(ctx, a, fp)
	})

	var out *Outcome
	if res != nil && res.Entry != nil {
		out = &Outcome{
			Fingerprint: fp,
			Action:      a.Name,
			ExitCode:    res.Entry.ExitCode,
			Outputs:     res.Entry.OutputsOrEmpty(),
			Cached:      res.Cached,
			Shared:      res.Shared,
			Duration:    res.Entry.Duration,
			Entry:       res.Entry,
		}
	}
	c.record(ctx, a, fp, out, err, started, logger)
	telemetry.EndActionContext(ctx, out != nil && out.Cached, err)
	return out, err
}

// admit evaluates admission policy. Evaluation errors deny the action.
func (c *Core) admit(ctx context.Context, a *actioncache.Action, fp digest.Digest, logger zerolog.Logger) error {
	if c.policy == nil {
		return nil
	}
	d, err := c.policy.Admit(ctx, a, c.executor.Backend())
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return execerr.FromContext(cerr).WithFingerprint(fp.String())
		}
		return execerr.New(execerr.KindPolicyDenied, "admission policy could not be evaluated", err).
			WithFingerprint(fp.String()).
			WithCommand(a.Argv)
	}
	for _, w := range d.Warnings {
		logger.Warn().Str("policy", w.Policy).Msg(w.Message)
	}
	if d.Allowed {
		return nil
	}

	reasons := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		reasons = append(reasons, v.Policy+": "+v.Message)
	}
	_ = c.tel.Events.PublishPolicyDenied(fp.String(), a.Name, reasons)
	c.tel.Metrics.RecordActionFailure(string(execerr.KindPolicyDenied))
	logger.Warn().Strs("reasons", reasons).Msg("Action denied by policy")

	return execerr.NewPolicyDenied(d.Reason()).WithFingerprint(fp.String()).WithCommand(a.Argv)
}

// allowFailure consults the caching policy before a failed result is
// stored.
func (c *Core) allowFailure(ctx context.Context, a *actioncache.Action, e *actioncache.Entry, _ error) bool {
	if c.policy == nil {
		return true
	}
	ok, reasons, err := c.policy.Cacheable(ctx, a, e.ExitCode)
	if err != nil {
		c.logger.Warn().Err(err).Str("action", a.Name).Msg("Caching policy failed, result not cached")
		return false
	}
	if !ok {
		c.logger.Debug().Str("action", a.Name).Strs("reasons", reasons).Msg("Failure excluded from cache")
	}
	return ok
}

// execute is the cache's execution function: it realizes the inputs,
// runs the command and builds the entry.
func (c *Core) execute(ctx context.Context, a *actioncache.Action, fp digest.Digest) (*actioncache.Entry, error) {
	_ = c.tel.Events.PublishActionStarted(fp.String(), a.Name, c.executor.Backend())
	c.tel.Metrics.ActionStarted()

	root, err := c.acquire(ctx, a.Inputs)
	if err != nil {
		return nil, err
	}
	defer root.Release()

	if st := root.Stats(); st.Full || st.Ops() > 0 {
		_ = c.tel.Events.PublishMaterializeDelta(fp.String(), root.Path(), st.Full, st.Added, st.Removed, st.Changed, st.Duration)
	}

	timeout := a.Timeout
	if timeout == 0 {
		timeout = c.cfg.Exec.DefaultTimeout
	}
	req := &sandbox.Request{
		Argv:    a.Argv,
		Env:     a.EnvList(),
		WorkDir: a.WorkDir,
		Network: a.Network,
		Timeout: timeout,
		Limits:  c.cfg.Exec.Limits,
	}
	for _, o := range a.Outputs {
		req.Outputs = append(req.Outputs, sandbox.Output{
			Path:     a.OutputPath(o),
			Optional: a.Policy.IsOptional(o),
		})
	}

	res, err := c.executor.Run(ctx, root.Path(), req)
	if res == nil {
		return nil, err
	}
	c.tel.Metrics.RecordAction(res.Backend, res.Usage.WallTime)

	entry := &actioncache.Entry{
		Outputs:    res.Outputs,
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		StderrTail: res.StderrTail,
		Duration:   res.Usage.WallTime,
		CreatedAt:  time.Now().UTC(),
		Backend:    res.Backend,
	}
	if err != nil {
		return entry, err
	}
	if res.ExitCode != 0 {
		entry.Outputs = depset.Empty()
		return entry, execerr.NewExecutionFailed(res.ExitCode).
			WithCommand(a.Argv).
			WithStderrTail(res.StderrTail)
	}
	return entry, nil
}

// acquire realizes ds. With slots configured the root comes from the slot
// pool, reusing a previous realization incrementally; otherwise it is a
// shared realization keyed by the DepSet hash.
func (c *Core) acquire(ctx context.Context, ds *depset.DepSet) (root *materialize.Root, err error) {
	if ds == nil {
		ds = depset.Empty()
	}
	ctx, span := c.tel.Tracer.StartMaterializeSpan(ctx, ds.Hash().String())
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()

	if c.cfg.Materialize.Slots > 0 {
		return c.materializer.Lease(ctx, ds)
	}
	return c.materializer.Shared(ctx, ds)
}

// record publishes the submission outcome and appends it to the execution
// log.
func (c *Core) record(ctx context.Context, a *actioncache.Action, fp digest.Digest, out *Outcome, err error, started time.Time, logger zerolog.Logger) {
	cached := out != nil && out.Cached
	if err != nil {
		kind := execerr.KindOf(err)
		if kind == "" {
			kind = execerr.KindSandboxSetup
		}
		if !cached {
			c.tel.Metrics.RecordActionFailure(string(kind))
		}
		_ = c.tel.Events.PublishActionFailed(fp.String(), a.Name, string(kind), err.Error(), cached)
		logger.Debug().Err(err).Bool("cached", cached).Msg("Action failed")
	} else {
		_ = c.tel.Events.PublishActionCompleted(fp.String(), a.Name, out.ExitCode, out.Duration)
		logger.Debug().Bool("cached", cached).Bool("shared", out.Shared).Msg("Action completed")
	}

	if c.db == nil {
		return
	}
	rec := &stores.ExecutionRecord{
		ID:          uuid.New().String(),
		Fingerprint: fp,
		ActionName:  a.Name,
		Backend:     c.executor.Backend(),
		ExitCode:    -1,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	rec.Duration = rec.CompletedAt.Sub(started)
	if out != nil {
		rec.ExitCode = out.ExitCode
		rec.Cached = out.Cached
		rec.Shared = out.Shared
		if out.Entry.Backend != "" {
			rec.Backend = out.Entry.Backend
		}
	}
	if err != nil {
		kind := string(execerr.KindOf(err))
		msg := err.Error()
		rec.ErrorKind = &kind
		rec.ErrorMessage = &msg
	}
	if ierr := c.db.InsertExecution(context.WithoutCancel(ctx), rec); ierr != nil {
		logger.Warn().Err(ierr).Msg("Failed to record execution")
	}
}

// Lookup returns the stored entry for fp, or nil.
func (c *Core) Lookup(ctx context.Context, fp digest.Digest) (*actioncache.Entry, error) {
	return c.cache.Get(ctx, fp)
}

// Export materializes ds into dir, which is typically an output DepSet
// handed back by Submit.
func (c *Core) Export(ctx context.Context, dir string, ds *depset.DepSet) (materialize.Stats, error) {
	return c.materializer.Materialize(ctx, dir, ds)
}

// GCResult reports what GC removed.
type GCResult struct {
	Roots   materialize.GCResult `json:"roots"`
	Entries int64                `json:"entries"`
	Nodes   int64                `json:"nodes"`
}

// GC removes unreferenced shared roots and, when the cache is persisted,
// entries from earlier generations and unreferenced DepSet nodes.
func (c *Core) GC(ctx context.Context) (*GCResult, error) {
	roots, err := c.materializer.GC(ctx, materialize.GCOptions{
		MaxAge: c.cfg.Materialize.GCMaxAge,
		Keep:   c.cfg.Materialize.GCRetain,
	})
	if err != nil {
		return nil, err
	}
	result := &GCResult{Roots: roots}
	if c.db != nil {
		if result.Entries, err = c.db.PruneEntries(ctx, c.cache.Generation()); err != nil {
			return nil, err
		}
		if result.Nodes, err = c.db.PruneNodes(ctx); err != nil {
			return nil, err
		}
	}
	c.logger.Info().
		Int("roots", roots.Removed).
		Int64("entries", result.Entries).
		Int64("nodes", result.Nodes).
		Msg("Garbage collection finished")
	return result, nil
}

// Store returns the content store.
func (c *Core) Store() cas.Store { return c.store }

// Cache returns the action cache.
func (c *Core) Cache() *actioncache.Cache { return c.cache }

// DB returns the cache database, or nil when the cache is not persisted.
func (c *Core) DB() *stores.SQLiteStore { return c.db }

// Policy returns the policy engine, or nil when policy is disabled.
func (c *Core) Policy() *policy.Engine { return c.policy }

// Telemetry returns the telemetry the core reports to.
func (c *Core) Telemetry() *telemetry.Telemetry { return c.tel }

// Backend returns the isolation backend name.
func (c *Core) Backend() string { return c.executor.Backend() }

// Close releases everything the core opened, in reverse order.
func (c *Core) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

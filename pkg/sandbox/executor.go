package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/hermit/pkg/cas"
	"github.com/openfroyo/hermit/pkg/depset"
	"github.com/openfroyo/hermit/pkg/digest"
	"github.com/openfroyo/hermit/pkg/execerr"
	"github.com/openfroyo/hermit/pkg/telemetry"
)

const (
	defaultMaxCaptureBytes = 16 << 20
	defaultTailBytes       = 4 << 10
	defaultTeardownTimeout = 30 * time.Second
	defaultCaptureWorkers  = 8
)

// Options configures an Executor.
type Options struct {
	Logger zerolog.Logger

	// Tracer records a span per execution when set.
	Tracer *telemetry.Tracer

	// MaxCaptureBytes bounds the stored prefix of stdout and stderr each.
	MaxCaptureBytes int64

	// TailBytes is how much of the end of stderr is attached to failures.
	TailBytes int

	// TeardownTimeout bounds Teardown, which runs even after the caller's
	// context is done.
	TeardownTimeout time.Duration

	// CaptureWorkers bounds concurrent output hashing.
	CaptureWorkers int
}

// Request is one execution.
type Request struct {
	Argv    []string
	Env     []string
	WorkDir string
	Network bool

	// Timeout is the execution deadline. Zero means none.
	Timeout time.Duration

	Outputs []Output
	Limits  Limits
}

// Result is a completed execution. A non-zero exit is a Result, not an
// error; Outputs is then empty.
type Result struct {
	ExitCode        int
	Outputs         *depset.DepSet
	Stdout          digest.Digest
	Stderr          digest.Digest
	StdoutTruncated bool
	StderrTruncated bool
	StderrTail      string
	Usage           Usage
	Backend         string
}

// Executor runs requests through one backend.
type Executor struct {
	backend Backend
	store   cas.Store
	logger  zerolog.Logger
	tracer  *telemetry.Tracer
	opts    Options
}

// NewExecutor creates an executor storing captured files in store.
func NewExecutor(backend Backend, store cas.Store, opts Options) (*Executor, error) {
	if backend == nil {
		return nil, fmt.Errorf("sandbox backend is required")
	}
	if store == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if opts.MaxCaptureBytes <= 0 {
		opts.MaxCaptureBytes = defaultMaxCaptureBytes
	}
	if opts.TailBytes <= 0 {
		opts.TailBytes = defaultTailBytes
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = defaultTeardownTimeout
	}
	if opts.CaptureWorkers <= 0 {
		opts.CaptureWorkers = defaultCaptureWorkers
	}
	return &Executor{
		backend: backend,
		store:   store,
		logger:  opts.Logger.With().Str("component", "sandbox").Str("backend", backend.Name()).Logger(),
		tracer:  opts.Tracer,
		opts:    opts,
	}, nil
}

// Backend returns the backend name.
func (e *Executor) Backend() string {
	return e.backend.Name()
}

// Run executes req against root. root is only read. The sandbox is torn
// down before Run returns on every path.
//
// Errors: SandboxSetupError when the backend fails, Timeout when
// req.Timeout or the caller's deadline expires, Canceled when ctx is
// canceled, MissingOutput (returned together with the Result) when a
// required output is absent, FilesystemError or StoreUnavailable while
// capturing.
func (e *Executor) Run(ctx context.Context, root string, req *Request) (res *Result, err error) {
	if len(req.Argv) == 0 {
		return nil, execerr.NewInvalidEntry("empty argv", nil)
	}
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartSandboxSpan(ctx, e.backend.Name())
		defer func() {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.SetAttributes(span, telemetry.AttrExitCode.Int(res.ExitCode))
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	h, err := e.backend.Prepare(ctx, root)
	if err != nil {
		if cerr := contextError(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, setupError("failed to prepare sandbox", err)
	}
	logger := e.logger.With().Str("sandbox", h.ID).Logger()
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.TeardownTimeout)
		defer cancel()
		if terr := e.backend.Teardown(tctx, h); terr != nil {
			logger.Warn().Err(terr).Msg("sandbox teardown failed")
		}
	}()

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	stdout := newStream(e.opts.MaxCaptureBytes, 0)
	stderr := newStream(e.opts.MaxCaptureBytes, e.opts.TailBytes)
	cmd := &Command{
		Argv:    req.Argv,
		Env:     req.Env,
		WorkDir: req.WorkDir,
		Network: req.Network,
		Limits:  req.Limits,
		Stdout:  stdout,
		Stderr:  stderr,
	}
	for _, o := range req.Outputs {
		cmd.Outputs = append(cmd.Outputs, o.Path)
	}

	logger.Debug().Strs("argv", req.Argv).Str("workdir", req.WorkDir).Msg("executing")
	start := time.Now()
	xr, xerr := e.backend.Exec(execCtx, h, cmd)
	wall := time.Since(start)

	if cerr := contextError(ctx); cerr != nil {
		return nil, cerr.WithStderrTail(stderr.Tail())
	}
	if execCtx.Err() != nil {
		return nil, execerr.NewTimeout(fmt.Sprintf("action exceeded its %s timeout", req.Timeout), execCtx.Err()).
			WithStderrTail(stderr.Tail())
	}
	if xerr != nil {
		return nil, setupError("sandboxed execution failed", xerr).WithStderrTail(stderr.Tail())
	}

	res = &Result{
		ExitCode:        xr.ExitCode,
		Outputs:         depset.Empty(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		StderrTail:      stderr.Tail(),
		Usage:           xr.Usage,
		Backend:         e.backend.Name(),
	}
	if res.Usage.WallTime == 0 {
		res.Usage.WallTime = wall
	}

	if res.Stdout, err = e.storeStream(ctx, stdout); err != nil {
		return nil, err
	}
	if res.Stderr, err = e.storeStream(ctx, stderr); err != nil {
		return nil, err
	}

	logger.Debug().
		Int("exit_code", res.ExitCode).
		Dur("wall", res.Usage.WallTime).
		Dur("user", res.Usage.UserTime).
		Int64("max_rss", res.Usage.MaxRSSBytes).
		Msg("execution finished")

	if res.ExitCode != 0 {
		return res, nil
	}

	outputs, err := captureOutputs(ctx, e.store, h.OutputRoot, req.Outputs, e.opts.CaptureWorkers)
	if err != nil {
		if cerr := contextError(ctx); cerr != nil {
			return nil, cerr
		}
		if execerr.IsMissingOutput(err) {
			ee, _ := execerr.As(err)
			return res, ee.WithCommand(req.Argv).WithStderrTail(res.StderrTail)
		}
		return nil, err
	}
	res.Outputs = outputs
	return res, nil
}

func (e *Executor) storeStream(ctx context.Context, s *stream) (digest.Digest, error) {
	data := s.Bytes()
	if len(data) == 0 {
		return digest.Digest{}, nil
	}
	d, err := cas.PutBytes(ctx, e.store, data)
	if err != nil {
		if _, ok := execerr.As(err); ok {
			return digest.Digest{}, err
		}
		return digest.Digest{}, execerr.NewStoreUnavailable("failed to store captured output", err)
	}
	return d, nil
}

// contextError classifies a done context, or returns nil while it is live.
func contextError(ctx context.Context) *execerr.Error {
	if err := ctx.Err(); err != nil {
		return execerr.FromContext(err)
	}
	return nil
}

// setupError keeps an already classified error and wraps anything else as
// SandboxSetupError.
func setupError(msg string, err error) *execerr.Error {
	if e, ok := execerr.As(err); ok {
		return e
	}
	return execerr.NewSandboxSetupError(msg, err)
}

package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the executor's logger, tracer, metrics and event
// publisher.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry builds every component from cfg.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	tracer, err := NewTracer(cfg)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext stores t and its logger in ctx.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext returns the telemetry stored in ctx, or nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains buffered events, flushes spans and closes the log file.
// Every component is shut down even if an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Logger.Close(),
	)
}

type actionSpanKey struct{}

// WithActionContext starts the span for one submission and stores a logger
// tagged with the action, and the trace ID when sampled, in the returned
// context. It is a no-op unless ctx carries telemetry.
func WithActionContext(ctx context.Context, fingerprint, name string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	ctx, span := tel.Tracer.StartActionSpan(ctx, fingerprint, name)
	logger := tel.Logger.WithAction(name, fingerprint)
	if id := TraceID(ctx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	ctx = logger.WithContext(ctx)
	return context.WithValue(ctx, actionSpanKey{}, span)
}

// EndActionContext ends the span started by WithActionContext.
func EndActionContext(ctx context.Context, cached bool, err error) {
	span, ok := ctx.Value(actionSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	span.SetAttributes(AttrCached.Bool(cached))
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

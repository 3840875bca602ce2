package telemetry

import (
	"context"
	"time"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Telemetry bundles the logger, tracer and metrics of the ACS.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// EngineOptions fills the observability hooks of orchestrator options.
func (t *Telemetry) EngineOptions(opts engine.Options) engine.Options {
	opts.Observer = t.Metrics
	opts.Sink = NewLogSink(t.Logger)
	opts.Tracer = t.Tracer.Tracer()
	opts.Logger = t.Logger.NewComponentLogger("orchestrator").Zerolog()
	return opts
}

// Shutdown flushes pending spans and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server until ctx is cancelled.
func (t *Telemetry) StartMetricsServer(ctx context.Context) error {
	return t.Metrics.StartMetricsServer(ctx, *t.Logger.NewComponentLogger("metrics").Zerolog())
}

// InstrumentedRunner wraps a session runner with a dispatch span and
// session start and finish log lines.
type InstrumentedRunner struct {
	next   engine.SessionRunner
	tracer *Tracer
	logger *Logger
}

// Instrument wraps runner with the telemetry of t.
func (t *Telemetry) Instrument(runner engine.SessionRunner) *InstrumentedRunner {
	return &InstrumentedRunner{
		next:   runner,
		tracer: t.Tracer,
		logger: t.Logger.NewComponentLogger("session"),
	}
}

// RunSession implements engine.SessionRunner.
func (r *InstrumentedRunner) RunSession(ctx context.Context, contact engine.Contact, script *engine.RuleScript) (*engine.SessionResult, error) {
	ctx, span := r.tracer.StartDispatchSpan(ctx, contact.Device.ID(), contact.Events)
	defer span.End()

	logger := r.logger.WithDevice(contact.Device)
	if traceID := TraceID(ctx); traceID != "" {
		logger = logger.WithField("trace_id", traceID)
	}
	ctx = logger.WithContext(ctx)

	start := time.Now()
	logger.zlog.Debug().Strs("events", contact.Events).Msg("Session started")

	result, err := r.next.RunSession(ctx, contact, script)
	if err != nil {
		RecordError(span, err)
		logger.WithError(err).Error("Session failed")
		return result, err
	}

	span.SetAttributes(
		AttrSessionID.String(result.SessionID),
		AttrSessionStatus.String(string(result.Status)),
	)
	if result.Status == engine.SessionStatusCompleted {
		RecordSuccess(span)
	}

	logger.WithSessionID(result.SessionID).zlog.Info().
		Str("status", string(result.Status)).
		Int("passes", result.Passes).
		Int("applied", len(result.AppliedWrites)).
		Int("failed", len(result.FailedWrites)).
		Int("denied", len(result.DeniedWrites)).
		Int("faults", len(result.Faults)).
		Dur("elapsed", time.Since(start)).
		Msg("Session finished")

	return result, nil
}

var _ engine.SessionRunner = (*InstrumentedRunner)(nil)

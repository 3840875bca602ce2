package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultMaxPasses is the pass budget of a session.
	DefaultMaxPasses = 3

	// DefaultTransportTimeout bounds every transport call.
	DefaultTransportTimeout = 30 * time.Second

	// DefaultMaxParallelSessions bounds the sessions a Dispatcher runs at once.
	DefaultMaxParallelSessions = 10

	// defaultDiscoveryRounds bounds nested instance discovery within one pass.
	defaultDiscoveryRounds = 8
)

// Options configures an Orchestrator. Zero values select defaults.
type Options struct {
	// MaxPasses is the pass budget. Defaults to 3.
	MaxPasses int

	// TransportTimeout bounds each transport call. Defaults to 30s.
	TransportTimeout time.Duration

	// Guard reviews planned writes. Optional.
	Guard WriteGuard

	// Parameters seeds and persists the parameter cache. Optional.
	Parameters ParameterRepository

	// Recorder stores finished sessions. Optional.
	Recorder SessionRecorder

	// Observer receives lifecycle notifications. Optional.
	Observer Observer

	// Sink receives rule log lines. Optional.
	Sink LogSink

	// Tracer creates session spans. Optional.
	Tracer trace.Tracer

	// Logger is the engine logger. Defaults to the global zerolog logger.
	Logger *zerolog.Logger

	// NewID generates session IDs. Defaults to random UUIDs.
	NewID func() string
}

// Orchestrator drives device sessions end to end.
type Orchestrator struct {
	transport Transport
	tags      TagRepository

	maxPasses        int
	transportTimeout time.Duration
	guard            WriteGuard
	params           ParameterRepository
	recorder         SessionRecorder
	observer         Observer
	sink             LogSink
	tracer           trace.Tracer
	logger           zerolog.Logger
	newID            func() string
	executor         *Executor
}

// NewOrchestrator creates an orchestrator over a transport and tag repository.
func NewOrchestrator(transport Transport, tags TagRepository, opts Options) *Orchestrator {
	o := &Orchestrator{
		transport:        transport,
		tags:             tags,
		maxPasses:        opts.MaxPasses,
		transportTimeout: opts.TransportTimeout,
		guard:            opts.Guard,
		params:           opts.Parameters,
		recorder:         opts.Recorder,
		observer:         opts.Observer,
		sink:             opts.Sink,
		tracer:           opts.Tracer,
		newID:            opts.NewID,
	}
	if o.maxPasses <= 0 {
		o.maxPasses = DefaultMaxPasses
	}
	if o.transportTimeout <= 0 {
		o.transportTimeout = DefaultTransportTimeout
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
	if o.sink == nil {
		o.sink = NopSink{}
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("froyo-acs/engine")
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.New().String() }
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	o.logger = logger.With().Str("component", "orchestrator").Logger()
	o.executor = NewExecutor(logger)
	return o
}

// MaxPasses returns the pass budget.
func (o *Orchestrator) MaxPasses() int {
	return o.maxPasses
}

// RunSession runs the rule script for one device contact until it reaches a
// fixed point, exhausts the pass budget or the transport fails. It returns an
// error only when no meaningful session could be run.
func (o *Orchestrator) RunSession(ctx context.Context, contact Contact, script *RuleScript) (*SessionResult, error) {
	if o.transport == nil {
		return nil, NewPermanentError("transport is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := contact.Device.Validate(); err != nil {
		return nil, err
	}
	if err := script.Validate(); err != nil {
		return nil, err
	}
	if contact.DataModel != "" {
		if err := contact.DataModel.Validate(); err != nil {
			return nil, NewPermanentError("invalid contact", err).WithCode(ErrCodeValidation)
		}
	}

	session := NewSession(o.newID(), contact)
	deviceID := session.DeviceID()
	logger := o.logger.With().
		Str("session_id", session.ID).
		Str("device", deviceID).
		Logger()

	ctx, span := o.tracer.Start(ctx, "acs.session", trace.WithAttributes(
		attribute.String("acs.session_id", session.ID),
		attribute.String("acs.device_id", deviceID),
		attribute.String("acs.rule_script", script.Name),
	))
	defer span.End()

	var seed *Snapshot
	if o.params != nil {
		var err error
		seed, err = o.params.LoadParameters(ctx, deviceID)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to load parameters for %s: %w", deviceID, err)
		}
	}

	started := time.Now()
	o.observer.SessionStarted()
	logger.Debug().
		Time("contact", session.Contact.Timestamp).
		Str("data_model", string(session.Contact.DataModel)).
		Msg("Session opened")

	cache := NewCache(seed)
	resolver := NewResolver(cache, session.Contact.Timestamp, logger)
	tags := NewTagAnnotator(o.tags, deviceID)
	rc := NewRuleContext(ctx, session, resolver, tags, o.sink)

	var faults []RuleFault
	var fault error
	for {
		session.Pass++
		if err := session.transition(SessionStateResolving); err != nil {
			fault = err
			break
		}
		resolver.BeginPass(session.Pass)

		passCtx, passSpan := o.tracer.Start(ctx, "acs.pass",
			trace.WithAttributes(attribute.Int("acs.pass", session.Pass)))
		rc.ctx = passCtx

		passFaults := o.executor.Run(rc, script)
		for _, f := range passFaults {
			o.observer.RuleFault(f.Rule)
		}
		faults = append(faults, passFaults...)

		if err := session.transition(SessionStateApplying); err != nil {
			passSpan.End()
			fault = err
			break
		}
		if err := o.apply(passCtx, session, resolver, logger); err != nil {
			passSpan.RecordError(err)
			passSpan.End()
			fault = err
			break
		}

		changed := resolver.Changed()
		tagsChanged := tags.TakeChanged()
		passSpan.SetAttributes(
			attribute.Bool("acs.cache_changed", changed),
			attribute.Bool("acs.tags_changed", tagsChanged),
		)
		passSpan.End()

		if !changed && !tagsChanged {
			session.Status = SessionStatusCompleted
			break
		}
		if session.Pass >= o.maxPasses {
			session.Status = SessionStatusBudgetExceeded
			logger.Warn().
				Int("passes", session.Pass).
				Str("code", ErrCodeBudgetExceeded).
				Msg("Rule script did not reach a fixed point within the pass budget")
			rc.forRule("").Log(LogLevelWarn, "provisioning did not converge", map[string]interface{}{
				"passes": session.Pass,
				"code":   ErrCodeBudgetExceeded,
			})
			break
		}
	}

	if fault != nil {
		session.Status = SessionStatusAborted
		session.State = SessionStateAborted
		tags.Discard()
		span.SetStatus(codes.Error, fault.Error())
		logger.Error().Err(fault).Int("pass", session.Pass).Msg("Session aborted")
	} else {
		_ = session.transition(SessionStateDone)
	}

	// Tag commits and persistence must survive a cancelled session context.
	finalCtx := context.WithoutCancel(ctx)
	result := o.buildResult(session, resolver, faults, started)
	result.TagWrites = tags.Staged()
	if fault != nil {
		result.Error = fault.Error()
		result.TagWrites = nil
	} else if err := tags.Commit(finalCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to commit tags")
		result.Error = err.Error()
	}

	if o.params != nil {
		if err := o.params.SaveParameters(finalCtx, deviceID, cache.Snapshot()); err != nil {
			logger.Error().Err(err).Msg("Failed to save parameters")
		}
	}
	if o.recorder != nil {
		if err := o.recorder.RecordSession(finalCtx, result); err != nil {
			logger.Error().Err(err).Msg("Failed to record session")
		}
	}

	span.SetAttributes(
		attribute.String("acs.status", string(result.Status)),
		attribute.Int("acs.passes", result.Passes),
		attribute.Int("acs.applied_writes", len(result.AppliedWrites)),
	)
	o.observer.SessionFinished(string(result.Status), result.Passes, result.Duration)
	logger.Info().
		Str("status", string(result.Status)).
		Int("passes", result.Passes).
		Int("writes", len(result.AppliedWrites)).
		Int("faults", len(result.Faults)).
		Dur("duration", result.Duration).
		Msg("Session finished")

	return result, nil
}

func (o *Orchestrator) buildResult(session *Session, resolver *Resolver, faults []RuleFault, started time.Time) *SessionResult {
	completed := time.Now()
	return &SessionResult{
		SessionID:     session.ID,
		Device:        session.Contact.Device,
		Status:        session.Status,
		Passes:        session.Pass,
		AppliedWrites: resolver.AppliedWrites(),
		FailedWrites:  resolver.FailedWrites(),
		DeniedWrites:  resolver.DeniedWrites(),
		Faults:        faults,
		Declarations:  resolver.Results(),
		Log:           session.Declarations,
		Logs:          session.Logs,
		StartedAt:     started,
		CompletedAt:   completed,
		Duration:      completed.Sub(started),
	}
}

// apply runs the APPLYING phase: discoveries, one read batch, the write guard
// and one write batch.
func (o *Orchestrator) apply(ctx context.Context, session *Session, resolver *Resolver, logger zerolog.Logger) error {
	if err := ctx.Err(); err != nil {
		return NewSessionFault("apply", err).WithDevice(session.DeviceID())
	}

	for round := 0; ; round++ {
		parents := resolver.PendingDiscoveries()
		if len(parents) == 0 {
			break
		}
		if round >= defaultDiscoveryRounds {
			logger.Warn().Int("rounds", round).Msg("Instance discovery did not settle")
			break
		}
		for _, parent := range parents {
			indices, err := o.discover(ctx, session.Contact.Device, parent)
			if err != nil && !IsPathError(err) {
				return asSessionFault("discover", err).WithDevice(session.DeviceID())
			}
			resolver.ApplyDiscovery(parent, indices, err)
		}
		resolver.Reevaluate(true)
	}

	if reads := resolver.PendingReads(); len(reads) > 0 {
		results, err := o.read(ctx, session.Contact.Device, reads)
		if err != nil {
			return asSessionFault("read", err).WithDevice(session.DeviceID())
		}
		resolver.ApplyReads(reads, results)
		resolver.Reevaluate(true)
	}

	planned := resolver.PlannedWrites()
	if len(planned) > 0 && o.guard != nil {
		o.review(ctx, session, resolver, planned, logger)
		planned = resolver.PlannedWrites()
	}
	if len(planned) > 0 {
		values := make(map[Path]Value, len(planned))
		for _, pw := range planned {
			values[pw.Path] = pw.Value
		}
		results, err := o.write(ctx, session.Contact.Device, values)
		if err != nil {
			return asSessionFault("write", err).WithDevice(session.DeviceID())
		}
		resolver.ApplyWrites(planned, results)
	}

	resolver.Reevaluate(false)
	return nil
}

// review consults the write guard. A guard that cannot answer denies every
// planned write.
func (o *Orchestrator) review(ctx context.Context, session *Session, resolver *Resolver, planned []PlannedWrite, logger zerolog.Logger) {
	denials, err := o.guard.Review(ctx, session.Contact, planned)
	if err != nil {
		logger.Error().Err(err).Int("writes", len(planned)).Msg("Write guard failed, denying planned writes")
		denials = make(map[Path]string, len(planned))
		for _, pw := range planned {
			denials[pw.Path] = "write guard unavailable"
		}
	}
	if len(denials) == 0 {
		return
	}

	paths := make([]Path, 0, len(denials))
	for p := range denials {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	denied := 0
	for _, p := range paths {
		if _, ok := resolver.writeValues[p]; !ok {
			continue
		}
		resolver.Deny(p, denials[p])
		denied++
		o.sink.Log(session.Contact.Device, LogLevelWarn, "write denied by policy", map[string]interface{}{
			"path":   string(p),
			"reason": denials[p],
			"pass":   session.Pass,
			"code":   ErrCodeWriteDenied,
		})
	}
	if denied > 0 {
		o.observer.WritesDenied(denied)
	}
}

func (o *Orchestrator) discover(ctx context.Context, device DeviceIdentity, parent Path) ([]int, error) {
	ctx, span := o.tracer.Start(ctx, "acs.transport.discover",
		trace.WithAttributes(attribute.String("acs.path", string(parent))))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.transportTimeout)
	defer cancel()

	start := time.Now()
	indices, err := o.transport.DiscoverInstances(callCtx, device, parent)
	o.observer.TransportCall("discover", 1, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
	}
	return indices, err
}

func (o *Orchestrator) read(ctx context.Context, device DeviceIdentity, paths []Path) (map[Path]ReadResult, error) {
	ctx, span := o.tracer.Start(ctx, "acs.transport.read",
		trace.WithAttributes(attribute.Int("acs.paths", len(paths))))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.transportTimeout)
	defer cancel()

	start := time.Now()
	results, err := o.transport.ReadBatch(callCtx, device, paths)
	o.observer.TransportCall("read", len(paths), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return results, err
}

func (o *Orchestrator) write(ctx context.Context, device DeviceIdentity, values map[Path]Value) (map[Path]error, error) {
	ctx, span := o.tracer.Start(ctx, "acs.transport.write",
		trace.WithAttributes(attribute.Int("acs.paths", len(values))))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.transportTimeout)
	defer cancel()

	start := time.Now()
	results, err := o.transport.WriteBatch(callCtx, device, values)
	o.observer.TransportCall("write", len(values), time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return results, err
}

func asSessionFault(op string, err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) && ee.Code == ErrCodeSessionFault {
		return ee
	}
	fault := NewSessionFault(op, err)
	if errors.Is(err, context.DeadlineExceeded) {
		fault.WithDetail("timeout", true)
	}
	return fault
}

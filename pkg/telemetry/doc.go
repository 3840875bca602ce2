// Package telemetry provides the observability instrumentation of the ACS.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry) and Prometheus metrics:
//
//   - Logger wraps zerolog with device and session fields, and LogSink
//     forwards rule log lines to it as an engine.LogSink.
//   - Metrics implements engine.Observer and counts sessions by status,
//     transport calls, rule faults and denied writes.
//   - Tracer provides the trace.Tracer the orchestrator opens session, pass
//     and transport spans with.
//
// # Usage
//
// Initialize telemetry at startup from the ACS configuration:
//
//	tel, err := telemetry.NewTelemetry(telemetry.FromACS(cfg.Telemetry, version))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Hook it into the orchestrator and the dispatcher:
//
//	orch := engine.NewOrchestrator(transport, store, tel.EngineOptions(engine.Options{
//	    Guard:      guard,
//	    Parameters: store,
//	    Recorder:   store,
//	}))
//	dispatcher := engine.NewDispatcher(tel.Instrument(orch), engine.StaticScript(rules), 10)
//
// # Metrics
//
// All metrics carry the froyo_acs namespace by default:
//
//	froyo_acs_sessions_started_total
//	froyo_acs_sessions_completed_total{status}
//	froyo_acs_session_duration_seconds{status}
//	froyo_acs_session_passes
//	froyo_acs_active_sessions
//	froyo_acs_transport_calls_total{operation}
//	froyo_acs_transport_paths_total{operation}
//	froyo_acs_transport_call_duration_seconds{operation}
//	froyo_acs_transport_errors_total{operation,class}
//	froyo_acs_rule_faults_total{rule}
//	froyo_acs_writes_denied_total
package telemetry

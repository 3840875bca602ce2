package config

import (
	"fmt"
	"time"
)

// ACSConfig is the engine configuration decoded from CUE.
type ACSConfig struct {
	// Engine configures session execution.
	Engine EngineConfig `json:"engine" validate:"required"`

	// Store configures persistence of tags, parameter snapshots and history.
	Store StoreConfig `json:"store"`

	// Rules points at the rule manifest.
	Rules RulesConfig `json:"rules"`

	// Policy configures the write guard.
	Policy PolicyConfig `json:"policy"`

	// Transport selects how devices are reached.
	Transport TransportConfig `json:"transport" validate:"required"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry"`
}

// EngineConfig configures session execution.
type EngineConfig struct {
	// MaxPasses is the pass budget of a session.
	MaxPasses int `json:"maxPasses" validate:"min=1,max=32"`

	// TransportTimeout bounds every transport call (e.g. "30s").
	TransportTimeout string `json:"transportTimeout" validate:"required"`

	// MaxParallelSessions bounds concurrently running sessions.
	MaxParallelSessions int `json:"maxParallelSessions" validate:"min=1"`

	// MaxScriptSteps bounds the Starlark steps of one rule evaluation.
	MaxScriptSteps uint64 `json:"maxScriptSteps,omitempty"`
}

// Timeout returns TransportTimeout as a duration.
func (e EngineConfig) Timeout() (time.Duration, error) {
	return parseDuration("engine.transportTimeout", e.TransportTimeout)
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty keeps everything in memory.
	Path string `json:"path,omitempty"`

	// History enables session history recording.
	History bool `json:"history"`

	// Snapshots enables persisting parameter snapshots between sessions.
	Snapshots bool `json:"snapshots"`
}

// RulesConfig points at the rule manifest.
type RulesConfig struct {
	// Manifest is the YAML rule manifest path.
	Manifest string `json:"manifest,omitempty"`
}

// PolicyConfig configures the write guard.
type PolicyConfig struct {
	// Enabled indicates if the write guard is active.
	Enabled bool `json:"enabled"`

	// Paths lists policy file or directory paths.
	Paths []string `json:"paths,omitempty"`

	// Mode is the enforcement mode (advisory, enforcing).
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`

	// Watch reloads policies when their files change.
	Watch bool `json:"watch"`
}

// TransportConfig selects how devices are reached.
type TransportConfig struct {
	// Kind is the transport kind (simulated, genieacs).
	Kind string `json:"kind" validate:"required,oneof=simulated genieacs"`

	// URL is the GenieACS NBI base URL.
	URL string `json:"url,omitempty" validate:"required_if=Kind genieacs,omitempty,url"`

	// ConnectionRequest asks GenieACS to wake the device for each task.
	ConnectionRequest bool `json:"connectionRequest"`

	// Timeout bounds one NBI request (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`

	// Retries is the number of retries of a failed NBI request.
	Retries int `json:"retries" validate:"min=0,max=10"`

	// Fixtures lists simulated device fixture files.
	Fixtures []string `json:"fixtures,omitempty"`
}

// RequestTimeout returns Timeout as a duration. Zero means the transport default.
func (t TransportConfig) RequestTimeout() (time.Duration, error) {
	if t.Timeout == "" {
		return 0, nil
	}
	return parseDuration("transport.timeout", t.Timeout)
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	// LogLevel is the minimum log level.
	LogLevel string `json:"logLevel" validate:"oneof=trace debug info warn error"`

	// LogFormat is console or json.
	LogFormat string `json:"logFormat" validate:"oneof=console json"`

	// MetricsAddress is the Prometheus listen address. Empty disables the endpoint.
	MetricsAddress string `json:"metricsAddress,omitempty"`

	// TracingExporter is none, stdout or otlp.
	TracingExporter string `json:"tracingExporter" validate:"oneof=none stdout otlp"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `json:"tracingEndpoint,omitempty" validate:"required_if=TracingExporter otlp"`
}

// ParsedConfig represents the fully parsed configuration from CUE.
type ParsedConfig struct {
	// Config is the decoded configuration. Nil when Errors is not empty.
	Config *ACSConfig `json:"config,omitempty"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the configuration was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the config path of the error (e.g., "engine.maxPasses").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

func (e ValidationError) String() string {
	loc := e.Path
	if e.File != "" {
		loc = fmt.Sprintf("%s:%d:%d", e.File, e.Line, e.Column)
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %s", field, s)
	}
	return d, nil
}

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/froyo-acs/pkg/config"
	"github.com/openfroyo/froyo-acs/pkg/engine"
	"github.com/openfroyo/froyo-acs/pkg/policy"
	"github.com/openfroyo/froyo-acs/pkg/stores"
	"github.com/openfroyo/froyo-acs/pkg/telemetry"
)

// environment is the wiring shared by the session commands.
type environment struct {
	cfg       *config.ACSConfig
	telemetry *telemetry.Telemetry
	store     *stores.SQLiteStore
	guard     *policy.Guard
}

// loadConfig loads the CUE configuration named by --config, or the defaults.
func loadConfig(ctx context.Context) (*config.ACSConfig, error) {
	var sources []string
	if configPath != "" {
		sources = []string{configPath}
	}
	cfg, err := config.NewCUEParser().Load(ctx, sources)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

// openStore opens the store at path, falling back to the configured path and
// then to an in-memory database.
func openStore(ctx context.Context, cfg *config.ACSConfig, path string) (*stores.SQLiteStore, error) {
	if path == "" {
		path = cfg.Store.Path
	}
	if path == "" {
		path = ":memory:"
	}
	store, err := stores.Open(ctx, stores.Config{Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	return store, nil
}

// newEnvironment builds telemetry, store and write guard from cfg.
func newEnvironment(ctx context.Context, cfg *config.ACSConfig, version, dbPath string) (*environment, error) {
	tel, err := telemetry.NewTelemetry(telemetry.FromACS(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg, dbPath)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	env := &environment{cfg: cfg, telemetry: tel, store: store}

	if cfg.Policy.Enabled {
		logger := *tel.Logger.NewComponentLogger("policy").Zerolog()
		guard, err := policy.NewGuard(logger, policy.Mode(cfg.Policy.Mode))
		if err != nil {
			env.Close(ctx)
			return nil, fmt.Errorf("failed to create write guard: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := guard.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				env.Close(ctx)
				return nil, err
			}
			if cfg.Policy.Watch {
				if err := guard.Watch(ctx, cfg.Policy.Paths); err != nil {
					log.Warn().Err(err).Msg("Policy hot reload disabled")
				}
			}
		}
		env.guard = guard
	}

	return env, nil
}

// orchestrator builds the session orchestrator over transport.
func (e *environment) orchestrator(transport engine.Transport) (*engine.Orchestrator, error) {
	timeout, err := e.cfg.Engine.Timeout()
	if err != nil {
		return nil, err
	}

	opts := engine.Options{
		MaxPasses:        e.cfg.Engine.MaxPasses,
		TransportTimeout: timeout,
	}
	if e.guard != nil {
		opts.Guard = e.guard
	}
	if e.cfg.Store.Snapshots {
		opts.Parameters = e.store
	}
	if e.cfg.Store.History {
		opts.Recorder = e.store
	}
	opts = e.telemetry.EngineOptions(opts)

	return engine.NewOrchestrator(transport, e.store, opts), nil
}

// dispatcher wraps the orchestrator in an instrumented, bounded dispatcher.
func (e *environment) dispatcher(transport engine.Transport, script *engine.RuleScript) (*engine.Dispatcher, error) {
	o, err := e.orchestrator(transport)
	if err != nil {
		return nil, err
	}
	runner := e.telemetry.Instrument(o)
	return engine.NewDispatcher(runner, engine.StaticScript(script), e.cfg.Engine.MaxParallelSessions), nil
}

// loadScript builds the rule script from the manifest at path, or the
// configured manifest.
func (e *environment) loadScript(ctx context.Context, path string) (*engine.RuleScript, error) {
	if path == "" {
		path = e.cfg.Rules.Manifest
	}
	if path == "" {
		return nil, fmt.Errorf("no rule manifest: set rules.manifest or pass --rules")
	}
	return config.LoadRuleScript(ctx, path, config.BuildOptions{MaxScriptSteps: e.cfg.Engine.MaxScriptSteps})
}

// Close flushes telemetry and closes the store.
func (e *environment) Close(ctx context.Context) {
	if err := e.telemetry.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down tracer")
	}
	if err := e.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close store")
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

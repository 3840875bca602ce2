package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-acs/pkg/config"
	"github.com/openfroyo/froyo-acs/pkg/transports/genieacs"
)

func newRunCommand(version string) *cobra.Command {
	var (
		rulesPath string
		dbPath    string
		query     string
		url       string
		interval  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision devices managed by GenieACS",
		Long: `Run a provisioning session for every GenieACS device matching a query.

Each session reaches the device through NBI tasks posted with a connection
request. With --interval the sweep repeats until interrupted; the metrics
endpoint and policy hot reload stay up for the whole run.`,
		Example: `  # Provision every device once
  froyo-acs run -c acs.cue

  # Provision one product class every 15 minutes
  froyo-acs run -c acs.cue --query '{"_deviceId._ProductClass":"HG8245"}' --interval 15m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Transport.Kind = "genieacs"
				cfg.Transport.URL = url
			}
			if cfg.Transport.Kind != "genieacs" {
				return fmt.Errorf("run needs transport.kind genieacs, got %q", cfg.Transport.Kind)
			}

			var filter map[string]interface{}
			if query != "" {
				if err := json.Unmarshal([]byte(query), &filter); err != nil {
					return fmt.Errorf("invalid --query: %w", err)
				}
			}

			env, err := newEnvironment(ctx, cfg, version, dbPath)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			script, err := env.loadScript(ctx, rulesPath)
			if err != nil {
				return err
			}

			client, err := newNBIClient(cfg.Transport, env)
			if err != nil {
				return err
			}
			dispatcher, err := env.dispatcher(genieacs.NewTransport(client), script)
			if err != nil {
				return err
			}

			if err := env.telemetry.StartMetricsServer(ctx); err != nil {
				return err
			}

			for {
				log.Info().Str("url", cfg.Transport.URL).Msg("Starting provisioning sweep")
				outcomes, err := dispatcher.RunAll(ctx, genieacs.NewDeviceSource(client, filter))
				if err != nil {
					return err
				}
				if jsonOutput {
					if err := writeJSON(cmd.OutOrStdout(), sessionResults(outcomes)); err != nil {
						return err
					}
				} else {
					printOutcomes(cmd.OutOrStdout(), outcomes)
				}

				if interval <= 0 {
					return failedOutcomes(outcomes)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}

	cmd.Flags().StringVarP(&rulesPath, "rules", "r", "", "rule manifest (overrides rules.manifest)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database (overrides store.path)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "GenieACS device query (JSON)")
	cmd.Flags().StringVar(&url, "url", "", "GenieACS NBI URL (overrides transport.url)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the sweep at this interval")

	return cmd
}

func newNBIClient(tc config.TransportConfig, env *environment) (*genieacs.Client, error) {
	timeout, err := tc.RequestTimeout()
	if err != nil {
		return nil, err
	}
	retry := genieacs.DefaultRetryPolicy()
	retry.MaxRetries = tc.Retries

	return genieacs.NewClient(genieacs.Config{
		URL:               tc.URL,
		ConnectionRequest: tc.ConnectionRequest,
		Timeout:           timeout,
		Retry:             retry,
		Logger:            env.telemetry.Logger.NewComponentLogger("transport").Zerolog(),
	})
}

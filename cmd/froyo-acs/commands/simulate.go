package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-acs/pkg/engine"
	"github.com/openfroyo/froyo-acs/pkg/transports/simulated"
)

func newSimulateCommand(version string) *cobra.Command {
	var (
		rulesPath string
		dbPath    string
		at        string
		events    []string
		repeat    int
		dump      bool
	)

	cmd := &cobra.Command{
		Use:   "simulate [fixture...]",
		Short: "Run provisioning sessions against simulated devices",
		Long: `Run the rule manifest against simulated CPEs described by YAML fixtures.

Every fixture becomes one device contact. Sessions run through the same
orchestrator, write guard and store as production sessions, so tags and
parameter snapshots persist between repeats and between invocations that
share a database.`,
		Example: `  # Run the configured manifest against two fixtures
  froyo-acs simulate -c acs.cue fixtures/tplink.yaml fixtures/huawei.yaml

  # Run a new-device contact twice to check idempotence
  froyo-acs simulate --rules rules.yaml --event "0 BOOTSTRAP" --repeat 2 fixtures/tplink.yaml

  # Keep tags and history in a database and print the final parameters
  froyo-acs simulate --db acs.db --dump fixtures/tplink.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			fixtures := args
			if len(fixtures) == 0 {
				fixtures = cfg.Transport.Fixtures
			}
			if len(fixtures) == 0 {
				return fmt.Errorf("no device fixtures given")
			}

			ts := time.Now().UTC()
			if at != "" {
				ts, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at time: %w", err)
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

			devices := make([]*simulated.Device, 0, len(fixtures))
			for _, path := range fixtures {
				d, err := simulated.LoadFixtureFile(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				devices = append(devices, d)
			}

			dispatcher, err := env.dispatcher(simulated.NewTransport(devices...), script)
			if err != nil {
				return err
			}

			log.Info().
				Int("devices", len(devices)).
				Str("script", script.Name).
				Int("repeat", repeat).
				Msg("Running simulated sessions")

			var all []engine.DispatchOutcome
			for i := 0; i < repeat; i++ {
				contacts := make([]engine.Contact, len(devices))
				for j, d := range devices {
					contacts[j] = d.Contact(ts, events...)
				}
				outcomes, err := dispatcher.RunAll(ctx, engine.NewContactList(contacts...))
				if err != nil {
					return err
				}
				all = append(all, outcomes...)
				// Later repeats are periodic contacts of an already provisioned device.
				events = []string{"2 PERIODIC"}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, sessionResults(all))
			}
			printOutcomes(out, all)
			if dump {
				for _, d := range devices {
					printParameters(out, d)
				}
			}
			return failedOutcomes(all)
		},
	}

	cmd.Flags().StringVarP(&rulesPath, "rules", "r", "", "rule manifest (overrides rules.manifest)")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database (overrides store.path)")
	cmd.Flags().StringVar(&at, "at", "", "session clock in RFC 3339 (default now)")
	cmd.Flags().StringSliceVarP(&events, "event", "e", []string{"1 BOOT"}, "inform events of the first contact")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "number of contacts per device")
	cmd.Flags().BoolVar(&dump, "dump", false, "print device parameters after the run")

	return cmd
}

func sessionResults(outcomes []engine.DispatchOutcome) []*engine.SessionResult {
	results := make([]*engine.SessionResult, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Result != nil {
			results = append(results, o.Result)
		}
	}
	return results
}

func printOutcomes(w io.Writer, outcomes []engine.DispatchOutcome) {
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(w, "✗ %s: %v\n", o.Contact.Device.ID(), o.Err)
			continue
		}
		r := o.Result
		mark := "✓"
		if r.Status != engine.SessionStatusCompleted {
			mark = "!"
		}
		fmt.Fprintf(w, "%s %s %s passes=%d applied=%d failed=%d denied=%d faults=%d\n",
			mark, r.Device.ID(), r.Status, r.Passes,
			len(r.AppliedWrites), len(r.FailedWrites), len(r.DeniedWrites), len(r.Faults))
		for _, aw := range r.AppliedWrites {
			fmt.Fprintf(w, "    set %s = %s\n", aw.Path, aw.Value)
		}
		for _, fw := range r.FailedWrites {
			fmt.Fprintf(w, "    failed %s: %s\n", fw.Path, fw.Reason)
		}
		for _, dw := range r.DeniedWrites {
			fmt.Fprintf(w, "    denied %s: %s\n", dw.Path, dw.Reason)
		}
		for _, f := range r.Faults {
			fmt.Fprintf(w, "    fault %s (pass %d): %s\n", f.Rule, f.Pass, f.Error)
		}
		if r.Error != "" {
			fmt.Fprintf(w, "    error: %s\n", r.Error)
		}
	}
}

func printParameters(w io.Writer, d *simulated.Device) {
	params := d.Parameters()
	paths := make([]engine.Path, 0, len(params))
	for p := range params {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	fmt.Fprintf(w, "\n%s\n", d.Identity().ID())
	for _, p := range paths {
		fmt.Fprintf(w, "  %s = %s\n", p, params[p])
	}
}

// failedOutcomes reports sessions that could not run at all.
func failedOutcomes(outcomes []engine.DispatchOutcome) error {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	if n > 0 {
		return fmt.Errorf("%d of %d sessions failed", n, len(outcomes))
	}
	return nil
}

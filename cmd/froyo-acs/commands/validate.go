package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-acs/pkg/config"
	"github.com/openfroyo/froyo-acs/pkg/policy"
	"github.com/openfroyo/froyo-acs/pkg/transports/simulated"
)

func newValidateCommand() *cobra.Command {
	var (
		rulesPath string
		policies  []string
	)

	cmd := &cobra.Command{
		Use:   "validate [fixture...]",
		Short: "Validate configuration, rules, policies and fixtures",
		Long: `Validate everything a session depends on without contacting a device.

This command checks:
  - CUE configuration against the #ACS schema
  - Rule manifest structure, builtin names and Starlark sources
  - Rego write guard policies
  - Simulated device fixtures`,
		Example: `  # Validate the configuration and everything it references
  froyo-acs validate -c acs.cue

  # Validate a manifest and extra policies
  froyo-acs validate --rules rules.yaml --policy ./policies

  # Validate device fixtures
  froyo-acs validate fixtures/*.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			problems := 0

			var sources []string
			if configPath != "" {
				sources = []string{configPath}
			}
			parser := config.NewCUEParser()
			var parsed *config.ParsedConfig
			var err error
			if len(sources) == 0 {
				parsed, err = parser.ParseInline(ctx, "")
			} else {
				parsed, err = parser.Parse(ctx, sources)
			}
			if err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}
			cfg := parsed.Config
			if len(parsed.Errors) > 0 {
				for _, e := range parsed.Errors {
					fmt.Fprintf(out, "✗ config: %s\n", e)
				}
				problems += len(parsed.Errors)
				cfg = config.DefaultConfig()
			} else {
				fmt.Fprintf(out, "✓ config (%d files)\n", len(parsed.SourceFiles))
			}

			if rulesPath == "" {
				rulesPath = cfg.Rules.Manifest
			}
			if rulesPath != "" {
				script, err := config.LoadRuleScript(ctx, rulesPath, config.BuildOptions{MaxScriptSteps: cfg.Engine.MaxScriptSteps})
				if err != nil {
					fmt.Fprintf(out, "✗ rules %s: %v\n", rulesPath, err)
					problems++
				} else {
					fmt.Fprintf(out, "✓ rules %s (%d units)\n", script.Name, len(script.Units))
				}
			}

			paths := append(append([]string(nil), cfg.Policy.Paths...), policies...)
			guard, err := policy.NewGuard(zerolog.Nop(), policy.Mode(cfg.Policy.Mode))
			if err != nil {
				fmt.Fprintf(out, "✗ policy: %v\n", err)
				problems++
			} else if len(paths) > 0 {
				if err := guard.LoadPolicies(ctx, paths); err != nil {
					fmt.Fprintf(out, "✗ policies: %v\n", err)
					problems++
				} else {
					fmt.Fprintf(out, "✓ policies (%d loaded)\n", len(guard.ListPolicies()))
				}
			}

			fixtures := args
			if len(fixtures) == 0 {
				fixtures = cfg.Transport.Fixtures
			}
			for _, path := range fixtures {
				d, err := simulated.LoadFixtureFile(path)
				if err != nil {
					fmt.Fprintf(out, "✗ fixture %s: %v\n", path, err)
					problems++
					continue
				}
				fmt.Fprintf(out, "✓ fixture %s (%s, %d parameters)\n", path, d.Identity().ID(), len(d.Parameters()))
			}

			log.Debug().Int("problems", problems).Msg("Validation finished")
			if problems > 0 {
				return fmt.Errorf("validation found %d problems", problems)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&rulesPath, "rules", "r", "", "rule manifest (overrides rules.manifest)")
	cmd.Flags().StringSliceVar(&policies, "policy", nil, "additional policy files or directories")

	return cmd
}

package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-acs",
		Short: "froyo-acs - TR-069 provisioning engine",
		Long: `froyo-acs reconciles CPE parameters against ordered provisioning rules.

Each device contact runs a session: rules declare the parameter values they
need and the values they want, the engine reads what is missing, writes what
differs and repeats until nothing changes or the pass budget runs out.

Features:
  - Engine configuration in CUE
  - Rule units in Go (builtin) or Starlark
  - Write guard policies in Rego
  - Simulated CPEs for rule development
  - GenieACS NBI transport
  - Tag, parameter snapshot and session history store in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "CUE config file or directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSimulateCommand(version))
	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newTagsCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

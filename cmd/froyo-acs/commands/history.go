package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-acs/pkg/engine"
	"github.com/openfroyo/froyo-acs/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Session history",
		Long: `Inspect and prune recorded sessions.

Every finished session is recorded with its status, the writes it applied,
the writes the device rejected or the guard denied, and the log lines its
rule units emitted.`,
	}

	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database (overrides store.path)")

	cmd.AddCommand(newHistoryListCommand(&dbPath))
	cmd.AddCommand(newHistoryShowCommand(&dbPath))
	cmd.AddCommand(newHistoryPruneCommand(&dbPath))

	return cmd
}

func newHistoryListCommand(dbPath *string) *cobra.Command {
	var (
		device string
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions, newest first",
		Example: `  # Last 20 sessions
  froyo-acs history list --db acs.db --limit 20

  # Sessions of one device that did not converge
  froyo-acs history list --db acs.db --device "TP%2DLink-Archer C6-ABC123" --status budget-exceeded`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.SessionFilter{DeviceID: device, Limit: limit}
			if status != "" {
				filter.Status = engine.SessionStatus(status)
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}
			return withStore(cmd, *dbPath, func(store *stores.SQLiteStore) error {
				sessions, err := store.ListSessions(cmd.Context(), filter)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, sessions)
				}
				for _, s := range sessions {
					fmt.Fprintf(out, "%s  %s  %-15s passes=%d  %s  %s\n",
						s.StartedAt.Format(time.RFC3339), s.ID, s.Status, s.Passes, s.Duration.Round(time.Millisecond), s.DeviceID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "filter by device ID")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (completed, aborted, budget-exceeded)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of sessions")

	return cmd
}

func newHistoryShowCommand(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a recorded session with its writes and logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, *dbPath, func(store *stores.SQLiteStore) error {
				ctx := cmd.Context()
				session, err := store.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				writes, err := store.ListSessionWrites(ctx, session.ID)
				if err != nil {
					return err
				}
				logs, err := store.ListSessionLogs(ctx, session.ID)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, map[string]interface{}{
						"session": session,
						"writes":  writes,
						"logs":    logs,
					})
				}

				fmt.Fprintf(out, "Session %s\n", session.ID)
				fmt.Fprintf(out, "  device:   %s\n", session.DeviceID)
				fmt.Fprintf(out, "  status:   %s after %d passes\n", session.Status, session.Passes)
				fmt.Fprintf(out, "  started:  %s (%s)\n", session.StartedAt.Format(time.RFC3339), session.Duration.Round(time.Millisecond))
				if session.Error != nil {
					fmt.Fprintf(out, "  error:    %s\n", *session.Error)
				}
				for _, f := range session.Faults {
					fmt.Fprintf(out, "  fault:    %s (pass %d): %s\n", f.Rule, f.Pass, f.Error)
				}

				if len(writes) > 0 {
					fmt.Fprintf(out, "\nWrites:\n")
					for _, w := range writes {
						line := fmt.Sprintf("  [%d] %-7s %s = %s", w.Pass, w.Outcome, w.Path, w.Value)
						if w.Reason != nil {
							line += " (" + *w.Reason + ")"
						}
						fmt.Fprintln(out, line)
					}
				}
				if len(logs) > 0 {
					fmt.Fprintf(out, "\nLogs:\n")
					for _, l := range logs {
						rule := "-"
						if l.Rule != nil {
							rule = *l.Rule
						}
						fmt.Fprintf(out, "  %s %-5s %s: %s\n", l.LoggedAt.Format("15:04:05"), l.Level, rule, l.Message)
					}
				}
				return nil
			})
		},
	}
}

func newHistoryPruneCommand(dbPath *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:     "prune",
		Short:   "Delete sessions older than a retention period",
		Example: `  froyo-acs history prune --db acs.db --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withStore(cmd, *dbPath, func(store *stores.SQLiteStore) error {
				n, err := store.PruneSessions(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Pruned %d sessions\n", n)
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention period")

	return cmd
}

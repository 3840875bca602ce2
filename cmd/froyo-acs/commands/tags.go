package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/froyo-acs/pkg/engine"
	"github.com/openfroyo/froyo-acs/pkg/stores"
)

func newTagsCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Inspect and edit device tags",
		Long: `Inspect and edit the per-device tags rule units read and set.

Device IDs have the form Manufacturer-[ProductClass-]SerialNumber, as shown
by simulate and history.`,
	}

	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database (overrides store.path)")

	cmd.AddCommand(newTagsListCommand(&dbPath))
	cmd.AddCommand(newTagsSetCommand(&dbPath))
	cmd.AddCommand(newTagsDeleteCommand(&dbPath))

	return cmd
}

// withStore opens the configured store for a command that only needs storage.
func withStore(cmd *cobra.Command, dbPath string, fn func(store *stores.SQLiteStore) error) error {
	ctx := cmd.Context()
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if dbPath == "" && cfg.Store.Path == "" {
		return fmt.Errorf("no database: set store.path or pass --db")
	}
	store, err := openStore(ctx, cfg, dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newTagsListCommand(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "list <device-id>",
		Short:   "List the tags of a device",
		Example: `  froyo-acs tags list --db acs.db "TP%2DLink-Archer C6-ABC123"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, *dbPath, func(store *stores.SQLiteStore) error {
				tags, err := store.ListTags(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, tags)
				}
				if len(tags) == 0 {
					fmt.Fprintf(out, "No tags for %s\n", args[0])
					return nil
				}
				for _, t := range tags {
					fmt.Fprintf(out, "%s = %s (%s, updated %s)\n", t.Name, t.Value.Raw, t.Value.Type, t.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
}

func newTagsSetCommand(dbPath *string) *cobra.Command {
	var valueType string

	cmd := &cobra.Command{
		Use:   "set <device-id> <name> <value>",
		Short: "Set a device tag",
		Example: `  # Mark a device as provisioned
  froyo-acs tags set --db acs.db --type boolean "TP%2DLink-Archer C6-ABC123" provisioned true`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			vt, err := engine.ParseValueType(valueType)
			if err != nil {
				return err
			}
			value, err := engine.NewValue(vt, args[2])
			if err != nil {
				return err
			}
			return withStore(cmd, *dbPath, func(store *stores.SQLiteStore) error {
				if err := store.CommitTags(cmd.Context(), args[0], map[string]engine.Value{args[1]: value}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s = %s\n", args[0], args[1], value)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&valueType, "type", "t", "string", "value type (boolean, int, unsignedInt, string, dateTime)")

	return cmd
}

func newTagsDeleteCommand(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <device-id> <name>",
		Short: "Delete a device tag",
		Long: `Delete a device tag. Rules that test the tag see it as absent on the next
contact, which is how a device is re-provisioned from scratch.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, *dbPath, func(store *stores.SQLiteStore) error {
				if err := store.DeleteTag(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted tag %s of %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

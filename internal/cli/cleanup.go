package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haulmark/fieldsync/internal/store"
)

// CleanupOptions holds flags for the cleanup command.
type CleanupOptions struct {
	*RootOptions
	Database string
}

// CleanupResult reports how many envelopes were removed.
type CleanupResult struct {
	Deleted int64 `json:"deleted"`
}

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CleanupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete synced envelopes",
		Long: `Remove envelopes that have been acknowledged by the remote ledger.

Only synced rows are deleted; pending envelopes are never touched.

Examples:
  fieldsync cleanup --db ./fieldsync.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runCleanup(opts *CleanupOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	deleted, err := st.DeleteSynced(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to delete synced envelopes", err)
	}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{Status: "ok", Data: CleanupResult{Deleted: deleted}})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d synced envelope(s)\n", deleted)
	return nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haulmark/fieldsync/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
}

// StatusResult summarizes the local sync queue.
type StatusResult struct {
	DeviceID     string `json:"device_id"`
	PendingCount int    `json:"pending_count"`
	SyncedCount  int    `json:"synced_count"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show local queue status",
		Long: `Show the state of the local envelope database.

Reports the per-installation device id, how many envelopes are waiting
to sync, and how many are synced but not yet cleaned up.

Examples:
  fieldsync status --db ./fieldsync.db
  fieldsync status --db ./fieldsync.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	deviceID, err := st.DeviceID(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read device identity", err)
	}
	pending, err := st.PendingCount(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count pending envelopes", err)
	}
	synced, err := st.SyncedCount(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to count synced envelopes", err)
	}

	result := StatusResult{DeviceID: deviceID, PendingCount: pending, SyncedCount: synced}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{Status: "ok", Data: result})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device:  %s\n", result.DeviceID)
	fmt.Fprintf(out, "Pending: %d\n", result.PendingCount)
	fmt.Fprintf(out, "Synced:  %d\n", result.SyncedCount)
	return nil
}

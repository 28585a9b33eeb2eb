package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haulmark/fieldsync/internal/config"
	"github.com/haulmark/fieldsync/internal/ledger"
	"github.com/haulmark/fieldsync/internal/seal"
	"github.com/haulmark/fieldsync/internal/store"
	"github.com/haulmark/fieldsync/internal/syncer"
)

// DrainOptions holds flags for the drain command.
type DrainOptions struct {
	*RootOptions
	Config    string
	Database  string
	LedgerURL string
}

// DrainResult reports one sync cycle.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DrainOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Run one sync cycle",
		Long: `Upload pending envelopes to the remote ledger.

Runs a single sync cycle: reads everything pending, uploads in batches,
and marks acknowledged envelopes synced. Configuration comes from a
fieldsync YAML file; --db and --ledger-url override it.

Exit code 1 means the cycle ran but some envelopes failed; exit code 2
means the cycle could not run at all.

Examples:
  fieldsync drain --config ./fieldsync.yaml
  fieldsync drain --db ./fieldsync.db --ledger-url https://ledger.example`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to fieldsync YAML config")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.LedgerURL, "ledger-url", "", "remote ledger base URL (overrides config)")

	return cmd
}

func runDrain(opts *DrainOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	f := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		cfg = loaded
	}
	if opts.Database != "" {
		cfg.Database.Path = opts.Database
	}
	if opts.LedgerURL != "" {
		cfg.Ledger.URL = opts.LedgerURL
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	syncOpts := []syncer.Option{
		syncer.WithBatchSize(cfg.Sync.BatchSize),
		syncer.WithBackoff(cfg.Sync.BaseDelay.Std(), cfg.Sync.MaxDelay.Std()),
	}
	if cfg.Encryption.Enabled() {
		keychain, err := seal.New([]byte(cfg.Encryption.Secret), []byte(cfg.Encryption.Salt))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to derive keychain", err)
		}
		syncOpts = append(syncOpts, syncer.WithOpener(keychain))
	}

	client := ledger.NewClient(cfg.Ledger.URL, cfg.Ledger.Timeout.Std())
	manager := syncer.NewManager(st, client, syncOpts...)

	f.VerboseLog("draining %s against %s", cfg.Database.Path, cfg.Ledger.URL)
	res, err := manager.TriggerSync(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "sync cycle failed", err)
	}

	result := DrainResult{Attempted: res.Attempted, Synced: res.Synced, Failed: res.Failed}

	if opts.Format == "json" {
		if encErr := json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{Status: "ok", Data: result}); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Attempted %d, synced %d, failed %d\n",
			result.Attempted, result.Synced, result.Failed)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d envelope(s) failed to sync", result.Failed))
	}
	return nil
}

package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haulmark/fieldsync/internal/seal"
)

// FingerprintOptions holds flags for the fingerprint command.
type FingerprintOptions struct {
	*RootOptions
	Attrs []string
}

// FingerprintResult carries the computed device fingerprint.
type FingerprintResult struct {
	Fingerprint string            `json:"fingerprint"`
	Attrs       map[string]string `json:"attrs"`
}

// NewFingerprintCommand creates the fingerprint command.
func NewFingerprintCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FingerprintOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Compute a device fingerprint",
		Long: `Compute the stable fingerprint for a set of device attributes.

Attributes are normalized and key-sorted before hashing, so the same
set always produces the same fingerprint regardless of flag order or
Unicode representation.

Examples:
  fieldsync fingerprint --attr model="Pixel 8" --attr os_version="Android 15"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFingerprint(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Attrs, "attr", nil, "device attribute as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("attr")

	return cmd
}

func runFingerprint(opts *FingerprintOptions, cmd *cobra.Command) error {
	attrs := make(map[string]string, len(opts.Attrs))
	for _, raw := range opts.Attrs {
		key, value, found := strings.Cut(raw, "=")
		if !found || key == "" {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid attribute %q: expected key=value", raw))
		}
		attrs[key] = value
	}

	result := FingerprintResult{Fingerprint: seal.Fingerprint(attrs), Attrs: attrs}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{Status: "ok", Data: result})
	}

	fmt.Fprintln(cmd.OutOrStdout(), result.Fingerprint)
	return nil
}

package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lessucettes/adresu-matrix/internal/config"
	"github.com/lessucettes/adresu-matrix/internal/protection"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Validating configuration file: %s\n", configPath)
			if err := validateConfiguration(configPath); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Configuration is INVALID: %v\n", err)
				return err
			}
			fmt.Fprintln(out, "Configuration is VALID.")
			return nil
		},
	}
}

// validateConfiguration loads the file and applies its protection tables
// to a pipeline that is not connected to any homeserver.
func validateConfiguration(path string) error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	cfg, _, err := config.Load(path, false)
	if err != nil {
		return err
	}

	p := protection.NewPipeline(cfg, nil)
	defer p.Close()
	if err := protection.RegisterBuiltins(p, protection.Deps{}); err != nil {
		return err
	}
	return p.Configure(cfg.Protections)
}

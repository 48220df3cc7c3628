package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath  string
	useDefaults bool
	dryRun      bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "adresu-matrix",
		Short: "Moderation bot for Matrix rooms",
		Long: `adresu-matrix follows policy lists, runs protections over the timelines
of protected rooms and applies the resulting bans, kicks, redactions and
mutes through the homeserver.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./config.toml", "Path to the configuration file.")

	root.AddCommand(newRunCmd(), newValidateCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skydeck",
		Short: "Skydeck - plugin-extensible desktop companion service",
		Long: `Skydeck hosts panel plugins for the Linux desktop. Plugins live in a
plugin directory, declare themselves with a CUE manifest, and are loaded
through compatibility, consent, and sandbox checks before their panels
are served to the desktop shell over a local HTTP API.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.PersistentFlags().String("config", "", "path to a skydeck.yaml config file")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}

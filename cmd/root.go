// Package cmd provides the command-line interface of the GeoIP replicator. The
// start command runs the refresh coordinator and the lookup workers, the other
// commands operate on the shared store directly.
package cmd

import "github.com/spf13/cobra"

// rootCmd is the base command for the CLI. Subcommands are registered via their init() hooks.
var rootCmd = &cobra.Command{
	Use:   "envoy-geoip",
	Short: "Country database replication and lookup for Envoy",
}

// Execute runs the root Cobra command and returns any error encountered during execution.
func Execute() error {
	return rootCmd.Execute()
}

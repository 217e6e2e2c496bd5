// Package cli implements the driftlake command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "driftlake",
	Short: "A versioned analytical database over object storage",
	Long: `Driftlake is an analytical database that keeps every version of every
table. Mutations never modify data in place: each write commits a new
table version over immutable Parquet partitions, and any past version
stays queryable with a time-travel selector like events('2024-01-01').

Storage backends include the local filesystem, S3-compatible object
stores, and process memory for experimentation.`,
	Version: "0.1.0",
}

var configPath string

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "driftlake.yaml", "path to the configuration file")
}

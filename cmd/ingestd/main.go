// Command ingestd runs the ingestion substrate: the ConnectionPool,
// IngestionPipeline, SessionManager, SessionAnalytics recorder, and
// SynchronizationCoordinator wired together behind a small CLI
// boundary. Per §6, the boundary is thin on purpose — every
// interesting behavior lives in internal/ and is exercised directly by
// that package's tests, not by driving this binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is the current version of ingestd (overridden by ldflags at build time).
	Version = "0.1.0"
	Build   = "dev"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ingestd",
	Short: "ingestd - ingestion & session coordination substrate",
	Long:  `Ingests change events into a knowledge graph and coordinates multi-agent sessions over it.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ingestd version %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

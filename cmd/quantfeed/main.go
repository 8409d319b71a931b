package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "quantfeed"
	version = "v1.2.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Multi-exchange market data collection pipeline",
		Version: version,
		Long: `quantfeed collects trades, order books, funding rates, open interest,
liquidations, positioning ratios and volatility indices from Binance, OKX
and Deribit, normalizes them into canonical records, publishes them to a
JetStream bus and lands them in tiered ClickHouse storage.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/quantfeed.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (trace|debug|info|warn|error)")

	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Run venue collectors and the bus publisher",
		Long:  "Connects to every enabled venue, maintains order books, normalizes events and publishes canonical records to the bus.",
		RunE:  runCollect,
	}

	writeCmd := &cobra.Command{
		Use:   "write",
		Short: "Run the hot-tier writer",
		Long:  "Consumes every data-type subject from the bus and lands rows in the hot ClickHouse tier in batches.",
		RunE:  runWrite,
	}

	replicateCmd := &cobra.Command{
		Use:   "replicate",
		Short: "Run the hot-to-cold replicator",
		Long:  "Periodically copies closed time windows from the hot tier to the cold tier, tracking progress in a watermark file.",
		RunE:  runReplicate,
	}
	replicateCmd.Flags().Bool("once", false, "Run a single replication pass and exit")

	allCmd := &cobra.Command{
		Use:   "all",
		Short: "Run collectors, hot writer and replicator in one process",
		RunE:  runAll,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", appName, version)
		},
	}

	rootCmd.AddCommand(collectCmd, writeCmd, replicateCmd, allCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// setupLogging applies the configured level, honoring a CLI override.
func setupLogging(level, override string) {
	if override != "" {
		level = override
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	log.Logger = log.Output(os.Stderr)
}

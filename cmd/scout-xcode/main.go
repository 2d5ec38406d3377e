package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/MozScout/scout-xcode/internal/cli"
	"github.com/MozScout/scout-xcode/internal/config"
	"github.com/MozScout/scout-xcode/internal/logging"
)

// cfg is loaded once before any subcommand runs.
var cfg config.Config

// rootCmd is the main Cobra command. Without a subcommand it runs the worker.
var rootCmd = &cobra.Command{
	Use:   "scout-xcode",
	Short: "Queue-driven mp3 to opus transcoder",
	Long: `scout-xcode polls an SQS queue for transcode requests, converts each
source file with ffmpeg and uploads the result to S3. Failed jobs are
reported to an optional failure queue.

Settings are read from the environment (and .env when present).

Examples:
  scout-xcode                      # run the worker
  scout-xcode enqueue episode1.mp3 episode2.mp3
  scout-xcode status episode1.mp3
  scout-xcode redrive`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		logging.Init()
		return err
	},
	RunE: runWorker,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build identity",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "scout-xcode %s (built %s)\n", commitHash, buildTime)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd, enqueueCmd, redriveCmd, statusCmd, versionCmd)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		log.Error().Err(err).Msg("scout-xcode failed")
	}
	os.Exit(cli.ExitCode(err))
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/MozScout/scout-xcode/internal/awsboot"
	"github.com/MozScout/scout-xcode/internal/poller"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Poll the queue and transcode until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWorker,
}

// runWorker validates the configuration, wires the pipeline and polls until
// SIGINT or SIGTERM. In-flight jobs finish before it returns.
func runWorker(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	if err := cfg.ValidateWorker(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := awsboot.InitAWS(ctx, cfg.Region)
	if err != nil {
		return err
	}
	c := awsboot.Build(cfg, clients, true)

	if err := c.Transcoder.CheckAvailable(); err != nil {
		log.Warn().Err(err).Msg("ffmpeg not found, every transcode will fail")
	}

	opts := []poller.Option{
		poller.WithWorkers(cfg.Workers),
		poller.WithErrorDelay(cfg.ReceiveErrorDelay),
	}
	if cfg.DeadLetterARN != "" {
		opts = append(opts, poller.WithInitializer(func(ctx context.Context) error {
			return c.Queue.ConfigureRedrive(ctx, cfg.DeadLetterARN, cfg.MaxReceiveCount)
		}))
	}

	awsboot.StartupLog("scout-xcode", commitHash, buildTime, cfg, initStart)
	return poller.New(c.Queue, c.Orchestrator, opts...).Run(ctx)
}

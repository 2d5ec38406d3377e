// Package main provides an SQS-triggered Lambda entry point for the
// transcode pipeline.
//
// Each record in the batch runs through the same orchestrator the worker
// uses. The Lambda never deletes messages itself: records that failed under
// the retry-in-place policy are returned as batch item failures so SQS
// redelivers only those, and everything else is removed by the event source
// mapping when the invocation returns.
//
// Container: Heavy (includes ffmpeg)
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/MozScout/scout-xcode/internal/awsboot"
	"github.com/MozScout/scout-xcode/internal/config"
	"github.com/MozScout/scout-xcode/internal/logging"
)

// Build identity, injected with -ldflags "-X main.commitHash=... -X main.buildTime=...".
var (
	commitHash = "dev"
	buildTime  = "unknown"
)

// Pipeline initialized at cold start.
var (
	proc   processor
	policy config.FailurePolicy
)

var coldStart = true

// setup runs once per container, before the first invocation.
func setup() {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	clients, err := awsboot.InitAWS(context.Background(), cfg.Region)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize AWS clients")
	}
	c := awsboot.Build(cfg, clients, false)
	if err := c.Transcoder.CheckAvailable(); err != nil {
		log.Warn().Err(err).Msg("ffmpeg not found in the image, every transcode will fail")
	}
	proc = c.Orchestrator
	policy = cfg.Policy()

	awsboot.StartupLog("xcode-lambda", commitHash, buildTime, cfg, initStart)
}

func main() {
	setup()
	lambda.Start(handler)
}

func handler(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "xcode-lambda").Msg("Cold start, first invocation")
	}
	return handleBatch(ctx, proc, policy, event), nil
}

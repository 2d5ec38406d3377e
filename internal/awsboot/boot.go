// Package awsboot provides the shared bootstrap for the long-running worker,
// the CLI and the Lambda: AWS config and clients, and the wiring of every
// pipeline component from a validated config.Config.
package awsboot

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/MozScout/scout-xcode/internal/artifact"
	"github.com/MozScout/scout-xcode/internal/config"
	"github.com/MozScout/scout-xcode/internal/failure"
	"github.com/MozScout/scout-xcode/internal/jobutil"
	"github.com/MozScout/scout-xcode/internal/logging"
	"github.com/MozScout/scout-xcode/internal/notify"
	"github.com/MozScout/scout-xcode/internal/pipeline"
	"github.com/MozScout/scout-xcode/internal/queue"
	"github.com/MozScout/scout-xcode/internal/s3util"
	"github.com/MozScout/scout-xcode/internal/store"
	"github.com/MozScout/scout-xcode/internal/transcode"
)

// AWSClients holds the AWS SDK clients shared by every component.
type AWSClients struct {
	Config      aws.Config
	S3          *s3.Client
	Presigner   *s3.PresignClient
	SQS         *sqs.Client
	DynamoDB    *dynamodb.Client
	EventBridge *eventbridge.Client
}

// InitAWS loads the default AWS config (region overridden when set) and
// creates the service clients.
func InitAWS(ctx context.Context, region string) (AWSClients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return AWSClients{}, jobutil.Wrap(jobutil.KindConfiguration, "load AWS config", err)
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return NewClients(cfg), nil
}

// NewClients creates the service clients for cfg.
func NewClients(cfg aws.Config) AWSClients {
	s3Client := s3.NewFromConfig(cfg)
	return AWSClients{
		Config:      cfg,
		S3:          s3Client,
		Presigner:   s3.NewPresignClient(s3Client),
		SQS:         sqs.NewFromConfig(cfg),
		DynamoDB:    dynamodb.NewFromConfig(cfg),
		EventBridge: eventbridge.NewFromConfig(cfg),
	}
}

// Components is the wired pipeline. Optional parts are nil when their
// setting is empty.
type Components struct {
	Store        *s3util.Store
	Transcoder   *transcode.FFmpeg
	Queue        *queue.Queue
	FailureQueue *queue.Queue
	Router       *failure.Router
	Ledger       *store.DynamoStore
	Publisher    *notify.Publisher
	Orchestrator *pipeline.Orchestrator
}

// Build wires every component from cfg. When ack is true the orchestrator
// deletes messages from the primary queue itself; the Lambda passes false
// and reports batch item failures instead.
func Build(cfg config.Config, clients AWSClients, ack bool) Components {
	var c Components

	storeOpts := []s3util.Option{s3util.WithBaseURL(cfg.BaseURL)}
	if cfg.PresignSource {
		storeOpts = append(storeOpts, s3util.WithPresigner(clients.Presigner, s3util.DefaultPresignExpiry))
	}
	c.Store = s3util.NewStore(clients.S3, cfg.Bucket, storeOpts...)

	c.Transcoder = transcode.New(
		transcode.WithBinary(cfg.FFmpegPath),
		transcode.WithBitrate(cfg.Bitrate),
		transcode.WithTimeout(cfg.TranscodeTimeout),
	)

	if cfg.QueueURL != "" {
		c.Queue = queue.New(clients.SQS, cfg.QueueURL,
			queue.WithWaitTime(cfg.WaitTimeSeconds),
			queue.WithVisibilityTimeout(cfg.VisibilityTimeout),
		)
	}

	if cfg.FailureQueueURL != "" {
		c.FailureQueue = queue.New(clients.SQS, cfg.FailureQueueURL)
		c.Router = failure.NewRouter(c.FailureQueue, cfg.FailureGroupID)
	} else {
		log.Warn().Msg("FAILURE_QUEUE_URL not set: failure records will be logged and dropped")
		c.Router = failure.NewRouter(nil, cfg.FailureGroupID)
	}

	opts := []pipeline.Option{
		pipeline.WithFailurePolicy(cfg.Policy()),
		pipeline.WithWorkDir(cfg.WorkDir),
	}
	if ack && c.Queue != nil {
		opts = append(opts, pipeline.WithAcknowledger(c.Queue))
	}
	if cfg.JobsTable != "" {
		c.Ledger = store.NewDynamoStore(clients.DynamoDB, cfg.JobsTable)
		opts = append(opts, pipeline.WithLedger(c.Ledger))
	}
	if cfg.EventBusName != "" {
		c.Publisher = notify.NewPublisher(clients.EventBridge, cfg.EventBusName)
		opts = append(opts, pipeline.WithPublisher(c.Publisher))
	}

	c.Orchestrator = pipeline.New(c.Store, c.Transcoder, c.Router,
		artifact.NewNamer(cfg.SourceExt, cfg.TargetExt), opts...)
	return c
}

// StartupLog emits the structured startup event for a process.
func StartupLog(name, commitHash, buildTime string, cfg config.Config, initStart time.Time) {
	logging.NewStartupLogger(name).
		CommitHash(commitHash).
		BuildTime(buildTime).
		Queue("primary", cfg.QueueURL).
		Queue("failure", cfg.FailureQueueURL).
		Queue("deadLetter", cfg.DeadLetterARN).
		S3Bucket("artifacts", cfg.Bucket).
		DynamoTable("jobs", cfg.JobsTable).
		EventBus("events", cfg.EventBusName).
		Feature("presignSource", cfg.PresignSource).
		Feature("redrive", cfg.DeadLetterARN != "").
		Feature("failureQueue", cfg.FailureQueueURL != "").
		Config("onFailure", string(cfg.Policy())).
		Config("workers", strconv.Itoa(cfg.Workers)).
		Config("bitrate", strconv.Itoa(cfg.Bitrate)).
		Config("extensions", cfg.SourceExt+"->"+cfg.TargetExt).
		Config("visibilityTimeout", strconv.Itoa(cfg.VisibilityTimeout)).
		Config("transcodeTimeout", cfg.TranscodeTimeout.String()).
		InitDuration(time.Since(initStart)).
		Log()
}

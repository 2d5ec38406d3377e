// Package config loads worker settings from the environment.
//
// Values come from process environment variables, optionally seeded from a
// .env file in the working directory. Load parses and applies defaults;
// Validate and ValidateWorker report the first missing or invalid setting
// as a jobutil ConfigurationError.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/MozScout/scout-xcode/internal/jobutil"
)

// FailurePolicy decides what happens to a message whose pipeline failed.
type FailurePolicy string

const (
	// RetryInPlace leaves a failed message on the queue. SQS redelivers it
	// after the visibility timeout, bounded by the redrive policy if one is set.
	RetryInPlace FailurePolicy = "retry-in-place"
	// DeleteOnFailure deletes a failed message once it has been reported.
	DeleteOnFailure FailurePolicy = "delete"
)

// ParseFailurePolicy validates a policy name.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case RetryInPlace, DeleteOnFailure:
		return p, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want %q or %q)", s, RetryInPlace, DeleteOnFailure)
	}
}

// Config holds every setting the worker, the CLI and the Lambda read.
type Config struct {
	Region string `env:"AWS_REGION"`

	Bitrate       int    `env:"BITRATE" envDefault:"24000"`
	Bucket        string `env:"S3_BUCKET"`
	BaseURL       string `env:"S3_BASE_URL" envDefault:"https://s3.amazonaws.com"`
	PresignSource bool   `env:"PRESIGN_SOURCE" envDefault:"false"`

	QueueURL          string `env:"SQS_QUEUE_URL"`
	FailureQueueURL   string `env:"FAILURE_QUEUE_URL"`
	FailureGroupID    string `env:"FAILURE_GROUP_ID" envDefault:"xcode-failures"`
	DeadLetterARN     string `env:"DLQ_ARN"`
	MaxReceiveCount   int    `env:"MAX_RECEIVE_COUNT" envDefault:"3"`
	WaitTimeSeconds   int    `env:"WAIT_TIME_SECONDS" envDefault:"5"`
	VisibilityTimeout int    `env:"VISIBILITY_TIMEOUT" envDefault:"20"`

	Workers           int           `env:"WORKERS" envDefault:"4"`
	ReceiveErrorDelay time.Duration `env:"RECEIVE_ERROR_DELAY" envDefault:"1s"`
	OnFailure         string        `env:"ON_FAILURE" envDefault:"retry-in-place"`

	SourceExt        string        `env:"SOURCE_EXT" envDefault:".mp3"`
	TargetExt        string        `env:"TARGET_EXT" envDefault:".opus"`
	WorkDir          string        `env:"WORK_DIR"`
	FFmpegPath       string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	TranscodeTimeout time.Duration `env:"TRANSCODE_TIMEOUT" envDefault:"10m"`

	JobsTable    string `env:"JOBS_TABLE"`
	EventBusName string `env:"EVENT_BUS_NAME"`
}

// Load reads .env (when present) and the environment into a Config.
// It does not validate required settings; call Validate or ValidateWorker.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, jobutil.Wrap(jobutil.KindConfiguration, "load .env", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, jobutil.Wrap(jobutil.KindConfiguration, "parse environment", err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.QueueURL = strings.TrimSpace(c.QueueURL)
	c.FailureQueueURL = strings.TrimSpace(c.FailureQueueURL)
	c.DeadLetterARN = strings.TrimSpace(c.DeadLetterARN)
	c.Bucket = strings.TrimSpace(c.Bucket)
	c.SourceExt = normalizeExt(c.SourceExt)
	c.TargetExt = normalizeExt(c.TargetExt)
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(os.TempDir(), "scout-xcode")
	}
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Policy returns the parsed failure policy. Call after Validate.
func (c Config) Policy() FailurePolicy {
	p, err := ParseFailurePolicy(c.OnFailure)
	if err != nil {
		return RetryInPlace
	}
	return p
}

// Validate checks the settings shared by every entry point.
func (c Config) Validate() error {
	var problems []error

	if c.Bucket == "" {
		problems = append(problems, errors.New("S3_BUCKET is required"))
	}
	if c.Bitrate <= 0 {
		problems = append(problems, fmt.Errorf("BITRATE must be positive, got %d", c.Bitrate))
	}
	if !c.PresignSource && c.BaseURL == "" {
		problems = append(problems, errors.New("S3_BASE_URL is required unless PRESIGN_SOURCE is set"))
	}
	if c.SourceExt == "" || c.TargetExt == "" {
		problems = append(problems, errors.New("SOURCE_EXT and TARGET_EXT are required"))
	} else if c.SourceExt == c.TargetExt {
		problems = append(problems, fmt.Errorf("SOURCE_EXT and TARGET_EXT must differ, both are %q", c.SourceExt))
	}
	if _, err := ParseFailurePolicy(c.OnFailure); err != nil {
		problems = append(problems, fmt.Errorf("ON_FAILURE: %w", err))
	}
	if c.TranscodeTimeout <= 0 {
		problems = append(problems, fmt.Errorf("TRANSCODE_TIMEOUT must be positive, got %s", c.TranscodeTimeout))
	}
	if c.FailureQueueURL != "" && c.FailureGroupID == "" {
		problems = append(problems, errors.New("FAILURE_GROUP_ID is required when FAILURE_QUEUE_URL is set"))
	}

	if len(problems) > 0 {
		return jobutil.Wrap(jobutil.KindConfiguration, "invalid configuration", errors.Join(problems...))
	}
	return nil
}

// ValidateWorker checks Validate plus the settings the queue poller needs.
// A missing SQS_QUEUE_URL is reported before anything else.
func (c Config) ValidateWorker() error {
	if c.QueueURL == "" {
		return jobutil.New(jobutil.KindConfiguration, "SQS_QUEUE_URL is required")
	}
	if err := c.Validate(); err != nil {
		return err
	}

	var problems []error
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		problems = append(problems, fmt.Errorf("WAIT_TIME_SECONDS must be within 0-20, got %d", c.WaitTimeSeconds))
	}
	if c.VisibilityTimeout < 1 || c.VisibilityTimeout > 43200 {
		problems = append(problems, fmt.Errorf("VISIBILITY_TIMEOUT must be within 1-43200, got %d", c.VisibilityTimeout))
	}
	if c.Workers < 1 {
		problems = append(problems, fmt.Errorf("WORKERS must be at least 1, got %d", c.Workers))
	}
	if c.DeadLetterARN != "" && (c.MaxReceiveCount < 1 || c.MaxReceiveCount > 1000) {
		problems = append(problems, fmt.Errorf("MAX_RECEIVE_COUNT must be within 1-1000, got %d", c.MaxReceiveCount))
	}

	if len(problems) > 0 {
		return jobutil.Wrap(jobutil.KindConfiguration, "invalid worker configuration", errors.Join(problems...))
	}
	return nil
}

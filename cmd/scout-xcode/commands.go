package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/MozScout/scout-xcode/internal/artifact"
	"github.com/MozScout/scout-xcode/internal/awsboot"
	"github.com/MozScout/scout-xcode/internal/cli"
	"github.com/MozScout/scout-xcode/internal/jobs"
	"github.com/MozScout/scout-xcode/internal/jobutil"
	"github.com/MozScout/scout-xcode/internal/pipeline"
	"github.com/MozScout/scout-xcode/internal/queue"
	"github.com/MozScout/scout-xcode/internal/store"
)

var groupFlag string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <filename>...",
	Short: "Send transcode requests to the primary queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.QueueURL == "" {
			return jobutil.New(jobutil.KindConfiguration, "SQS_QUEUE_URL is required")
		}
		clients, err := awsboot.InitAWS(cmd.Context(), cfg.Region)
		if err != nil {
			return err
		}
		q := queue.New(clients.SQS, cfg.QueueURL)
		return enqueue(cmd.Context(), cmd.OutOrStdout(), q, namer(), args, groupFlag)
	},
}

var redriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Attach the dead-letter queue to the primary queue and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.QueueURL == "" || cfg.DeadLetterARN == "" {
			return jobutil.New(jobutil.KindConfiguration, "SQS_QUEUE_URL and DLQ_ARN are required")
		}
		clients, err := awsboot.InitAWS(cmd.Context(), cfg.Region)
		if err != nil {
			return err
		}
		q := queue.New(clients.SQS, cfg.QueueURL)
		if err := q.ConfigureRedrive(cmd.Context(), cfg.DeadLetterARN, cfg.MaxReceiveCount); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "redrive policy set: %s -> %s after %d receives\n",
			cfg.QueueURL, cfg.DeadLetterARN, cfg.MaxReceiveCount)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <filename>",
	Short: "Show the job history of a source file's artifact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JobsTable == "" {
			return jobutil.New(jobutil.KindConfiguration, "JOBS_TABLE is required")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		clients, err := awsboot.InitAWS(cmd.Context(), cfg.Region)
		if err != nil {
			return err
		}
		c := awsboot.Build(cfg, clients, false)
		return status(cmd.Context(), cmd.OutOrStdout(), c.Ledger, c.Store, namer(), args[0])
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&groupFlag, "group", "", "MessageGroupId for FIFO queues")
}

func namer() artifact.Namer {
	return artifact.NewNamer(cfg.SourceExt, cfg.TargetExt)
}

// sender is the part of queue.Queue that enqueue needs.
type sender interface {
	Send(ctx context.Context, body string, opts queue.SendOptions) (string, error)
}

// enqueue validates every filename before sending any of them, so a typo
// never leaves a batch half-queued.
func enqueue(ctx context.Context, w io.Writer, q sender, n artifact.Namer, filenames []string, group string) error {
	bodies := make([]string, 0, len(filenames))
	for _, f := range filenames {
		if _, err := n.OutputKey(f); err != nil {
			return jobutil.Wrap(jobutil.KindMessageFormat, "refusing to enqueue", err)
		}
		b, err := json.Marshal(pipeline.Request{Filename: f})
		if err != nil {
			return err
		}
		bodies = append(bodies, string(b))
	}

	for i, body := range bodies {
		opts := queue.SendOptions{GroupID: group}
		if group != "" {
			opts.DeduplicationID = jobs.NewID()
		}
		id, err := q.Send(ctx, body, opts)
		if err != nil {
			return err
		}
		log.Debug().Str("messageId", id).Str("filename", filenames[i]).Msg("Request enqueued")
		fmt.Fprintf(w, "%s\t%s\n", id, filenames[i])
	}
	return nil
}

type historyReader interface {
	History(ctx context.Context, outputKey string) ([]store.JobRecord, error)
}

type existenceChecker interface {
	ObjectExists(ctx context.Context, key string) (bool, error)
}

func status(ctx context.Context, w io.Writer, ledger historyReader, objects existenceChecker, n artifact.Namer, filename string) error {
	key, err := n.OutputKey(filename)
	if err != nil {
		return jobutil.Wrap(jobutil.KindMessageFormat, "derive output key", err)
	}

	exists, err := objects.ObjectExists(ctx, key)
	if err != nil {
		return err
	}
	records, err := ledger.History(ctx, key)
	if err != nil {
		return err
	}

	state := "missing"
	if exists {
		state = "present"
	}
	fmt.Fprintf(w, "artifact %s: %s\n\n", key, state)
	if len(records) == 0 {
		fmt.Fprintln(w, "no jobs recorded")
		return nil
	}
	return cli.WriteJobTable(w, records)
}

// Package pipeline runs one received message through
// validate → dedup → transcode → upload → acknowledge, and routes every
// failure according to the configured failure policy.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/MozScout/scout-xcode/internal/artifact"
	"github.com/MozScout/scout-xcode/internal/config"
	"github.com/MozScout/scout-xcode/internal/jobs"
	"github.com/MozScout/scout-xcode/internal/jobutil"
	"github.com/MozScout/scout-xcode/internal/metrics"
	"github.com/MozScout/scout-xcode/internal/notify"
	"github.com/MozScout/scout-xcode/internal/queue"
	"github.com/MozScout/scout-xcode/internal/store"
)

// State is a pipeline state. Process always returns a terminal one.
type State string

const (
	StateReceived        State = "received"
	StateInvalid         State = "invalid"
	StateValid           State = "valid"
	StateDuplicate       State = "duplicate"
	StateTranscoding     State = "transcoding"
	StateTranscodeFailed State = "transcode-failed"
	StateTranscoded      State = "transcoded"
	StateUploadFailed    State = "upload-failed"
	StateUploaded        State = "uploaded"
	// StateFailed covers failures outside a named stage, such as a panic.
	StateFailed State = "failed"
)

// Failed reports whether s is a failure terminal.
func (s State) Failed() bool {
	switch s {
	case StateInvalid, StateTranscodeFailed, StateUploadFailed, StateFailed:
		return true
	}
	return false
}

// Result is the outcome of one Process call.
type Result struct {
	State     State
	Filename  string
	OutputKey string
	// Err is the routed failure; nil on success and duplicate.
	Err error
	// Deleted reports whether the message was removed from the queue.
	Deleted bool
}

// ArtifactStore is the object store as seen by the pipeline.
// *s3util.Store satisfies it.
type ArtifactStore interface {
	Bucket() string
	ArtifactExists(ctx context.Context, key string) bool
	SourceURL(ctx context.Context, key string) (string, error)
	UploadArtifact(ctx context.Context, localPath string) (string, error)
}

// Transcoder converts sourceURL into outputPath. *transcode.FFmpeg satisfies it.
type Transcoder interface {
	Transcode(ctx context.Context, sourceURL, outputPath string) (string, error)
}

// FailureRouter reports failed messages. *failure.Router satisfies it.
type FailureRouter interface {
	Route(ctx context.Context, msg queue.Message, cause error)
}

// Acknowledger deletes a message from its queue. *queue.Queue satisfies it.
type Acknowledger interface {
	Delete(ctx context.Context, msg queue.Message) error
}

// JobRecorder writes the job ledger. *store.DynamoStore satisfies it.
type JobRecorder interface {
	RecordJob(ctx context.Context, rec store.JobRecord) error
}

// Publisher announces uploaded artifacts. *notify.Publisher satisfies it.
type Publisher interface {
	ArtifactPublished(ctx context.Context, event notify.ArtifactPublished) error
}

// Orchestrator composes the pipeline stages. It is safe for concurrent use;
// every Process call works in its own directory.
type Orchestrator struct {
	store      ArtifactStore
	transcoder Transcoder
	router     FailureRouter
	namer      artifact.Namer

	policy   config.FailurePolicy
	workRoot string
	acker    Acknowledger
	ledger   JobRecorder
	events   Publisher
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAcknowledger sets the queue messages are deleted from. Without one,
// Process never deletes and the caller acknowledges from the Result.
func WithAcknowledger(a Acknowledger) Option {
	return func(o *Orchestrator) { o.acker = a }
}

// WithFailurePolicy sets what happens to a failed message after it is
// reported. The default is config.RetryInPlace.
func WithFailurePolicy(p config.FailurePolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithWorkDir sets the root under which per-request directories are created.
func WithWorkDir(root string) Option {
	return func(o *Orchestrator) { o.workRoot = root }
}

// WithLedger records every terminal state.
func WithLedger(r JobRecorder) Option {
	return func(o *Orchestrator) { o.ledger = r }
}

// WithPublisher emits an event after each upload.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// New creates an Orchestrator.
func New(store ArtifactStore, transcoder Transcoder, router FailureRouter, namer artifact.Namer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		transcoder: transcoder,
		router:     router,
		namer:      namer,
		policy:     config.RetryInPlace,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process handles msg to a terminal state. It never panics and never
// returns an error: failures are routed and reported in the Result.
func (o *Orchestrator) Process(ctx context.Context, msg queue.Message) (res Result) {
	start := time.Now()
	logger := log.With().
		Str("messageId", msg.ID).
		Int("receiveCount", msg.ReceiveCount).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Pipeline panicked")
			res = o.fail(ctx, logger, msg, Result{State: StateFailed, Filename: res.Filename, OutputKey: res.OutputKey},
				fmt.Errorf("pipeline panic: %v", r))
		}
		o.finish(ctx, logger, msg, res, time.Since(start))
	}()

	logger.Debug().Str("state", string(StateReceived)).Msg("Message received")
	return o.run(ctx, logger, msg, &res)
}

// run advances through the stages. partial is kept current so a panic can
// still report what was known.
func (o *Orchestrator) run(ctx context.Context, logger zerolog.Logger, msg queue.Message, partial *Result) Result {
	req, err := ParseRequest(msg.Body)
	if err != nil {
		return o.fail(ctx, logger, msg, Result{State: StateInvalid}, err)
	}
	partial.Filename = req.Filename
	logger = logger.With().Str("filename", req.Filename).Logger()

	key, err := o.namer.OutputKey(req.Filename)
	if err != nil {
		return o.fail(ctx, logger, msg, Result{State: StateInvalid, Filename: req.Filename},
			jobutil.Wrap(jobutil.KindMessageFormat, "derive output key", err))
	}
	partial.OutputKey = key
	logger = logger.With().Str("outputKey", key).Logger()
	logger.Debug().Str("state", string(StateValid)).Msg("Request valid")

	if o.store.ArtifactExists(ctx, key) {
		logger.Info().Str("state", string(StateDuplicate)).Msg("Artifact already exists, skipping transcode")
		return o.succeed(ctx, logger, msg, Result{State: StateDuplicate, Filename: req.Filename, OutputKey: key})
	}

	failed := func(state State, kind jobutil.Kind, msgText string, err error) Result {
		if jobutil.KindOf(err) == jobutil.KindUnknown {
			err = jobutil.Wrap(kind, msgText, err)
		}
		return o.fail(ctx, logger, msg, Result{State: state, Filename: req.Filename, OutputKey: key}, err)
	}

	source, err := o.store.SourceURL(ctx, req.Filename)
	if err != nil {
		return failed(StateTranscodeFailed, jobutil.KindTranscode, "build source URL", err)
	}

	dir, cleanup, err := jobs.WorkDir(o.workRoot)
	if err != nil {
		return failed(StateTranscodeFailed, jobutil.KindTranscode, "prepare work dir", err)
	}
	defer cleanup()

	logger.Info().Str("state", string(StateTranscoding)).Str("source", source).Msg("Transcoding")
	outputPath, err := o.transcoder.Transcode(ctx, source, filepath.Join(dir, key))
	if err != nil {
		return failed(StateTranscodeFailed, jobutil.KindTranscode, "transcode", err)
	}
	logger.Debug().Str("state", string(StateTranscoded)).Str("path", outputPath).Msg("Transcoded")

	uploadedKey, err := o.store.UploadArtifact(ctx, outputPath)
	if err != nil {
		return failed(StateUploadFailed, jobutil.KindUpload, "upload", err)
	}
	logger.Info().Str("state", string(StateUploaded)).Str("key", uploadedKey).Msg("Artifact uploaded")

	if o.events != nil {
		event := notify.ArtifactPublished{
			Bucket:    o.store.Bucket(),
			Key:       uploadedKey,
			Filename:  req.Filename,
			MessageID: msg.ID,
		}
		if err := o.events.ArtifactPublished(ctx, event); err != nil {
			logger.Warn().Err(err).Msg("Failed to emit ArtifactPublished event")
		}
	}

	return o.succeed(ctx, logger, msg, Result{State: StateUploaded, Filename: req.Filename, OutputKey: uploadedKey})
}

func (o *Orchestrator) succeed(ctx context.Context, logger zerolog.Logger, msg queue.Message, res Result) Result {
	res.Deleted = o.delete(ctx, logger, msg)
	return res
}

// fail routes err and applies the failure policy.
func (o *Orchestrator) fail(ctx context.Context, logger zerolog.Logger, msg queue.Message, res Result, err error) Result {
	res.Err = err
	logger.Error().
		Err(err).
		Str("state", string(res.State)).
		Str("kind", jobutil.KindOf(err).String()).
		Str("policy", string(o.policy)).
		Msg("Job failed")

	o.route(ctx, logger, msg, err)

	if o.policy == config.DeleteOnFailure {
		res.Deleted = o.delete(ctx, logger, msg)
	}
	return res
}

// route reports to the failure router, containing any panic in it.
func (o *Orchestrator) route(ctx context.Context, logger zerolog.Logger, msg queue.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Failure router panicked")
		}
	}()
	o.router.Route(ctx, msg, err)
}

func (o *Orchestrator) delete(ctx context.Context, logger zerolog.Logger, msg queue.Message) bool {
	if o.acker == nil {
		return false
	}
	if err := o.acker.Delete(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("Failed to delete message; it will be redelivered")
		return false
	}
	logger.Debug().Msg("Message deleted")
	return true
}

// finish emits the outcome metric and the ledger row.
func (o *Orchestrator) finish(ctx context.Context, logger zerolog.Logger, msg queue.Message, res Result, elapsed time.Duration) {
	metrics.New(metrics.Namespace).
		Dimension("Outcome", string(res.State)).
		Duration("ProcessMs", elapsed).
		Count("Messages").
		Property("messageId", msg.ID).
		Flush()

	if o.ledger == nil {
		return
	}
	rec := store.JobRecord{
		OutputKey:    res.OutputKey,
		MessageID:    msg.ID,
		Filename:     res.Filename,
		Status:       ledgerStatus(res.State),
		ReceiveCount: msg.ReceiveCount,
		DurationMs:   elapsed.Milliseconds(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := o.ledger.RecordJob(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("Failed to record job")
	}
}

func ledgerStatus(s State) store.Status {
	switch s {
	case StateUploaded:
		return store.StatusTranscoded
	case StateDuplicate:
		return store.StatusDuplicate
	case StateInvalid:
		return store.StatusInvalid
	default:
		return store.StatusFailed
	}
}

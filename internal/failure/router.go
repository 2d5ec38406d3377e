// Package failure forwards failed units of work to a failure queue so an
// operator can inspect them.
package failure

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/MozScout/scout-xcode/internal/jobs"
	"github.com/MozScout/scout-xcode/internal/jobutil"
	"github.com/MozScout/scout-xcode/internal/queue"
)

// DefaultGroupID is the FIFO message group every failure record is sent to.
const DefaultGroupID = "xcode-failures"

// Record is the document published for a failed message.
type Record struct {
	Message queue.Message `json:"message"`
	Error   string        `json:"error"`
}

// Sender publishes a body to the failure queue. *queue.Queue satisfies it.
type Sender interface {
	Send(ctx context.Context, body string, opts queue.SendOptions) (string, error)
}

// Router publishes failure records, or logs and drops them when no failure
// queue is configured.
type Router struct {
	sender  Sender
	groupID string
	newID   func() string
}

// NewRouter creates a Router. A nil sender selects log-and-drop.
func NewRouter(sender Sender, groupID string) *Router {
	if groupID == "" {
		groupID = DefaultGroupID
	}
	return &Router{sender: sender, groupID: groupID, newID: jobs.NewID}
}

// Enabled reports whether records are published.
func (r *Router) Enabled() bool { return r.sender != nil }

// Route reports msg as failed with cause. Publish failures are logged and
// swallowed.
func (r *Router) Route(ctx context.Context, msg queue.Message, cause error) {
	record := Record{Message: msg, Error: errorText(cause)}
	logger := log.With().
		Str("messageId", msg.ID).
		Str("kind", jobutil.KindOf(cause).String()).
		Logger()

	if r.sender == nil {
		logger.Error().Str("body", msg.Body).Str("error", record.Error).Msg("Job failed, no failure queue configured; dropping record")
		return
	}

	body, err := json.Marshal(record)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to marshal failure record")
		return
	}

	id, err := r.sender.Send(ctx, string(body), queue.SendOptions{
		GroupID:         r.groupID,
		DeduplicationID: r.newID(),
	})
	if err != nil {
		logger.Error().Err(err).Str("error", record.Error).Msg("Failed to publish failure record")
		return
	}
	logger.Info().Str("failureMessageId", id).Str("error", record.Error).Msg("Failure record published")
}

func errorText(err error) string {
	if err == nil {
		return jobutil.KindUnknown.String()
	}
	return err.Error()
}

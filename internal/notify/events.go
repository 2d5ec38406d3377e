// Package notify announces published artifacts on an EventBridge bus so
// downstream consumers can react without polling the bucket.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	eventbridgetypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"github.com/rs/zerolog/log"
)

const (
	// Source is the EventBridge source of every event this package emits.
	Source = "scout-xcode"
	// DetailTypeArtifactPublished marks a newly uploaded artifact.
	DetailTypeArtifactPublished = "ArtifactPublished"
)

// ArtifactPublished is the detail of an artifact-published event.
type ArtifactPublished struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	Filename  string `json:"filename"`
	MessageID string `json:"messageId"`
}

// EventsAPI is the subset of *eventbridge.Client used by Publisher.
type EventsAPI interface {
	PutEvents(ctx context.Context, params *eventbridge.PutEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// Publisher emits events to one bus.
type Publisher struct {
	client  EventsAPI
	busName string
}

// NewPublisher creates a Publisher for busName. An empty bus name targets
// the account's default bus.
func NewPublisher(client EventsAPI, busName string) *Publisher {
	return &Publisher{client: client, busName: busName}
}

// ArtifactPublished emits event.
func (p *Publisher) ArtifactPublished(ctx context.Context, event ArtifactPublished) error {
	detail, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal ArtifactPublished: %w", err)
	}

	entry := eventbridgetypes.PutEventsRequestEntry{
		Source:     aws.String(Source),
		DetailType: aws.String(DetailTypeArtifactPublished),
		Detail:     aws.String(string(detail)),
	}
	if p.busName != "" {
		entry.EventBusName = aws.String(p.busName)
	}

	result, err := p.client.PutEvents(ctx, &eventbridge.PutEventsInput{
		Entries: []eventbridgetypes.PutEventsRequestEntry{entry},
	})
	if err != nil {
		log.Error().Err(err).Str("key", event.Key).Msg("EventBridge PutEvents failed")
		return fmt.Errorf("PutEvents: %w", err)
	}

	if result.FailedEntryCount > 0 {
		for i, e := range result.Entries {
			if e.ErrorCode != nil || e.ErrorMessage != nil {
				log.Error().
					Int("index", i).
					Str("errorCode", aws.ToString(e.ErrorCode)).
					Str("errorMessage", aws.ToString(e.ErrorMessage)).
					Str("key", event.Key).
					Msg("EventBridge PutEvents entry failed")
				return fmt.Errorf("PutEvents entry %d failed: %s - %s", i, aws.ToString(e.ErrorCode), aws.ToString(e.ErrorMessage))
			}
		}
	}

	log.Debug().Str("bus", p.busName).Str("key", event.Key).Msg("ArtifactPublished emitted to EventBridge")
	return nil
}

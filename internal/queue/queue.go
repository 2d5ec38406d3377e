// Package queue wraps the SQS operations used by the worker: long-poll
// receive of a single message, delete by receipt handle, visibility
// extension, FIFO sends and the one-time redrive policy setup.
//
// Every failure is returned as a jobutil QueueOperationError.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"github.com/MozScout/scout-xcode/internal/jobutil"
)

// Defaults match the receive configuration producers rely on.
const (
	DefaultWaitTimeSeconds   = 5
	DefaultVisibilityTimeout = 20
	DefaultMaxReceiveCount   = 3
)

// API is the subset of *sqs.Client used by Queue.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error)
}

// Message is one unit of work. It is immutable once received.
type Message struct {
	ID            string `json:"messageId"`
	ReceiptHandle string `json:"receiptHandle"`
	Body          string `json:"body"`
	ReceiveCount  int    `json:"-"`
}

// SendOptions carries the FIFO attributes of a send. Both are optional for
// standard queues.
type SendOptions struct {
	GroupID         string
	DeduplicationID string
}

// RedrivePolicy is the SQS RedrivePolicy attribute document.
type RedrivePolicy struct {
	DeadLetterTargetARN string `json:"deadLetterTargetArn"`
	MaxReceiveCount     int    `json:"maxReceiveCount,string"`
}

// Queue is a single SQS queue.
type Queue struct {
	client     API
	url        string
	waitTime   int32
	visibility int32
}

// Option configures a Queue.
type Option func(*Queue)

// WithWaitTime sets the long-poll wait in seconds.
func WithWaitTime(seconds int) Option {
	return func(q *Queue) { q.waitTime = int32(seconds) }
}

// WithVisibilityTimeout sets the visibility timeout in seconds applied to
// received messages and to each extension.
func WithVisibilityTimeout(seconds int) Option {
	return func(q *Queue) { q.visibility = int32(seconds) }
}

// New creates a Queue for url.
func New(client API, url string, opts ...Option) *Queue {
	q := &Queue{
		client:     client,
		url:        url,
		waitTime:   DefaultWaitTimeSeconds,
		visibility: DefaultVisibilityTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// URL returns the queue URL.
func (q *Queue) URL() string { return q.url }

// VisibilityTimeout returns the visibility timeout applied to received messages.
func (q *Queue) VisibilityTimeout() time.Duration {
	return time.Duration(q.visibility) * time.Second
}

// Receive long-polls for at most one message. It returns (nil, nil) when the
// wait elapsed with nothing to deliver.
func (q *Queue) Receive(ctx context.Context) (*Message, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &q.url,
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     q.waitTime,
		VisibilityTimeout:   q.visibility,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, jobutil.Wrap(jobutil.KindQueueOperation, "ReceiveMessage", err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	m := out.Messages[0]
	msg := &Message{
		ID:            aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          aws.ToString(m.Body),
	}
	if rc, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		msg.ReceiveCount, _ = strconv.Atoi(rc)
	}
	return msg, nil
}

// Delete removes msg from the queue.
func (q *Queue) Delete(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.url,
		ReceiptHandle: &msg.ReceiptHandle,
	})
	if err != nil {
		return jobutil.Wrap(jobutil.KindQueueOperation, fmt.Sprintf("DeleteMessage %s", msg.ID), err)
	}
	return nil
}

// ExtendVisibility resets msg's visibility timeout so it stays hidden while
// its pipeline is still running.
func (q *Queue) ExtendVisibility(ctx context.Context, msg Message) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          &q.url,
		ReceiptHandle:     &msg.ReceiptHandle,
		VisibilityTimeout: q.visibility,
	})
	if err != nil {
		return jobutil.Wrap(jobutil.KindQueueOperation, fmt.Sprintf("ChangeMessageVisibility %s", msg.ID), err)
	}
	return nil
}

// Send publishes body and returns the SQS message ID.
func (q *Queue) Send(ctx context.Context, body string, opts SendOptions) (string, error) {
	input := &sqs.SendMessageInput{
		QueueUrl:    &q.url,
		MessageBody: &body,
	}
	if opts.GroupID != "" {
		input.MessageGroupId = aws.String(opts.GroupID)
	}
	if opts.DeduplicationID != "" {
		input.MessageDeduplicationId = aws.String(opts.DeduplicationID)
	}

	out, err := q.client.SendMessage(ctx, input)
	if err != nil {
		return "", jobutil.Wrap(jobutil.KindQueueOperation, "SendMessage", err)
	}
	return aws.ToString(out.MessageId), nil
}

// ConfigureRedrive sets the queue's redrive policy so SQS moves a message to
// deadLetterARN once it has been received maxReceiveCount times without
// being deleted.
func (q *Queue) ConfigureRedrive(ctx context.Context, deadLetterARN string, maxReceiveCount int) error {
	policy, err := json.Marshal(RedrivePolicy{
		DeadLetterTargetARN: deadLetterARN,
		MaxReceiveCount:     maxReceiveCount,
	})
	if err != nil {
		return jobutil.Wrap(jobutil.KindQueueOperation, "marshal redrive policy", err)
	}

	_, err = q.client.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
		QueueUrl: &q.url,
		Attributes: map[string]string{
			string(types.QueueAttributeNameRedrivePolicy): string(policy),
		},
	})
	if err != nil {
		return jobutil.Wrap(jobutil.KindQueueOperation, "SetQueueAttributes RedrivePolicy", err)
	}

	log.Info().
		Str("queue", q.url).
		Str("deadLetterTarget", deadLetterARN).
		Int("maxReceiveCount", maxReceiveCount).
		Msg("Redrive policy configured")
	return nil
}

package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	fakeRegion  = "us-east-1"
	fakeAccount = "000000000000"

	// defaultFakeVisibility mirrors the SQS queue default.
	defaultFakeVisibility = 30 * time.Second
)

// SentMessage is a message body with the FIFO attributes it was sent with.
type SentMessage struct {
	ID              string
	Body            string
	GroupID         string
	DeduplicationID string
	ReceiveCount    int
}

type fakeMessage struct {
	SentMessage
	handle    string
	visibleAt time.Time
}

type fakeQueue struct {
	url        string
	arn        string
	messages   []*fakeMessage
	dlq        *fakeQueue
	maxReceive int
	dedup      map[string]bool
	attributes map[string]string
}

// FakeSQS is an in-memory SQS double satisfying queue.API. It models
// visibility timeouts on a manual clock, receive counts and redrive: a
// message received maxReceiveCount times without deletion moves to the
// dead-letter queue on the next receive, like the real service.
type FakeSQS struct {
	mu     sync.Mutex
	queues map[string]*fakeQueue
	byARN  map[string]*fakeQueue
	now    time.Time
	seq    int

	// Injected failures, returned by every call of the matching operation.
	ReceiveErr    error
	DeleteErr     error
	VisibilityErr error
	SendErr       error
	AttributesErr error

	// EmptyReceiveDelay stands in for the long-poll wait when nothing is
	// visible, so polling loops do not spin.
	EmptyReceiveDelay time.Duration

	ReceiveCalls    int
	DeleteCalls     int
	VisibilityCalls int
}

// NewFakeSQS creates a FakeSQS with no queues.
func NewFakeSQS() *FakeSQS {
	return &FakeSQS{
		queues:            make(map[string]*fakeQueue),
		byARN:             make(map[string]*fakeQueue),
		now:               time.Unix(1700000000, 0),
		EmptyReceiveDelay: 5 * time.Millisecond,
	}
}

// CreateQueue registers a queue and returns its URL and ARN.
func (f *FakeSQS) CreateQueue(name string) (url, arn string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := &fakeQueue{
		url:        fmt.Sprintf("https://sqs.%s.amazonaws.com/%s/%s", fakeRegion, fakeAccount, name),
		arn:        fmt.Sprintf("arn:aws:sqs:%s:%s:%s", fakeRegion, fakeAccount, name),
		dedup:      make(map[string]bool),
		attributes: make(map[string]string),
	}
	f.queues[q.url] = q
	f.byARN[q.arn] = q
	return q.url, q.arn
}

// Enqueue adds a visible message to the queue at url and returns its ID.
func (f *FakeSQS) Enqueue(url, body string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[url]
	if !ok {
		panic("testsupport: unknown queue " + url)
	}
	return f.add(q, SentMessage{Body: body})
}

func (f *FakeSQS) add(q *fakeQueue, m SentMessage) string {
	f.seq++
	m.ID = fmt.Sprintf("msg-%04d", f.seq)
	q.messages = append(q.messages, &fakeMessage{SentMessage: m, visibleAt: f.now})
	return m.ID
}

// Messages returns a snapshot of every message on the queue at url, visible
// or not.
func (f *FakeSQS) Messages(url string) []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.queues[url]
	if !ok {
		return nil
	}
	out := make([]SentMessage, 0, len(q.messages))
	for _, m := range q.messages {
		out = append(out, m.SentMessage)
	}
	return out
}

// Attribute returns a queue attribute previously set through
// SetQueueAttributes.
func (f *FakeSQS) Attribute(url, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if q, ok := f.queues[url]; ok {
		return q.attributes[name]
	}
	return ""
}

// ReceiveCallCount returns the number of ReceiveMessage calls so far.
func (f *FakeSQS) ReceiveCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ReceiveCalls
}

// VisibilityCallCount returns the number of ChangeMessageVisibility calls so far.
func (f *FakeSQS) VisibilityCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.VisibilityCalls
}

// Advance moves the fake clock forward, expiring visibility timeouts.
func (f *FakeSQS) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *FakeSQS) lookup(url *string) (*fakeQueue, error) {
	q, ok := f.queues[deref(url)]
	if !ok {
		return nil, &types.QueueDoesNotExist{Message: url}
	}
	return q, nil
}

// ReceiveMessage returns up to MaxNumberOfMessages visible messages.
func (f *FakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	msgs, err := f.receive(params)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 && f.EmptyReceiveDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.EmptyReceiveDelay):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *FakeSQS) receive(params *sqs.ReceiveMessageInput) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReceiveCalls++

	if f.ReceiveErr != nil {
		return nil, f.ReceiveErr
	}
	q, err := f.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}

	limit := int(params.MaxNumberOfMessages)
	if limit <= 0 {
		limit = 1
	}
	visibility := defaultFakeVisibility
	if params.VisibilityTimeout > 0 {
		visibility = time.Duration(params.VisibilityTimeout) * time.Second
	}

	var out []types.Message
	kept := q.messages[:0]
	for _, m := range q.messages {
		visible := !m.visibleAt.After(f.now)
		if visible && q.dlq != nil && m.ReceiveCount >= q.maxReceive {
			moved := *m
			moved.ReceiveCount = 0
			moved.handle = ""
			moved.visibleAt = f.now
			q.dlq.messages = append(q.dlq.messages, &moved)
			continue
		}
		kept = append(kept, m)
		if !visible || len(out) >= limit {
			continue
		}

		f.seq++
		m.ReceiveCount++
		m.handle = fmt.Sprintf("%s-rh-%d", m.ID, f.seq)
		m.visibleAt = f.now.Add(visibility)
		id, handle, body := m.ID, m.handle, m.Body
		out = append(out, types.Message{
			MessageId:     &id,
			ReceiptHandle: &handle,
			Body:          &body,
			Attributes: map[string]string{
				string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(m.ReceiveCount),
			},
		})
	}
	q.messages = kept
	return out, nil
}

func (q *fakeQueue) byHandle(handle string) (int, *fakeMessage) {
	for i, m := range q.messages {
		if m.handle != "" && m.handle == handle {
			return i, m
		}
	}
	return -1, nil
}

// DeleteMessage removes the message whose latest receipt handle matches.
func (f *FakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++

	if f.DeleteErr != nil {
		return nil, f.DeleteErr
	}
	q, err := f.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	i, _ := q.byHandle(deref(params.ReceiptHandle))
	if i < 0 {
		return nil, &types.ReceiptHandleIsInvalid{Message: params.ReceiptHandle}
	}
	q.messages = append(q.messages[:i], q.messages[i+1:]...)
	return &sqs.DeleteMessageOutput{}, nil
}

// ChangeMessageVisibility resets the visibility deadline of an in-flight
// message.
func (f *FakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.VisibilityCalls++

	if f.VisibilityErr != nil {
		return nil, f.VisibilityErr
	}
	q, err := f.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	_, m := q.byHandle(deref(params.ReceiptHandle))
	if m == nil {
		return nil, &types.ReceiptHandleIsInvalid{Message: params.ReceiptHandle}
	}
	m.visibleAt = f.now.Add(time.Duration(params.VisibilityTimeout) * time.Second)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

// SendMessage enqueues a message. A repeated MessageDeduplicationId is
// accepted and dropped, as on a FIFO queue.
func (f *FakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SendErr != nil {
		return nil, f.SendErr
	}
	q, err := f.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}

	dedupID := deref(params.MessageDeduplicationId)
	if dedupID != "" {
		if q.dedup[dedupID] {
			id := "duplicate-" + dedupID
			return &sqs.SendMessageOutput{MessageId: &id}, nil
		}
		q.dedup[dedupID] = true
	}

	id := f.add(q, SentMessage{
		Body:            deref(params.MessageBody),
		GroupID:         deref(params.MessageGroupId),
		DeduplicationID: dedupID,
	})
	return &sqs.SendMessageOutput{MessageId: &id}, nil
}

// SetQueueAttributes stores attributes and activates a RedrivePolicy.
func (f *FakeSQS) SetQueueAttributes(ctx context.Context, params *sqs.SetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.SetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.AttributesErr != nil {
		return nil, f.AttributesErr
	}
	q, err := f.lookup(params.QueueUrl)
	if err != nil {
		return nil, err
	}

	if raw, ok := params.Attributes[string(types.QueueAttributeNameRedrivePolicy)]; ok {
		var policy struct {
			DeadLetterTargetArn string          `json:"deadLetterTargetArn"`
			MaxReceiveCount     json.RawMessage `json:"maxReceiveCount"`
		}
		if err := json.Unmarshal([]byte(raw), &policy); err != nil {
			return nil, &types.InvalidAttributeValue{Message: strPtr("RedrivePolicy: " + err.Error())}
		}
		maxReceive, err := parseCount(policy.MaxReceiveCount)
		if err != nil || maxReceive < 1 {
			return nil, &types.InvalidAttributeValue{Message: strPtr("RedrivePolicy: invalid maxReceiveCount")}
		}
		dlq, ok := f.byARN[policy.DeadLetterTargetArn]
		if !ok {
			return nil, &types.QueueDoesNotExist{Message: strPtr(policy.DeadLetterTargetArn)}
		}
		q.dlq = dlq
		q.maxReceive = maxReceive
	}
	for k, v := range params.Attributes {
		q.attributes[k] = v
	}
	return &sqs.SetQueueAttributesOutput{}, nil
}

// parseCount accepts maxReceiveCount as either a JSON string or number.
func parseCount(raw json.RawMessage) (int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.Atoi(s)
	}
	var n int
	err := json.Unmarshal(raw, &n)
	return n, err
}

func strPtr(s string) *string { return &s }

// Package store keeps a ledger of transcode jobs in DynamoDB so operators
// can see what happened to an artifact without reading logs.
//
// The table uses a single-table design keyed by artifact: every attempt for
// an output key shares the partition key ARTIFACT#{outputKey}, and sort keys
// JOB#{timestamp}#{messageId} order attempts chronologically. Messages that
// never yielded an output key (unparseable bodies, wrong extension) share
// the partition ARTIFACT#-. A TTL attribute (expiresAt) expires records
// after RecordTTL.
package store

import (
	"context"
	"time"
)

// RecordTTL is how long ledger rows are kept.
const RecordTTL = 30 * 24 * time.Hour

// Status is the terminal state of one attempt.
type Status string

const (
	StatusTranscoded Status = "transcoded"
	StatusDuplicate  Status = "duplicate"
	StatusInvalid    Status = "invalid"
	StatusFailed     Status = "failed"
)

// JobRecord is one processing attempt of one message.
type JobRecord struct {
	OutputKey    string `dynamodbav:"-" json:"outputKey"`
	MessageID    string `dynamodbav:"messageId" json:"messageId"`
	Filename     string `dynamodbav:"filename,omitempty" json:"filename,omitempty"`
	Status       Status `dynamodbav:"status" json:"status"`
	Error        string `dynamodbav:"error,omitempty" json:"error,omitempty"`
	ReceiveCount int    `dynamodbav:"receiveCount,omitempty" json:"receiveCount,omitempty"`
	DurationMs   int64  `dynamodbav:"durationMs" json:"durationMs"`
	UpdatedAt    int64  `dynamodbav:"updatedAt" json:"updatedAt"`
}

// JobStore persists job records. Methods are safe for concurrent use.
type JobStore interface {
	// RecordJob appends an attempt to the ledger.
	RecordJob(ctx context.Context, rec JobRecord) error

	// History returns every recorded attempt for outputKey, oldest first.
	// An unknown key yields an empty slice.
	History(ctx context.Context, outputKey string) ([]JobRecord, error)
}

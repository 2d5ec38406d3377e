package main

import (
	"context"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"

	"github.com/MozScout/scout-xcode/internal/config"
	"github.com/MozScout/scout-xcode/internal/pipeline"
	"github.com/MozScout/scout-xcode/internal/queue"
)

type processor interface {
	Process(ctx context.Context, msg queue.Message) pipeline.Result
}

// handleBatch processes records one at a time. A failed record is reported
// back to SQS only under retry-in-place; under the delete policy it has
// already been routed to the failure queue and is allowed to go.
func handleBatch(ctx context.Context, p processor, policy config.FailurePolicy, event events.SQSEvent) events.SQSEventResponse {
	resp := events.SQSEventResponse{BatchItemFailures: []events.SQSBatchItemFailure{}}
	for _, record := range event.Records {
		res := p.Process(ctx, toMessage(record))
		log.Info().
			Str("messageId", record.MessageId).
			Str("state", string(res.State)).
			Str("outputKey", res.OutputKey).
			Msg("Record finished")

		if res.State.Failed() && policy == config.RetryInPlace {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}
	return resp
}

func toMessage(record events.SQSMessage) queue.Message {
	count, _ := strconv.Atoi(record.Attributes["ApproximateReceiveCount"])
	return queue.Message{
		ID:            record.MessageId,
		ReceiptHandle: record.ReceiptHandle,
		Body:          record.Body,
		ReceiveCount:  count,
	}
}

package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix     = "ARTIFACT#"
	skJob        = "JOB#"
	noOutputKey  = "-"
	skTimeLayout = "20060102T150405.000000000Z"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore implements JobStore using AWS DynamoDB.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// Compile-time interface check.
var _ JobStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

// artifactPK returns the partition key for an output key.
func artifactPK(outputKey string) string {
	if outputKey == "" {
		outputKey = noOutputKey
	}
	return pkPrefix + outputKey
}

func jobSK(at time.Time, messageID string) string {
	return skJob + at.UTC().Format(skTimeLayout) + "#" + messageID
}

// putItem marshals a domain object and writes it with PK, SK and TTL.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(RecordTTL).Unix(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// queryBySKPrefix returns all items in pk whose SK begins with skPrefix.
func (s *DynamoStore) queryBySKPrefix(ctx context.Context, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
	}

	var allItems []map[string]types.AttributeValue

	// Handle pagination. DynamoDB returns up to 1MB per Query call.
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skPrefix, err)
		}
		allItems = append(allItems, result.Items...)

		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}

	return allItems, nil
}

func (s *DynamoStore) RecordJob(ctx context.Context, rec JobRecord) error {
	at := s.now()
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = at.Unix()
	}

	if err := s.putItem(ctx, artifactPK(rec.OutputKey), jobSK(at, rec.MessageID), rec); err != nil {
		return fmt.Errorf("record job %s/%s: %w", rec.OutputKey, rec.MessageID, err)
	}

	log.Debug().
		Str("outputKey", rec.OutputKey).
		Str("messageId", rec.MessageID).
		Str("status", string(rec.Status)).
		Msg("Job record persisted")
	return nil
}

func (s *DynamoStore) History(ctx context.Context, outputKey string) ([]JobRecord, error) {
	items, err := s.queryBySKPrefix(ctx, artifactPK(outputKey), skJob)
	if err != nil {
		return nil, fmt.Errorf("job history %s: %w", outputKey, err)
	}

	records := make([]JobRecord, 0, len(items))
	for _, item := range items {
		var rec JobRecord
		if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal job record: %w", err)
		}
		if pk, ok := item["PK"].(*types.AttributeValueMemberS); ok {
			rec.OutputKey = strings.TrimPrefix(pk.Value, pkPrefix)
			if rec.OutputKey == noOutputKey {
				rec.OutputKey = ""
			}
		}
		records = append(records, rec)
	}

	log.Debug().Str("outputKey", outputKey).Int("count", len(records)).Msg("Job history retrieved")
	return records, nil
}

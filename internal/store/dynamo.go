package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Single-table key layout. The SK is the natural key within each partition.
const (
	pkProcessed   = "PROCESSED"
	pkSenderAI    = "SENDER#AI"
	pkSenderNonAI = "SENDER#NON_AI"
	pkToken       = "TOKEN"
)

// dynamoItem is the generic single-table row: the record itself rides in
// Data as JSON and the PK/SK pair carries identity.
type dynamoItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Data      string `dynamodbav:"Data"`
	Domain    string `dynamodbav:"Domain,omitempty"` // populated for sender rows; backs the domain GSI
	Timestamp string `dynamodbav:"Timestamp"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

// DynamoStore implements ProcessedStore, SenderStore, and TokenStore against
// a single DynamoDB table.
type DynamoStore struct {
	db         *dynamodb.Client
	table      string
	batchSize  int
	ttl        time.Duration
}

// LoadAWSConfig builds the SDK config shared by the DynamoDB, S3, and SES
// clients, honoring an optional named profile.
func LoadAWSConfig(ctx context.Context, region, profile string) (aws.Config, error) {
	if profile != "" {
		return awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithSharedConfigProfile(profile),
		)
	}
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
}

// NewDynamoStore creates a store backed by the given table.
// batchSize caps one batch write (the service limit is 25).
func NewDynamoStore(cfg aws.Config, table string, batchSize int, processedTTL time.Duration) *DynamoStore {
	if batchSize <= 0 || batchSize > 25 {
		batchSize = 25
	}
	return &DynamoStore{
		db:        dynamodb.NewFromConfig(cfg),
		table:     table,
		batchSize: batchSize,
		ttl:       processedTTL,
	}
}

// --- ProcessedStore ---

// IsProcessed reports whether the email has a processed record.
func (s *DynamoStore) IsProcessed(ctx context.Context, emailID string) (bool, error) {
	result, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkProcessed},
			"SK": &types.AttributeValueMemberS{Value: emailID},
		},
	})
	if err != nil {
		return false, fmt.Errorf("getting processed record: %w", err)
	}
	return result.Item != nil, nil
}

// MarkProcessed writes records in chunks using batch writes, retrying
// unprocessed items a bounded number of times.
func (s *DynamoStore) MarkProcessed(ctx context.Context, records []ProcessedRecord) error {
	for start := 0; start < len(records); start += s.batchSize {
		end := start + s.batchSize
		if end > len(records) {
			end = len(records)
		}

		writes := make([]types.WriteRequest, 0, end-start)
		for _, rec := range records[start:end] {
			if rec.TTL == 0 {
				rec.TTL = time.Now().Add(s.ttl).Unix()
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshaling processed record %s: %w", rec.EmailID, err)
			}
			av, err := attributevalue.MarshalMap(dynamoItem{
				PK:        pkProcessed,
				SK:        rec.EmailID,
				Data:      string(data),
				Timestamp: rec.ProcessedAt.UTC().Format(time.RFC3339),
				TTL:       rec.TTL,
			})
			if err != nil {
				return fmt.Errorf("marshaling item: %w", err)
			}
			writes = append(writes, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: av},
			})
		}

		pending := map[string][]types.WriteRequest{s.table: writes}
		for attempt := 0; len(pending[s.table]) > 0 && attempt < 3; attempt++ {
			out, err := s.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: pending,
			})
			if err != nil {
				return fmt.Errorf("batch writing processed records: %w", err)
			}
			pending = out.UnprocessedItems
		}
		if len(pending[s.table]) > 0 {
			return fmt.Errorf("batch write left %d unprocessed records", len(pending[s.table]))
		}
	}
	return nil
}

// CleanupOlderThan deletes processed records older than cutoff. The table's
// TTL policy removes them eventually anyway; this keeps queries lean.
func (s *DynamoStore) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		FilterExpression:       aws.String("#ts < :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#ts": "Timestamp",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pkProcessed},
			":cutoff": &types.AttributeValueMemberS{Value: cutoff.UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("querying stale processed records: %w", err)
	}

	removed := 0
	for _, item := range result.Items {
		var row dynamoItem
		if err := attributevalue.UnmarshalMap(item, &row); err != nil {
			continue
		}
		_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: pkProcessed},
				"SK": &types.AttributeValueMemberS{Value: row.SK},
			},
		})
		if err != nil {
			return removed, fmt.Errorf("deleting stale record %s: %w", row.SK, err)
		}
		removed++
	}
	return removed, nil
}

// --- SenderStore ---

func senderPK(class Classification) string {
	if class == ClassAI {
		return pkSenderAI
	}
	return pkSenderNonAI
}

// Lookup checks both populations for the sender.
func (s *DynamoStore) Lookup(ctx context.Context, senderEmail string) (*SenderRecord, error) {
	key := NormalizeEmail(senderEmail)
	for _, pk := range []string{pkSenderAI, pkSenderNonAI} {
		result, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: pk},
				"SK": &types.AttributeValueMemberS{Value: key},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("getting sender record: %w", err)
		}
		if result.Item == nil {
			continue
		}
		var row dynamoItem
		if err := attributevalue.UnmarshalMap(result.Item, &row); err != nil {
			return nil, fmt.Errorf("unmarshaling sender item: %w", err)
		}
		var rec SenderRecord
		if err := json.Unmarshal([]byte(row.Data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshaling sender record: %w", err)
		}
		return &rec, nil
	}
	return nil, nil
}

// Upsert removes the sender from the opposite population, then writes it
// into its own. Exclusivity holds because removal happens first.
func (s *DynamoStore) Upsert(ctx context.Context, rec SenderRecord) error {
	rec.SenderEmail = NormalizeEmail(rec.SenderEmail)
	if rec.Domain == "" {
		rec.Domain = DomainOf(rec.SenderEmail)
	}

	other := pkSenderNonAI
	if rec.Classification != ClassAI {
		other = pkSenderAI
	}
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: other},
			"SK": &types.AttributeValueMemberS{Value: rec.SenderEmail},
		},
	})
	if err != nil {
		return fmt.Errorf("removing sender from other population: %w", err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling sender record: %w", err)
	}
	av, err := attributevalue.MarshalMap(dynamoItem{
		PK:        senderPK(rec.Classification),
		SK:        rec.SenderEmail,
		Data:      string(data),
		Domain:    rec.Domain,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting sender record: %w", err)
	}
	return nil
}

// Remove deletes the sender from both populations.
func (s *DynamoStore) Remove(ctx context.Context, senderEmail string) error {
	key := NormalizeEmail(senderEmail)
	for _, pk := range []string{pkSenderAI, pkSenderNonAI} {
		_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: pk},
				"SK": &types.AttributeValueMemberS{Value: key},
			},
		})
		if err != nil {
			return fmt.Errorf("removing sender record: %w", err)
		}
	}
	return nil
}

// --- TokenStore ---

// GetToken returns the stored refresh token for the user, or nil when absent.
func (s *DynamoStore) GetToken(ctx context.Context, userID string) (*TokenRecord, error) {
	result, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pkToken},
			"SK": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getting token record: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}
	var row dynamoItem
	if err := attributevalue.UnmarshalMap(result.Item, &row); err != nil {
		return nil, fmt.Errorf("unmarshaling token item: %w", err)
	}
	var rec TokenRecord
	if err := json.Unmarshal([]byte(row.Data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling token record: %w", err)
	}
	return &rec, nil
}

// SaveToken writes the user's token record.
func (s *DynamoStore) SaveToken(ctx context.Context, rec TokenRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling token record: %w", err)
	}
	av, err := attributevalue.MarshalMap(dynamoItem{
		PK:        pkToken,
		SK:        rec.UserID,
		Data:      string(data),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting token record: %w", err)
	}
	return nil
}

// TouchLastUsed stamps the token's last_used_at if a record exists.
func (s *DynamoStore) TouchLastUsed(ctx context.Context, userID string) error {
	rec, err := s.GetToken(ctx, userID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.LastUsedAt = time.Now().UTC()
	return s.SaveToken(ctx, *rec)
}

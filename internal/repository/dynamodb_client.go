package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/samber/mo"

	"kb-slackbot/internal/domain"
)

const (
	attrValue     = "value"
	attrTTL       = "ttl"
	attrUpdatedAt = "updated_at"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoStore is a Store over one DynamoDB table with a string partition key
// and a numeric "ttl" attribute enabled as the table's TTL field.
type DynamoStore struct {
	api          dynamodbAPI
	tableName    string
	partitionKey string
	now          func() time.Time
}

// NewDynamoStore creates a Store on tableName whose partition key attribute is partitionKey.
func NewDynamoStore(api dynamodbAPI, tableName, partitionKey string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if strings.TrimSpace(partitionKey) == "" {
		return nil, errors.New("repository: partition key must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, partitionKey: partitionKey, now: time.Now}, nil
}

// PutIfAbsent writes the record only when no live item holds key. DynamoDB
// reclaims expired items lazily, so an item whose ttl has passed counts as absent.
func (s *DynamoStore) PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("repository: PutIfAbsent: key is required")
	}
	now := s.now()
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                s.item(key, value, now, ttl),
		ConditionExpression: aws.String("attribute_not_exists(#pk) OR #ttl <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#pk":  s.partitionKey,
			"#ttl": attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": numberAttr(now.Unix()),
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConflict
		}
		return fmt.Errorf("repository: PutIfAbsent: %w", err)
	}
	return nil
}

// Get reads key with a consistent read. Missing and expired items are None.
func (s *DynamoStore) Get(ctx context.Context, key string) (mo.Option[domain.Record], error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			s.partitionKey: &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return mo.None[domain.Record](), fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return mo.None[domain.Record](), nil
	}

	rec, err := s.itemToRecord(out.Item)
	if err != nil {
		return mo.None[domain.Record](), fmt.Errorf("repository: Get decode: %w", err)
	}
	if rec.Expired(s.now()) {
		return mo.None[domain.Record](), nil
	}
	return mo.Some(rec), nil
}

// Put writes or replaces the record for key.
func (s *DynamoStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("repository: Put: key is required")
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      s.item(key, value, s.now(), ttl),
	})
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

func (s *DynamoStore) item(key, value string, now time.Time, ttl time.Duration) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		s.partitionKey: &types.AttributeValueMemberS{Value: key},
		attrValue:      &types.AttributeValueMemberS{Value: value},
		attrTTL:        numberAttr(ttlValue(now, ttl)),
		attrUpdatedAt:  numberAttr(now.Unix()),
	}
}

func (s *DynamoStore) itemToRecord(item map[string]types.AttributeValue) (domain.Record, error) {
	key, err := strAttr(item, s.partitionKey)
	if err != nil {
		return domain.Record{}, err
	}
	value, err := strAttr(item, attrValue)
	if err != nil {
		return domain.Record{}, err
	}
	rec := domain.Record{Key: key, Value: value}
	if _, ok := item[attrTTL]; ok {
		expires, err := int64Attr(item, attrTTL)
		if err != nil {
			return domain.Record{}, err
		}
		rec.ExpiresAt = time.Unix(expires, 0)
	}
	return rec, nil
}

// ttlValue returns the Unix expiry for a record written at now. Sub-second
// TTLs round up so a record is never written already expired.
func ttlValue(now time.Time, ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return now.Unix() + secs
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

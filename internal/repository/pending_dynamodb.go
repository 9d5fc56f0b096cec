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

	"convai-relay/internal/domain"
)

const (
	pkPrefixRequest = "REQ#"
	skPending       = "PENDING#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoPendingStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoPendingStore keeps pending relay outcomes in a DynamoDB table so that
// a poll can land on any instance. The table's TTL attribute should be
// "ttl"; since DynamoDB deletes expired items lazily, Get also treats an
// item past its ttl as absent.
type DynamoPendingStore struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

func NewDynamoPendingStore(api dynamodbAPI, tableName string, ttl time.Duration) (*DynamoPendingStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &DynamoPendingStore{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

// requestPK returns the DynamoDB partition key for a pending request.
func requestPK(requestID string) string {
	return pkPrefixRequest + requestID
}

func (s *DynamoPendingStore) key(requestID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: requestPK(requestID)},
		"SK": &types.AttributeValueMemberS{Value: skPending},
	}
}

// Put upserts the entry. The ttl attribute is only written on first insert
// so that status updates never extend the entry's lifetime.
func (s *DynamoPendingStore) Put(ctx context.Context, entry domain.PendingEntry) error {
	if strings.TrimSpace(entry.RequestID) == "" {
		return errors.New("repository: Put: request id is required")
	}
	if _, err := s.api.UpdateItem(ctx, s.upsertInput(entry)); err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Update writes the entry only over a live item, so a completion that lands
// after expiry cannot recreate it.
func (s *DynamoPendingStore) Update(ctx context.Context, entry domain.PendingEntry) (bool, error) {
	in := s.upsertInput(entry)
	in.ConditionExpression = aws.String("attribute_exists(PK) AND #ttl > :now")
	in.ExpressionAttributeValues[":now"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)}

	_, err := s.api.UpdateItem(ctx, in)
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: Update: %w", err)
	}
	return true, nil
}

func (s *DynamoPendingStore) upsertInput(entry domain.PendingEntry) *dynamodb.UpdateItemInput {
	audio := make([]types.AttributeValue, 0, len(entry.AudioChunks))
	for _, chunk := range entry.AudioChunks {
		audio = append(audio, &types.AttributeValueMemberS{Value: chunk})
	}
	return &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(entry.RequestID),
		UpdateExpression: aws.String("SET #rid = :rid, #status = :status, #text = :text, #audio = :audio, #error = :error, #ttl = if_not_exists(#ttl, :ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#rid":    "requestId",
			"#status": "status",
			"#text":   "text",
			"#audio":  "audioChunks",
			"#error":  "error",
			"#ttl":    "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rid":    &types.AttributeValueMemberS{Value: entry.RequestID},
			":status": &types.AttributeValueMemberS{Value: string(entry.Status)},
			":text":   &types.AttributeValueMemberS{Value: entry.Text},
			":audio":  &types.AttributeValueMemberL{Value: audio},
			":error":  &types.AttributeValueMemberS{Value: entry.Error},
			":ttl":    &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Add(s.ttl).Unix(), 10)},
		},
	}
}

// TakeIfTerminal deletes a terminal item and returns its old image in one
// conditional DeleteItem, so concurrent pollers cannot both win. A
// processing, missing or expired item fails the condition and is read back
// with Get instead.
func (s *DynamoPendingStore) TakeIfTerminal(ctx context.Context, requestID string) (domain.PendingEntry, bool, error) {
	out, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.tableName),
		Key:                 s.key(requestID),
		ConditionExpression: aws.String("#status IN (:completed, :error)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(domain.PendingCompleted)},
			":error":     &types.AttributeValueMemberS{Value: string(domain.PendingError)},
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if isConditionFailed(err) {
		return s.Get(ctx, requestID)
	}
	if err != nil {
		return domain.PendingEntry{}, false, fmt.Errorf("repository: TakeIfTerminal: %w", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return domain.PendingEntry{}, false, nil
	}
	return s.liveEntry(out.Attributes)
}

func (s *DynamoPendingStore) Get(ctx context.Context, requestID string) (domain.PendingEntry, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(requestID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.PendingEntry{}, false, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.PendingEntry{}, false, nil
	}
	return s.liveEntry(out.Item)
}

// liveEntry decodes item, treating one past its ttl as absent.
func (s *DynamoPendingStore) liveEntry(item map[string]types.AttributeValue) (domain.PendingEntry, bool, error) {
	expires, err := intAttr(item, "ttl")
	if err != nil {
		return domain.PendingEntry{}, false, fmt.Errorf("repository: decode ttl: %w", err)
	}
	if s.now().Unix() >= expires {
		return domain.PendingEntry{}, false, nil
	}

	entry, err := itemToPendingEntry(item)
	if err != nil {
		return domain.PendingEntry{}, false, fmt.Errorf("repository: unmarshal: %w", err)
	}
	return entry, true, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// RemoveIfPresent deletes the entry; deleting a missing item succeeds.
func (s *DynamoPendingStore) RemoveIfPresent(ctx context.Context, requestID string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(requestID),
	})
	if err != nil {
		return fmt.Errorf("repository: RemoveIfPresent: %w", err)
	}
	return nil
}

// itemToPendingEntry converts a DynamoDB attribute map to a PendingEntry.
func itemToPendingEntry(item map[string]types.AttributeValue) (domain.PendingEntry, error) {
	requestID, err := strAttr(item, "requestId")
	if err != nil {
		return domain.PendingEntry{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.PendingEntry{}, err
	}
	text, _ := strAttr(item, "text") // allow empty
	msg, _ := strAttr(item, "error") // allow empty
	audio, err := listAttr(item, "audioChunks")
	if err != nil {
		return domain.PendingEntry{}, err
	}

	return domain.PendingEntry{
		RequestID:   requestID,
		Status:      domain.PendingStatus(status),
		Text:        text,
		AudioChunks: audio,
		Error:       msg,
	}, nil
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

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
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

// listAttr reads a list of strings; a missing attribute is an empty list.
func listAttr(item map[string]types.AttributeValue, key string) ([]string, error) {
	v, ok := item[key]
	if !ok {
		return nil, nil
	}
	l, ok := v.(*types.AttributeValueMemberL)
	if !ok {
		return nil, fmt.Errorf("repository: attribute %q is not a list", key)
	}
	out := make([]string, 0, len(l.Value))
	for i, elem := range l.Value {
		s, ok := elem.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("repository: attribute %q[%d] is not a string", key, i)
		}
		out = append(out, s.Value)
	}
	return out, nil
}

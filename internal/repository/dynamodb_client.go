package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"story-agent/internal/domain"
)

const (
	skPrefixMsg        = "MSG#"
	skState            = "STATE#"
	skMsgMax           = skPrefixMsg + "9999999999"
	DefaultTTL         = 30 * 24 * time.Hour // 30-day TTL
	maxTransactItems   = 100
	conditionCheckFail = "ConditionalCheckFailed"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores session checkpoints in a single DynamoDB table. Each session
// has one STATE# item plus one MSG# item per log entry.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

// New creates a new repository Client. A non-positive ttl falls back to DefaultTTL.
func New(api dynamodbAPI, tableName string, ttl time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{api: api, tableName: tableName, ttl: ttl, now: time.Now}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// msgSK returns the sort key for the message at position seq. Zero padding
// keeps lexical and numeric order aligned.
func msgSK(seq int) string {
	return fmt.Sprintf("%s%010d", skPrefixMsg, seq)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(c.ttl).Unix()
}

// LoadSession reads the state item and the newest historyLimit messages.
func (c *Client) LoadSession(ctx context.Context, sessionID string, historyLimit int) (domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skState},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: LoadSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}

	sess, expires, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: LoadSession decode state: %w", err)
	}
	// TTL deletion is lazy; items past their expiry may still be returned.
	if expires > 0 && expires <= c.now().Unix() {
		return domain.Session{}, &domain.SessionExpiredError{Version: sess.Version, MessageCount: sess.MessageCount}
	}
	sess.ID = sessionID

	history, err := c.history(ctx, sessionID, sess.HistoryStart, historyLimit)
	if err != nil {
		return domain.Session{}, err
	}
	sess.History = history
	return sess, nil
}

// history queries MSG# items from sequence start onwards, newest first, and
// returns them chronologically.
func (c *Client) history(ctx context.Context, sessionID string, start, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":from": &types.AttributeValueMemberS{Value: msgSK(start)},
			":to":   &types.AttributeValueMemberS{Value: skMsgMax},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: LoadSession query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: LoadSession unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveTurn replaces the state item and appends the new messages in one
// transaction. The state write is conditioned on the version the session was
// loaded at, so a concurrent turn on the same session fails with
// domain.ErrConflict instead of being silently overwritten.
func (c *Client) SaveTurn(ctx context.Context, sess domain.Session, appended []domain.Message) error {
	if strings.TrimSpace(sess.ID) == "" {
		return errors.New("repository: SaveTurn: session ID is required")
	}
	if len(appended)+1 > maxTransactItems {
		return fmt.Errorf("repository: SaveTurn: %d messages exceed the transaction limit", len(appended))
	}

	ttl := c.ttlValue()
	stateItem, err := sessionItem(sess, sess.MessageCount+len(appended), sess.Version+1, ttl)
	if err != nil {
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}

	statePut := &types.Put{
		TableName: aws.String(c.tableName),
		Item:      stateItem,
	}
	if sess.Version == 0 {
		statePut.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		statePut.ConditionExpression = aws.String("version = :version")
		statePut.ExpressionAttributeValues = map[string]types.AttributeValue{
			":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(sess.Version, 10)},
		}
	}

	items := make([]types.TransactWriteItem, 0, len(appended)+1)
	items = append(items, types.TransactWriteItem{Put: statePut})
	for i, msg := range appended {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                messageItem(sess.ID, sess.MessageCount+i, msg, ttl),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("repository: SaveTurn: %w", domain.ErrConflict)
		}
		return fmt.Errorf("repository: SaveTurn: %w", err)
	}
	return nil
}

func isConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, reason := range canceled.CancellationReasons {
		if aws.ToString(reason.Code) == conditionCheckFail {
			return true
		}
	}
	return false
}

func sessionItem(sess domain.Session, messageCount int, version, ttl int64) (map[string]types.AttributeValue, error) {
	revision, err := json.Marshal(sess.Revision)
	if err != nil {
		return nil, fmt.Errorf("encode revision: %w", err)
	}
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: sessionPK(sess.ID)},
		"SK":           &types.AttributeValueMemberS{Value: skState},
		"sessionId":    &types.AttributeValueMemberS{Value: sess.ID},
		"revision":     &types.AttributeValueMemberS{Value: string(revision)},
		"turns":        &types.AttributeValueMemberN{Value: strconv.Itoa(sess.Turns)},
		"messageCount": &types.AttributeValueMemberN{Value: strconv.Itoa(messageCount)},
		"historyStart": &types.AttributeValueMemberN{Value: strconv.Itoa(sess.HistoryStart)},
		"version":      &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		"lastActivity": &types.AttributeValueMemberS{Value: sess.LastActivity.UTC().Format(time.RFC3339Nano)},
		"ttl":          &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}, nil
}

// itemToSession decodes a STATE# item. It also returns the stored TTL epoch.
func itemToSession(item map[string]types.AttributeValue) (domain.Session, int64, error) {
	raw, err := strAttr(item, "revision")
	if err != nil {
		return domain.Session{}, 0, err
	}
	var rev domain.RevisionState
	if err := json.Unmarshal([]byte(raw), &rev); err != nil {
		return domain.Session{}, 0, fmt.Errorf("repository: decode revision: %w", err)
	}
	turns, err := intAttr(item, "turns")
	if err != nil {
		return domain.Session{}, 0, err
	}
	count, err := intAttr(item, "messageCount")
	if err != nil {
		return domain.Session{}, 0, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return domain.Session{}, 0, err
	}
	var lastActivity time.Time
	if s, err := strAttr(item, "lastActivity"); err == nil {
		lastActivity, _ = time.Parse(time.RFC3339Nano, s)
	}
	ttl, _ := intAttr(item, "ttl") // allow missing
	start, _ := intAttr(item, "historyStart")

	return domain.Session{
		Revision:     rev,
		Turns:        turns,
		MessageCount: count,
		HistoryStart: start,
		Version:      int64(version),
		LastActivity: lastActivity,
	}, int64(ttl), nil
}

func messageItem(sessionID string, seq int, msg domain.Message, ttl int64) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(seq)},
		"sessionId": &types.AttributeValueMemberS{Value: sessionID},
		"role":      &types.AttributeValueMemberS{Value: string(msg.Role)},
		"content":   &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt": &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
	optional := map[string]string{
		"kind":          string(msg.Kind),
		"toolCallId":    msg.ToolCallID,
		"toolName":      msg.ToolName,
		"toolArguments": msg.ToolArguments,
	}
	for k, v := range optional {
		if v != "" {
			item[k] = &types.AttributeValueMemberS{Value: v}
		}
	}
	return item
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	kind, _ := strAttr(item, "kind") // allow empty
	callID, _ := strAttr(item, "toolCallId")
	toolName, _ := strAttr(item, "toolName")
	args, _ := strAttr(item, "toolArguments")

	var createdAt time.Time
	if s, err := strAttr(item, "createdAt"); err == nil {
		createdAt, _ = time.Parse(time.RFC3339Nano, s)
	}

	return domain.Message{
		Role:          domain.Role(role),
		Content:       content,
		Kind:          domain.MessageKind(kind),
		ToolCallID:    callID,
		ToolName:      toolName,
		ToolArguments: args,
		CreatedAt:     createdAt,
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

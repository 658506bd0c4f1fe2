package repository

import (
	"context"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"story-agent/internal/domain"
)

// tableDynamo keeps items in memory and evaluates the condition expressions
// SaveTurn issues, failing the whole transaction like DynamoDB does.
type tableDynamo struct {
	items map[string]map[string]types.AttributeValue
}

func newTableDynamo() *tableDynamo {
	return &tableDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func itemKey(item map[string]types.AttributeValue) string {
	return item["PK"].(*types.AttributeValueMemberS).Value + "|" + item["SK"].(*types.AttributeValueMemberS).Value
}

func (d *tableDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: d.items[itemKey(in.Key)]}, nil
}

func (d *tableDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	from := in.ExpressionAttributeValues[":from"].(*types.AttributeValueMemberS).Value
	to := in.ExpressionAttributeValues[":to"].(*types.AttributeValueMemberS).Value

	var matched []map[string]types.AttributeValue
	for _, item := range d.items {
		sk := item["SK"].(*types.AttributeValueMemberS).Value
		if item["PK"].(*types.AttributeValueMemberS).Value == pk && sk >= from && sk <= to {
			matched = append(matched, item)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return itemKey(matched[i]) > itemKey(matched[j]) })
	if limit := int(aws.ToInt32(in.Limit)); limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return &dynamodb.QueryOutput{Items: matched}, nil
}

func (d *tableDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		reasons[i] = types.CancellationReason{Code: aws.String("None")}
		if !d.conditionHolds(ti.Put) {
			reasons[i].Code = aws.String(conditionCheckFail)
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{Message: aws.String("canceled"), CancellationReasons: reasons}
	}
	for _, ti := range in.TransactItems {
		d.items[itemKey(ti.Put.Item)] = ti.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (d *tableDynamo) conditionHolds(put *types.Put) bool {
	existing, exists := d.items[itemKey(put.Item)]
	switch aws.ToString(put.ConditionExpression) {
	case "attribute_not_exists(PK)", "attribute_not_exists(PK) AND attribute_not_exists(SK)":
		return !exists
	case "version = :version":
		if !exists {
			return false
		}
		want := put.ExpressionAttributeValues[":version"].(*types.AttributeValueMemberN).Value
		return existing["version"].(*types.AttributeValueMemberN).Value == want
	default:
		return true
	}
}

func TestSaveTurn_RestartsExpiredSessionBeforeDeletion(t *testing.T) {
	db := newTableDynamo()
	c, err := New(db, "test-table", time.Hour)
	require.NoError(t, err)
	clock := testNow
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	old := domain.Session{ID: "abc", Revision: domain.RevisionState{PendingConfirmation: true}}
	require.NoError(t, c.SaveTurn(ctx, old, []domain.Message{
		{Role: domain.RoleUser, Content: "old prompt"},
		{Role: domain.RoleAssistant, Content: "old answer"},
	}))

	// Past the TTL, but DynamoDB has not removed the items yet.
	clock = clock.Add(2 * time.Hour)
	_, err = c.LoadSession(ctx, "abc", 20)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	var expired *domain.SessionExpiredError
	require.ErrorAs(t, err, &expired)

	// A blank session under the same ID would collide with the leftovers.
	err = c.SaveTurn(ctx, domain.Session{ID: "abc"}, []domain.Message{{Role: domain.RoleUser, Content: "new prompt"}})
	require.ErrorIs(t, err, domain.ErrConflict)

	restarted := domain.Session{
		ID:           "abc",
		Version:      expired.Version,
		MessageCount: expired.MessageCount,
		HistoryStart: expired.MessageCount,
		Turns:        1,
	}
	require.NoError(t, c.SaveTurn(ctx, restarted, []domain.Message{{Role: domain.RoleUser, Content: "new prompt"}}))

	sess, err := c.LoadSession(ctx, "abc", 20)
	require.NoError(t, err)
	require.Equal(t, domain.StageIdle, sess.Revision.Stage())
	require.Equal(t, expired.Version+1, sess.Version)
	require.Equal(t, 3, sess.MessageCount)
	require.Equal(t, 2, sess.HistoryStart)
	require.Len(t, sess.History, 1, "messages of the expired session are not replayed")
	require.Equal(t, "new prompt", sess.History[0].Content)
	require.Contains(t, db.items, "SESSION#abc|"+msgSK(2))
	require.Equal(t, strconv.Itoa(2), db.items["SESSION#abc|"+skState]["historyStart"].(*types.AttributeValueMemberN).Value)
}

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yairfalse/jarru/types"
)

// fakeDynamo keeps items in memory and records the inputs the store
// builds so tests can check expressions and index parameters.
type fakeDynamo struct {
	items map[string]map[string]ddbtypes.AttributeValue

	queryOut  *dynamodb.QueryOutput
	scanPages []*dynamodb.ScanOutput

	putInputs    []*dynamodb.PutItemInput
	queryInputs  []*dynamodb.QueryInput
	scanInputs   []*dynamodb.ScanInput
	createInputs []*dynamodb.CreateTableInput
	describes    int

	createErr error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]ddbtypes.AttributeValue{}}
}

func itemKey(item map[string]ddbtypes.AttributeValue) string {
	s, ok := item["execution_id"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return ""
	}
	return s.Value
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, params)
	if params.ConditionExpression != nil {
		existing, ok := f.items[itemKey(params.Item)]
		if !ok {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
		}
		current, _ := existing["status"].(*ddbtypes.AttributeValueMemberS)
		expected, _ := params.ExpressionAttributeValues[":expected"].(*ddbtypes.AttributeValueMemberS)
		if current == nil || expected == nil || current.Value != expected.Value {
			return nil, &ddbtypes.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
		}
	}
	f.items[itemKey(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	key, _ := params.Key["execution_id"].(*ddbtypes.AttributeValueMemberS)
	if key == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: f.items[key.Value]}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, params)
	if f.queryOut != nil {
		return f.queryOut, nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scanInputs = append(f.scanInputs, params)
	if len(f.scanPages) == 0 {
		return &dynamodb.ScanOutput{}, nil
	}
	page := f.scanPages[0]
	f.scanPages = f.scanPages[1:]
	return page, nil
}

func (f *fakeDynamo) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.createInputs = append(f.createInputs, params)
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.describes++
	return &dynamodb.DescribeTableOutput{
		Table: &ddbtypes.TableDescription{TableStatus: ddbtypes.TableStatusActive},
	}, nil
}

func attrS(t *testing.T, item map[string]ddbtypes.AttributeValue, name string) string {
	t.Helper()
	v, ok := item[name].(*ddbtypes.AttributeValueMemberS)
	require.True(t, ok, "attribute %s is not a string", name)
	return v.Value
}

func TestDynamoStore_PutMarshalsRecord(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "jarru-audit", nil)
	ctx := context.Background()

	ttl := baseTime.Add(time.Hour)
	e := ledgerExec("exec-1", types.StatusExecuted, baseTime)
	e.TTLExpiresAt = &ttl

	require.NoError(t, s.Put(ctx, e))
	require.Len(t, fake.putInputs, 1)

	in := fake.putInputs[0]
	assert.Equal(t, "jarru-audit", aws.ToString(in.TableName))
	assert.Equal(t, "exec-1", attrS(t, in.Item, "execution_id"))
	assert.Equal(t, "executed", attrS(t, in.Item, "status"))
	assert.Equal(t, "2026-03-02T12:00:00.000000Z", attrS(t, in.Item, "executed_at"))
	assert.Equal(t, "2026-03-02T13:00:00.000000Z", attrS(t, in.Item, "ttl_expires_at"))
	_, hasDiff := in.Item["diff"].(*ddbtypes.AttributeValueMemberM)
	assert.True(t, hasDiff, "diff should marshal as a map")
}

func TestDynamoStore_PutOmitsEmptyTimestamps(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "jarru-audit", nil)

	require.NoError(t, s.Put(context.Background(), ledgerExec("exec-draft", types.StatusPlanned, time.Time{})))
	require.Len(t, fake.putInputs, 1)

	item := fake.putInputs[0].Item
	_, hasExecutedAt := item["executed_at"]
	_, hasTTL := item["ttl_expires_at"]
	assert.False(t, hasExecutedAt)
	assert.False(t, hasTTL)
}

func TestDynamoStore_GetRoundTrip(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "jarru-audit", nil)
	ctx := context.Background()

	ttl := baseTime.Add(time.Hour)
	e := ledgerExec("exec-1", types.StatusExecuted, baseTime)
	e.TTLExpiresAt = &ttl
	require.NoError(t, s.Put(ctx, e))

	got, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, types.StatusExecuted, got.Status)
	assert.True(t, got.ExecutedAt.Equal(baseTime))
	assert.True(t, got.TTLExpiresAt.Equal(ttl))
	assert.Nil(t, got.RolledBackAt)
}

func TestDynamoStore_GetMissing(t *testing.T) {
	s := NewDynamoStore(newFakeDynamo(), "jarru-audit", nil)

	_, err := s.Get(context.Background(), "exec-nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_UpdateIf(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "jarru-audit", nil)
	ctx := context.Background()

	e := ledgerExec("exec-1", types.StatusPlanned, time.Time{})
	require.NoError(t, s.Put(ctx, e))

	executedAt := baseTime
	e.Status = types.StatusExecuted
	e.ExecutedAt = &executedAt
	require.NoError(t, s.UpdateIf(ctx, e, types.StatusPlanned))

	got, err := s.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, got.Status)

	err = s.UpdateIf(ctx, e, types.StatusPlanned)
	assert.ErrorIs(t, err, ErrStatusConflict)

	err = s.UpdateIf(ctx, ledgerExec("exec-ghost", types.StatusExecuted, baseTime), types.StatusPlanned)
	assert.ErrorIs(t, err, ErrStatusConflict, "conditional write against a missing record must conflict")
}

func TestDynamoStore_QueryByPolicy(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "jarru-audit", nil)

	newer := toRecord(ledgerExec("exec-b", types.StatusExecuted, baseTime))
	older := toRecord(ledgerExec("exec-a", types.StatusExecuted, baseTime.Add(-time.Hour)))
	fake.queryOut = &dynamodb.QueryOutput{Items: marshalRecords(t, newer, older)}

	got, err := s.QueryByPolicy(context.Background(), "ci-ec2-spike", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exec-b", got[0].ExecutionID)

	require.Len(t, fake.queryInputs, 1)
	in := fake.queryInputs[0]
	assert.Equal(t, policyIndexName, aws.ToString(in.IndexName))
	assert.False(t, aws.ToBool(in.ScanIndexForward), "history reads newest first")
	assert.Equal(t, int32(5), aws.ToInt32(in.Limit))
	assert.Equal(t, "policy_id = :pid", aws.ToString(in.KeyConditionExpression))
	pid, _ := in.ExpressionAttributeValues[":pid"].(*ddbtypes.AttributeValueMemberS)
	require.NotNil(t, pid)
	assert.Equal(t, "ci-ec2-spike", pid.Value)
}

func TestDynamoStore_QueryExpiredPaginates(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "jarru-audit", nil)

	first := toRecord(ledgerExec("exec-1", types.StatusExecuted, baseTime))
	second := toRecord(ledgerExec("exec-2", types.StatusExecuted, baseTime))
	fake.scanPages = []*dynamodb.ScanOutput{
		{
			Items: marshalRecords(t, first),
			LastEvaluatedKey: map[string]ddbtypes.AttributeValue{
				"execution_id": &ddbtypes.AttributeValueMemberS{Value: "exec-1"},
			},
		},
		{Items: marshalRecords(t, second)},
	}

	now := baseTime.Add(2 * time.Hour)
	got, err := s.QueryExpired(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, got, 2, "all pages collected")

	require.Len(t, fake.scanInputs, 2)
	in := fake.scanInputs[0]
	assert.Equal(t,
		"attribute_exists(ttl_expires_at) AND ttl_expires_at <= :now AND #s = :status",
		aws.ToString(in.FilterExpression))
	nowAttr, _ := in.ExpressionAttributeValues[":now"].(*ddbtypes.AttributeValueMemberS)
	require.NotNil(t, nowAttr)
	assert.Equal(t, FormatTime(now), nowAttr.Value)
	statusAttr, _ := in.ExpressionAttributeValues[":status"].(*ddbtypes.AttributeValueMemberS)
	require.NotNil(t, statusAttr)
	assert.Equal(t, "executed", statusAttr.Value)
	assert.NotNil(t, fake.scanInputs[1].ExclusiveStartKey, "second page resumes from the last key")
}

func TestDynamoStore_ListRecent(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "jarru-audit", nil)

	old := toRecord(ledgerExec("exec-old", types.StatusExecuted, baseTime.Add(-time.Hour)))
	mid := toRecord(ledgerExec("exec-mid", types.StatusExecuted, baseTime.Add(-30*time.Minute)))
	newest := toRecord(ledgerExec("exec-new", types.StatusExecuted, baseTime))
	fake.scanPages = []*dynamodb.ScanOutput{{Items: marshalRecords(t, old, newest, mid)}}

	got, err := s.ListRecent(context.Background(), 2, "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exec-new", got[0].ExecutionID)
	assert.Equal(t, "exec-mid", got[1].ExecutionID)

	require.Len(t, fake.scanInputs, 1)
	assert.Nil(t, fake.scanInputs[0].FilterExpression, "no status filter when listing all")

	fake.scanPages = []*dynamodb.ScanOutput{{Items: marshalRecords(t, newest)}}
	_, err = s.ListRecent(context.Background(), 2, types.StatusRolledBack)
	require.NoError(t, err)
	in := fake.scanInputs[1]
	assert.Equal(t, "#s = :status", aws.ToString(in.FilterExpression))
	statusAttr, _ := in.ExpressionAttributeValues[":status"].(*ddbtypes.AttributeValueMemberS)
	require.NotNil(t, statusAttr)
	assert.Equal(t, "rolled_back", statusAttr.Value)
}

func TestDynamoStore_EnsureTable(t *testing.T) {
	fake := newFakeDynamo()
	s := NewDynamoStore(fake, "jarru-audit", nil)

	require.NoError(t, s.EnsureTable(context.Background()))
	require.Len(t, fake.createInputs, 1)

	in := fake.createInputs[0]
	assert.Equal(t, "jarru-audit", aws.ToString(in.TableName))
	assert.Equal(t, ddbtypes.BillingModePayPerRequest, in.BillingMode)
	require.Len(t, in.GlobalSecondaryIndexes, 1)
	assert.Equal(t, policyIndexName, aws.ToString(in.GlobalSecondaryIndexes[0].IndexName))
	assert.GreaterOrEqual(t, fake.describes, 1, "waits for the table to become active")

	fake.createErr = &ddbtypes.ResourceInUseException{Message: aws.String("already exists")}
	assert.NoError(t, s.EnsureTable(context.Background()), "existing table is not an error")
}

func marshalRecords(t *testing.T, records ...record) []map[string]ddbtypes.AttributeValue {
	t.Helper()
	items := make([]map[string]ddbtypes.AttributeValue, 0, len(records))
	for _, r := range records {
		item, err := attributevalue.MarshalMap(r)
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

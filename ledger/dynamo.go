package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

const policyIndexName = "policy_id-executed_at-index"

// DynamoAPI is the slice of DynamoDB the ledger needs.
// *dynamodb.Client satisfies it; tests swap in a fake.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

var (
	_ DynamoAPI = (*dynamodb.Client)(nil)
	_ Store     = (*DynamoStore)(nil)
)

// DynamoStore keeps the audit trail in a DynamoDB table keyed by
// execution_id, with a policy_id/executed_at index for per-policy
// history
type DynamoStore struct {
	client DynamoAPI
	table  string
	logger *telemetry.Logger
}

func NewDynamoStore(client DynamoAPI, table string, logger *telemetry.Logger) *DynamoStore {
	if logger == nil {
		logger = telemetry.NewLogger("audit-ledger")
	}
	return &DynamoStore{client: client, table: table, logger: logger}
}

// record is the DynamoDB shape of an execution. Timestamps are stored
// as fixed-width UTC strings so the executed_at range key sorts.
type record struct {
	ExecutionID  string         `dynamodbav:"execution_id"`
	PolicyID     string         `dynamodbav:"policy_id"`
	EventID      string         `dynamodbav:"event_id"`
	Status       string         `dynamodbav:"status"`
	ExecutedAt   string         `dynamodbav:"executed_at,omitempty"`
	ExecutedBy   string         `dynamodbav:"executed_by"`
	Action       string         `dynamodbav:"action"`
	Target       string         `dynamodbav:"target"`
	Diff         map[string]any `dynamodbav:"diff"`
	TTLExpiresAt string         `dynamodbav:"ttl_expires_at,omitempty"`
	RolledBackAt string         `dynamodbav:"rolled_back_at,omitempty"`
}

func toRecord(e types.ActionExecution) record {
	r := record{
		ExecutionID: e.ExecutionID,
		PolicyID:    e.PolicyID,
		EventID:     e.EventID,
		Status:      string(e.Status),
		ExecutedBy:  e.ExecutedBy,
		Action:      e.Action,
		Target:      e.Target,
		Diff:        e.Diff,
	}
	if e.ExecutedAt != nil {
		r.ExecutedAt = FormatTime(*e.ExecutedAt)
	}
	if e.TTLExpiresAt != nil {
		r.TTLExpiresAt = FormatTime(*e.TTLExpiresAt)
	}
	if e.RolledBackAt != nil {
		r.RolledBackAt = FormatTime(*e.RolledBackAt)
	}
	return r
}

func fromRecord(r record) (types.ActionExecution, error) {
	e := types.ActionExecution{
		ExecutionID: r.ExecutionID,
		PolicyID:    r.PolicyID,
		EventID:     r.EventID,
		Status:      types.ExecutionStatus(r.Status),
		ExecutedBy:  r.ExecutedBy,
		Action:      r.Action,
		Target:      r.Target,
		Diff:        r.Diff,
	}
	for _, f := range []struct {
		value string
		dst   **time.Time
	}{
		{r.ExecutedAt, &e.ExecutedAt},
		{r.TTLExpiresAt, &e.TTLExpiresAt},
		{r.RolledBackAt, &e.RolledBackAt},
	} {
		if f.value == "" {
			continue
		}
		t, err := ParseTime(f.value)
		if err != nil {
			return types.ActionExecution{}, fmt.Errorf("execution %s: %w", r.ExecutionID, err)
		}
		*f.dst = &t
	}
	return e, nil
}

func (s *DynamoStore) Put(ctx context.Context, execution types.ActionExecution) error {
	item, err := attributevalue.MarshalMap(toRecord(execution))
	if err != nil {
		return fmt.Errorf("marshaling execution %s: %w", execution.ExecutionID, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", execution.ExecutionID, err)
	}
	s.logger.Debug().Str("execution_id", execution.ExecutionID).Msg("saved execution")
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, executionID string) (*types.ActionExecution, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"execution_id": &ddbtypes.AttributeValueMemberS{Value: executionID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", executionID, err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var r record
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling execution %s: %w", executionID, err)
	}
	e, err := fromRecord(r)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *DynamoStore) UpdateIf(ctx context.Context, execution types.ActionExecution, expected types.ExecutionStatus) error {
	item, err := attributevalue.MarshalMap(toRecord(execution))
	if err != nil {
		return fmt.Errorf("marshaling execution %s: %w", execution.ExecutionID, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("#s = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":expected": &ddbtypes.AttributeValueMemberS{Value: string(expected)},
		},
	})
	if err != nil {
		var conditionFailed *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return ErrStatusConflict
		}
		return fmt.Errorf("updating execution %s: %w", execution.ExecutionID, err)
	}
	return nil
}

func (s *DynamoStore) QueryByPolicy(ctx context.Context, policyID string, limit int) ([]types.ActionExecution, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(policyIndexName),
		KeyConditionExpression: aws.String("policy_id = :pid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pid": &ddbtypes.AttributeValueMemberS{Value: policyID},
		},
		Limit:            aws.Int32(int32(limit)),
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("querying executions for policy %s: %w", policyID, err)
	}
	return unmarshalItems(out.Items)
}

func (s *DynamoStore) QueryExpired(ctx context.Context, now time.Time) ([]types.ActionExecution, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		FilterExpression: aws.String(
			"attribute_exists(ttl_expires_at) AND ttl_expires_at <= :now AND #s = :status"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":now":    &ddbtypes.AttributeValueMemberS{Value: FormatTime(now)},
			":status": &ddbtypes.AttributeValueMemberS{Value: string(types.StatusExecuted)},
		},
	})

	var executions []types.ActionExecution
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scanning for expired executions: %w", err)
		}
		batch, err := unmarshalItems(page.Items)
		if err != nil {
			return nil, err
		}
		executions = append(executions, batch...)
	}
	return executions, nil
}

func (s *DynamoStore) ListRecent(ctx context.Context, limit int, status types.ExecutionStatus) ([]types.ActionExecution, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Limit:     aws.Int32(int32(limit)),
	}
	if status != "" {
		input.FilterExpression = aws.String("#s = :status")
		input.ExpressionAttributeNames = map[string]string{"#s": "status"}
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":status": &ddbtypes.AttributeValueMemberS{Value: string(status)},
		}
	}

	out, err := s.client.Scan(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("listing recent executions: %w", err)
	}
	executions, err := unmarshalItems(out.Items)
	if err != nil {
		return nil, err
	}

	sort.Slice(executions, func(i, j int) bool {
		return executedAtKey(executions[i]) > executedAtKey(executions[j])
	})
	if len(executions) > limit {
		executions = executions[:limit]
	}
	return executions, nil
}

func (s *DynamoStore) Close() error { return nil }

// EnsureTable creates the audit table and its policy index when they
// do not exist yet, then waits for the table to become active
func (s *DynamoStore) EnsureTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("execution_id"), KeyType: ddbtypes.KeyTypeHash},
		},
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("execution_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("policy_id"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("executed_at"), AttributeType: ddbtypes.ScalarAttributeTypeS},
		},
		GlobalSecondaryIndexes: []ddbtypes.GlobalSecondaryIndex{{
			IndexName: aws.String(policyIndexName),
			KeySchema: []ddbtypes.KeySchemaElement{
				{AttributeName: aws.String("policy_id"), KeyType: ddbtypes.KeyTypeHash},
				{AttributeName: aws.String("executed_at"), KeyType: ddbtypes.KeyTypeRange},
			},
			Projection: &ddbtypes.Projection{ProjectionType: ddbtypes.ProjectionTypeAll},
		}},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *ddbtypes.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("creating audit table %s: %w", s.table, err)
		}
		return nil
	}

	s.logger.Info().Str("table", s.table).Msg("created audit table")
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, 2*time.Minute); err != nil {
		return fmt.Errorf("waiting for audit table %s: %w", s.table, err)
	}
	return nil
}

func unmarshalItems(items []map[string]ddbtypes.AttributeValue) ([]types.ActionExecution, error) {
	var records []record
	if err := attributevalue.UnmarshalListOfMaps(items, &records); err != nil {
		return nil, fmt.Errorf("unmarshaling executions: %w", err)
	}
	executions := make([]types.ActionExecution, 0, len(records))
	for _, r := range records {
		e, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, nil
}

func executedAtKey(e types.ActionExecution) string {
	if e.ExecutedAt == nil {
		return ""
	}
	return FormatTime(*e.ExecutedAt)
}

package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/jarru/types"
)

var parseNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newTestParser() *BudgetParser {
	p := NewBudgetParser(nil)
	p.now = func() time.Time { return parseNow }
	return p
}

func TestParseNotification(t *testing.T) {
	p := newTestParser()

	event, err := p.Parse([]byte(`{
		"budgetName": "monthly-budget",
		"notificationType": "ACTUAL",
		"thresholdType": "PERCENTAGE",
		"comparisonOperator": "GREATER_THAN",
		"threshold": 80,
		"calculatedSpend": {"actualSpend": {"amount": 250.0, "unit": "USD"}},
		"notificationArn": "arn:aws:budgets::123456789012:budget/monthly-budget",
		"time": "2026-03-01T10:30:00Z"
	}`))
	require.NoError(t, err)

	assert.Equal(t, types.SourceBudget, event.Source)
	assert.Equal(t, "123456789012", event.AccountID)
	assert.Equal(t, 250.0, event.Amount)
	assert.Equal(t, "2026-03-01T10:30:00Z", event.TimeWindow)
	assert.Equal(t, fmt.Sprintf("budget-monthly-budget-%d", parseNow.Unix()), event.EventID)
	assert.Equal(t, "monthly-budget", event.Details["budget_name"])
	assert.Equal(t, "80", event.Details["threshold"])
	assert.Equal(t, "PERCENTAGE", event.Details["threshold_type"])
	assert.Equal(t, "USD", event.Details["currency"])
}

func TestParseNotificationStringAmount(t *testing.T) {
	// Budgets delivers spend amounts as quoted strings in real
	// notifications
	event, err := newTestParser().Parse([]byte(`{
		"budgetName": "monthly-budget",
		"calculatedSpend": {"actualSpend": {"amount": "250.75", "unit": "USD"}},
		"notificationArn": "arn:aws:budgets::123456789012:budget/monthly-budget"
	}`))
	require.NoError(t, err)
	assert.Equal(t, 250.75, event.Amount)
}

func TestParseNotificationMissingBudgetName(t *testing.T) {
	_, err := newTestParser().Parse([]byte(`{
		"calculatedSpend": {"actualSpend": {"amount": 100.0, "unit": "USD"}},
		"notificationArn": "arn:aws:budgets::123456789012:budget/test"
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported event format")

	// same body routed explicitly as a notification
	_, err = newTestParser().parseNotification([]byte(`{
		"calculatedSpend": {"actualSpend": {"amount": 100.0, "unit": "USD"}}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing budgetName")
}

func TestParseNotificationZeroAmount(t *testing.T) {
	_, err := newTestParser().Parse([]byte(`{
		"budgetName": "test-budget",
		"calculatedSpend": {"actualSpend": {"amount": 0, "unit": "USD"}},
		"notificationArn": "arn:aws:budgets::123456789012:budget/test"
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid amount")
}

func TestParseNotificationCurrencyAndDefaults(t *testing.T) {
	event, err := newTestParser().Parse([]byte(`{
		"budgetName": "eur-budget",
		"calculatedSpend": {"actualSpend": {"amount": 500.0, "unit": "EUR"}},
		"notificationArn": "arn:aws:budgets::123456789012:budget/eur-budget"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "EUR", event.Details["currency"])
	assert.Equal(t, "unknown", event.TimeWindow)
	assert.Equal(t, "ACTUAL", event.Details["notification_type"])
	assert.Equal(t, "PERCENTAGE", event.Details["threshold_type"])
	assert.Equal(t, "GREATER_THAN", event.Details["comparison_operator"])
	assert.Equal(t, "0", event.Details["threshold"])
	assert.NotContains(t, event.Details, "region")
}

func TestParseEventBridge(t *testing.T) {
	event, err := newTestParser().Parse([]byte(`{
		"version": "0",
		"id": "evt-12345",
		"detail-type": "AWS Budget Notification",
		"source": "aws.budgets",
		"account": "123456789012",
		"time": "2026-03-01T10:30:00Z",
		"region": "eu-west-1",
		"detail": {
			"budgetName": "monthly-budget",
			"notificationType": "FORECASTED",
			"thresholdType": "ABSOLUTE_VALUE",
			"threshold": 1000,
			"calculatedSpend": {"actualSpend": {"amount": 800.0, "unit": "USD"}}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "evt-12345", event.EventID)
	assert.Equal(t, types.SourceBudget, event.Source)
	assert.Equal(t, "123456789012", event.AccountID)
	assert.Equal(t, 800.0, event.Amount)
	assert.Equal(t, "2026-03-01T10:30:00Z", event.TimeWindow)
	assert.Equal(t, "monthly-budget", event.Details["budget_name"])
	assert.Equal(t, "FORECASTED", event.Details["notification_type"])
	assert.Equal(t, "ABSOLUTE_VALUE", event.Details["threshold_type"])
	assert.Equal(t, "1000", event.Details["threshold"])
	assert.Equal(t, "eu-west-1", event.Details["region"])
}

func TestParseEventBridgeMissingBudgetName(t *testing.T) {
	_, err := newTestParser().Parse([]byte(`{
		"detail-type": "AWS Budget Notification",
		"account": "123456789012",
		"detail": {"calculatedSpend": {"actualSpend": {"amount": 100.0}}}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing budgetName")
}

func TestParseEventBridgeInvalidAccount(t *testing.T) {
	_, err := newTestParser().Parse([]byte(`{
		"detail-type": "AWS Budget Notification",
		"account": "invalid",
		"detail": {
			"budgetName": "test",
			"calculatedSpend": {"actualSpend": {"amount": 100.0}}
		}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid account ID")
}

func TestParseEventBridgeDefaults(t *testing.T) {
	event, err := newTestParser().Parse([]byte(`{
		"detail-type": "AWS Budget Notification",
		"account": "123456789012",
		"detail": {
			"budgetName": "test",
			"calculatedSpend": {"actualSpend": {"amount": 400.0}}
		}
	}`))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(event.EventID, "budget-"))
	assert.Equal(t, parseNow.Format(time.RFC3339), event.TimeWindow)
	assert.Equal(t, "us-east-1", event.Details["region"])
	assert.Equal(t, "USD", event.Details["currency"])
}

func TestExtractAccountID(t *testing.T) {
	p := newTestParser()

	t.Run("from notification arn", func(t *testing.T) {
		id, err := p.extractAccountID(budgetNotification{
			NotificationARN: "arn:aws:budgets::987654321098:budget/test-budget",
		})
		require.NoError(t, err)
		assert.Equal(t, "987654321098", id)
	})

	t.Run("from accountId field", func(t *testing.T) {
		id, err := p.extractAccountID(budgetNotification{AccountID: "111111111111"})
		require.NoError(t, err)
		assert.Equal(t, "111111111111", id)
	})

	t.Run("from environment", func(t *testing.T) {
		t.Setenv("AWS_ACCOUNT_ID", "222222222222")
		id, err := p.extractAccountID(budgetNotification{})
		require.NoError(t, err)
		assert.Equal(t, "222222222222", id)
	})

	t.Run("fails without any source", func(t *testing.T) {
		t.Setenv("AWS_ACCOUNT_ID", "")
		_, err := p.extractAccountID(budgetNotification{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "could not determine account ID")
	})

	t.Run("malformed arn falls through", func(t *testing.T) {
		id, err := p.extractAccountID(budgetNotification{
			NotificationARN: "not-an-arn",
			AccountID:       "333333333333",
		})
		require.NoError(t, err)
		assert.Equal(t, "333333333333", id)
	})
}

func TestParseSNSEnvelope(t *testing.T) {
	message := `{
		"budgetName": "test-budget",
		"calculatedSpend": {"actualSpend": {"amount": 300.0, "unit": "USD"}},
		"notificationArn": "arn:aws:budgets::123456789012:budget/test"
	}`
	envelope, err := json.Marshal(map[string]any{
		"Records": []map[string]any{{
			"EventSource": "aws:sns",
			"Sns":         map[string]any{"Message": message},
		}},
	})
	require.NoError(t, err)

	event, err := newTestParser().Parse(envelope)
	require.NoError(t, err)

	assert.Equal(t, types.SourceBudget, event.Source)
	assert.Equal(t, "123456789012", event.AccountID)
	assert.Equal(t, 300.0, event.Amount)
	assert.Equal(t, "test-budget", event.Details["budget_name"])
}

func TestParseUnsupportedFormat(t *testing.T) {
	_, err := newTestParser().Parse([]byte(`{"unknown": "format"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported event format")
}

func TestParseGarbage(t *testing.T) {
	_, err := newTestParser().Parse([]byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable event")
}

// Package ingest turns raw AWS Budgets notifications into cost events.
// Budgets reach us three ways: wrapped in an SNS envelope, as an
// EventBridge event, or as the bare notification body. All three
// normalize to the same types.CostEvent.
package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

// flexFloat reads a JSON number whether it arrives quoted or not.
// Budgets sends spend amounts as strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("unparseable amount %q", s)
	}
	*f = flexFloat(v)
	return nil
}

type spend struct {
	Amount flexFloat `json:"amount"`
	Unit   string    `json:"unit"`
}

type calculatedSpend struct {
	ActualSpend spend `json:"actualSpend"`
}

// budgetNotification is the Budgets notification body, shared by the
// SNS message and the EventBridge detail
type budgetNotification struct {
	BudgetName         string          `json:"budgetName"`
	NotificationType   string          `json:"notificationType"`
	ThresholdType      string          `json:"thresholdType"`
	Threshold          flexFloat       `json:"threshold"`
	ComparisonOperator string          `json:"comparisonOperator"`
	NotificationARN    string          `json:"notificationArn"`
	AccountID          string          `json:"accountId"`
	Time               string          `json:"time"`
	CalculatedSpend    calculatedSpend `json:"calculatedSpend"`
}

type snsRecord struct {
	EventSource string `json:"EventSource"`
	SNS         struct {
		Message string `json:"Message"`
	} `json:"Sns"`
}

type eventBridgeEnvelope struct {
	DetailType string             `json:"detail-type"`
	ID         string             `json:"id"`
	Account    string             `json:"account"`
	Time       string             `json:"time"`
	Region     string             `json:"region"`
	Detail     budgetNotification `json:"detail"`
}

// envelopeProbe sniffs which of the three formats arrived
type envelopeProbe struct {
	Records    []snsRecord `json:"Records"`
	DetailType string      `json:"detail-type"`
	BudgetName string      `json:"budgetName"`
}

// BudgetParser normalizes budget notifications into cost events
type BudgetParser struct {
	logger *telemetry.Logger
	now    func() time.Time
}

func NewBudgetParser(logger *telemetry.Logger) *BudgetParser {
	if logger == nil {
		logger = telemetry.NewLogger("ingest")
	}
	return &BudgetParser{logger: logger, now: time.Now}
}

// Parse routes raw to the right format parser: SNS envelope first,
// then EventBridge, then the bare notification body
func (p *BudgetParser) Parse(raw []byte) (types.CostEvent, error) {
	var probe envelopeProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return types.CostEvent{}, fmt.Errorf("unparseable event: %w", err)
	}

	if len(probe.Records) > 0 && probe.Records[0].EventSource == "aws:sns" {
		return p.parseNotification([]byte(probe.Records[0].SNS.Message))
	}
	if probe.DetailType == "AWS Budget Notification" {
		return p.parseEventBridge(raw)
	}
	if probe.BudgetName != "" {
		return p.parseNotification(raw)
	}
	return types.CostEvent{}, fmt.Errorf("unsupported event format")
}

func (p *BudgetParser) parseNotification(raw []byte) (types.CostEvent, error) {
	var n budgetNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return types.CostEvent{}, fmt.Errorf("unparseable budget notification: %w", err)
	}
	if n.BudgetName == "" {
		return types.CostEvent{}, fmt.Errorf("missing budgetName in notification")
	}

	amount := float64(n.CalculatedSpend.ActualSpend.Amount)
	if amount <= 0 {
		return types.CostEvent{}, fmt.Errorf("invalid amount: %v", amount)
	}

	accountID, err := p.extractAccountID(n)
	if err != nil {
		return types.CostEvent{}, err
	}

	eventID := fmt.Sprintf("budget-%s-%d", n.BudgetName, p.now().Unix())
	timeWindow := n.Time
	if timeWindow == "" {
		timeWindow = "unknown"
	}

	return types.NewCostEvent(eventID, types.SourceBudget, accountID, amount, timeWindow, budgetDetails(n, ""))
}

func (p *BudgetParser) parseEventBridge(raw []byte) (types.CostEvent, error) {
	var env eventBridgeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.CostEvent{}, fmt.Errorf("unparseable eventbridge event: %w", err)
	}
	if env.Detail.BudgetName == "" {
		return types.CostEvent{}, fmt.Errorf("missing budgetName in eventbridge detail")
	}

	amount := float64(env.Detail.CalculatedSpend.ActualSpend.Amount)
	if amount <= 0 {
		return types.CostEvent{}, fmt.Errorf("invalid amount: %v", amount)
	}
	if err := types.ValidateAccountID(env.Account); err != nil {
		return types.CostEvent{}, fmt.Errorf("invalid account ID %q", env.Account)
	}

	eventID := env.ID
	if eventID == "" {
		eventID = "budget-" + uuid.NewString()
	}
	timeWindow := env.Time
	if timeWindow == "" {
		timeWindow = p.now().UTC().Format(time.RFC3339)
	}
	region := env.Region
	if region == "" {
		region = "us-east-1"
	}

	return types.NewCostEvent(eventID, types.SourceBudget, env.Account, amount, timeWindow, budgetDetails(env.Detail, region))
}

// extractAccountID recovers the account from the notification ARN
// (arn:aws:budgets::123456789012:budget/*), the accountId field, or
// the AWS_ACCOUNT_ID environment variable, in that order
func (p *BudgetParser) extractAccountID(n budgetNotification) (string, error) {
	if parts := strings.Split(n.NotificationARN, ":"); len(parts) >= 5 {
		if types.ValidateAccountID(parts[4]) == nil {
			return parts[4], nil
		}
	}
	if types.ValidateAccountID(n.AccountID) == nil {
		return n.AccountID, nil
	}
	if fromEnv := os.Getenv("AWS_ACCOUNT_ID"); types.ValidateAccountID(fromEnv) == nil {
		p.logger.Warn().Msg("using AWS_ACCOUNT_ID from environment")
		return fromEnv, nil
	}
	return "", fmt.Errorf("could not determine account ID from notification")
}

func budgetDetails(n budgetNotification, region string) map[string]string {
	details := map[string]string{
		"budget_name":         n.BudgetName,
		"notification_type":   orDefault(n.NotificationType, "ACTUAL"),
		"threshold_type":      orDefault(n.ThresholdType, "PERCENTAGE"),
		"threshold":           strconv.FormatFloat(float64(n.Threshold), 'f', -1, 64),
		"comparison_operator": orDefault(n.ComparisonOperator, "GREATER_THAN"),
		"currency":            orDefault(n.CalculatedSpend.ActualSpend.Unit, "USD"),
	}
	if region != "" {
		details["region"] = region
	}
	return details
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

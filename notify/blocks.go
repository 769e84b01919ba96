package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/yairfalse/jarru/types"
)

const timeDisplay = "2006-01-02 15:04:05 UTC"

func displayTime(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.UTC().Format(timeDisplay)
}

func eventFields(event types.CostEvent) Block {
	return fieldSection(
		mrkdwn(fmt.Sprintf("*Account:* `%s`", event.AccountID)),
		mrkdwn(fmt.Sprintf("*Amount:* $%.2f", event.Amount)),
		mrkdwn(fmt.Sprintf("*Source:* %s", event.Source)),
		mrkdwn(fmt.Sprintf("*Period:* %s", event.TimeWindow)),
	)
}

func targetList(principals []string) string {
	lines := make([]string, 0, len(principals))
	for _, p := range principals {
		lines = append(lines, fmt.Sprintf("• `%s`", p))
	}
	return strings.Join(lines, "\n")
}

// describeActions renders a plan's action list for humans. Deny lists
// are cut at three entries.
func describeActions(actions []types.PolicyAction) string {
	lines := make([]string, 0, len(actions))
	for _, action := range actions {
		switch action.Type {
		case types.ActionNotifyOnly:
			lines = append(lines, "• Notify only (no action)")
		case types.ActionAttachDenyPolicy:
			shown := action.Deny
			if len(shown) > 3 {
				shown = shown[:3]
			}
			quoted := make([]string, 0, len(shown))
			for _, d := range shown {
				quoted = append(quoted, fmt.Sprintf("`%s`", d))
			}
			line := "• Attach deny policy: " + strings.Join(quoted, ", ")
			if extra := len(action.Deny) - 3; extra > 0 {
				line += fmt.Sprintf(" (+%d more)", extra)
			}
			lines = append(lines, line)
		default:
			lines = append(lines, "• "+action.Type)
		}
	}
	return strings.Join(lines, "\n")
}

// DryRunNotice announces a match that took no action
func DryRunNotice(event types.CostEvent, plan types.ActionPlan, consoleURL string) Message {
	blocks := []Block{
		header("🚨 Cost Alert (Dry-Run)"),
		eventFields(event),
	}
	if plan.MatchedPolicyID != "" {
		blocks = append(blocks, fieldSection(
			mrkdwn(fmt.Sprintf("*Matched Policy:* `%s`", plan.MatchedPolicyID)),
			mrkdwn(fmt.Sprintf("*Mode:* %s", plan.Mode)),
		))
	}
	if len(plan.Actions) > 0 {
		blocks = append(blocks, section("*Recommended Action:*\n"+describeActions(plan.Actions)))
	}
	if len(plan.TargetPrincipals) > 0 {
		blocks = append(blocks, section("*Targets:*\n"+targetList(plan.TargetPrincipals)))
	}
	if consoleURL != "" {
		blocks = append(blocks, Block{Type: "actions", Elements: []any{
			Button{Type: "button", Text: *plainText("View in AWS Console"), URL: consoleURL},
		}})
	}
	blocks = append(blocks, contextLine(fmt.Sprintf(
		"🔍 *Dry-run mode* - No action will be taken automatically | Event ID: `%s`", event.EventID)))
	return Message{Blocks: blocks}
}

// ApprovalRequest asks a human to approve a planned guardrail
func ApprovalRequest(event types.CostEvent, plan types.ActionPlan, executionID, approveURL string) Message {
	blocks := []Block{
		header("⚠️ Cost Alert - Approval Required"),
		eventFields(event),
	}
	if plan.MatchedPolicyID != "" {
		blocks = append(blocks, fieldSection(
			mrkdwn(fmt.Sprintf("*Policy:* `%s`", plan.MatchedPolicyID)),
		))
	}
	if len(plan.Actions) > 0 {
		blocks = append(blocks, section("*Proposed Action:*\n"+describeActions(plan.Actions)))
	}
	if len(plan.TargetPrincipals) > 0 {
		blocks = append(blocks, section("*Targets:*\n"+targetList(plan.TargetPrincipals)))
	}
	if plan.TTLMinutes > 0 {
		blocks = append(blocks, section(fmt.Sprintf(
			"⏱️ *Auto-rollback:* %d minutes after execution", plan.TTLMinutes)))
	}
	if approveURL != "" {
		blocks = append(blocks, Block{Type: "actions", Elements: []any{
			Button{Type: "button", Text: *plainText("✅ Approve"), URL: approveURL, Style: "primary"},
		}})
	}
	blocks = append(blocks, contextLine(fmt.Sprintf(
		"Execution ID: `%s` | Event ID: `%s`", executionID, event.EventID)))
	return Message{Blocks: blocks}
}

// ExecutionConfirmation announces an applied guardrail
func ExecutionConfirmation(execution types.ActionExecution) Message {
	blocks := []Block{
		header("✅ Guardrail Applied"),
		fieldSection(
			mrkdwn(fmt.Sprintf("*Action:* %s", execution.Action)),
			mrkdwn(fmt.Sprintf("*Target:* `%s`", execution.Target)),
			mrkdwn(fmt.Sprintf("*Executed By:* %s", execution.ExecutedBy)),
			mrkdwn(fmt.Sprintf("*Time:* %s", displayTime(execution.ExecutedAt))),
		),
	}
	if execution.TTLExpiresAt != nil {
		blocks = append(blocks, section(fmt.Sprintf(
			"⏱️ *Auto-rollback at:* %s", displayTime(execution.TTLExpiresAt))))
	}
	blocks = append(blocks, contextLine(fmt.Sprintf(
		"Execution ID: `%s` | Policy: `%s`", execution.ExecutionID, execution.PolicyID)))
	return Message{Blocks: blocks}
}

// RollbackConfirmation announces a reverted guardrail
func RollbackConfirmation(execution types.ActionExecution) Message {
	return Message{Blocks: []Block{
		header("🔄 Guardrail Rolled Back"),
		fieldSection(
			mrkdwn(fmt.Sprintf("*Action:* %s", execution.Action)),
			mrkdwn(fmt.Sprintf("*Target:* `%s`", execution.Target)),
			mrkdwn(fmt.Sprintf("*Originally Executed:* %s", displayTime(execution.ExecutedAt))),
			mrkdwn(fmt.Sprintf("*Rolled Back:* %s", displayTime(execution.RolledBackAt))),
		),
		contextLine(fmt.Sprintf(
			"Execution ID: `%s` | Policy: `%s`", execution.ExecutionID, execution.PolicyID)),
	}}
}

// Failure is one failed rollback for the sweep summary
type Failure struct {
	ExecutionID string
	Reason      string
}

// SweepFailureSummary batches a sweep's rollback failures into one
// message, showing at most five
func SweepFailureSummary(failedCount int, failures []Failure) Message {
	shown := failures
	if len(shown) > 5 {
		shown = shown[:5]
	}
	lines := make([]string, 0, len(shown))
	for _, f := range shown {
		id := f.ExecutionID
		if id == "" {
			id = "unknown"
		}
		lines = append(lines, fmt.Sprintf("• %s: %s", id, f.Reason))
	}
	summary := strings.Join(lines, "\n")
	if extra := len(failures) - 5; extra > 0 {
		summary += fmt.Sprintf("\n... and %d more", extra)
	}

	return Message{Blocks: []Block{
		header("⚠️ TTL Cleanup Failures"),
		section(fmt.Sprintf("Failed to rollback %d executions:\n\n%s", failedCount, summary)),
		contextLine("Check the audit ledger for details."),
	}}
}

// ErrorAlert reports a failure while handling a cost event.
// executionID is optional.
func ErrorAlert(event types.CostEvent, errMessage, executionID string) Message {
	blocks := []Block{
		header("❌ Guardrail Error"),
		fieldSection(
			mrkdwn(fmt.Sprintf("*Account:* `%s`", event.AccountID)),
			mrkdwn(fmt.Sprintf("*Event ID:* `%s`", event.EventID)),
		),
		section(fmt.Sprintf("*Error:*\n```%s```", errMessage)),
	}
	if executionID != "" {
		blocks = append(blocks, contextLine(fmt.Sprintf("Execution ID: `%s`", executionID)))
	}
	return Message{Blocks: blocks}
}

// CleanupRunFailure reports a sweep that could not even query its
// candidates
func CleanupRunFailure(err error) Message {
	return Message{Blocks: []Block{
		header("❌ Guardrail Error"),
		section(fmt.Sprintf("*Error:*\n```%s```", err)),
		contextLine("TTL cleanup run failed"),
	}}
}

// CostConsoleURL links to Cost Explorer in the given region
func CostConsoleURL(region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://console.aws.amazon.com/cost-management/home?region=%s#/cost-explorer", region)
}

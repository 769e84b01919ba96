// Package executor applies guardrail action plans to AWS IAM by
// attaching deny policies to principals, and reverses them again.
// Every operation is recorded as an ActionExecution so it can be
// audited and rolled back; persistence belongs to the caller.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

// Executor attaches and detaches guardrail deny policies
type Executor struct {
	iam       IAMAPI
	accountID string
	logger    *telemetry.Logger
	now       func() time.Time
}

// NewExecutor creates an executor for the given account. accountID is
// used to construct candidate policy ARNs for idempotent creation.
func NewExecutor(iamClient IAMAPI, accountID string, logger *telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NewLogger("iam-executor")
	}
	return &Executor{
		iam:       iamClient,
		accountID: accountID,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute runs every action in the plan against every target
// principal, one execution per pair, in plan order. A failing target
// yields a failed execution and does not stop the others. When
// simulate is set no IAM call is made; executions carry a dry-run
// diff instead.
//
// The plan must be matched and carry actions, anything else is a
// caller bug and returns an error.
func (e *Executor) Execute(ctx context.Context, plan types.ActionPlan, eventID, executedBy string, simulate bool) ([]types.ActionExecution, error) {
	if !plan.Matched {
		return nil, fmt.Errorf("cannot execute unmatched plan")
	}
	if plan.MatchedPolicyID == "" || len(plan.Actions) == 0 {
		return nil, fmt.Errorf("plan must carry a policy ID and actions")
	}

	executions := make([]types.ActionExecution, 0, len(plan.Actions)*len(plan.TargetPrincipals))
	for _, action := range plan.Actions {
		for _, target := range plan.TargetPrincipals {
			execution, err := e.executeSingle(ctx, action, target, plan, eventID, executedBy, simulate)
			if err != nil {
				return executions, err
			}
			executions = append(executions, *execution)
		}
	}
	return executions, nil
}

func (e *Executor) executeSingle(ctx context.Context, action types.PolicyAction, target string, plan types.ActionPlan, eventID, executedBy string, simulate bool) (*types.ActionExecution, error) {
	execution := types.NewActionExecution(plan.MatchedPolicyID, eventID, types.StatusPlanned, executedBy, action.Type, target)

	switch action.Type {
	case types.ActionNotifyOnly:
		now := e.now()
		execution.Status = types.StatusExecuted
		execution.ExecutedAt = &now
		execution.Diff = map[string]any{"action": types.ActionNotifyOnly, "no_changes": true}
		e.logger.Info().
			Str("execution_id", execution.ExecutionID).
			Str("target", target).
			Msg("notify_only, no IAM changes")
		return execution, nil

	case types.ActionAttachDenyPolicy:
		if len(action.Deny) == 0 {
			return nil, fmt.Errorf("attach_deny_policy requires a deny list")
		}

		if simulate {
			now := e.now()
			execution.Status = types.StatusExecuted
			execution.ExecutedAt = &now
			execution.Diff = map[string]any{
				"dry_run":    true,
				"would_deny": action.Deny,
				"target":     target,
			}
			e.logger.Info().
				Str("execution_id", execution.ExecutionID).
				Str("target", target).
				Int("deny_count", len(action.Deny)).
				Msg("dry-run, would attach deny policy")
			return execution, nil
		}

		diff, err := e.attachDenyPolicy(ctx, target, action.Deny, plan.MatchedPolicyID)
		if err != nil {
			e.logger.Error().
				Err(err).
				Str("execution_id", execution.ExecutionID).
				Str("target", target).
				Msg("execution failed")
			execution.Status = types.StatusFailed
			execution.Diff = map[string]any{"error": err.Error()}
			return execution, nil
		}

		now := e.now()
		execution.Status = types.StatusExecuted
		execution.ExecutedAt = &now
		execution.Diff = diff
		if plan.TTLMinutes > 0 {
			expires := now.Add(time.Duration(plan.TTLMinutes) * time.Minute)
			execution.TTLExpiresAt = &expires
		}
		e.logger.Info().
			Str("execution_id", execution.ExecutionID).
			Str("policy_arn", fmt.Sprint(diff["policy_arn"])).
			Str("target", target).
			Msg("attached deny policy")
		return execution, nil

	default:
		return nil, fmt.Errorf("unsupported action type: %s", action.Type)
	}
}

// attachDenyPolicy creates (or reuses) the deny policy for this
// policy/deny-list pair and attaches it to the principal. Returns the
// diff recorded on the execution; everything rollback later needs is
// in there.
func (e *Executor) attachDenyPolicy(ctx context.Context, principalARN string, denyActions []string, policyID string) (map[string]any, error) {
	principalType, principalName, err := ParsePrincipalARN(principalARN)
	if err != nil {
		return nil, err
	}

	document, err := DenyPolicyDocument(denyActions)
	if err != nil {
		return nil, err
	}

	policyName := DenyPolicyName(policyID, denyActions)
	candidateARN := fmt.Sprintf("arn:aws:iam::%s:policy/%s", e.accountID, policyName)

	var policyARN string
	_, err = e.iam.GetPolicy(ctx, &iam.GetPolicyInput{PolicyArn: aws.String(candidateARN)})
	switch {
	case err == nil:
		policyARN = candidateARN
		e.logger.Info().Str("policy_name", policyName).Msg("deny policy already exists, reusing")
	case isNoSuchEntity(err):
		out, createErr := e.iam.CreatePolicy(ctx, &iam.CreatePolicyInput{
			PolicyName:     aws.String(policyName),
			PolicyDocument: aws.String(document),
			Description:    aws.String("Cost guardrails deny policy for " + policyID),
		})
		if createErr != nil {
			return nil, fmt.Errorf("creating policy %s: %w", policyName, createErr)
		}
		policyARN = aws.ToString(out.Policy.Arn)
		e.logger.Info().Str("policy_arn", policyARN).Msg("created deny policy")
	default:
		return nil, fmt.Errorf("checking policy %s: %w", candidateARN, err)
	}

	before, err := e.listAttachedPolicies(ctx, principalType, principalName)
	if err != nil {
		return nil, err
	}

	switch principalType {
	case "role":
		_, err = e.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(principalName),
			PolicyArn: aws.String(policyARN),
		})
	case "user":
		_, err = e.iam.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
			UserName:  aws.String(principalName),
			PolicyArn: aws.String(policyARN),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("attaching %s to %s %s: %w", policyARN, principalType, principalName, err)
	}

	after, err := e.listAttachedPolicies(ctx, principalType, principalName)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"policy_arn":     policyARN,
		"policy_name":    policyName,
		"principal_arn":  principalARN,
		"principal_type": principalType,
		"principal_name": principalName,
		"before":         before,
		"after":          after,
		"denied_actions": denyActions,
	}, nil
}

// Helper methods

func (e *Executor) listAttachedPolicies(ctx context.Context, principalType, principalName string) ([]string, error) {
	var attached []iamtypes.AttachedPolicy
	switch principalType {
	case "role":
		out, err := e.iam.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{
			RoleName: aws.String(principalName),
		})
		if err != nil {
			return nil, fmt.Errorf("listing policies for role %s: %w", principalName, err)
		}
		attached = out.AttachedPolicies
	case "user":
		out, err := e.iam.ListAttachedUserPolicies(ctx, &iam.ListAttachedUserPoliciesInput{
			UserName: aws.String(principalName),
		})
		if err != nil {
			return nil, fmt.Errorf("listing policies for user %s: %w", principalName, err)
		}
		attached = out.AttachedPolicies
	default:
		return nil, fmt.Errorf("unsupported principal type: %s", principalType)
	}

	arns := make([]string, 0, len(attached))
	for _, p := range attached {
		arns = append(arns, aws.ToString(p.PolicyArn))
	}
	return arns, nil
}

func isNoSuchEntity(err error) bool {
	var nse *iamtypes.NoSuchEntityException
	return errors.As(err, &nse)
}

package executor

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/yairfalse/jarru/types"
)

// Rollback reverses an executed action: detach the recorded deny
// policy and delete it once nothing else holds it. On success the
// execution is mutated to rolled_back with a timestamp; persisting
// that is the caller's job.
//
// Returns false when the execution is not in executed state (not
// eligible, no error) or when the reversal failed (with the error).
// When simulate is set nothing is touched and eligible executions
// report true.
func (e *Executor) Rollback(ctx context.Context, execution *types.ActionExecution, simulate bool) (bool, error) {
	if execution.Status != types.StatusExecuted {
		e.logger.Warn().
			Str("execution_id", execution.ExecutionID).
			Str("status", string(execution.Status)).
			Msg("cannot rollback, status is not executed")
		return false, nil
	}

	if simulate {
		e.logger.Info().
			Str("execution_id", execution.ExecutionID).
			Msg("dry-run, would rollback execution")
		return true, nil
	}

	switch execution.Action {
	case types.ActionAttachDenyPolicy:
		if err := e.rollbackAttach(ctx, execution); err != nil {
			e.logger.Error().
				Err(err).
				Str("execution_id", execution.ExecutionID).
				Msg("rollback failed")
			return false, err
		}
	case types.ActionNotifyOnly:
		// Nothing was changed, nothing to reverse
	default:
		return false, fmt.Errorf("unknown action type: %s", execution.Action)
	}

	now := e.now()
	execution.Status = types.StatusRolledBack
	execution.RolledBackAt = &now
	e.logger.Info().
		Str("execution_id", execution.ExecutionID).
		Str("target", execution.Target).
		Msg("rolled back execution")
	return true, nil
}

// rollbackAttach detaches the policy recorded in the execution diff
// and deletes it when no entity still holds it
func (e *Executor) rollbackAttach(ctx context.Context, execution *types.ActionExecution) error {
	if dryRun, ok := execution.Diff["dry_run"].(bool); ok && dryRun {
		e.logger.Info().
			Str("execution_id", execution.ExecutionID).
			Msg("dry-run execution, nothing to rollback")
		return nil
	}

	policyARN, _ := execution.DiffString("policy_arn")
	principalType, _ := execution.DiffString("principal_type")
	principalName, _ := execution.DiffString("principal_name")
	if policyARN == "" || principalType == "" || principalName == "" {
		return fmt.Errorf("execution diff missing fields required for rollback")
	}

	var err error
	switch principalType {
	case "role":
		_, err = e.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(principalName),
			PolicyArn: aws.String(policyARN),
		})
	case "user":
		_, err = e.iam.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
			UserName:  aws.String(principalName),
			PolicyArn: aws.String(policyARN),
		})
	default:
		return fmt.Errorf("unsupported principal type: %s", principalType)
	}
	if err != nil {
		return fmt.Errorf("detaching %s from %s %s: %w", policyARN, principalType, principalName, err)
	}

	e.logger.Info().
		Str("policy_arn", policyARN).
		Str("principal", principalName).
		Msg("detached deny policy")

	if IsDenyPolicyARN(policyARN) {
		e.deleteIfUnattached(ctx, policyARN)
	}
	return nil
}

// deleteIfUnattached removes a guardrails policy with zero remaining
// attachments. Failures here degrade to a leftover unattached policy,
// not a broken rollback, so they only warn.
func (e *Executor) deleteIfUnattached(ctx context.Context, policyARN string) {
	out, err := e.iam.ListEntitiesForPolicy(ctx, &iam.ListEntitiesForPolicyInput{
		PolicyArn: aws.String(policyARN),
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("policy_arn", policyARN).Msg("could not list policy attachments")
		return
	}

	attachedCount := len(out.PolicyRoles) + len(out.PolicyUsers) + len(out.PolicyGroups)
	if attachedCount > 0 {
		e.logger.Info().
			Str("policy_arn", policyARN).
			Int("attached", attachedCount).
			Msg("policy still attached elsewhere, not deleting")
		return
	}

	if _, err := e.iam.DeletePolicy(ctx, &iam.DeletePolicyInput{PolicyArn: aws.String(policyARN)}); err != nil {
		e.logger.Warn().Err(err).Str("policy_arn", policyARN).Msg("could not delete policy")
		return
	}
	e.logger.Info().Str("policy_arn", policyARN).Msg("deleted deny policy")
}

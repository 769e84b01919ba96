package types

import "fmt"

// ActionPlan is the result of evaluating one event against a policy set
type ActionPlan struct {
	Matched          bool           `json:"matched"`
	MatchedPolicyID  string         `json:"matched_policy_id,omitempty"`
	Mode             Mode           `json:"mode,omitempty"`
	Actions          []PolicyAction `json:"actions,omitempty"`
	TTLMinutes       int            `json:"ttl_minutes,omitempty"`
	TargetPrincipals []string       `json:"target_principals,omitempty"`
}

// UnmatchedPlan is the plan returned when no policy matched
func UnmatchedPlan() ActionPlan {
	return ActionPlan{Matched: false}
}

// NewMatchedPlan builds a plan from a matched policy, copying its
// actions, mode and TTL verbatim and flattening the scope to ARNs.
// The consistency contract (matched implies policy id, mode, actions)
// is enforced here, not re-checked downstream.
func NewMatchedPlan(policy Policy) (ActionPlan, error) {
	plan := ActionPlan{
		Matched:         true,
		MatchedPolicyID: policy.PolicyID,
		Mode:            policy.Mode,
		Actions:         append([]PolicyAction(nil), policy.Actions...),
		TTLMinutes:      policy.TTLMinutes,
	}
	for _, p := range policy.Scope.Principals {
		plan.TargetPrincipals = append(plan.TargetPrincipals, p.ARN)
	}
	if err := plan.Validate(); err != nil {
		return ActionPlan{}, err
	}
	return plan, nil
}

// Validate enforces the matched-plan consistency contract
func (p *ActionPlan) Validate() error {
	if !p.Matched {
		return nil
	}
	if p.MatchedPolicyID == "" {
		return fmt.Errorf("matched plan requires a policy ID")
	}
	if !p.Mode.IsValid() {
		return fmt.Errorf("matched plan requires a valid mode, got %q", p.Mode)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("matched plan requires at least one action")
	}
	return nil
}

package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

// lintModule holds advisory hygiene rules for policy files. Lint
// warnings never block loading; they surface configurations that are
// valid but probably not what the author wanted.
const lintModule = `package jarru.lint

warnings contains w if {
	input.mode == "auto"
	input.ttl_minutes == 0
	w := {
		"rule": "auto-without-ttl",
		"message": "auto mode with ttl_minutes 0 attaches deny policies that stay until someone rolls them back",
	}
}

warnings contains w if {
	input.mode == "auto"
	not is_number(input.match.max_amount_usd)
	w := {
		"rule": "auto-unbounded-amount",
		"message": "auto mode without max_amount_usd fires on any amount above the minimum",
	}
}

warnings contains w if {
	input.mode != "dry_run"
	not input.notify.channel
	w := {
		"rule": "no-notify-channel",
		"message": "enforcing policy has no notify channel, actions will be invisible to operators",
	}
}

warnings contains w if {
	some pattern in input.exceptions.principals
	pattern == "arn:aws:iam::*"
	w := {
		"rule": "exception-matches-everything",
		"message": "exception principal arn:aws:iam::* exempts every principal",
	}
}

warnings contains w if {
	input.ttl_minutes > 10080
	w := {
		"rule": "ttl-over-a-week",
		"message": "ttl_minutes beyond 7 days makes the guardrail effectively permanent",
	}
}

warnings contains w if {
	input.mode == "dry_run"
	input.ttl_minutes > 0
	w := {
		"rule": "ttl-in-dry-run",
		"message": "dry_run never attaches anything, ttl_minutes has no effect",
	}
}
`

// Warning is one advisory lint finding for a policy
type Warning struct {
	PolicyID string `json:"policy_id"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

// Linter evaluates policies against the embedded rego hygiene rules
type Linter struct {
	query  rego.PreparedEvalQuery
	logger *telemetry.Logger
}

func NewLinter(ctx context.Context, logger *telemetry.Logger) (*Linter, error) {
	if logger == nil {
		logger = telemetry.NewLogger("policy-lint")
	}
	r := rego.New(
		rego.Query("data.jarru.lint.warnings"),
		rego.Module("lint.rego", lintModule),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing lint query: %w", err)
	}
	return &Linter{query: query, logger: logger}, nil
}

// Lint evaluates one policy and returns its warnings
func (l *Linter) Lint(ctx context.Context, p types.Policy) ([]Warning, error) {
	input, err := policyInput(p)
	if err != nil {
		return nil, err
	}

	rs, err := l.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating lint rules for %s: %w", p.PolicyID, err)
	}

	var warnings []Warning
	for _, result := range rs {
		for _, expr := range result.Expressions {
			items, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range items {
				fields, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				w := Warning{PolicyID: p.PolicyID}
				if rule, ok := fields["rule"].(string); ok {
					w.Rule = rule
				}
				if msg, ok := fields["message"].(string); ok {
					w.Message = msg
				}
				warnings = append(warnings, w)
			}
		}
	}
	return warnings, nil
}

// LintAll evaluates every policy and concatenates the warnings
func (l *Linter) LintAll(ctx context.Context, policies []types.Policy) ([]Warning, error) {
	var all []Warning
	for _, p := range policies {
		ws, err := l.Lint(ctx, p)
		if err != nil {
			return nil, err
		}
		all = append(all, ws...)
	}
	return all, nil
}

// policyInput renders a policy to the generic JSON shape rego expects
func policyInput(p types.Policy) (map[string]interface{}, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling policy %s for lint: %w", p.PolicyID, err)
	}
	var input map[string]interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("unmarshaling policy %s for lint: %w", p.PolicyID, err)
	}
	return input, nil
}

package policy

import (
	"time"

	"github.com/yairfalse/jarru/telemetry"
	"github.com/yairfalse/jarru/types"
)

// Engine evaluates cost events against an ordered policy list.
// Evaluation is deterministic and side-effect free apart from logging;
// it is safe to call concurrently.
type Engine struct {
	logger *telemetry.Logger
}

func NewEngine(logger *telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewLogger("policy-engine")
	}
	return &Engine{logger: logger}
}

// Evaluate returns the action plan for the first enabled policy that
// matches event, in the order policies are given. Disabled policies
// never match. If nothing matches, the plan is unmatched.
func (e *Engine) Evaluate(event types.CostEvent, policies []types.Policy, now time.Time) types.ActionPlan {
	for _, p := range policies {
		if !p.Enabled {
			e.logger.Debug().
				Str("policy_id", p.PolicyID).
				Str("event_id", event.EventID).
				Msg("skipping disabled policy")
			continue
		}
		if !Matches(event, p, now) {
			continue
		}

		plan, err := types.NewMatchedPlan(p)
		if err != nil {
			// Only reachable for policies that skipped validation.
			e.logger.Error().
				Err(err).
				Str("policy_id", p.PolicyID).
				Msg("matched policy produced invalid plan, skipping")
			continue
		}

		e.logger.Info().
			Str("event_id", event.EventID).
			Str("policy_id", p.PolicyID).
			Str("mode", string(p.Mode)).
			Float64("amount_usd", event.Amount).
			Msg("policy matched")
		return plan
	}

	e.logger.Debug().
		Str("event_id", event.EventID).
		Str("account_id", event.AccountID).
		Float64("amount_usd", event.Amount).
		Msg("no policy matched")
	return types.UnmatchedPlan()
}

package types

import (
	"fmt"
	"strings"
)

// Execution modes
type Mode string

const (
	ModeDryRun Mode = "dry_run"
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// IsValid reports whether the mode is a known value
func (m Mode) IsValid() bool {
	return m == ModeDryRun || m == ModeManual || m == ModeAuto
}

// Action types
const (
	ActionAttachDenyPolicy = "attach_deny_policy"
	ActionNotifyOnly       = "notify_only"
)

// deniedForever lists irreversible operations no policy may deny.
// Rejected at construction, never at evaluation time.
var deniedForever = map[string]bool{
	"s3:DeleteBucket":        true,
	"dynamodb:DeleteTable":   true,
	"rds:DeleteDBInstance":   true,
	"ec2:TerminateInstances": true,
	"ec2:DeleteVolume":       true,
}

// PolicyAction is one action a policy executes on match
type PolicyAction struct {
	Type string   `yaml:"type" json:"type"`
	Deny []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// Validate checks the action type and deny list
func (a *PolicyAction) Validate() error {
	switch a.Type {
	case ActionAttachDenyPolicy:
		if len(a.Deny) == 0 {
			return fmt.Errorf("deny list is required for %s action", ActionAttachDenyPolicy)
		}
		for _, op := range a.Deny {
			if deniedForever[op] {
				return fmt.Errorf("dangerous action %q not allowed in deny list: only safe, reversible denials are supported", op)
			}
		}
	case ActionNotifyOnly:
		if len(a.Deny) > 0 {
			return fmt.Errorf("%s action carries no deny list", ActionNotifyOnly)
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// MatchCriteria are the conditions an event must satisfy
type MatchCriteria struct {
	Source       []EventSource `yaml:"source" json:"source"`
	AccountIDs   []string      `yaml:"account_ids" json:"account_ids"`
	MinAmountUSD float64       `yaml:"min_amount_usd" json:"min_amount_usd"`
	MaxAmountUSD *float64      `yaml:"max_amount_usd,omitempty" json:"max_amount_usd,omitempty"`
	Services     []string      `yaml:"services,omitempty" json:"services,omitempty"`
	Regions      []string      `yaml:"regions,omitempty" json:"regions,omitempty"`
}

// Validate checks match criteria consistency
func (m *MatchCriteria) Validate() error {
	if len(m.Source) == 0 {
		return fmt.Errorf("match requires at least one source")
	}
	for _, s := range m.Source {
		if !s.IsValid() {
			return fmt.Errorf("unknown match source %q", s)
		}
	}
	if len(m.AccountIDs) == 0 {
		return fmt.Errorf("match requires at least one account ID")
	}
	for _, id := range m.AccountIDs {
		if err := ValidateAccountID(id); err != nil {
			return fmt.Errorf("invalid match account: %w", err)
		}
	}
	if m.MinAmountUSD <= 0 {
		return fmt.Errorf("min_amount_usd must be positive")
	}
	if m.MaxAmountUSD != nil && *m.MaxAmountUSD <= m.MinAmountUSD {
		return fmt.Errorf("max_amount_usd must be greater than min_amount_usd")
	}
	return nil
}

// Principal kinds
const (
	PrincipalRole = "iam_role"
	PrincipalUser = "iam_user"
)

// Principal is one IAM identity a policy targets
type Principal struct {
	Type string `yaml:"type" json:"type"`
	ARN  string `yaml:"arn" json:"arn"`
}

// Validate checks the principal type and ARN shape
func (p *Principal) Validate() error {
	if p.Type != PrincipalRole && p.Type != PrincipalUser {
		return fmt.Errorf("principal type must be %s or %s, got %q", PrincipalRole, PrincipalUser, p.Type)
	}
	if !strings.HasPrefix(p.ARN, "arn:aws:iam::") {
		return fmt.Errorf("principal ARN must start with arn:aws:iam::, got %q", p.ARN)
	}
	if strings.Contains(p.ARN, "*") {
		return fmt.Errorf("wildcard principals not allowed: %q", p.ARN)
	}
	return nil
}

// PolicyScope lists the principals a policy restricts
type PolicyScope struct {
	Principals []Principal `yaml:"principals" json:"principals"`
	Regions    []string    `yaml:"regions,omitempty" json:"regions,omitempty"`
}

// Validate checks the scope has at least one valid principal
func (s *PolicyScope) Validate() error {
	if len(s.Principals) == 0 {
		return fmt.Errorf("scope requires at least one principal")
	}
	for i := range s.Principals {
		if err := s.Principals[i].Validate(); err != nil {
			return fmt.Errorf("scope principal %d: %w", i, err)
		}
	}
	return nil
}

// TimeWindow is a recurring weekly window during which a policy is exempted.
// The timezone field is declared but comparison is naive UTC - see Matches
// in the policy package.
type TimeWindow struct {
	Start    string   `yaml:"start" json:"start"`
	End      string   `yaml:"end" json:"end"`
	Timezone string   `yaml:"timezone" json:"timezone"`
	Days     []string `yaml:"days" json:"days"`
}

var validDays = map[string]bool{
	"mon": true, "tue": true, "wed": true, "thu": true,
	"fri": true, "sat": true, "sun": true,
}

// Validate checks HH:MM bounds and day abbreviations
func (w *TimeWindow) Validate() error {
	if err := validateClock(w.Start); err != nil {
		return fmt.Errorf("invalid window start: %w", err)
	}
	if err := validateClock(w.End); err != nil {
		return fmt.Errorf("invalid window end: %w", err)
	}
	if len(w.Days) == 0 {
		return fmt.Errorf("time window requires at least one day")
	}
	for _, d := range w.Days {
		if !validDays[strings.ToLower(d)] {
			return fmt.Errorf("invalid day %q: must be mon..sun", d)
		}
	}
	return nil
}

func validateClock(s string) error {
	if len(s) != 5 || s[2] != ':' {
		return fmt.Errorf("%q is not HH:MM", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(s, "%02d:%02d", &h, &m); err != nil {
		return fmt.Errorf("%q is not HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return fmt.Errorf("%q is out of range", s)
	}
	return nil
}

// ExceptionRules allowlist events that must never trigger a policy
type ExceptionRules struct {
	Accounts    []string     `yaml:"accounts,omitempty" json:"accounts,omitempty"`
	Principals  []string     `yaml:"principals,omitempty" json:"principals,omitempty"`
	TimeWindows []TimeWindow `yaml:"time_windows,omitempty" json:"time_windows,omitempty"`
}

// Validate checks each exception clause
func (e *ExceptionRules) Validate() error {
	for _, id := range e.Accounts {
		if err := ValidateAccountID(id); err != nil {
			return fmt.Errorf("invalid exception account: %w", err)
		}
	}
	for i := range e.TimeWindows {
		if err := e.TimeWindows[i].Validate(); err != nil {
			return fmt.Errorf("exception time window %d: %w", i, err)
		}
	}
	return nil
}

// NotificationSettings control where match outcomes are announced
type NotificationSettings struct {
	Channel      string   `yaml:"channel,omitempty" json:"channel,omitempty"`
	MentionUsers []string `yaml:"mention_users,omitempty" json:"mention_users,omitempty"`
}

// Policy is one declarative guardrail rule, loaded from YAML
type Policy struct {
	PolicyID    string               `yaml:"policy_id" json:"policy_id"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool                 `yaml:"enabled" json:"enabled"`
	Mode        Mode                 `yaml:"mode" json:"mode"`
	TTLMinutes  int                  `yaml:"ttl_minutes" json:"ttl_minutes"`
	Match       MatchCriteria        `yaml:"match" json:"match"`
	Scope       PolicyScope          `yaml:"scope" json:"scope"`
	Actions     []PolicyAction       `yaml:"actions" json:"actions"`
	Notify      NotificationSettings `yaml:"notify,omitempty" json:"notify,omitempty"`
	Exceptions  *ExceptionRules      `yaml:"exceptions,omitempty" json:"exceptions,omitempty"`
}

// Validate checks the whole policy document
func (p *Policy) Validate() error {
	if p.PolicyID == "" {
		return fmt.Errorf("policy_id cannot be empty")
	}
	if !p.Mode.IsValid() {
		return fmt.Errorf("policy %s: unknown mode %q", p.PolicyID, p.Mode)
	}
	if p.TTLMinutes < 0 {
		return fmt.Errorf("policy %s: ttl_minutes cannot be negative", p.PolicyID)
	}
	if err := p.Match.Validate(); err != nil {
		return fmt.Errorf("policy %s: %w", p.PolicyID, err)
	}
	if err := p.Scope.Validate(); err != nil {
		return fmt.Errorf("policy %s: %w", p.PolicyID, err)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("policy %s: requires at least one action", p.PolicyID)
	}
	for i := range p.Actions {
		if err := p.Actions[i].Validate(); err != nil {
			return fmt.Errorf("policy %s action %d: %w", p.PolicyID, i, err)
		}
	}
	if p.Exceptions != nil {
		if err := p.Exceptions.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", p.PolicyID, err)
		}
	}
	return nil
}

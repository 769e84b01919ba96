package types

import "fmt"

// EventSource identifies where a cost event came from
type EventSource string

const (
	SourceBudget  EventSource = "budget-notification"
	SourceAnomaly EventSource = "anomaly-detection"
)

// IsValid reports whether the source is a known value
func (s EventSource) IsValid() bool {
	return s == SourceBudget || s == SourceAnomaly
}

// CostEvent is the normalized trigger for policy evaluation.
// Immutable once constructed - build through NewCostEvent.
type CostEvent struct {
	EventID    string            `json:"event_id"`
	Source     EventSource       `json:"source"`
	AccountID  string            `json:"account_id"`
	Amount     float64           `json:"amount"`
	TimeWindow string            `json:"time_window"`
	Details    map[string]string `json:"details,omitempty"`
}

// NewCostEvent builds a validated cost event
func NewCostEvent(eventID string, source EventSource, accountID string, amount float64, timeWindow string, details map[string]string) (CostEvent, error) {
	e := CostEvent{
		EventID:    eventID,
		Source:     source,
		AccountID:  accountID,
		Amount:     amount,
		TimeWindow: timeWindow,
		Details:    details,
	}
	if err := e.Validate(); err != nil {
		return CostEvent{}, err
	}
	if e.Details == nil {
		e.Details = map[string]string{}
	}
	return e, nil
}

// Validate ensures the event is well formed
func (e *CostEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event ID cannot be empty")
	}
	if !e.Source.IsValid() {
		return fmt.Errorf("unknown event source %q", e.Source)
	}
	if err := ValidateAccountID(e.AccountID); err != nil {
		return err
	}
	if e.Amount <= 0 {
		return fmt.Errorf("amount must be positive, got %v", e.Amount)
	}
	if e.TimeWindow == "" {
		return fmt.Errorf("time window cannot be empty")
	}
	return nil
}

// ValidateAccountID checks for a 12-digit AWS account ID
func ValidateAccountID(id string) error {
	if len(id) != 12 {
		return fmt.Errorf("account ID must be 12 digits, got %q", id)
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return fmt.Errorf("account ID must be 12 digits, got %q", id)
		}
	}
	return nil
}

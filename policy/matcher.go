// Package policy implements the guardrail decision core: pure matching
// of cost events against declarative policies and first-match-wins plan
// construction. Nothing in this package performs I/O; wall-clock time
// enters only through an explicit argument.
package policy

import (
	"strings"
	"time"

	"github.com/yairfalse/jarru/types"
)

// Matches reports whether event satisfies every match condition of
// policy at the given instant. Conditions are checked in order and
// short-circuit on the first failure; the exception allowlist is
// checked last and turns an otherwise matching event into a non-match.
func Matches(event types.CostEvent, policy types.Policy, now time.Time) bool {
	m := policy.Match

	if !containsSource(m.Source, event.Source) {
		return false
	}
	if !contains(m.AccountIDs, event.AccountID) {
		return false
	}
	if event.Amount < m.MinAmountUSD {
		return false
	}
	if m.MaxAmountUSD != nil && event.Amount > *m.MaxAmountUSD {
		return false
	}
	if m.Services != nil {
		service, ok := event.Details["service"]
		if !ok || !contains(m.Services, service) {
			return false
		}
	}
	if m.Regions != nil {
		region, ok := event.Details["region"]
		if !ok || !contains(m.Regions, region) {
			return false
		}
	}
	if policy.Exceptions != nil && isExempted(event, *policy.Exceptions, now) {
		return false
	}
	return true
}

// isExempted reports whether any exception clause applies. Any one
// clause is enough to exempt the event.
func isExempted(event types.CostEvent, ex types.ExceptionRules, now time.Time) bool {
	if contains(ex.Accounts, event.AccountID) {
		return true
	}
	if len(ex.Principals) > 0 {
		if principal, ok := event.Details["principal_arn"]; ok && principal != "" {
			if principalAllowlisted(principal, ex.Principals) {
				return true
			}
		}
	}
	for _, w := range ex.TimeWindows {
		if inTimeWindow(w, now) {
			return true
		}
	}
	return false
}

// principalAllowlisted matches exact entries, or prefixes for entries
// ending in a single trailing wildcard.
func principalAllowlisted(principal string, allowlist []string) bool {
	for _, pattern := range allowlist {
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(principal, strings.TrimSuffix(pattern, "*")) {
				return true
			}
		} else if principal == pattern {
			return true
		}
	}
	return false
}

// inTimeWindow checks the weekday set and the HH:MM bounds, both ends
// inclusive. Comparison is against naive UTC wall-clock; the window's
// declared timezone field is ignored (known limitation, kept until
// product intent says otherwise).
func inTimeWindow(w types.TimeWindow, now time.Time) bool {
	utc := now.UTC()

	day := strings.ToLower(utc.Format("Mon"))
	if !contains(w.Days, day) {
		return false
	}

	start, okStart := clockOn(utc, w.Start)
	end, okEnd := clockOn(utc, w.End)
	if !okStart || !okEnd {
		return false
	}
	return !utc.Before(start) && !utc.After(end)
}

// clockOn pins an HH:MM string onto the date of t, in UTC
func clockOn(t time.Time, clock string) (time.Time, bool) {
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), parsed.Hour(), parsed.Minute(), 0, 0, time.UTC), true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsSource(list []types.EventSource, v types.EventSource) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

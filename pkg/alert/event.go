// Package alert routes dependency health transitions to team
// channels. Events arrive post-commit from the poll workers on a
// bounded in-process queue; a single consumer applies the team's
// rule, severity filter, cooldown, and hourly rate limit before
// fanning out to the channel senders. Delivery is at-least-once;
// AlertHistory is both the audit trail and the rate-limit counter.
package alert

import "time"

// Kind is the alertable transition type.
type Kind string

const (
	KindBecameUnhealthy Kind = "became_unhealthy"
	KindRecovered       Kind = "recovered"
)

// Severity is the alerting weight of an event.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one transition enriched with service and team identity.
type Event struct {
	Kind           Kind
	TeamID         string
	ServiceID      string
	ServiceName    string
	DependencyID   string
	DependencyName string

	// Impact of the unhealthy state driving this event. For
	// recoveries this is the impact of the state recovered from, so
	// the recovery inherits its severity.
	Impact string

	PreviousHealthy *bool
	CurrentHealthy  *bool
	ErrorMessage    string
	OccurredAt      time.Time
}

// EventSeverity derives the severity: unhealthy states with impact
// critical or high are critical, everything else is warning.
func (e Event) EventSeverity() Severity {
	switch e.Impact {
	case "critical", "high":
		return SeverityCritical
	}
	return SeverityWarning
}

package poll

import (
	"github.com/depsera/depsera/pkg/schema"
	"github.com/depsera/depsera/pkg/store"
)

// TransitionKind classifies what a newly parsed record means relative
// to the stored dependency row.
type TransitionKind int

const (
	// NoChange: healthy is unchanged and error details match.
	NoChange TransitionKind = iota
	// FirstSeen: no stored row exists for this name yet.
	FirstSeen
	// BecameUnhealthy: healthy moved to false. Alertable.
	BecameUnhealthy
	// Recovered: healthy moved from false to true. Alertable.
	Recovered
	// ErrorChanged: still unhealthy but the error payload differs;
	// refresh error fields without a new status-change event.
	ErrorChanged
	// StatusShifted: healthy changed in a non-alertable way (to or
	// from unknown, excluding moves to false). Recorded as a
	// status-change event only.
	StatusShifted
)

func (k TransitionKind) String() string {
	switch k {
	case NoChange:
		return "no_change"
	case FirstSeen:
		return "first_seen"
	case BecameUnhealthy:
		return "became_unhealthy"
	case Recovered:
		return "recovered"
	case ErrorChanged:
		return "error_changed"
	case StatusShifted:
		return "status_shifted"
	}
	return "unknown"
}

// DetectTransition is a pure classifier over (previous row?, new
// record). Only BecameUnhealthy and Recovered produce alert events.
func DetectTransition(prev *store.Dependency, rec schema.Record) TransitionKind {
	if prev == nil {
		return FirstSeen
	}

	if healthyEqual(prev.Healthy, rec.Healthy) {
		if rec.Healthy != nil && !*rec.Healthy && errorDiffers(prev, rec) {
			return ErrorChanged
		}
		return NoChange
	}

	// healthy changed
	if rec.Healthy != nil && !*rec.Healthy {
		return BecameUnhealthy
	}
	if rec.Healthy != nil && *rec.Healthy && prev.Healthy != nil && !*prev.Healthy {
		return Recovered
	}
	// unknown involved on the healthy side; record, don't alert
	return StatusShifted
}

func healthyEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func errorDiffers(prev *store.Dependency, rec schema.Record) bool {
	prevErr := ""
	if prev.Error != nil {
		prevErr = *prev.Error
	}
	prevMsg := ""
	if prev.ErrorMessage != nil {
		prevMsg = *prev.ErrorMessage
	}
	return prevErr != rec.Error || prevMsg != rec.ErrorMessage
}

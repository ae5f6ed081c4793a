// Package poll executes the per-service poll cycle: guard the
// endpoint, fetch, parse, diff against the stored dependency rows in
// one transaction, then hand transition events to the alert queue
// post-commit.
package poll

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/depsera/depsera/pkg/alert"
	"github.com/depsera/depsera/pkg/fetch"
	"github.com/depsera/depsera/pkg/healthfmt"
	"github.com/depsera/depsera/pkg/schema"
	"github.com/depsera/depsera/pkg/store"
)

// Fetcher is the transport seam. The production implementation is
// fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration, maxBytes int64) (*fetch.Result, error)
}

// Guard vets an endpoint URL against the outbound policy before any
// connection is made.
type Guard interface {
	Check(ctx context.Context, rawURL string, allowlist []string) error
}

// Enqueuer receives alertable transition events after the poll
// transaction commits.
type Enqueuer interface {
	Enqueue(ev alert.Event) bool
}

// LatencyExporter mirrors committed latency samples to an external
// time-series store. Implementations must not block the poll path.
type LatencyExporter interface {
	ExportLatency(serviceName, dependencyName string, latencyMS int64, at time.Time)
}

// Settings is the subset of the settings provider the executor reads.
type Settings interface {
	DefaultPollInterval(ctx context.Context) time.Duration
	SSRFAllowlist(ctx context.Context) []string
}

// Executor runs one poll cycle per call. It is safe for concurrent use
// across distinct services; the scheduler guarantees a single inflight
// poll per service.
type Executor struct {
	store    *store.Store
	settings Settings
	guard    Guard
	fetcher  Fetcher
	alerts   Enqueuer
	exporter LatencyExporter

	now func() time.Time
}

// NewExecutor wires the poll executor. exporter may be nil when no
// time-series backend is configured.
func NewExecutor(st *store.Store, sp Settings, g Guard, f Fetcher, alerts Enqueuer, exporter LatencyExporter) *Executor {
	return &Executor{
		store:    st,
		settings: sp,
		guard:    g,
		fetcher:  f,
		alerts:   alerts,
		exporter: exporter,
		now:      time.Now,
	}
}

// Interval returns the effective poll interval for a service.
func (e *Executor) Interval(ctx context.Context, svc *store.Service) time.Duration {
	if svc.PollIntervalMS != nil {
		return time.Duration(*svc.PollIntervalMS) * time.Millisecond
	}
	return e.settings.DefaultPollInterval(ctx)
}

// RunOnce polls a single service. A returned error means the poll
// failed and was recorded as such; the scheduler uses it for failure
// backoff.
func (e *Executor) RunOnce(ctx context.Context, serviceID string) error {
	svc, err := e.store.GetService(ctx, serviceID)
	if err != nil {
		return err
	}
	if !svc.IsActive {
		log.Debug().Str("service_id", serviceID).Msg("Service inactive, poll skipped")
		return nil
	}

	interval := e.Interval(ctx, svc)
	timeout := fetch.DefaultTimeout
	if interval < timeout {
		timeout = interval
	}

	if err := e.guard.Check(ctx, svc.HealthEndpoint, e.settings.SSRFAllowlist(ctx)); err != nil {
		return e.recordFailure(ctx, svc, err.Error())
	}

	res, err := e.fetcher.Fetch(ctx, svc.HealthEndpoint, timeout, fetch.DefaultMaxBytes)
	if err != nil {
		return e.recordFailure(ctx, svc, err.Error())
	}
	if res.Status < 200 || res.Status > 299 {
		return e.recordFailure(ctx, svc, fmt.Sprintf("HTTP %d", res.Status))
	}

	var warnings []string
	if res.Warning != "" {
		warnings = append(warnings, res.Warning)
	}
	records, parseWarnings := healthfmt.Parse(res.Body, svc.SchemaConfig)
	warnings = append(warnings, parseWarnings...)

	outcome, err := e.applyRecords(ctx, svc, records, warnings)
	if err != nil {
		log.Error().Err(err).Str("service_id", svc.ID).Msg("Poll transaction failed")
		return e.recordFailure(ctx, svc, "internal: "+err.Error())
	}

	// Everything below is post-commit and best-effort.
	for _, ev := range outcome.events {
		e.alerts.Enqueue(ev)
	}
	if e.exporter != nil {
		for _, s := range outcome.latencies {
			e.exporter.ExportLatency(svc.Name, s.dependencyName, s.latencyMS, s.at)
		}
	}
	if svc.LastPollSuccess != nil && !*svc.LastPollSuccess {
		e.auditFlip(ctx, svc, "service_poll_recovered", "")
	}

	log.Debug().
		Str("service_id", svc.ID).
		Int("dependencies", len(records)).
		Int("transitions", len(outcome.events)).
		Msg("Poll completed")
	return nil
}

// recordFailure persists the poll failure and reports it to the
// caller. Dependency rows keep their last known state.
func (e *Executor) recordFailure(ctx context.Context, svc *store.Service, line string) error {
	if err := e.store.RecordPollFailure(ctx, svc.ID, line); err != nil {
		log.Error().Err(err).Str("service_id", svc.ID).Msg("Failed to record poll failure")
	}
	if svc.LastPollSuccess == nil || *svc.LastPollSuccess {
		e.auditFlip(ctx, svc, "service_poll_failed", line)
	}
	log.Warn().Str("service_id", svc.ID).Str("error", line).Msg("Poll failed")
	return fmt.Errorf("poll %s: %s", svc.ID, line)
}

func (e *Executor) auditFlip(ctx context.Context, svc *store.Service, action, detail string) {
	if detail == "" {
		detail = svc.Name
	} else {
		detail = svc.Name + ": " + detail
	}
	if err := e.store.AppendAudit(ctx, "poller", action, detail); err != nil {
		log.Error().Err(err).Str("service_id", svc.ID).Msg("Failed to append audit entry")
	}
}

// latencySample is a committed measurement queued for export.
type latencySample struct {
	dependencyName string
	latencyMS      int64
	at             time.Time
}

// pollOutcome carries the side effects deferred until after commit.
type pollOutcome struct {
	events    []alert.Event
	latencies []latencySample
}

// applyRecords diffs the parsed records against the stored rows inside
// a single transaction. The transaction is the only publishing point:
// readers never observe a half-applied poll.
func (e *Executor) applyRecords(ctx context.Context, svc *store.Service, records []schema.Record, warnings []string) (*pollOutcome, error) {
	out := &pollOutcome{}
	now := e.now()
	ts := store.FormatTime(now)

	err := e.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		prevRows, err := e.store.ListDependencies(ctx, tx, svc.ID)
		if err != nil {
			return err
		}
		prevByName := make(map[string]*store.Dependency, len(prevRows))
		for i := range prevRows {
			prevByName[prevRows[i].Name] = &prevRows[i]
		}

		seen := make(map[string]bool, len(records))
		for _, rec := range records {
			if seen[rec.Name] {
				warnings = append(warnings, fmt.Sprintf("duplicate dependency name %q ignored", rec.Name))
				continue
			}
			seen[rec.Name] = true

			prev := prevByName[rec.Name]
			kind := DetectTransition(prev, rec)

			row := buildRow(svc.ID, prev, rec, ts, kind)
			if prev == nil {
				if err := e.store.InsertDependency(ctx, tx, row); err != nil {
					return err
				}
			} else {
				if err := e.store.UpdateDependency(ctx, tx, row); err != nil {
					return err
				}
			}

			if rec.LatencyMS != nil {
				if err := e.store.InsertLatencySample(ctx, tx, row.ID, *rec.LatencyMS, now); err != nil {
					return err
				}
				out.latencies = append(out.latencies, latencySample{
					dependencyName: rec.Name,
					latencyMS:      *rec.LatencyMS,
					at:             now,
				})
			}

			if err := e.applyTransition(ctx, tx, svc, prev, rec, row, kind, now, out); err != nil {
				return err
			}
		}

		// Names absent from this response: flag on the first miss,
		// delete on the second.
		for i := range prevRows {
			prev := &prevRows[i]
			if seen[prev.Name] {
				continue
			}
			if prev.Skipped {
				if err := e.store.DeleteDependency(ctx, tx, prev.ID); err != nil {
					return err
				}
				continue
			}
			if err := e.store.MarkDependencySkipped(ctx, tx, prev.ID); err != nil {
				return err
			}
		}

		return e.store.RecordPollSuccess(ctx, tx, svc.ID, warnings)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyTransition writes the history rows a transition implies and
// queues the alert event when the kind is alertable.
func (e *Executor) applyTransition(ctx context.Context, tx *sqlx.Tx, svc *store.Service, prev *store.Dependency, rec schema.Record, row *store.Dependency, kind TransitionKind, now time.Time, out *pollOutcome) error {
	ts := store.FormatTime(now)

	writeEvent := func(prevHealthy, curHealthy *bool) error {
		return e.store.InsertStatusChange(ctx, tx, &store.StatusChangeEvent{
			ServiceID:       svc.ID,
			ServiceName:     svc.Name,
			DependencyName:  rec.Name,
			PreviousHealthy: boolToInt(prevHealthy),
			CurrentHealthy:  boolToInt(curHealthy),
			RecordedAt:      ts,
		})
	}
	writeErrorSample := func(errBlob, errMessage string) error {
		var b, m *string
		if errBlob != "" {
			b = &errBlob
		}
		if errMessage != "" {
			m = &errMessage
		}
		return e.store.InsertErrorSample(ctx, tx, row.ID, b, m, now)
	}
	var prevHealthy *bool
	if prev != nil {
		prevHealthy = prev.Healthy
	}

	switch kind {
	case FirstSeen:
		// A dependency that arrives already unhealthy gets an event
		// and error history but no alert.
		if rec.Healthy != nil && !*rec.Healthy {
			if err := writeEvent(nil, rec.Healthy); err != nil {
				return err
			}
			return writeErrorSample(rec.Error, rec.ErrorMessage)
		}
		return nil

	case BecameUnhealthy:
		if err := writeEvent(prevHealthy, rec.Healthy); err != nil {
			return err
		}
		if err := writeErrorSample(rec.Error, rec.ErrorMessage); err != nil {
			return err
		}
		out.events = append(out.events, e.buildAlert(svc, prev, rec, row, alert.KindBecameUnhealthy, now))
		return nil

	case Recovered:
		if err := writeEvent(prevHealthy, rec.Healthy); err != nil {
			return err
		}
		// A null error row marks the recovery in the error history.
		if err := writeErrorSample("", ""); err != nil {
			return err
		}
		out.events = append(out.events, e.buildAlert(svc, prev, rec, row, alert.KindRecovered, now))
		return nil

	case ErrorChanged:
		return writeErrorSample(rec.Error, rec.ErrorMessage)

	case StatusShifted:
		return writeEvent(prevHealthy, rec.Healthy)
	}
	return nil
}

// buildAlert assembles the post-commit event. Recoveries inherit the
// impact of the state they recovered from.
func (e *Executor) buildAlert(svc *store.Service, prev *store.Dependency, rec schema.Record, row *store.Dependency, kind alert.Kind, now time.Time) alert.Event {
	impact := rec.Impact
	if kind == alert.KindRecovered || impact == "" {
		if prev != nil && prev.Impact != nil {
			impact = *prev.Impact
		}
	}

	var prevHealthy *bool
	if prev != nil {
		prevHealthy = prev.Healthy
	}
	return alert.Event{
		Kind:            kind,
		TeamID:          svc.TeamID,
		ServiceID:       svc.ID,
		ServiceName:     svc.Name,
		DependencyID:    row.ID,
		DependencyName:  rec.Name,
		Impact:          impact,
		PreviousHealthy: prevHealthy,
		CurrentHealthy:  rec.Healthy,
		ErrorMessage:    rec.ErrorMessage,
		OccurredAt:      now,
	}
}

// buildRow maps a parsed record onto the stored row shape, preserving
// identity and the last status-change stamp where nothing changed.
func buildRow(serviceID string, prev *store.Dependency, rec schema.Record, ts string, kind TransitionKind) *store.Dependency {
	row := &store.Dependency{
		ServiceID:     serviceID,
		Name:          rec.Name,
		CanonicalName: Canonicalize(rec.Name),
		Type:          healthfmt.NormalizeType(rec.Type),
		Healthy:       rec.Healthy,
		HealthState:   rec.HealthState,
		HealthCode:    rec.HealthCode,
		LatencyMS:     rec.LatencyMS,
		LastChecked:   &ts,
		Skipped:       rec.Skipped,
	}
	if rec.Description != "" {
		row.Description = &rec.Description
	}
	if rec.Impact != "" {
		row.Impact = &rec.Impact
	}
	if rec.Error != "" {
		row.Error = &rec.Error
	}
	if rec.ErrorMessage != "" {
		row.ErrorMessage = &rec.ErrorMessage
	}

	if prev != nil {
		row.ID = prev.ID
		row.LastStatusChange = prev.LastStatusChange
		// Carry forward descriptive fields the source stopped sending.
		if row.Description == nil {
			row.Description = prev.Description
		}
		if row.Impact == nil {
			row.Impact = prev.Impact
		}
	}

	// A first-seen row stamps now regardless of its health so "stable
	// since" reads always have an anchor.
	switch kind {
	case FirstSeen, BecameUnhealthy, Recovered, StatusShifted:
		row.LastStatusChange = &ts
	}
	return row
}

// Canonicalize normalizes a dependency name for cross-service
// grouping: trimmed, lowercased, inner whitespace collapsed. Poll
// diffing still matches on the raw name.
func Canonicalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

func boolToInt(b *bool) *int64 {
	if b == nil {
		return nil
	}
	var v int64
	if *b {
		v = 1
	}
	return &v
}

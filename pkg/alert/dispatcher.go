package alert

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/depsera/depsera/pkg/settings"
	"github.com/depsera/depsera/pkg/store"
)

// defaultQueueSize bounds the in-process event queue. Events beyond
// the bound are dropped with a log line rather than back-pressuring
// the poll workers.
const defaultQueueSize = 1024

// Dispatcher applies per-team alert policy and fans events out to the
// channel senders. A single consumer goroutine preserves the
// post-commit per-service ordering the poll workers establish.
type Dispatcher struct {
	store    *store.Store
	settings *settings.Provider
	senders  map[string]Sender
	queue    chan Event

	wg      sync.WaitGroup
	startMu sync.Mutex
	started bool

	now func() time.Time
}

// NewDispatcher creates a dispatcher over the given senders, keyed by
// sender type.
func NewDispatcher(st *store.Store, sp *settings.Provider, senders ...Sender) *Dispatcher {
	byType := make(map[string]Sender, len(senders))
	for _, s := range senders {
		byType[s.Type()] = s
	}
	return &Dispatcher{
		store:    st,
		settings: sp,
		senders:  byType,
		queue:    make(chan Event, defaultQueueSize),
		now:      time.Now,
	}
}

// Start launches the consumer goroutine. It runs until ctx is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startMu.Lock()
	defer d.startMu.Unlock()
	if d.started {
		return
	}
	d.started = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-d.queue:
				d.dispatch(ctx, ev)
			}
		}
	}()
}

// Wait blocks until the consumer goroutine has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// QueueDepth reports the number of undispatched events, for the
// readiness probe.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Enqueue hands an event to the dispatcher without blocking. Returns
// false when the queue is full and the event was dropped.
func (d *Dispatcher) Enqueue(ev Event) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		log.Warn().
			Str("service_id", ev.ServiceID).
			Str("dependency", ev.DependencyName).
			Msg("Alert queue full, event dropped")
		return false
	}
}

// dispatch runs the policy pipeline for one event: rule, severity
// filter, cooldown, rate limit, then channel fan-out. Errors are
// logged and never propagate to the poll path.
func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	rule, err := d.store.RuleForTeam(ctx, ev.TeamID)
	if err != nil {
		log.Error().Err(err).Str("team_id", ev.TeamID).Msg("Failed to load alert rule")
		return
	}
	// A team without a rule is silent.
	if rule == nil || !rule.IsActive {
		return
	}

	severity := ev.EventSeverity()
	if rule.SeverityFilter == "critical" && severity != SeverityCritical {
		return
	}

	now := d.now()

	cooldown := d.settings.AlertCooldown(ctx)
	if cooldown > 0 {
		last, err := d.store.LastSuccessfulDelivery(ctx,
			ev.TeamID, ev.ServiceID, ev.DependencyName)
		if err != nil {
			log.Error().Err(err).Str("team_id", ev.TeamID).Msg("Cooldown lookup failed")
		} else if !last.IsZero() && now.Sub(last) < cooldown {
			log.Debug().
				Str("service_id", ev.ServiceID).
				Str("dependency", ev.DependencyName).
				Msg("Alert suppressed by cooldown")
			return
		}
	}

	hourAgo := now.Add(-time.Hour)
	attempts, err := d.store.CountDeliveriesSince(ctx, ev.TeamID, hourAgo)
	if err != nil {
		log.Error().Err(err).Str("team_id", ev.TeamID).Msg("Rate-limit count failed")
		return
	}
	if attempts >= d.settings.AlertRateLimitPerHour(ctx) {
		d.recordRateLimited(ctx, ev, severity, hourAgo)
		return
	}

	channels, err := d.store.ActiveChannels(ctx, ev.TeamID)
	if err != nil {
		log.Error().Err(err).Str("team_id", ev.TeamID).Msg("Failed to load channels")
		return
	}

	for _, ch := range channels {
		d.deliverToChannel(ctx, ev, severity, ch)
	}
}

// deliverToChannel invokes one channel's sender and records the
// attempt. A failure never suppresses the remaining channels.
func (d *Dispatcher) deliverToChannel(ctx context.Context, ev Event, severity Severity, ch store.AlertChannel) {
	sender, ok := d.senders[ch.ChannelType]

	result := SendResult{Error: "no sender registered for channel type " + ch.ChannelType}
	if ok {
		result = sender.Send(ctx, ev, ch.Config)
	}

	row := &store.AlertHistoryRow{
		TeamID:    ev.TeamID,
		ServiceID: ev.ServiceID,
		ChannelID: ch.ID,
		EventType: string(ev.Kind),
		Severity:  string(severity),
		SentAt:    store.FormatTime(d.now()),
		Success:   result.Success,
	}
	if ev.DependencyID != "" {
		depID := ev.DependencyID
		row.DependencyID = &depID
	}
	if result.Error != "" {
		errStr := result.Error
		row.Error = &errStr
	}

	if err := d.store.InsertAlertHistory(ctx, row); err != nil {
		log.Error().Err(err).Str("channel_id", ch.ID).Msg("Failed to record alert history")
	}
	if !result.Success {
		log.Warn().
			Str("channel_id", ch.ID).
			Str("channel_type", ch.ChannelType).
			Str("error", result.Error).
			Msg("Channel delivery failed")
	}
}

// recordRateLimited appends the single rate_limited marker for the
// hour, if one is not already present.
func (d *Dispatcher) recordRateLimited(ctx context.Context, ev Event, severity Severity, since time.Time) {
	marked, err := d.store.HasRateLimitMarkerSince(ctx, ev.TeamID, since)
	if err != nil {
		log.Error().Err(err).Str("team_id", ev.TeamID).Msg("Rate-limit marker lookup failed")
		return
	}
	if marked {
		return
	}

	reason := "team alert rate limit reached"
	row := &store.AlertHistoryRow{
		TeamID:    ev.TeamID,
		ServiceID: ev.ServiceID,
		ChannelID: "",
		EventType: "rate_limited",
		Severity:  string(severity),
		SentAt:    store.FormatTime(d.now()),
		Success:   false,
		Error:     &reason,
	}
	if err := d.store.InsertAlertHistory(ctx, row); err != nil {
		log.Error().Err(err).Str("team_id", ev.TeamID).Msg("Failed to record rate-limit marker")
		return
	}
	log.Warn().Str("team_id", ev.TeamID).Msg("Team alert rate limit reached")
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertChannel is a per-team alert destination. Config is a
// channel-type-dependent JSON document.
type AlertChannel struct {
	ID          string `db:"id"`
	TeamID      string `db:"team_id"`
	ChannelType string `db:"channel_type"`
	Config      string `db:"config"`
	IsActive    bool   `db:"is_active"`
}

// AlertRule is the per-team severity filter. A team with no rule is
// silent (severity all, inactive).
type AlertRule struct {
	ID             string `db:"id"`
	TeamID         string `db:"team_id"`
	SeverityFilter string `db:"severity_filter"`
	IsActive       bool   `db:"is_active"`
}

// AlertHistoryRow records one delivery attempt or a rate_limited
// marker. It doubles as the sliding-window rate-limit counter.
type AlertHistoryRow struct {
	ID           string  `db:"id"`
	TeamID       string  `db:"team_id"`
	ServiceID    string  `db:"service_id"`
	DependencyID *string `db:"dependency_id"`
	ChannelID    string  `db:"channel_id"`
	EventType    string  `db:"event_type"`
	Severity     string  `db:"severity"`
	SentAt       string  `db:"sent_at"`
	Success      bool    `db:"success"`
	Error        *string `db:"error"`
}

// CreateAlertChannel inserts a channel row.
func (s *Store) CreateAlertChannel(ctx context.Context, ch *AlertChannel) error {
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO alert_channels (id, team_id, channel_type, config, is_active)
		VALUES (:id, :team_id, :channel_type, :config, :is_active)`, ch)
	if err != nil {
		return fmt.Errorf("failed to insert alert channel: %w", err)
	}
	return nil
}

// CreateAlertRule inserts a rule row.
func (s *Store) CreateAlertRule(ctx context.Context, r *AlertRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO alert_rules (id, team_id, severity_filter, is_active)
		VALUES (:id, :team_id, :severity_filter, :is_active)`, r)
	if err != nil {
		return fmt.Errorf("failed to insert alert rule: %w", err)
	}
	return nil
}

// ActiveChannels returns the active channels for a team.
func (s *Store) ActiveChannels(ctx context.Context, teamID string) ([]AlertChannel, error) {
	var out []AlertChannel
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM alert_channels
		WHERE team_id = ? AND is_active = 1 ORDER BY id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	return out, nil
}

// RuleForTeam returns the team's alert rule, or nil when none exists.
func (s *Store) RuleForTeam(ctx context.Context, teamID string) (*AlertRule, error) {
	var r AlertRule
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM alert_rules WHERE team_id = ? LIMIT 1`, teamID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert rule: %w", err)
	}
	return &r, nil
}

// InsertAlertHistory appends one delivery attempt (or marker) row.
func (s *Store) InsertAlertHistory(ctx context.Context, row *AlertHistoryRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.SentAt == "" {
		row.SentAt = FormatTime(time.Now())
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO alert_history (id, team_id, service_id, dependency_id,
			channel_id, event_type, severity, sent_at, success, error)
		VALUES (:id, :team_id, :service_id, :dependency_id,
			:channel_id, :event_type, :severity, :sent_at, :success, :error)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert alert history: %w", err)
	}
	return nil
}

// LastSuccessfulDelivery returns the sent_at of the most recent
// successful became_unhealthy or recovered delivery for the cooldown
// tuple, or the zero time when none exists. The two kinds share one
// cooldown window so a flap cannot ping-pong alerts. dependencyName
// matches through the dependencies table by name; deleted
// dependencies fall out of the cooldown window naturally.
func (s *Store) LastSuccessfulDelivery(ctx context.Context, teamID, serviceID, dependencyName string) (time.Time, error) {
	var sentAt string
	err := s.db.GetContext(ctx, &sentAt, `
		SELECT h.sent_at FROM alert_history h
		JOIN dependencies d ON d.id = h.dependency_id
		WHERE h.team_id = ? AND h.service_id = ?
			AND h.event_type IN ('became_unhealthy', 'recovered')
			AND h.success = 1 AND d.name = ?
		ORDER BY h.sent_at DESC LIMIT 1`,
		teamID, serviceID, dependencyName)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last delivery: %w", err)
	}
	t, err := ParseTime(sentAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad sent_at %q: %w", sentAt, err)
	}
	return t, nil
}

// CountDeliveriesSince counts delivery attempts for a team since the
// given instant. rate_limited markers are not attempts and are
// excluded.
func (s *Store) CountDeliveriesSince(ctx context.Context, teamID string, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM alert_history
		WHERE team_id = ? AND sent_at >= ? AND event_type != 'rate_limited'`,
		teamID, FormatTime(since))
	if err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return n, nil
}

// HasRateLimitMarkerSince reports whether a rate_limited marker was
// already recorded for the team in the window.
func (s *Store) HasRateLimitMarkerSince(ctx context.Context, teamID string, since time.Time) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM alert_history
		WHERE team_id = ? AND sent_at >= ? AND event_type = 'rate_limited'`,
		teamID, FormatTime(since))
	if err != nil {
		return false, fmt.Errorf("failed to check rate-limit marker: %w", err)
	}
	return n > 0, nil
}

// ListAlertHistory returns a team's alert history, oldest first.
func (s *Store) ListAlertHistory(ctx context.Context, teamID string) ([]AlertHistoryRow, error) {
	var out []AlertHistoryRow
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM alert_history WHERE team_id = ? ORDER BY sent_at, id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert history: %w", err)
	}
	return out, nil
}

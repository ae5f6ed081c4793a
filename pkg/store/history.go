package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LatencySample is one append-only latency measurement.
type LatencySample struct {
	ID           string `db:"id"`
	DependencyID string `db:"dependency_id"`
	LatencyMS    int64  `db:"latency_ms"`
	RecordedAt   string `db:"recorded_at"`
}

// ErrorSample is one append-only error record. A row with null error
// and null message denotes a recovery.
type ErrorSample struct {
	ID           string  `db:"id"`
	DependencyID string  `db:"dependency_id"`
	Error        *string `db:"error"`
	ErrorMessage *string `db:"error_message"`
	RecordedAt   string  `db:"recorded_at"`
}

// StatusChangeEvent is a denormalized snapshot of a healthy
// transition; names are copied so the activity feed survives renames
// and deletions.
type StatusChangeEvent struct {
	ID              string `db:"id"`
	ServiceID       string `db:"service_id"`
	ServiceName     string `db:"service_name"`
	DependencyName  string `db:"dependency_name"`
	PreviousHealthy *int64 `db:"previous_healthy"`
	CurrentHealthy  *int64 `db:"current_healthy"`
	RecordedAt      string `db:"recorded_at"`
}

// InsertLatencySample appends one latency row.
func (s *Store) InsertLatencySample(ctx context.Context, q sqlx.ExtContext, dependencyID string, latencyMS int64, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO dependency_latency_history (id, dependency_id, latency_ms, recorded_at)
		VALUES (?, ?, ?, ?)`,
		uuid.NewString(), dependencyID, latencyMS, FormatTime(at))
	if err != nil {
		return fmt.Errorf("failed to insert latency sample: %w", err)
	}
	return nil
}

// InsertErrorSample appends one error (or recovery) row.
func (s *Store) InsertErrorSample(ctx context.Context, q sqlx.ExtContext, dependencyID string, errBlob, errMessage *string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO dependency_error_history (id, dependency_id, error, error_message, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), dependencyID, errBlob, errMessage, FormatTime(at))
	if err != nil {
		return fmt.Errorf("failed to insert error sample: %w", err)
	}
	return nil
}

// InsertStatusChange appends one status-change event row.
func (s *Store) InsertStatusChange(ctx context.Context, q sqlx.ExtContext, ev *StatusChangeEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	_, err := sqlx.NamedExecContext(ctx, q, `
		INSERT INTO status_change_events (id, service_id, service_name,
			dependency_name, previous_healthy, current_healthy, recorded_at)
		VALUES (:id, :service_id, :service_name,
			:dependency_name, :previous_healthy, :current_healthy, :recorded_at)`, ev)
	if err != nil {
		return fmt.Errorf("failed to insert status change event: %w", err)
	}
	return nil
}

// ListStatusChanges returns events for a service, newest first.
func (s *Store) ListStatusChanges(ctx context.Context, serviceID string) ([]StatusChangeEvent, error) {
	var out []StatusChangeEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM status_change_events
		WHERE service_id = ? ORDER BY recorded_at DESC`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list status changes: %w", err)
	}
	return out, nil
}

// ListLatencySamples returns latency rows for a dependency, oldest
// first, for sparkline bucketing.
func (s *Store) ListLatencySamples(ctx context.Context, dependencyID string) ([]LatencySample, error) {
	var out []LatencySample
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM dependency_latency_history
		WHERE dependency_id = ? ORDER BY recorded_at`, dependencyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list latency samples: %w", err)
	}
	return out, nil
}

// ListErrorSamples returns error history rows for a dependency,
// oldest first.
func (s *Store) ListErrorSamples(ctx context.Context, dependencyID string) ([]ErrorSample, error) {
	var out []ErrorSample
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM dependency_error_history
		WHERE dependency_id = ? ORDER BY recorded_at`, dependencyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list error samples: %w", err)
	}
	return out, nil
}

// historyTables enumerates every table the retention sweeper trims,
// paired with its timestamp column.
var historyTables = []struct {
	table  string
	column string
}{
	{"dependency_latency_history", "recorded_at"},
	{"dependency_error_history", "recorded_at"},
	{"status_change_events", "recorded_at"},
	{"alert_history", "sent_at"},
	{"audit_log", "recorded_at"},
}

// DeleteHistoryBefore removes all history rows older than cutoff.
// Each table is a single statement; deletion is idempotent. Returns
// total rows removed.
func (s *Store) DeleteHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	ts := FormatTime(cutoff)
	for _, ht := range historyTables {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", ht.table, ht.column), ts)
		if err != nil {
			return total, fmt.Errorf("failed to trim %s: %w", ht.table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

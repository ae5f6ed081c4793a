package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// maxPollWarnings caps the warning list persisted per service.
const maxPollWarnings = 10

// Service is a polled unit. The poll executor mutates only the
// last_poll_* and poll_warnings fields; everything else belongs to
// the admin layer.
type Service struct {
	ID              string  `db:"id"`
	Name            string  `db:"name"`
	TeamID          string  `db:"team_id"`
	HealthEndpoint  string  `db:"health_endpoint"`
	MetricsEndpoint *string `db:"metrics_endpoint"`
	SchemaConfig    *string `db:"schema_config"`
	PollIntervalMS  *int64  `db:"poll_interval_ms"`
	IsActive        bool    `db:"is_active"`
	LastPollSuccess *bool   `db:"last_poll_success"`
	LastPollError   *string `db:"last_poll_error"`
	PollWarnings    string  `db:"poll_warnings"`
	CreatedAt       string  `db:"created_at"`
	UpdatedAt       string  `db:"updated_at"`
}

// Warnings decodes the persisted poll_warnings JSON list.
func (s *Service) Warnings() []string {
	var out []string
	if err := json.Unmarshal([]byte(s.PollWarnings), &out); err != nil {
		return nil
	}
	return out
}

// CreateService inserts a service row. Called by the admin layer and
// by tests; the poller only reads and updates poll state.
func (s *Store) CreateService(ctx context.Context, svc *Service) error {
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	now := FormatTime(time.Now())
	if svc.CreatedAt == "" {
		svc.CreatedAt = now
	}
	svc.UpdatedAt = now
	if svc.PollWarnings == "" {
		svc.PollWarnings = "[]"
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO services (id, name, team_id, health_endpoint, metrics_endpoint,
			schema_config, poll_interval_ms, is_active, last_poll_success,
			last_poll_error, poll_warnings, created_at, updated_at)
		VALUES (:id, :name, :team_id, :health_endpoint, :metrics_endpoint,
			:schema_config, :poll_interval_ms, :is_active, :last_poll_success,
			:last_poll_error, :poll_warnings, :created_at, :updated_at)`, svc)
	if err != nil {
		return fmt.Errorf("failed to insert service: %w", err)
	}
	return nil
}

// GetService loads a single service by id.
func (s *Store) GetService(ctx context.Context, id string) (*Service, error) {
	var svc Service
	err := s.db.GetContext(ctx, &svc, `SELECT * FROM services WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("service %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	return &svc, nil
}

// ListActiveServices returns every service eligible for scheduling.
func (s *Store) ListActiveServices(ctx context.Context) ([]Service, error) {
	var out []Service
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM services WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active services: %w", err)
	}
	return out, nil
}

// DeleteService removes a service, its dependencies, and all their
// history rows in one transaction.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, q := range []string{
			`DELETE FROM dependency_latency_history WHERE dependency_id IN
				(SELECT id FROM dependencies WHERE service_id = ?)`,
			`DELETE FROM dependency_error_history WHERE dependency_id IN
				(SELECT id FROM dependencies WHERE service_id = ?)`,
			`DELETE FROM dependencies WHERE service_id = ?`,
			`DELETE FROM services WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return fmt.Errorf("failed to delete service %s: %w", id, err)
			}
		}
		return nil
	})
}

// RecordPollFailure marks the service's last poll as failed with a
// single-line error. Previously persisted dependency rows are left
// untouched.
func (s *Store) RecordPollFailure(ctx context.Context, serviceID, pollError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE services
		SET last_poll_success = 0, last_poll_error = ?, updated_at = ?
		WHERE id = ?`,
		pollError, FormatTime(time.Now()), serviceID)
	if err != nil {
		return fmt.Errorf("failed to record poll failure: %w", err)
	}
	return nil
}

// RecordPollSuccess marks the service's last poll as successful and
// merges warnings into poll_warnings, keeping only the most recent
// entries.
func (s *Store) RecordPollSuccess(ctx context.Context, q sqlx.ExtContext, serviceID string, warnings []string) error {
	var existing Service
	if err := sqlx.GetContext(ctx, q, &existing,
		`SELECT * FROM services WHERE id = ?`, serviceID); err != nil {
		return fmt.Errorf("failed to load service for poll update: %w", err)
	}

	merged := append(existing.Warnings(), warnings...)
	if len(merged) > maxPollWarnings {
		merged = merged[len(merged)-maxPollWarnings:]
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode poll warnings: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		UPDATE services
		SET last_poll_success = 1, last_poll_error = NULL,
			poll_warnings = ?, updated_at = ?
		WHERE id = ?`,
		string(encoded), FormatTime(time.Now()), serviceID)
	if err != nil {
		return fmt.Errorf("failed to record poll success: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Dependency is one item parsed out of a service's last health
// response. (service_id, name) is unique; name comparison during the
// poll diff is case-sensitive.
type Dependency struct {
	ID               string  `db:"id"`
	ServiceID        string  `db:"service_id"`
	Name             string  `db:"name"`
	CanonicalName    string  `db:"canonical_name"`
	Description      *string `db:"description"`
	Impact           *string `db:"impact"`
	Type             string  `db:"dep_type"`
	Healthy          *bool   `db:"healthy"`
	HealthState      *int64  `db:"health_state"`
	HealthCode       *int64  `db:"health_code"`
	LatencyMS        *int64  `db:"latency_ms"`
	LastChecked      *string `db:"last_checked"`
	LastStatusChange *string `db:"last_status_change"`
	Error            *string `db:"error"`
	ErrorMessage     *string `db:"error_message"`
	Skipped          bool    `db:"skipped"`
}

// ListDependencies returns the stored dependency rows for a service,
// ordered by name for deterministic diffing.
func (s *Store) ListDependencies(ctx context.Context, q sqlx.ExtContext, serviceID string) ([]Dependency, error) {
	var out []Dependency
	err := sqlx.SelectContext(ctx, q, &out,
		`SELECT * FROM dependencies WHERE service_id = ? ORDER BY name`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	return out, nil
}

// InsertDependency inserts a new dependency row.
func (s *Store) InsertDependency(ctx context.Context, q sqlx.ExtContext, d *Dependency) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	_, err := sqlx.NamedExecContext(ctx, q, `
		INSERT INTO dependencies (id, service_id, name, canonical_name, description,
			impact, dep_type, healthy, health_state, health_code, latency_ms,
			last_checked, last_status_change, error, error_message, skipped)
		VALUES (:id, :service_id, :name, :canonical_name, :description,
			:impact, :dep_type, :healthy, :health_state, :health_code, :latency_ms,
			:last_checked, :last_status_change, :error, :error_message, :skipped)`, d)
	if err != nil {
		return fmt.Errorf("failed to insert dependency %q: %w", d.Name, err)
	}
	return nil
}

// UpdateDependency rewrites the non-key fields of an existing row.
func (s *Store) UpdateDependency(ctx context.Context, q sqlx.ExtContext, d *Dependency) error {
	_, err := sqlx.NamedExecContext(ctx, q, `
		UPDATE dependencies
		SET canonical_name = :canonical_name, description = :description,
			impact = :impact, dep_type = :dep_type, healthy = :healthy,
			health_state = :health_state, health_code = :health_code,
			latency_ms = :latency_ms, last_checked = :last_checked,
			last_status_change = :last_status_change, error = :error,
			error_message = :error_message, skipped = :skipped
		WHERE id = :id`, d)
	if err != nil {
		return fmt.Errorf("failed to update dependency %q: %w", d.Name, err)
	}
	return nil
}

// MarkDependencySkipped flags a row whose name was absent from the
// latest successful response.
func (s *Store) MarkDependencySkipped(ctx context.Context, q sqlx.ExtContext, id string) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE dependencies SET skipped = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark dependency skipped: %w", err)
	}
	return nil
}

// DeleteDependency removes a dependency row together with its history.
func (s *Store) DeleteDependency(ctx context.Context, q sqlx.ExtContext, id string) error {
	for _, stmt := range []string{
		`DELETE FROM dependency_latency_history WHERE dependency_id = ?`,
		`DELETE FROM dependency_error_history WHERE dependency_id = ?`,
		`DELETE FROM dependencies WHERE id = ?`,
	} {
		if _, err := q.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete dependency: %w", err)
		}
	}
	return nil
}

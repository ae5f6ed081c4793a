package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one audit log row. The pipeline appends entries for
// poll-state flips; the admin layer owns everything else.
type AuditEntry struct {
	ID         string  `db:"id"`
	Actor      string  `db:"actor"`
	Action     string  `db:"action"`
	Detail     *string `db:"detail"`
	RecordedAt string  `db:"recorded_at"`
}

// AppendAudit records one audit entry.
func (s *Store) AppendAudit(ctx context.Context, actor, action, detail string) error {
	var d *string
	if detail != "" {
		d = &detail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), actor, action, d, FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries, oldest first.
func (s *Store) ListAudit(ctx context.Context) ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM audit_log ORDER BY recorded_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	return out, nil
}

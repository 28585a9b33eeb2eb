package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/haulmark/fieldsync/internal/faults"
)

// DeviceID returns the per-installation device identity, generating and
// persisting one on first call. The identity is an opaque string, stable
// across process restarts, used as the device_id correlation field.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", faults.Persistence("device id: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT device_id FROM device_identity WHERE id = 1
	`).Scan(&id)
	if err == nil {
		if err := tx.Commit(); err != nil {
			return "", faults.Persistence("device id: commit", err)
		}
		return id, nil
	}

	// First run: mint an identity. ON CONFLICT guards a racing writer.
	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO device_identity (id, device_id, created_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", faults.Persistence("device id: insert", err)
	}

	// Re-read in case the conflict path kept an existing row.
	err = tx.QueryRowContext(ctx, `
		SELECT device_id FROM device_identity WHERE id = 1
	`).Scan(&id)
	if err != nil {
		return "", faults.Persistence("device id: reread", err)
	}

	if err := tx.Commit(); err != nil {
		return "", faults.Persistence("device id: commit", err)
	}
	return id, nil
}

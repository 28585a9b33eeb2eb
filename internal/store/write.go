package store

import (
	"context"
	"time"

	"github.com/haulmark/fieldsync/internal/envelope"
	"github.com/haulmark/fieldsync/internal/faults"
)

// SaveEnvelope inserts an envelope into the store.
// Uses ON CONFLICT(event_id) DO NOTHING for idempotency - duplicate event
// IDs are silently ignored. Other constraint violations still return errors.
//
// When SaveEnvelope returns nil the envelope has reached disk; a crash
// immediately afterwards does not lose it.
func (s *Store) SaveEnvelope(ctx context.Context, e *envelope.Envelope) error {
	metadataJSON, err := marshalMetadata(e)
	if err != nil {
		return err
	}

	var lat, lng any
	if e.Geo != nil {
		lat, lng = e.Geo.Lat, e.Geo.Lng
	}

	ts := e.Timestamp.UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(event_id, event_type, driver_id, session_id, device_id,
		 batch_id, facility_id, trip_id, vehicle_id,
		 timestamp, captured_at_ns, lat, lng,
		 metadata, cipher_text, iv, synced, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
		ON CONFLICT(event_id) DO NOTHING
	`,
		e.EventID,
		string(e.Type),
		e.DriverID,
		e.SessionID,
		e.DeviceID,
		e.BatchID,
		e.FacilityID,
		e.TripID,
		e.VehicleID,
		ts.Format(time.RFC3339Nano),
		ts.UnixNano(),
		lat,
		lng,
		metadataJSON,
		e.CipherText,
		e.IV,
	)
	if err != nil {
		return &faults.Fault{Code: faults.CodePersistence, Message: "save envelope", EventID: e.EventID, Err: err}
	}

	return nil
}

// MarkSynced flips an envelope to synced=1.
// Idempotent: marking an already-synced or unknown event is a no-op.
// Deletion happens separately in DeleteSynced so a crash between upload
// acknowledgement and cleanup never destroys an unacknowledged record.
func (s *Store) MarkSynced(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET synced = 1 WHERE event_id = ?
	`, eventID)
	if err != nil {
		return &faults.Fault{Code: faults.CodePersistence, Message: "mark synced", EventID: eventID, Err: err}
	}
	return nil
}

// IncrementRetry bumps the retry counter after a failed upload attempt.
// No maximum is enforced; callers log when the count grows suspicious.
func (s *Store) IncrementRetry(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET retry_count = retry_count + 1 WHERE event_id = ?
	`, eventID)
	if err != nil {
		return &faults.Fault{Code: faults.CodePersistence, Message: "increment retry", EventID: eventID, Err: err}
	}
	return nil
}

// DeleteSynced removes fully-synced envelopes and returns how many were
// deleted. This is the only place records are destroyed.
func (s *Store) DeleteSynced(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE synced = 1`)
	if err != nil {
		return 0, faults.Persistence("delete synced", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, faults.Persistence("delete synced: rows affected", err)
	}
	return n, nil
}

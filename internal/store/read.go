package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/haulmark/fieldsync/internal/envelope"
	"github.com/haulmark/fieldsync/internal/faults"
)

const envelopeColumns = `
	event_id, event_type, driver_id, session_id, device_id,
	batch_id, facility_id, trip_id, vehicle_id,
	captured_at_ns, lat, lng, metadata, cipher_text, iv,
	synced, retry_count`

// GetPending returns all envelopes with synced=0, ordered ascending by
// capture time with event_id as the tie-breaker. The read is idempotent and
// restartable: it mutates nothing, so repeated calls are safe.
//
// Returns an empty slice (not nil) when nothing is pending.
func (s *Store) GetPending(ctx context.Context) ([]envelope.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM events
		WHERE synced = 0
		ORDER BY captured_at_ns ASC, event_id ASC
	`)
	if err != nil {
		return nil, faults.Persistence("query pending", err)
	}
	defer rows.Close()

	var pending []envelope.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, e)
	}

	if err := rows.Err(); err != nil {
		return nil, faults.Persistence("iterate pending", err)
	}

	// Return empty slice instead of nil
	if pending == nil {
		pending = []envelope.Envelope{}
	}

	return pending, nil
}

// GetEnvelope retrieves a single envelope by event ID.
// Returns sql.ErrNoRows (wrapped) if not found.
func (s *Store) GetEnvelope(ctx context.Context, eventID string) (envelope.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+envelopeColumns+`
		FROM events
		WHERE event_id = ?
	`, eventID)

	return scanEnvelopeRow(row)
}

// PendingCount returns how many envelopes still await upload.
// Exposed for aggregate status display.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE synced = 0
	`).Scan(&count)
	if err != nil {
		return 0, faults.Persistence("count pending", err)
	}
	return count, nil
}

// SyncedCount returns how many envelopes have been uploaded but not yet
// cleaned up.
func (s *Store) SyncedCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events WHERE synced = 1
	`).Scan(&count)
	if err != nil {
		return 0, faults.Persistence("count synced", err)
	}
	return count, nil
}

// scanner abstracts sql.Rows and sql.Row for the shared scan path.
type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(rows *sql.Rows) (envelope.Envelope, error) {
	e, err := scanFrom(rows)
	if err != nil {
		return envelope.Envelope{}, faults.Persistence("scan envelope", err)
	}
	return e, nil
}

func scanEnvelopeRow(row *sql.Row) (envelope.Envelope, error) {
	return scanFrom(row)
}

func scanFrom(sc scanner) (envelope.Envelope, error) {
	var (
		e            envelope.Envelope
		eventType    string
		capturedNS   int64
		lat, lng     sql.NullFloat64
		metadataJSON string
		synced       int
	)

	if err := sc.Scan(
		&e.EventID, &eventType, &e.DriverID, &e.SessionID, &e.DeviceID,
		&e.BatchID, &e.FacilityID, &e.TripID, &e.VehicleID,
		&capturedNS, &lat, &lng, &metadataJSON, &e.CipherText, &e.IV,
		&synced, &e.RetryCount,
	); err != nil {
		return envelope.Envelope{}, err
	}

	e.Type = envelope.EventType(eventType)
	e.Timestamp = time.Unix(0, capturedNS).UTC()
	e.Synced = synced != 0
	if lat.Valid && lng.Valid {
		e.Geo = &envelope.Geo{Lat: lat.Float64, Lng: lng.Float64}
	}

	meta, err := unmarshalMetadata(metadataJSON)
	if err != nil {
		return envelope.Envelope{}, err
	}
	e.Metadata = meta

	return e, nil
}

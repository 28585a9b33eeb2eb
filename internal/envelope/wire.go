package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// WireEvent is the flat shape sent to the remote ledger's insert_event
// operation. The ledger upserts on event_id, so re-sending an acknowledged
// event is harmless.
type WireEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	DriverID   string          `json:"driver_id"`
	SessionID  string          `json:"session_id"`
	BatchID    string          `json:"batch_id,omitempty"`
	FacilityID string          `json:"facility_id,omitempty"`
	TripID     string          `json:"trip_id,omitempty"`
	VehicleID  string          `json:"vehicle_id,omitempty"`
	DeviceID   string          `json:"device_id"`
	Timestamp  string          `json:"timestamp"`
	Lat        *float64        `json:"lat,omitempty"`
	Lng        *float64        `json:"lng,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Wire builds the ledger payload for an envelope. Metadata must be in the
// clear; sealed envelopes are decrypted by the sync manager before upload.
func (e *Envelope) Wire() (WireEvent, error) {
	if e.Sealed() {
		return WireEvent{}, fmt.Errorf("wire encode %s: metadata still sealed", e.EventID)
	}

	w := WireEvent{
		EventID:    e.EventID,
		EventType:  string(e.Type),
		DriverID:   e.DriverID,
		SessionID:  e.SessionID,
		BatchID:    e.BatchID,
		FacilityID: e.FacilityID,
		TripID:     e.TripID,
		VehicleID:  e.VehicleID,
		DeviceID:   e.DeviceID,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if e.Geo != nil {
		lat, lng := e.Geo.Lat, e.Geo.Lng
		w.Lat, w.Lng = &lat, &lng
	}
	if e.Metadata != nil {
		data, err := EncodeMetadata(e.Metadata)
		if err != nil {
			return WireEvent{}, fmt.Errorf("wire encode %s: %w", e.EventID, err)
		}
		w.Metadata = data
	}
	return w, nil
}

package envelope

import (
	"time"

	"github.com/haulmark/fieldsync/internal/faults"
)

// EventType tags a captured fact. The set is closed: session lifecycle,
// delivery lifecycle, proof-of-delivery, and location events.
type EventType string

const (
	EventSessionStart   EventType = "session.start"
	EventSessionEnd     EventType = "session.end"
	EventDeliveryDone   EventType = "delivery.completed"
	EventDeliveryFailed EventType = "delivery.failed"
	EventPODPhoto       EventType = "pod.photo"
	EventPODSignature   EventType = "pod.signature"
	EventDiscrepancy    EventType = "delivery.discrepancy"
	EventLocationPing   EventType = "location.ping"
)

// eventTypes is the closed set accepted by Validate.
var eventTypes = map[EventType]bool{
	EventSessionStart:   true,
	EventSessionEnd:     true,
	EventDeliveryDone:   true,
	EventDeliveryFailed: true,
	EventPODPhoto:       true,
	EventPODSignature:   true,
	EventDiscrepancy:    true,
	EventLocationPing:   true,
}

// Valid reports whether t belongs to the closed event type set.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

// Geo is a best-effort coordinate pair. Absent when positioning failed.
type Geo struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Refs carries optional correlation references merged into an envelope
// at capture time.
type Refs struct {
	BatchID    string
	FacilityID string
	TripID     string
	VehicleID  string
}

// Envelope is one captured fact plus its local sync bookkeeping.
//
// All fields except the bookkeeping block are write-once: they are assigned
// at capture and never mutated. EventID is the sole idempotency key the
// remote ledger recognizes (upsert semantics).
type Envelope struct {
	EventID   string
	Type      EventType
	DriverID  string
	SessionID string
	DeviceID  string

	// Optional correlation references.
	BatchID    string
	FacilityID string
	TripID     string
	VehicleID  string

	// Timestamp is the client-assigned capture time (UTC), not server
	// receipt time.
	Timestamp time.Time

	Geo      *Geo
	Metadata Metadata

	// Bookkeeping (mutable, local-only).
	Synced     bool
	RetryCount int
	CipherText string // set when metadata is encrypted at rest
	IV         string
}

// Sealed reports whether the envelope's metadata is encrypted at rest.
func (e *Envelope) Sealed() bool {
	return e.CipherText != ""
}

// Validate checks the write-once fields. Bookkeeping fields are not
// inspected. Metadata, when present in the clear, must match the event type.
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return faults.Validation("envelope missing event id")
	}
	if !e.Type.Valid() {
		return faults.Validation("unknown event type " + string(e.Type))
	}
	if e.DriverID == "" || e.SessionID == "" || e.DeviceID == "" {
		return faults.Validation("envelope missing driver/session/device context")
	}
	if e.Timestamp.IsZero() {
		return faults.Validation("envelope missing capture timestamp")
	}
	if e.Metadata != nil {
		if e.Metadata.Kind() != e.Type {
			return faults.Validation("metadata kind " + string(e.Metadata.Kind()) +
				" does not match event type " + string(e.Type))
		}
		if err := e.Metadata.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// GPSSample is one filtered position reading. Samples are produced
// continuously, never mutated after creation, and travel a separate upload
// path from envelopes.
type GPSSample struct {
	DriverID     string    `json:"driver_id"`
	SessionID    string    `json:"session_id"`
	DeviceID     string    `json:"device_id"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	Altitude     *float64  `json:"altitude,omitempty"`
	Accuracy     *float64  `json:"accuracy,omitempty"`
	Heading      *float64  `json:"heading,omitempty"`
	SpeedMPS     *float64  `json:"speed_mps,omitempty"`
	CapturedAt   time.Time `json:"captured_at"`
	BatteryLevel *float64  `json:"battery_level,omitempty"`
	NetworkType  string    `json:"network_type,omitempty"`
	IsMoving     *bool     `json:"is_moving,omitempty"`
}

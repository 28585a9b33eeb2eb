package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/haulmark/fieldsync/internal/faults"
)

// Metadata is the typed payload attached to an envelope. Each event type
// carries its own variant; the kind discriminator is serialized alongside
// the payload so decoding round-trips without external context.
//
// Replacing the original free-form metadata blob with a closed union turns
// malformed payloads into capture-time validation faults instead of silent
// ledger garbage.
type Metadata interface {
	// Kind returns the event type this payload belongs to.
	Kind() EventType

	// Validate checks payload-specific invariants.
	Validate() error
}

// SessionMeta accompanies session.start and session.end events.
type SessionMeta struct {
	AppVersion string `json:"app_version,omitempty"`
	// Reason is set on session.end: "logout", "shift_end", "forced".
	Reason string `json:"reason,omitempty"`
	start  bool
}

// NewSessionStartMeta builds metadata for a session.start event.
func NewSessionStartMeta(appVersion string) *SessionMeta {
	return &SessionMeta{AppVersion: appVersion, start: true}
}

// NewSessionEndMeta builds metadata for a session.end event.
func NewSessionEndMeta(reason string) *SessionMeta {
	return &SessionMeta{Reason: reason}
}

func (m *SessionMeta) Kind() EventType {
	if m.start {
		return EventSessionStart
	}
	return EventSessionEnd
}

func (m *SessionMeta) Validate() error { return nil }

// DeliveryMeta accompanies delivery.completed and delivery.failed events.
type DeliveryMeta struct {
	StopID  string `json:"stop_id"`
	Outcome string `json:"outcome"` // "delivered", "refused", "not_home", "damaged"
	Notes   string `json:"notes,omitempty"`
	failed  bool
}

// NewDeliveryDoneMeta builds metadata for a completed delivery.
func NewDeliveryDoneMeta(stopID, outcome, notes string) *DeliveryMeta {
	return &DeliveryMeta{StopID: stopID, Outcome: outcome, Notes: notes}
}

// NewDeliveryFailedMeta builds metadata for a failed delivery.
func NewDeliveryFailedMeta(stopID, outcome, notes string) *DeliveryMeta {
	return &DeliveryMeta{StopID: stopID, Outcome: outcome, Notes: notes, failed: true}
}

func (m *DeliveryMeta) Kind() EventType {
	if m.failed {
		return EventDeliveryFailed
	}
	return EventDeliveryDone
}

func (m *DeliveryMeta) Validate() error {
	if m.StopID == "" {
		return faults.Validation("delivery metadata missing stop id")
	}
	if m.Outcome == "" {
		return faults.Validation("delivery metadata missing outcome")
	}
	return nil
}

// PhotoMeta accompanies pod.photo events. MediaRef points at the uploaded
// asset; the photo bytes themselves never enter the envelope store.
type PhotoMeta struct {
	MediaRef  string `json:"media_ref"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

func (m *PhotoMeta) Kind() EventType { return EventPODPhoto }

func (m *PhotoMeta) Validate() error {
	if m.MediaRef == "" {
		return faults.Validation("photo metadata missing media ref")
	}
	return nil
}

// SignatureMeta accompanies pod.signature events.
type SignatureMeta struct {
	SigneeName string `json:"signee_name"`
	MediaRef   string `json:"media_ref"`
}

func (m *SignatureMeta) Kind() EventType { return EventPODSignature }

func (m *SignatureMeta) Validate() error {
	if m.MediaRef == "" {
		return faults.Validation("signature metadata missing media ref")
	}
	return nil
}

// DiscrepancyMeta accompanies delivery.discrepancy events.
type DiscrepancyMeta struct {
	Reason      string `json:"reason"` // "missing_item", "damaged", "wrong_address"
	Description string `json:"description,omitempty"`
}

func (m *DiscrepancyMeta) Kind() EventType { return EventDiscrepancy }

func (m *DiscrepancyMeta) Validate() error {
	if m.Reason == "" {
		return faults.Validation("discrepancy metadata missing reason")
	}
	return nil
}

// LocationMeta accompanies location.ping events recorded through the
// envelope path (distinct from the bulk GPS sample path).
type LocationMeta struct {
	Provider  string  `json:"provider,omitempty"` // "gps", "network", "fused"
	AccuracyM float64 `json:"accuracy_m,omitempty"`
}

func (m *LocationMeta) Kind() EventType { return EventLocationPing }

func (m *LocationMeta) Validate() error { return nil }

// metadataEnvelope is the storage/wire shape: a kind discriminator plus the
// raw payload.
type metadataEnvelope struct {
	Kind    EventType       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeMetadata serializes a metadata variant with its kind discriminator.
// Returns "{}" semantics via empty bytes for nil metadata.
func EncodeMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata payload: %w", err)
	}
	data, err := json.Marshal(metadataEnvelope{Kind: m.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata parses a serialized metadata blob back into its typed
// variant. Unknown kinds are a validation fault.
func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var env metadataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, faults.Validation("undecodable metadata: " + err.Error())
	}

	var m Metadata
	switch env.Kind {
	case EventSessionStart:
		m = &SessionMeta{start: true}
	case EventSessionEnd:
		m = &SessionMeta{}
	case EventDeliveryDone:
		m = &DeliveryMeta{}
	case EventDeliveryFailed:
		m = &DeliveryMeta{failed: true}
	case EventPODPhoto:
		m = &PhotoMeta{}
	case EventPODSignature:
		m = &SignatureMeta{}
	case EventDiscrepancy:
		m = &DiscrepancyMeta{}
	case EventLocationPing:
		m = &LocationMeta{}
	default:
		return nil, faults.Validation("unknown metadata kind " + string(env.Kind))
	}

	if err := json.Unmarshal(env.Payload, m); err != nil {
		return nil, faults.Validation("undecodable " + string(env.Kind) + " payload: " + err.Error())
	}
	return m, nil
}

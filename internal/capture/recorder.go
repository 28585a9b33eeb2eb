// Package capture turns field actions into durable envelopes.
//
// The recorder is the single write entry point for the event path: it stamps
// identity and time, validates, optionally seals metadata, persists
// synchronously, and then requests a background sync. Persistence failure is
// the caller's problem; sync failure is not.
package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haulmark/fieldsync/internal/envelope"
)

// Store is the durable persistence surface the recorder writes through.
type Store interface {
	SaveEnvelope(ctx context.Context, e *envelope.Envelope) error
}

// SyncRequester starts a sync cycle. The recorder calls it fire-and-forget
// after every successful capture; *syncer.Manager satisfies this.
type SyncRequester interface {
	RequestSync(ctx context.Context) error
}

// Sealer encrypts metadata at rest. A nil Sealer means envelopes persist in
// the clear; callers feature-detect rather than configure a no-op cipher.
type Sealer interface {
	Encrypt(plaintext []byte) (cipherText, iv string, err error)
}

// Identity is the driver/session/device context stamped on every capture.
type Identity struct {
	DriverID  string
	SessionID string
	DeviceID  string
}

// Recorder captures events for one active session.
type Recorder struct {
	store  Store
	syncer SyncRequester
	sealer Sealer
	log    *slog.Logger
	now    func() time.Time
	newID  func() string
	id     Identity
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSealer enables metadata encryption at rest.
func WithSealer(s Sealer) Option {
	return func(r *Recorder) { r.sealer = s }
}

// WithLogger sets the logger. Nil resolves to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.log = l }
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithIDFunc overrides event id generation.
func WithIDFunc(f func() string) Option {
	return func(r *Recorder) { r.newID = f }
}

// NewRecorder creates a recorder bound to one session identity. syncer may be
// nil, in which case captures persist without requesting a sync.
func NewRecorder(store Store, syncer SyncRequester, id Identity, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		syncer: syncer,
		now:    time.Now,
		newID:  uuid.NewString,
		id:     id,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Capture records one event. On return the envelope has reached disk; a crash
// immediately afterwards loses nothing. The sync request runs on its own
// goroutine and its failure is only logged, so capture latency never depends
// on network conditions.
func (r *Recorder) Capture(ctx context.Context, typ envelope.EventType, geo *envelope.Geo, meta envelope.Metadata, refs envelope.Refs) (*envelope.Envelope, error) {
	e := &envelope.Envelope{
		EventID:    r.newID(),
		Type:       typ,
		DriverID:   r.id.DriverID,
		SessionID:  r.id.SessionID,
		DeviceID:   r.id.DeviceID,
		BatchID:    refs.BatchID,
		FacilityID: refs.FacilityID,
		TripID:     refs.TripID,
		VehicleID:  refs.VehicleID,
		Timestamp:  r.now().UTC(),
		Geo:        geo,
		Metadata:   meta,
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	if r.sealer != nil && e.Metadata != nil {
		if err := r.seal(e); err != nil {
			return nil, err
		}
	}

	if err := r.store.SaveEnvelope(ctx, e); err != nil {
		return nil, err
	}

	if r.syncer != nil {
		// Detach from the capture context so the caller returning does not
		// cancel the sync request.
		syncCtx := context.WithoutCancel(ctx)
		go func() {
			if err := r.syncer.RequestSync(syncCtx); err != nil {
				r.log.Warn("background sync request failed",
					"event_id", e.EventID, "error", err)
			}
		}()
	}

	return e, nil
}

// seal encrypts the envelope's metadata in place. The clear metadata is
// dropped once the ciphertext is attached; only CipherText and IV persist.
func (r *Recorder) seal(e *envelope.Envelope) error {
	data, err := envelope.EncodeMetadata(e.Metadata)
	if err != nil {
		return err
	}
	cipherText, iv, err := r.sealer.Encrypt(data)
	if err != nil {
		return err
	}
	e.CipherText = cipherText
	e.IV = iv
	e.Metadata = nil
	return nil
}

// StartSession records the start of a driving session.
func (r *Recorder) StartSession(ctx context.Context, appVersion string, geo *envelope.Geo) (*envelope.Envelope, error) {
	return r.Capture(ctx, envelope.EventSessionStart, geo, envelope.NewSessionStartMeta(appVersion), envelope.Refs{})
}

// EndSession records the end of a driving session.
func (r *Recorder) EndSession(ctx context.Context, reason string, geo *envelope.Geo) (*envelope.Envelope, error) {
	return r.Capture(ctx, envelope.EventSessionEnd, geo, envelope.NewSessionEndMeta(reason), envelope.Refs{})
}

// CompleteDelivery records a successful delivery at a stop.
func (r *Recorder) CompleteDelivery(ctx context.Context, stopID, outcome, notes string, geo *envelope.Geo, refs envelope.Refs) (*envelope.Envelope, error) {
	return r.Capture(ctx, envelope.EventDeliveryDone, geo, envelope.NewDeliveryDoneMeta(stopID, outcome, notes), refs)
}

// FailDelivery records an unsuccessful delivery attempt.
func (r *Recorder) FailDelivery(ctx context.Context, stopID, outcome, notes string, geo *envelope.Geo, refs envelope.Refs) (*envelope.Envelope, error) {
	return r.Capture(ctx, envelope.EventDeliveryFailed, geo, envelope.NewDeliveryFailedMeta(stopID, outcome, notes), refs)
}

// AttachPhoto records a proof-of-delivery photo reference.
func (r *Recorder) AttachPhoto(ctx context.Context, mediaRef string, sizeBytes int64, geo *envelope.Geo, refs envelope.Refs) (*envelope.Envelope, error) {
	return r.Capture(ctx, envelope.EventPODPhoto, geo, &envelope.PhotoMeta{MediaRef: mediaRef, SizeBytes: sizeBytes}, refs)
}

// AttachSignature records a proof-of-delivery signature reference.
func (r *Recorder) AttachSignature(ctx context.Context, signeeName, mediaRef string, geo *envelope.Geo, refs envelope.Refs) (*envelope.Envelope, error) {
	return r.Capture(ctx, envelope.EventPODSignature, geo, &envelope.SignatureMeta{SigneeName: signeeName, MediaRef: mediaRef}, refs)
}

// ReportDiscrepancy records a delivery discrepancy.
func (r *Recorder) ReportDiscrepancy(ctx context.Context, reason, description string, geo *envelope.Geo, refs envelope.Refs) (*envelope.Envelope, error) {
	return r.Capture(ctx, envelope.EventDiscrepancy, geo, &envelope.DiscrepancyMeta{Reason: reason, Description: description}, refs)
}

// Package syncer drains pending envelopes to the remote ledger.
//
// One sync cycle reads everything pending, uploads in bounded concurrent
// batches, and marks each acknowledged envelope synced. Cycle-level failures
// (the pending read failing, or the transport reporting a network fault)
// schedule a capped exponential retry; per-envelope rejections never do.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haulmark/fieldsync/internal/envelope"
	"github.com/haulmark/fieldsync/internal/faults"
	"github.com/haulmark/fieldsync/internal/ledger"
)

// State is the manager's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateRetryScheduled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateRetryScheduled:
		return "retry_scheduled"
	default:
		return "unknown"
	}
}

// Store is the persistence surface a sync cycle needs.
type Store interface {
	GetPending(ctx context.Context) ([]envelope.Envelope, error)
	MarkSynced(ctx context.Context, eventID string) error
	IncrementRetry(ctx context.Context, eventID string) error
}

// NetworkObserver reports connectivity. Online gates sync attempts;
// Subscribe delivers connectivity transitions so an offline→online edge can
// trigger an immediate sync.
type NetworkObserver interface {
	Online() bool
	Subscribe() <-chan bool
}

// Opener decrypts sealed metadata before upload. Nil means sealed envelopes
// cannot be drained and fail individually with an encryption fault.
type Opener interface {
	Decrypt(cipherText, iv string) ([]byte, error)
}

// Result summarizes one sync cycle.
type Result struct {
	Attempted int
	Synced    int
	Failed    int
	// Skipped is true when TriggerSync did nothing: a cycle was already
	// running, or the device was offline.
	Skipped bool
}

// Status is the externally visible sync state. Aggregate only; callers never
// get per-event confirmation.
type Status struct {
	State      State
	LastResult Result
	// RetryDelay is the delay of the currently scheduled retry, zero when
	// none is pending.
	RetryDelay time.Duration
}

const (
	defaultBatchSize = 10
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 5 * time.Minute

	// Retry counts at or above this get a warning log. Retries themselves
	// are unlimited.
	highRetryWatermark = 10
)

// Manager owns the sync state machine. All state transitions happen under mu;
// the drain itself runs outside the lock so captures and status reads never
// block on network I/O.
type Manager struct {
	store   Store
	ledger  ledger.Ledger
	network NetworkObserver
	opener  Opener
	log     *slog.Logger

	batchSize int
	baseDelay time.Duration
	maxDelay  time.Duration

	// afterFunc schedules the retry timer. Swapped in tests for a manual
	// trigger.
	afterFunc func(d time.Duration, f func()) func() bool

	mu         sync.Mutex
	state      State
	delay      time.Duration // next scheduled retry's delay, 0 when none
	stopTimer  func() bool
	lastResult Result
}

// Option configures a Manager.
type Option func(*Manager)

// WithNetworkObserver gates syncing on connectivity.
func WithNetworkObserver(n NetworkObserver) Option {
	return func(m *Manager) { m.network = n }
}

// WithOpener enables draining of sealed envelopes.
func WithOpener(o Opener) Option {
	return func(m *Manager) { m.opener = o }
}

// WithLogger sets the logger. Nil resolves to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithBatchSize overrides the per-batch upload concurrency.
func WithBatchSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithBackoff overrides the retry delay bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		if base > 0 {
			m.baseDelay = base
		}
		if max > 0 {
			m.maxDelay = max
		}
	}
}

// NewManager creates an idle sync manager.
func NewManager(store Store, lg ledger.Ledger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		ledger:    lg,
		batchSize: defaultBatchSize,
		baseDelay: defaultBaseDelay,
		maxDelay:  defaultMaxDelay,
	}
	m.afterFunc = func(d time.Duration, f func()) func() bool {
		t := time.AfterFunc(d, f)
		return t.Stop
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Status returns the current aggregate sync state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, LastResult: m.lastResult, RetryDelay: m.delay}
}

// TriggerSync runs one sync cycle. Single-flight: if a cycle is already
// running, or the device is offline, it returns immediately with a skipped
// zero result. Entering a cycle cancels any scheduled retry.
func (m *Manager) TriggerSync(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if m.state == StateSyncing {
		m.mu.Unlock()
		return Result{Skipped: true}, nil
	}
	if m.network != nil && !m.network.Online() {
		m.mu.Unlock()
		m.log.Debug("sync skipped: offline")
		return Result{Skipped: true}, nil
	}
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	m.state = StateSyncing
	m.mu.Unlock()

	res, structural := m.drain(ctx)

	m.mu.Lock()
	m.lastResult = res
	if structural != nil {
		if m.delay == 0 {
			m.delay = m.baseDelay
		} else {
			m.delay *= 2
			if m.delay > m.maxDelay {
				m.delay = m.maxDelay
			}
		}
		m.state = StateRetryScheduled
		m.scheduleRetryLocked()
		delay := m.delay
		m.mu.Unlock()
		m.log.Warn("sync cycle failed", "error", structural, "retry_in", delay)
		return res, structural
	}
	m.delay = 0
	m.state = StateIdle
	m.mu.Unlock()

	if res.Attempted > 0 {
		m.log.Info("sync cycle complete",
			"attempted", res.Attempted, "synced", res.Synced, "failed", res.Failed)
	}
	return res, nil
}

// RequestSync runs one sync cycle and discards the aggregate counts. This is
// the shape producers depend on: capture only needs to nudge the manager, the
// cycle outcome stays internal (logged and visible via Status).
func (m *Manager) RequestSync(ctx context.Context) error {
	_, err := m.TriggerSync(ctx)
	return err
}

// scheduleRetryLocked arms the retry timer for the current delay.
// Caller holds mu.
func (m *Manager) scheduleRetryLocked() {
	m.stopTimer = m.afterFunc(m.delay, func() {
		m.mu.Lock()
		if m.state == StateRetryScheduled {
			m.state = StateIdle
		}
		m.stopTimer = nil
		m.mu.Unlock()
		if _, err := m.TriggerSync(context.Background()); err != nil {
			m.log.Warn("scheduled retry failed", "error", err)
		}
	})
}

// Run watches for connectivity transitions until ctx is cancelled. An
// offline→online edge triggers an immediate sync, bypassing any backoff.
func (m *Manager) Run(ctx context.Context) {
	if m.network == nil {
		<-ctx.Done()
		return
	}
	transitions := m.network.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-transitions:
			if !ok {
				return
			}
			if !online {
				continue
			}
			m.log.Info("network restored, triggering sync")
			if _, err := m.TriggerSync(ctx); err != nil {
				m.log.Warn("sync on reconnect failed", "error", err)
			}
		}
	}
}

// drain runs one cycle. The returned error is the structural failure that
// should schedule a retry; per-envelope failures only show in the Result.
func (m *Manager) drain(ctx context.Context) (Result, error) {
	pending, err := m.store.GetPending(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for start := 0; start < len(pending); start += m.batchSize {
		end := start + m.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		outcomes := make([]error, len(batch))
		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = m.upload(ctx, &batch[i])
			}(i)
		}
		wg.Wait()

		var networkFault error
		for i, uploadErr := range outcomes {
			res.Attempted++
			if uploadErr == nil {
				res.Synced++
				continue
			}
			res.Failed++
			if faults.IsNetwork(uploadErr) && networkFault == nil {
				networkFault = uploadErr
			}
			m.noteFailure(ctx, &batch[i], uploadErr)
		}
		if networkFault != nil {
			// Connection-level trouble: the rest of the queue would fail
			// the same way. Stop and back off.
			return res, networkFault
		}
	}
	return res, nil
}

// upload sends one envelope and marks it synced on acknowledgement.
func (m *Manager) upload(ctx context.Context, e *envelope.Envelope) error {
	if e.Sealed() {
		if err := m.open(e); err != nil {
			return err
		}
	}
	wire, err := e.Wire()
	if err != nil {
		return err
	}
	if err := m.ledger.InsertEvent(ctx, wire); err != nil {
		return err
	}
	return m.store.MarkSynced(ctx, e.EventID)
}

// open decrypts a sealed envelope in memory for upload. The stored row stays
// sealed; only the in-flight copy carries clear metadata.
func (m *Manager) open(e *envelope.Envelope) error {
	if m.opener == nil {
		return faults.Encryption("sealed envelope but no keychain configured")
	}
	plain, err := m.opener.Decrypt(e.CipherText, e.IV)
	if err != nil {
		return err
	}
	meta, err := envelope.DecodeMetadata(plain)
	if err != nil {
		return err
	}
	e.Metadata = meta
	e.CipherText = ""
	e.IV = ""
	return nil
}

// noteFailure bumps the retry counter and logs. Counter updates failing is
// itself only logged: the envelope stays pending either way.
func (m *Manager) noteFailure(ctx context.Context, e *envelope.Envelope, uploadErr error) {
	if err := m.store.IncrementRetry(ctx, e.EventID); err != nil {
		m.log.Error("retry counter update failed", "event_id", e.EventID, "error", err)
	}
	attrs := []any{"event_id", e.EventID, "retry_count", e.RetryCount + 1, "error", uploadErr}
	if e.RetryCount+1 >= highRetryWatermark {
		m.log.Warn("envelope keeps failing to sync", attrs...)
		return
	}
	m.log.Debug("envelope sync failed", attrs...)
}

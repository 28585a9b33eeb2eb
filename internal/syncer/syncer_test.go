package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulmark/fieldsync/internal/envelope"
	"github.com/haulmark/fieldsync/internal/faults"
	"github.com/haulmark/fieldsync/internal/seal"
)

type fakeStore struct {
	mu         sync.Mutex
	pending    []envelope.Envelope
	pendingErr error
	synced     []string
	retried    []string
}

func (s *fakeStore) GetPending(ctx context.Context) ([]envelope.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}
	out := make([]envelope.Envelope, len(s.pending))
	copy(out, s.pending)
	return out, nil
}

func (s *fakeStore) MarkSynced(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, eventID)
	for i := range s.pending {
		if s.pending[i].EventID == eventID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (s *fakeStore) IncrementRetry(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried = append(s.retried, eventID)
	return nil
}

func (s *fakeStore) syncedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.synced...)
}

func (s *fakeStore) retriedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.retried...)
}

type fakeLedger struct {
	mu       sync.Mutex
	inserted []envelope.WireEvent
	insert   func(ev envelope.WireEvent) error

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (l *fakeLedger) InsertEvent(ctx context.Context, ev envelope.WireEvent) error {
	cur := l.inFlight.Add(1)
	for {
		max := l.maxInFlight.Load()
		if cur <= max || l.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	defer l.inFlight.Add(-1)

	if l.insert != nil {
		if err := l.insert(ev); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.inserted = append(l.inserted, ev)
	l.mu.Unlock()
	return nil
}

func (l *fakeLedger) IngestGPSEvents(ctx context.Context, samples []envelope.GPSSample) error {
	return nil
}

func (l *fakeLedger) insertedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, len(l.inserted))
	for i, ev := range l.inserted {
		ids[i] = ev.EventID
	}
	return ids
}

type fakeNetwork struct {
	mu          sync.Mutex
	online      bool
	transitions chan bool
}

func newFakeNetwork(online bool) *fakeNetwork {
	return &fakeNetwork{online: online, transitions: make(chan bool, 4)}
}

func (n *fakeNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *fakeNetwork) Subscribe() <-chan bool { return n.transitions }

func (n *fakeNetwork) setOnline(online bool) {
	n.mu.Lock()
	n.online = online
	n.mu.Unlock()
	n.transitions <- online
}

// manualTimer replaces the retry timer so tests control when retries fire.
type manualTimer struct {
	mu        sync.Mutex
	delays    []time.Duration
	callbacks []func()
	stopped   int
}

func (m *manualTimer) afterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.callbacks = append(m.callbacks, f)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.stopped++
		return true
	}
}

func (m *manualTimer) lastDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.delays) == 0 {
		return 0
	}
	return m.delays[len(m.delays)-1]
}

func (m *manualTimer) fireLast() {
	m.mu.Lock()
	f := m.callbacks[len(m.callbacks)-1]
	m.mu.Unlock()
	f()
}

func pendingEnvelopes(n int) []envelope.Envelope {
	out := make([]envelope.Envelope, n)
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = envelope.Envelope{
			EventID:   fmt.Sprintf("evt-%03d", i),
			Type:      envelope.EventLocationPing,
			DriverID:  "drv-1",
			SessionID: "ses-1",
			DeviceID:  "dev-1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func newTestManager(store Store, lg *fakeLedger, timer *manualTimer, opts ...Option) *Manager {
	base := []Option{WithBackoff(time.Second, 8*time.Second)}
	m := NewManager(store, lg, append(base, opts...)...)
	if timer != nil {
		m.afterFunc = timer.afterFunc
	}
	return m
}

func TestTriggerSync_EmptyQueueIsCleanCycle(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store, &fakeLedger{}, nil)

	res, err := m.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, StateIdle, m.Status().State)
}

func TestTriggerSync_DrainsInBatches(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(15)}
	lg := &fakeLedger{}
	m := newTestManager(store, lg, nil)

	res, err := m.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, res.Attempted)
	assert.Equal(t, 15, res.Synced)
	assert.Equal(t, 0, res.Failed)

	assert.Len(t, store.syncedIDs(), 15)
	assert.LessOrEqual(t, lg.maxInFlight.Load(), int64(10), "per-batch concurrency must stay within batch size")

	// Batches are sequential: everything in the first batch uploads before
	// anything in the second.
	ids := lg.insertedIDs()
	require.Len(t, ids, 15)
	firstBatch := map[string]bool{}
	for _, id := range ids[:10] {
		firstBatch[id] = true
	}
	for i := 0; i < 10; i++ {
		assert.True(t, firstBatch[fmt.Sprintf("evt-%03d", i)], "evt-%03d should be in the first batch", i)
	}
}

func TestTriggerSync_PartialFailureIsNotStructural(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(10)}
	lg := &fakeLedger{insert: func(ev envelope.WireEvent) error {
		switch ev.EventID {
		case "evt-002", "evt-005", "evt-008":
			return errors.New("ledger rejected /v1/events: status 422: bad payload")
		}
		return nil
	}}
	timer := &manualTimer{}
	m := newTestManager(store, lg, timer)

	res, err := m.TriggerSync(context.Background())
	require.NoError(t, err, "per-envelope rejections must not fail the cycle")
	assert.Equal(t, 10, res.Attempted)
	assert.Equal(t, 7, res.Synced)
	assert.Equal(t, 3, res.Failed)

	assert.ElementsMatch(t, []string{"evt-002", "evt-005", "evt-008"}, store.retriedIDs())
	assert.Equal(t, StateIdle, m.Status().State)
	assert.Empty(t, timer.delays, "no retry should be scheduled")
}

func TestTriggerSync_SingleFlight(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(1)}
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	lg := &fakeLedger{insert: func(ev envelope.WireEvent) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}}
	m := newTestManager(store, lg, nil)

	done := make(chan Result, 1)
	go func() {
		res, _ := m.TriggerSync(context.Background())
		done <- res
	}()
	<-entered

	assert.Equal(t, StateSyncing, m.Status().State)
	res, err := m.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, Result{Skipped: true}, res)

	close(release)
	first := <-done
	assert.Equal(t, 1, first.Synced)
}

func TestTriggerSync_OfflineIsNoOp(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(3)}
	lg := &fakeLedger{}
	network := newFakeNetwork(false)
	m := newTestManager(store, lg, nil, WithNetworkObserver(network))

	res, err := m.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, lg.insertedIDs())
}

func TestTriggerSync_NetworkFaultAbortsAndBacksOff(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(15)}
	lg := &fakeLedger{insert: func(ev envelope.WireEvent) error {
		return faults.Network("ledger unreachable", errors.New("connection refused"))
	}}
	timer := &manualTimer{}
	m := newTestManager(store, lg, timer)

	res, err := m.TriggerSync(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsNetwork(err))
	assert.Equal(t, 10, res.Attempted, "second batch must not start after a network fault")
	assert.Equal(t, StateRetryScheduled, m.Status().State)
	assert.Equal(t, time.Second, timer.lastDelay())
}

func TestBackoff_DoublesThenResets(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(1)}
	var fail atomic.Bool
	fail.Store(true)
	lg := &fakeLedger{insert: func(ev envelope.WireEvent) error {
		if fail.Load() {
			return faults.Network("ledger unreachable", nil)
		}
		return nil
	}}
	timer := &manualTimer{}
	m := newTestManager(store, lg, timer)
	ctx := context.Background()

	// Three consecutive failed cycles: 1s, 2s, 4s.
	for _, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		_, err := m.TriggerSync(ctx)
		require.Error(t, err)
		assert.Equal(t, want, timer.lastDelay())
		assert.Equal(t, want, m.Status().RetryDelay)
	}

	// A clean cycle resets the backoff.
	fail.Store(false)
	_, err := m.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), m.Status().RetryDelay)

	// The next failure starts over at base delay.
	store.mu.Lock()
	store.pending = pendingEnvelopes(1)
	store.mu.Unlock()
	fail.Store(true)
	_, err = m.TriggerSync(ctx)
	require.Error(t, err)
	assert.Equal(t, time.Second, timer.lastDelay())
}

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(1)}
	lg := &fakeLedger{insert: func(ev envelope.WireEvent) error {
		return faults.Network("ledger unreachable", nil)
	}}
	timer := &manualTimer{}
	m := newTestManager(store, lg, timer) // base 1s, max 8s
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _ = m.TriggerSync(ctx)
	}
	assert.Equal(t, 8*time.Second, timer.lastDelay())
}

func TestScheduledRetry_RunsAnotherCycle(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(1)}
	var fail atomic.Bool
	fail.Store(true)
	lg := &fakeLedger{insert: func(ev envelope.WireEvent) error {
		if fail.Load() {
			return faults.Network("ledger unreachable", nil)
		}
		return nil
	}}
	timer := &manualTimer{}
	m := newTestManager(store, lg, timer)

	_, err := m.TriggerSync(context.Background())
	require.Error(t, err)

	fail.Store(false)
	timer.fireLast()

	assert.Len(t, store.syncedIDs(), 1)
	st := m.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, time.Duration(0), st.RetryDelay)
}

func TestTriggerSync_CancelsScheduledRetry(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(1)}
	var fail atomic.Bool
	fail.Store(true)
	lg := &fakeLedger{insert: func(ev envelope.WireEvent) error {
		if fail.Load() {
			return faults.Network("ledger unreachable", nil)
		}
		return nil
	}}
	timer := &manualTimer{}
	m := newTestManager(store, lg, timer)

	_, err := m.TriggerSync(context.Background())
	require.Error(t, err)

	// A manual trigger while a retry is pending stops the timer first.
	fail.Store(false)
	_, err = m.TriggerSync(context.Background())
	require.NoError(t, err)

	timer.mu.Lock()
	stopped := timer.stopped
	timer.mu.Unlock()
	assert.Equal(t, 1, stopped)
}

func TestTriggerSync_PendingReadFailureIsStructural(t *testing.T) {
	store := &fakeStore{pendingErr: faults.Persistence("read pending", errors.New("database is locked"))}
	timer := &manualTimer{}
	m := newTestManager(store, &fakeLedger{}, timer)

	_, err := m.TriggerSync(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsPersistence(err))
	assert.Equal(t, StateRetryScheduled, m.Status().State)
	assert.Equal(t, time.Second, timer.lastDelay())
}

func TestRun_OnlineTransitionTriggersSync(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(2)}
	lg := &fakeLedger{}
	network := newFakeNetwork(false)
	m := newTestManager(store, lg, nil, WithNetworkObserver(network))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	network.setOnline(true)

	require.Eventually(t, func() bool {
		return len(store.syncedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond, "reconnect should drain the queue")
}

func TestUpload_SealedEnvelopeDecryptedBeforeWire(t *testing.T) {
	keychain, err := seal.New([]byte("driver-passphrase"), []byte("install-salt"))
	require.NoError(t, err)

	plain, err := envelope.EncodeMetadata(&envelope.PhotoMeta{MediaRef: "m/1.jpg"})
	require.NoError(t, err)
	cipherText, iv, err := keychain.Encrypt(plain)
	require.NoError(t, err)

	sealed := pendingEnvelopes(1)
	sealed[0].Type = envelope.EventPODPhoto
	sealed[0].CipherText = cipherText
	sealed[0].IV = iv

	store := &fakeStore{pending: sealed}
	lg := &fakeLedger{}
	m := newTestManager(store, lg, nil, WithOpener(keychain))

	res, err := m.TriggerSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	require.Len(t, lg.inserted, 1)
	assert.Contains(t, string(lg.inserted[0].Metadata), "m/1.jpg")
}

func TestUpload_SealedWithoutOpenerFailsEnvelopeOnly(t *testing.T) {
	sealed := pendingEnvelopes(1)
	sealed[0].CipherText = "opaque"
	sealed[0].IV = "opaque"

	store := &fakeStore{pending: sealed}
	timer := &manualTimer{}
	m := newTestManager(store, &fakeLedger{}, timer)

	res, err := m.TriggerSync(context.Background())
	require.NoError(t, err, "an undecryptable envelope is not a cycle failure")
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, StateIdle, m.Status().State)
	assert.Empty(t, timer.delays)
}

func TestRequestSync_ReportsOnlyTheError(t *testing.T) {
	store := &fakeStore{pending: pendingEnvelopes(2)}
	lg := &fakeLedger{}
	m := newTestManager(store, lg, &manualTimer{})

	require.NoError(t, m.RequestSync(context.Background()))
	assert.Len(t, store.syncedIDs(), 2)

	store.mu.Lock()
	store.pendingErr = faults.Persistence("read pending", errors.New("database is locked"))
	store.mu.Unlock()
	err := m.RequestSync(context.Background())
	assert.True(t, faults.IsPersistence(err))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "syncing", StateSyncing.String())
	assert.Equal(t, "retry_scheduled", StateRetryScheduled.String())
}

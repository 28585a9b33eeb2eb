// Package sampler turns a noisy platform position stream into distance
// filtered batches for the remote ledger.
//
// Samples pass a minimum-displacement filter, queue in memory, and flush when
// the queue reaches batch size or a periodic ticker fires. Failed uploads go
// back to the front of the queue so temporal order survives retries.
package sampler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haulmark/fieldsync/internal/envelope"
	"github.com/haulmark/fieldsync/internal/faults"
	"github.com/haulmark/fieldsync/internal/ledger"
)

// WatchOptions tune the platform position watch.
type WatchOptions struct {
	// Timeout bounds each position request.
	Timeout time.Duration
	// MaximumAge is the oldest cached fix the watcher may deliver instead
	// of requesting a fresh one.
	MaximumAge time.Duration
}

// Watcher abstracts the platform position source. Watch delivers fixes to
// onFix and position errors to onErr until the returned stop function is
// called.
type Watcher interface {
	Watch(opts WatchOptions, onFix func(envelope.GPSSample), onErr func(error)) (stop func(), err error)
}

const (
	defaultMinDisplacementM = 25.0
	defaultFlushInterval    = 30 * time.Second
	defaultBatchSize        = 20
)

// Sampler owns the filter-queue-flush pipeline for one session.
type Sampler struct {
	watcher Watcher
	ledger  ledger.Ledger
	log     *slog.Logger

	watchOpts        WatchOptions
	minDisplacementM float64
	flushInterval    time.Duration

	queue *sampleQueue

	mu        sync.Mutex
	last      *envelope.GPSSample // last retained fix, filter reference point
	running   bool
	stopWatch func()
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithWatchOptions sets the options passed through to the position watch.
func WithWatchOptions(opts WatchOptions) Option {
	return func(s *Sampler) { s.watchOpts = opts }
}

// WithMinDisplacement sets the retention threshold in meters.
func WithMinDisplacement(meters float64) Option {
	return func(s *Sampler) {
		if meters > 0 {
			s.minDisplacementM = meters
		}
	}
}

// WithFlushInterval sets the periodic flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithBatchSize sets how many queued samples force a flush.
func WithBatchSize(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.queue = newSampleQueue(n)
		}
	}
}

// WithLogger sets the logger. Nil resolves to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sampler) { s.log = l }
}

// New creates a stopped sampler.
func New(watcher Watcher, lg ledger.Ledger, opts ...Option) *Sampler {
	s := &Sampler{
		watcher:          watcher,
		ledger:           lg,
		minDisplacementM: defaultMinDisplacementM,
		flushInterval:    defaultFlushInterval,
		queue:            newSampleQueue(defaultBatchSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Start begins the position watch and the flush loop. Starting a running
// sampler is an error.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return faults.Validation("sampler already running")
	}

	stop, err := s.watcher.Watch(s.watchOpts, s.Offer, s.Fail)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.stopWatch = stop
	s.cancel = cancel
	s.done = done
	s.running = true
	go s.run(runCtx, done)
	return nil
}

// Stop cancels the watch and the flush loop, then forces a final flush of
// whatever is queued. An upload already in flight completes on its own.
// Idempotent.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop, cancel, done := s.stopWatch, s.cancel, s.done
	s.stopWatch, s.cancel, s.done = nil, nil, nil
	s.mu.Unlock()

	stop()
	cancel()
	<-done
}

// Offer feeds one position fix through the displacement filter. Fixes closer
// than the threshold to the last retained fix are dropped.
func (s *Sampler) Offer(fix envelope.GPSSample) {
	s.mu.Lock()
	if s.last != nil {
		d := distanceMeters(s.last.Lat, s.last.Lng, fix.Lat, fix.Lng)
		if d < s.minDisplacementM {
			s.mu.Unlock()
			s.log.Debug("position fix dropped", "displacement_m", d)
			return
		}
	}
	s.last = &fix
	s.mu.Unlock()

	s.queue.Enqueue(fix)
}

// Fail handles a position error from the watch. Permission revocation stops
// the sampler; transient position errors (unavailable, timeout) are logged
// and sampling continues.
func (s *Sampler) Fail(err error) {
	if faults.IsPermission(err) {
		s.log.Error("location permission revoked, stopping sampler", "error", err)
		// Stop from a fresh goroutine: Fail arrives on the watcher's
		// callback path and Stop waits for the watch to end.
		go s.Stop()
		return
	}
	s.log.Warn("position fix unavailable", "error", err)
}

// Pending returns the number of queued samples.
func (s *Sampler) Pending() int {
	return s.queue.Len()
}

func (s *Sampler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final flush after cancellation so Stop never strands
			// queued samples.
			s.flush(context.WithoutCancel(ctx))
			return
		case <-ticker.C:
			s.flush(ctx)
		case <-s.queue.Full():
			s.flush(ctx)
		}
	}
}

// flush uploads everything queued. On failure the batch returns to the front
// of the queue.
func (s *Sampler) flush(ctx context.Context) {
	batch := s.queue.TakeAll()
	if len(batch) == 0 {
		return
	}
	if err := s.ledger.IngestGPSEvents(ctx, batch); err != nil {
		s.queue.PushFront(batch)
		s.log.Warn("gps batch upload failed, re-queued", "size", len(batch), "error", err)
		return
	}
	s.log.Debug("gps batch uploaded", "size", len(batch))
}

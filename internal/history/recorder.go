package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/classbridge/internal/observe"
	"github.com/MrWong99/classbridge/internal/resilience"
	"github.com/MrWong99/classbridge/pkg/types"
)

// Defaults for [RecorderConfig] fields left at zero.
const (
	DefaultQueueSize     = 256
	DefaultBatchSize     = 64
	DefaultFlushInterval = time.Second
	DefaultPruneInterval = time.Hour
)

// sinkName labels this sink in [observe.Metrics.RecordSinkEvent].
const sinkName = "history"

// ErrQueueFull is returned by [Recorder.Record] when entries were dropped.
var ErrQueueFull = errors.New("history: queue full")

// Backend persists entries. *Store implements it.
type Backend interface {
	WriteBatch(ctx context.Context, entries []Entry) (int64, error)
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecorderConfig tunes batching and retention.
type RecorderConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration

	// Retention deletes entries older than this. Zero keeps everything.
	Retention     time.Duration
	PruneInterval time.Duration
}

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithRecorderMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithRecorderMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = m }
}

// WithRecorderClock overrides the acceptance time source.
func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithRecorderBreaker replaces the default write circuit breaker.
func WithRecorderBreaker(cb *resilience.CircuitBreaker) RecorderOption {
	return func(r *Recorder) { r.breaker = cb }
}

// Recorder buffers accepted detections and writes them to a [Backend].
type Recorder struct {
	backend Backend
	cfg     RecorderConfig
	queue   chan Entry
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	now     func() time.Time
}

// NewRecorder creates a Recorder writing to backend. Call [Recorder.Run] to
// start the writer.
func NewRecorder(backend Backend, cfg RecorderConfig, opts ...RecorderOption) *Recorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = DefaultPruneInterval
	}
	r := &Recorder{
		backend: backend,
		cfg:     cfg,
		queue:   make(chan Entry, cfg.QueueSize),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "history-write",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			CallTimeout:  10 * time.Second,
		})
	}
	return r
}

// Record queues every accepted detection stamped with the recorder clock. It
// has the signature of an aggregate detection callback and never blocks.
func (r *Recorder) Record(accepted types.Detections) error {
	return r.RecordAt(r.now(), accepted)
}

// RecordAt queues every accepted detection with acceptance time at. Entries
// that do not fit are dropped and reported with [ErrQueueFull].
func (r *Recorder) RecordAt(at time.Time, accepted types.Detections) error {
	dropped := 0
	for _, label := range accepted.Labels() {
		select {
		case r.queue <- Entry{Label: label, Confidence: accepted[label], AcceptedAt: at}:
		default:
			dropped++
			r.metrics.RecordSinkEvent(context.Background(), sinkName, observe.StatusDropped)
		}
	}
	if dropped > 0 {
		return ErrQueueFull
	}
	return nil
}

// Run writes queued entries until ctx is cancelled, then flushes what is
// left. It always returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	flush := time.NewTicker(r.cfg.FlushInterval)
	defer flush.Stop()

	var prune <-chan time.Time
	if r.cfg.Retention > 0 {
		t := time.NewTicker(r.cfg.PruneInterval)
		defer t.Stop()
		prune = t.C
		r.prune(ctx)
	}

	batch := make([]Entry, 0, r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = r.drain(batch)
			if len(batch) > 0 {
				fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				r.write(fctx, batch)
				cancel()
			}
			return nil
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.cfg.BatchSize {
				r.write(ctx, batch)
				batch = batch[:0]
			}
		case <-flush.C:
			if len(batch) > 0 {
				r.write(ctx, batch)
				batch = batch[:0]
			}
		case <-prune:
			r.prune(ctx)
		}
	}
}

// drain moves whatever is queued into batch without blocking.
func (r *Recorder) drain(batch []Entry) []Entry {
	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

func (r *Recorder) write(ctx context.Context, batch []Entry) {
	err := r.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := r.backend.WriteBatch(ctx, batch)
		return err
	})
	status := observe.StatusSent
	if err != nil {
		status = observe.StatusFailed
		slog.Warn("history write failed", "entries", len(batch), "err", err)
	}
	for range batch {
		r.metrics.RecordSinkEvent(ctx, sinkName, status)
	}
}

func (r *Recorder) prune(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.Retention)
	n, err := r.backend.Prune(ctx, cutoff)
	if err != nil {
		slog.Warn("history prune failed", "err", err)
		return
	}
	if n > 0 {
		slog.Info("history pruned", "rows", n, "cutoff", cutoff)
	}
}

// Pending returns the number of queued entries.
func (r *Recorder) Pending() int { return len(r.queue) }

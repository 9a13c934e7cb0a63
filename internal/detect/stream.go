// Package detect implements the detection pipeline core: a shared confidence
// threshold, per-label debouncing, the filter that combines both, and the
// callback registry that fans accepted detections out to user code.
//
// A [Stream] owns one instance of each and runs them in a fixed order for every
// frame: filter, then per-class callbacks, then aggregate callbacks, then the
// outbound publish. All pipeline state is per Stream; nothing is global.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/classbridge/internal/observe"
	"github.com/MrWong99/classbridge/pkg/source"
	"github.com/MrWong99/classbridge/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// Publisher receives the accepted detections of every non-empty cycle after
// all callbacks have run. Publish must not block the cycle for long.
type Publisher interface {
	Publish(ctx context.Context, accepted types.Detections, at time.Time) error
}

// Config holds the construction parameters of a [Stream].
type Config struct {
	// Confidence is the initial threshold in [0,1].
	Confidence float64

	// Debounce is the per-label suppression window. Zero disables it.
	Debounce time.Duration
}

// Option configures a [Stream].
type Option func(*Stream)

// WithClock overrides the time source used for debouncing and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

// WithPublisher sets the outbound port that receives accepted detections.
func WithPublisher(p Publisher) Option {
	return func(s *Stream) { s.publisher = p }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Stream) { s.metrics = m }
}

// Stream is one detection pipeline instance.
type Stream struct {
	threshold *Threshold
	debounce  *Debouncer
	filter    *Filter
	registry  *Registry

	publisher Publisher
	metrics   *observe.Metrics
	now       func() time.Time

	lastFrame  atomic.Int64
	acceptedAt atomic.Int64
}

// New validates cfg and returns a Stream ready for callback registration.
func New(cfg Config, opts ...Option) (*Stream, error) {
	if cfg.Debounce < 0 {
		return nil, fmt.Errorf("detect: debounce must not be negative, got %s", cfg.Debounce)
	}
	th, err := NewThreshold(cfg.Confidence)
	if err != nil {
		return nil, fmt.Errorf("detect: initial confidence: %w", err)
	}

	s := &Stream{
		threshold: th,
		debounce:  NewDebouncer(cfg.Debounce),
		registry:  NewRegistry(),
		now:       time.Now,
	}
	s.filter = NewFilter(s.threshold, s.debounce)
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// OnDetect registers cb to run whenever label is accepted.
func (s *Stream) OnDetect(label string, cb ClassCallback) {
	s.registry.OnClass(label, cb)
}

// OnDetectAll registers cb to run once per cycle with every accepted label.
func (s *Stream) OnDetectAll(cb AllCallback) {
	s.registry.OnAll(cb)
}

// SetPublisher replaces the outbound port. Call it before [Stream.Run].
func (s *Stream) SetPublisher(p Publisher) { s.publisher = p }

// Threshold returns the shared threshold store.
func (s *Stream) Threshold() *Threshold { return s.threshold }

// Debounce returns the configured debounce interval.
func (s *Stream) Debounce() time.Duration { return s.debounce.Interval() }

// OverrideThreshold replaces the threshold. The next cycle that starts after
// it returns uses v. Invalid values leave the threshold unchanged.
func (s *Stream) OverrideThreshold(v float64) error {
	old := s.threshold.Get()
	if err := s.threshold.Set(v); err != nil {
		return err
	}
	slog.Info("threshold overridden", "old", old, "new", v)
	return nil
}

// LastFrame returns when the last frame was received. The zero time means no
// frame has arrived yet.
func (s *Stream) LastFrame() time.Time {
	ns := s.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// AcceptedAt returns the acceptance time of the cycle currently dispatching,
// or of the most recent cycle that accepted anything. Callbacks read it to
// stamp their work with the same time the UI receives.
func (s *Stream) AcceptedAt() time.Time {
	ns := s.acceptedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Process runs one full cycle for frame and returns the accepted detections.
// Callback and publish failures are logged and counted, never returned.
func (s *Stream) Process(ctx context.Context, frame types.Frame) types.Detections {
	now := s.now()
	s.lastFrame.Store(now.UnixNano())
	s.metrics.Frames.Add(ctx, 1)

	if frame.Empty() {
		return types.Detections{}
	}

	ctx, span := observe.StartSpan(ctx, "detect.cycle")
	defer span.End()
	start := time.Now()

	ev := s.filter.Evaluate(frame, now)
	s.metrics.RecordSuppressed(ctx, observe.ReasonThreshold, len(ev.BelowThreshold))
	s.metrics.RecordSuppressed(ctx, observe.ReasonDebounce, len(ev.Debounced))
	span.SetAttributes(
		attribute.Int("frame.labels", len(frame.Scores)),
		attribute.Int("detections.accepted", len(ev.Accepted)),
		attribute.Float64("threshold", ev.Threshold),
		attribute.Int("debounce.tracked", s.debounce.Len()),
	)

	if len(ev.Accepted) == 0 {
		return ev.Accepted
	}
	for label := range ev.Accepted {
		s.metrics.RecordAccepted(ctx, label)
	}
	s.acceptedAt.Store(now.UnixNano())

	log := observe.Logger(ctx)
	if err := s.registry.Dispatch(ev.Accepted); err != nil {
		s.reportCallbackErrors(ctx, log, err)
		observe.SpanError(span, err)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, ev.Accepted, now); err != nil {
			log.Warn("publish detections", "err", err, "labels", len(ev.Accepted))
		}
	}

	s.metrics.CycleDuration.Record(ctx, time.Since(start).Seconds())
	return ev.Accepted
}

func (s *Stream) reportCallbackErrors(ctx context.Context, log *slog.Logger, err error) {
	var joined interface{ Unwrap() []error }
	errs := []error{err}
	if errors.As(err, &joined) {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		var cbErr *CallbackError
		if !errors.As(e, &cbErr) {
			log.Error("detection callback failed", "err", e)
			continue
		}
		s.metrics.RecordCallbackFailure(ctx, cbErr.Kind)
		log.Error("detection callback failed",
			"kind", cbErr.Kind,
			"label", cbErr.Label,
			"index", cbErr.Index,
			"err", cbErr.Err,
		)
	}
}

// Run consumes frames from src in arrival order until the channel closes or
// ctx is cancelled. Both are a normal end and return nil.
func (s *Stream) Run(ctx context.Context, src source.Source) error {
	frames, err := src.Frames(ctx)
	if err != nil {
		return fmt.Errorf("detect: open source: %w", err)
	}
	slog.Info("detection stream started",
		"threshold", s.threshold.Get(),
		"debounce", s.debounce.Interval(),
		"callback_labels", s.registry.Labels(),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				slog.Info("detection source finished")
				return nil
			}
			s.Process(ctx, frame)
		}
	}
}

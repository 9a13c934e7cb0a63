// Package bridge connects the detection pipeline to the UI layer through two
// one-way ports.
//
// Outbound, [Bridge.Publish] turns each cycle's accepted detections into a JSON
// array of [types.DetectionRecord] and queues it for the "classifications"
// channel. A bridge-owned goroutine ([Bridge.Run]) drains the queue and hands
// messages to a [Sender] through a circuit breaker with a per-send timeout, so
// a slow transport never stalls a detection cycle. When the queue is full the
// newest message is dropped and reported.
//
// Inbound, [Bridge.HandleOverride] parses "override_th" payloads and writes the
// shared threshold. Invalid input keeps the previous value.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/classbridge/internal/detect"
	"github.com/MrWong99/classbridge/internal/observe"
	"github.com/MrWong99/classbridge/internal/resilience"
	"github.com/MrWong99/classbridge/pkg/types"
)

// UI channel names.
const (
	EventClassifications   = "classifications"
	EventOverrideThreshold = "override_th"
)

// Defaults for [Config] fields left at zero.
const (
	DefaultQueueSize   = 32
	DefaultSendTimeout = 2 * time.Second
	DefaultRecent      = 5
)

// ErrQueueFull is returned by [Bridge.Publish] when the outbound queue has no
// room and the message was dropped.
var ErrQueueFull = errors.New("bridge: outbound queue full")

// TransportError reports an outbound message that could not be delivered.
// Delivery is not retried.
type TransportError struct {
	Event string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bridge: send %q: %v", e.Event, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Sender delivers one message to the UI layer.
type Sender interface {
	Send(ctx context.Context, event string, payload []byte) error
}

// Message is an outbound UI message.
type Message struct {
	Event   string
	Payload json.RawMessage
	At      time.Time
}

// Config controls queueing and delivery.
type Config struct {
	// QueueSize bounds the number of messages waiting for the sender.
	QueueSize int

	// SendTimeout bounds a single send.
	SendTimeout time.Duration

	// Recent is how many delivered classification messages are kept for
	// priming newly connected clients.
	Recent int
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithBreaker replaces the default send circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(b *Bridge) { b.breaker = cb }
}

// WithErrorHandler registers fn to observe every transport failure.
func WithErrorHandler(fn func(*TransportError)) Option {
	return func(b *Bridge) { b.onError = fn }
}

// Bridge is the UI bridge. Publish and HandleOverride are safe for concurrent
// use; Run must be called once.
type Bridge struct {
	sender    Sender
	threshold *detect.Threshold
	cfg       Config

	queue   chan Message
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	onError func(*TransportError)

	mu     sync.Mutex
	recent []Message
}

// New creates a Bridge that sends through sender and overrides threshold.
func New(sender Sender, threshold *detect.Threshold, cfg Config, opts ...Option) *Bridge {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Recent <= 0 {
		cfg.Recent = DefaultRecent
	}
	b := &Bridge{
		sender:    sender,
		threshold: threshold,
		cfg:       cfg,
		queue:     make(chan Message, cfg.QueueSize),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	if b.breaker == nil {
		b.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "ui-send",
			MaxFailures:  5,
			ResetTimeout: 10 * time.Second,
			CallTimeout:  cfg.SendTimeout,
		})
	}
	return b
}

// Publish queues one "classifications" message for accepted. It sends nothing
// when accepted is empty and never blocks.
func (b *Bridge) Publish(ctx context.Context, accepted types.Detections, at time.Time) error {
	if len(accepted) == 0 {
		return nil
	}
	payload, err := json.Marshal(accepted.Records(at))
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", EventClassifications, err)
	}
	return b.enqueue(ctx, Message{Event: EventClassifications, Payload: payload, At: at})
}

func (b *Bridge) enqueue(ctx context.Context, msg Message) error {
	select {
	case b.queue <- msg:
		return nil
	default:
		b.metrics.RecordOutbound(ctx, msg.Event, observe.StatusDropped)
		slog.Warn("outbound message dropped", "event", msg.Event, "queue_size", b.cfg.QueueSize)
		return ErrQueueFull
	}
}

// Run drains the outbound queue until ctx is cancelled. It always returns nil.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(b.queue); n > 0 {
				slog.Info("bridge stopped with queued messages", "pending", n)
			}
			return nil
		case msg := <-b.queue:
			b.deliver(ctx, msg)
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, msg Message) {
	err := b.breaker.Do(ctx, func(ctx context.Context) error {
		return b.sender.Send(ctx, msg.Event, msg.Payload)
	})
	if err != nil {
		terr := &TransportError{Event: msg.Event, Err: err}
		b.metrics.RecordOutbound(ctx, msg.Event, observe.StatusFailed)
		slog.Warn("outbound message failed", "event", msg.Event, "err", err)
		if b.onError != nil {
			b.onError(terr)
		}
		return
	}
	b.metrics.RecordOutbound(ctx, msg.Event, observe.StatusSent)
	if msg.Event == EventClassifications {
		b.remember(msg)
	}
}

func (b *Bridge) remember(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recent = append(b.recent, msg)
	if over := len(b.recent) - b.cfg.Recent; over > 0 {
		b.recent = append(b.recent[:0:0], b.recent[over:]...)
	}
}

// Recent returns the last delivered classification messages, oldest first.
func (b *Bridge) Recent() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.recent...)
}

// Pending returns the number of queued messages.
func (b *Bridge) Pending() int { return len(b.queue) }

// HandleOverride applies an "override_th" payload received from session sid.
// On failure the previous threshold stays in effect and an error wrapping
// [detect.ErrInvalidThreshold] is returned.
func (b *Bridge) HandleOverride(ctx context.Context, sid string, payload json.RawMessage) error {
	v, err := detect.ParseThreshold(payload)
	if err == nil {
		err = b.threshold.Set(v)
	}
	if err != nil {
		b.metrics.RecordOverride(ctx, false)
		observe.Logger(ctx).Warn("threshold override rejected",
			"session", sid,
			"payload", string(payload),
			"err", err,
			"threshold", b.threshold.Get(),
		)
		return err
	}
	b.metrics.RecordOverride(ctx, true)
	observe.Logger(ctx).Info("threshold overridden", "session", sid, "threshold", v)
	return nil
}

// Threshold returns the current threshold.
func (b *Bridge) Threshold() float64 { return b.threshold.Get() }

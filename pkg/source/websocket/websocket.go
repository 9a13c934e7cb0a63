// Package websocket implements a [source.Source] that reads score frames from
// an inference engine over a WebSocket connection.
//
// Each text or binary message is decoded with [source.DecodeFrame]. Messages
// that do not decode are skipped. When the connection drops, the source
// redials with exponential backoff until its context is cancelled or
// [Source.Close] is called.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	ws "github.com/coder/websocket"

	"github.com/MrWong99/classbridge/pkg/source"
	"github.com/MrWong99/classbridge/pkg/types"
)

// Default reconnection and buffering parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
	defaultBuffer     = 16
	defaultReadLimit  = 1 << 20
)

// ErrAlreadyStarted is returned by [Source.Frames] on a second call.
var ErrAlreadyStarted = errors.New("websocket: source already started")

// Option configures a [Source].
type Option func(*Source)

// WithHeader sets HTTP headers sent with every dial (e.g. Authorization).
func WithHeader(h http.Header) Option {
	return func(s *Source) { s.header = h.Clone() }
}

// WithBackoff sets the initial and maximum redial delay. The delay doubles
// after each failed attempt and resets after a successful dial.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(s *Source) {
		if initial > 0 {
			s.backoff = initial
		}
		if maxDelay > 0 {
			s.maxBackoff = maxDelay
		}
	}
}

// WithBuffer sets the capacity of the frame channel.
func WithBuffer(n int) Option {
	return func(s *Source) {
		if n >= 0 {
			s.buffer = n
		}
	}
}

// WithReadLimit caps the size of a single inbound message in bytes.
func WithReadLimit(n int64) Option {
	return func(s *Source) {
		if n > 0 {
			s.readLimit = n
		}
	}
}

// Source streams frames from a WebSocket endpoint.
type Source struct {
	url        string
	header     http.Header
	backoff    time.Duration
	maxBackoff time.Duration
	buffer     int
	readLimit  int64

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Source for rawURL. Accepted schemes are ws, wss, http and
// https. No connection is made until [Source.Frames] is called.
func New(rawURL string, opts ...Option) (*Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("websocket: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("websocket: url %q has no host", rawURL)
	}

	s := &Source{
		url:        rawURL,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
		buffer:     defaultBuffer,
		readLimit:  defaultReadLimit,
	}
	for _, o := range opts {
		o(s)
	}
	if s.maxBackoff < s.backoff {
		s.maxBackoff = s.backoff
	}
	return s, nil
}

// Frames starts the connection loop and returns the frame channel. The
// channel is closed when ctx is cancelled or the source is closed.
func (s *Source) Frames(ctx context.Context) (<-chan types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, source.ErrClosed
	}
	if s.started {
		return nil, ErrAlreadyStarted
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	out := make(chan types.Frame, s.buffer)
	go s.loop(ctx, out)
	return out, nil
}

// Close stops the connection loop and waits for it to exit. It is safe to
// call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

func (s *Source) loop(ctx context.Context, out chan<- types.Frame) {
	defer close(s.done)
	defer close(out)

	backoff := s.backoff
	for attempt := 1; ; attempt++ {
		conn, _, err := ws.Dial(ctx, s.url, &ws.DialOptions{HTTPHeader: s.header})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("inference dial failed",
				"url", s.url,
				"attempt", attempt,
				"backoff", backoff,
				"err", err,
			)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}

		slog.Info("inference connected", "url", s.url, "attempt", attempt)
		attempt, backoff = 0, s.backoff

		err = s.read(ctx, conn, out)
		conn.CloseNow()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("inference connection lost", "url", s.url, "err", err)
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// read forwards decoded frames until the connection fails or ctx is done.
func (s *Source) read(ctx context.Context, conn *ws.Conn, out chan<- types.Frame) error {
	conn.SetReadLimit(s.readLimit)
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		frame, err := source.DecodeFrame(msg)
		if err != nil {
			slog.Debug("inference message skipped", "err", err, "bytes", len(msg))
			continue
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

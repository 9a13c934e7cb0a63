// Package replay implements a [source.Source] that plays back a recorded
// JSON-Lines file of frames at a fixed cadence. Each non-blank line is one
// message in either shape accepted by [source.DecodeFrame]; lines starting
// with '#' are comments.
package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/classbridge/pkg/source"
	"github.com/MrWong99/classbridge/pkg/types"
)

// DefaultInterval is the cadence used when none is configured.
const DefaultInterval = 100 * time.Millisecond

const maxLineBytes = 1 << 20

// ErrAlreadyStarted is returned by [Source.Frames] on a second call.
var ErrAlreadyStarted = errors.New("replay: source already started")

// Option configures a [Source].
type Option func(*Source)

// WithLoop restarts playback from the first line after the last one.
func WithLoop(loop bool) Option {
	return func(s *Source) { s.loop = loop }
}

// WithClock overrides the time stamped on frames that carry no captured_at.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source replays a file.
type Source struct {
	path     string
	interval time.Duration
	loop     bool
	now      func() time.Time

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a replay of path, emitting one frame per interval. A zero
// interval selects [DefaultInterval].
func New(path string, interval time.Duration, opts ...Option) (*Source, error) {
	if path == "" {
		return nil, errors.New("replay: path is required")
	}
	if interval < 0 {
		return nil, fmt.Errorf("replay: interval must not be negative, got %s", interval)
	}
	if interval == 0 {
		interval = DefaultInterval
	}
	s := &Source{path: path, interval: interval, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Frames opens the file and starts playback. The channel is closed at the end
// of the file (unless looping), when ctx is cancelled, or on Close.
func (s *Source) Frames(ctx context.Context) (<-chan types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, source.ErrClosed
	}
	if s.started {
		return nil, ErrAlreadyStarted
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("replay: open %q: %w", s.path, err)
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	out := make(chan types.Frame)
	go s.play(ctx, f, out)
	return out, nil
}

// Close stops playback. It is safe to call more than once.
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

func (s *Source) play(ctx context.Context, f *os.File, out chan<- types.Frame) {
	defer close(s.done)
	defer close(out)
	defer f.Close()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	total := 0
	for pass := 1; ; pass++ {
		emitted, err := s.pass(ctx, f, ticker.C, out, total)
		total += emitted
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("replay stopped", "path", s.path, "err", err)
			}
			return
		}
		if !s.loop || emitted == 0 {
			slog.Info("replay finished", "path", s.path, "passes", pass)
			return
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			slog.Error("replay rewind failed", "path", s.path, "err", err)
			return
		}
	}
}

// pass plays the file once and returns the number of frames sent. sent is the
// number of frames emitted by earlier passes; every frame but the very first
// of the playback waits for a tick.
func (s *Source) pass(ctx context.Context, r io.Reader, tick <-chan time.Time, out chan<- types.Frame, sent int) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	emitted := 0
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		frame, err := source.DecodeFrame([]byte(text))
		if err != nil {
			slog.Warn("replay line skipped", "path", s.path, "line", line, "err", err)
			continue
		}
		if sent+emitted > 0 {
			select {
			case <-tick:
			case <-ctx.Done():
				return emitted, ctx.Err()
			}
		}
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = s.now()
		}
		select {
		case out <- frame:
			emitted++
		case <-ctx.Done():
			return emitted, ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return emitted, fmt.Errorf("replay: read %q: %w", s.path, err)
	}
	return emitted, nil
}

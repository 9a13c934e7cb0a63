// Package mock provides a test double for the source package interface.
//
// Feed frames with Send and end the stream with Finish:
//
//	src := mock.New(4)
//	frames, _ := src.Frames(ctx)
//	src.Send(types.Frame{Scores: map[string]float64{"person": 0.9}})
//	src.Finish()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/classbridge/pkg/source"
	"github.com/MrWong99/classbridge/pkg/types"
)

// Source is a mock implementation of source.Source backed by a channel.
type Source struct {
	ch         chan types.Frame
	finishOnce sync.Once

	mu sync.Mutex

	// FramesErr, if non-nil, is returned as the error from Frames.
	FramesErr error

	// FramesCalls counts calls to Frames.
	FramesCalls int

	// CloseCalls counts calls to Close.
	CloseCalls int
}

// New returns a Source whose channel buffers up to size frames.
func New(size int) *Source {
	return &Source{ch: make(chan types.Frame, size)}
}

// Frames records the call and returns the feed channel.
func (s *Source) Frames(_ context.Context) (<-chan types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FramesCalls++
	if s.FramesErr != nil {
		return nil, s.FramesErr
	}
	return s.ch, nil
}

// Send queues frame for delivery. It blocks when the buffer is full.
func (s *Source) Send(frame types.Frame) {
	s.ch <- frame
}

// Finish closes the feed channel. Safe to call more than once.
func (s *Source) Finish() {
	s.finishOnce.Do(func() { close(s.ch) })
}

// Close records the call and finishes the stream.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CloseCalls++
	s.mu.Unlock()
	s.Finish()
	return nil
}

// Calls returns the recorded call counts. Thread-safe.
func (s *Source) Calls() (frames, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FramesCalls, s.CloseCalls
}

// Ensure Source implements source.Source at compile time.
var _ source.Source = (*Source)(nil)

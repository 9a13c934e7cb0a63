// Package mock provides a test double for bridge.Sender.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/classbridge/internal/bridge"
)

// SendCall records a single invocation of Sender.Send.
type SendCall struct {
	Event string
	// Payload is a copy of the bytes passed to Send.
	Payload []byte
}

// Sender is a mock implementation of bridge.Sender.
type Sender struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned from every Send.
	SendErr error

	// Block, if non-nil, makes Send wait until the channel is closed or the
	// context is done.
	Block chan struct{}

	// SendCalls records every call to Send.
	SendCalls []SendCall

	// Sent receives the event name of every recorded call when non-nil.
	Sent chan string
}

// Send records the call and returns SendErr.
func (s *Sender) Send(ctx context.Context, event string, payload []byte) error {
	s.mu.Lock()
	block := s.Block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.SendCalls = append(s.SendCalls, SendCall{Event: event, Payload: append([]byte(nil), payload...)})
	err := s.SendErr
	sent := s.Sent
	s.mu.Unlock()

	if sent != nil {
		sent <- event
	}
	return err
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (s *Sender) Calls() []SendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendCall(nil), s.SendCalls...)
}

// Ensure Sender implements bridge.Sender at compile time.
var _ bridge.Sender = (*Sender)(nil)

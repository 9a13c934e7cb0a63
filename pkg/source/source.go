// Package source defines the Source interface for detection engines.
//
// A Source wraps whatever produces per-frame classification scores (an
// inference server reachable over a WebSocket, a recorded file, a test
// double) and exposes them as an ordered stream of [types.Frame] values. The
// detection pipeline consumes frames strictly in the order the channel
// delivers them.
//
// Implementations must be safe for concurrent use.
package source

import (
	"context"
	"errors"

	"github.com/MrWong99/classbridge/pkg/types"
)

// ErrClosed is returned by Frames when the source has already been closed.
var ErrClosed = errors.New("source: closed")

// Source is the abstraction over any detection engine.
type Source interface {
	// Frames starts delivery and returns a channel of frames. The channel is
	// closed when ctx is cancelled, when Close is called, or when a finite
	// source runs out of frames. Frames may only be called once per Source.
	Frames(ctx context.Context) (<-chan types.Frame, error)

	// Close stops delivery and releases resources. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

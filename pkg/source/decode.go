package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/classbridge/pkg/types"
)

// ErrEmptyMessage is returned by [DecodeFrame] for blank input.
var ErrEmptyMessage = errors.New("source: empty message")

// envelope is the structured wire form of a frame.
type envelope struct {
	Scores     map[string]float64 `json:"scores"`
	CapturedAt time.Time          `json:"captured_at"`
}

// DecodeFrame parses one JSON message into a frame. Two shapes are accepted:
//
//	{"scores": {"Drowsy": 0.91, "Awake": 0.07}, "captured_at": "2026-05-01T12:00:00Z"}
//	{"Drowsy": 0.91, "Awake": 0.07}
//
// captured_at is optional.
func DecodeFrame(data []byte) (types.Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return types.Frame{}, ErrEmptyMessage
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return types.Frame{}, fmt.Errorf("source: decode frame: %w", err)
	}
	if raw, ok := probe["scores"]; ok && bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return types.Frame{}, fmt.Errorf("source: decode frame envelope: %w", err)
		}
		return types.Frame{Scores: env.Scores, CapturedAt: env.CapturedAt}, nil
	}

	var scores map[string]float64
	if err := json.Unmarshal(data, &scores); err != nil {
		return types.Frame{}, fmt.Errorf("source: decode scores: %w", err)
	}
	return types.Frame{Scores: scores}, nil
}

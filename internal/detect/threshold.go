package detect

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
)

// ErrInvalidThreshold is returned when a threshold value is not a finite
// number in [0,1], or when an override payload cannot be read as a number.
var ErrInvalidThreshold = errors.New("invalid threshold")

// Threshold holds the current confidence threshold. Reads and writes are
// atomic so a filtering pass observes either the old or the new value in full.
//
// The zero value is a threshold of 0. Use [NewThreshold] to start elsewhere.
type Threshold struct {
	bits atomic.Uint64
}

// NewThreshold returns a Threshold initialised to v.
func NewThreshold(v float64) (*Threshold, error) {
	t := &Threshold{}
	if err := t.Set(v); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns the current threshold.
func (t *Threshold) Get() float64 {
	return math.Float64frombits(t.bits.Load())
}

// Set replaces the threshold with v. It returns an error wrapping
// [ErrInvalidThreshold] and leaves the stored value untouched when v is NaN,
// infinite, or outside [0,1].
func (t *Threshold) Set(v float64) error {
	if err := ValidateThreshold(v); err != nil {
		return err
	}
	t.bits.Store(math.Float64bits(v))
	return nil
}

// ValidateThreshold reports whether v is usable as a threshold.
func ValidateThreshold(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %v is not a finite number", ErrInvalidThreshold, v)
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("%w: %v is outside [0, 1]", ErrInvalidThreshold, v)
	}
	return nil
}

// ParseThreshold decodes an inbound override payload. It accepts a JSON number
// or a JSON string holding a number ("0.6"). Anything else, including null,
// yields [ErrInvalidThreshold]. The parsed value is also range-checked.
func ParseThreshold(raw json.RawMessage) (float64, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return 0, fmt.Errorf("%w: empty payload", ErrInvalidThreshold)
	}

	var v float64
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidThreshold, s)
		}
		v = f
	} else if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return 0, fmt.Errorf("%w: %s is not numeric", ErrInvalidThreshold, trimmed)
	}

	if err := ValidateThreshold(v); err != nil {
		return 0, err
	}
	return v, nil
}

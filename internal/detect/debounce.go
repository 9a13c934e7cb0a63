package detect

import (
	"sync"
	"time"
)

// Debouncer remembers, per label, when that label was last accepted and
// suppresses re-acceptance until the interval has elapsed. Entries are created
// lazily and never removed for the lifetime of the Debouncer.
//
// All methods are safe for concurrent use.
type Debouncer struct {
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewDebouncer creates a Debouncer with the given interval. A zero or negative
// interval disables suppression.
func NewDebouncer(interval time.Duration) *Debouncer {
	if interval < 0 {
		interval = 0
	}
	return &Debouncer{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Interval returns the configured debounce interval.
func (d *Debouncer) Interval() time.Duration { return d.interval }

// ShouldAccept reports whether label may be accepted at now. On true, now is
// recorded as the label's last-accepted time. The check and the update happen
// under one lock so two concurrent passes cannot both accept a label within
// the same window.
func (d *Debouncer) ShouldAccept(label string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, seen := d.last[label]; seen && d.interval > 0 && now.Sub(last) < d.interval {
		return false
	}
	d.last[label] = now
	return true
}

// LastAccepted returns the last time label was accepted and whether it has
// ever been accepted.
func (d *Debouncer) LastAccepted(label string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.last[label]
	return t, ok
}

// Len returns the number of labels tracked so far.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.last)
}

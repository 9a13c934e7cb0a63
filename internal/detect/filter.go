package detect

import (
	"sort"
	"time"

	"github.com/MrWong99/classbridge/pkg/types"
)

// Filter computes the accepted subset of a frame from the shared threshold and
// debounce state. It holds references, not copies, so several filters (or a
// filter and an override handler) can share one [Threshold].
type Filter struct {
	threshold *Threshold
	debounce  *Debouncer
}

// NewFilter returns a Filter reading from threshold and updating debounce.
func NewFilter(threshold *Threshold, debounce *Debouncer) *Filter {
	return &Filter{threshold: threshold, debounce: debounce}
}

// Evaluation is the outcome of one filtering pass, including the labels that
// were dropped and why.
type Evaluation struct {
	// Accepted holds the labels that cleared both checks.
	Accepted types.Detections

	// BelowThreshold lists labels whose score was under the threshold.
	BelowThreshold []string

	// Debounced lists labels that cleared the threshold but were suppressed
	// because their debounce window was still open.
	Debounced []string

	// Threshold is the value read for this pass.
	Threshold float64
}

// Filter returns the labels in frame whose score is at least the current
// threshold and whose debounce window has elapsed at now. Labels failing
// either check are dropped silently.
func (f *Filter) Filter(frame types.Frame, now time.Time) types.Detections {
	return f.Evaluate(frame, now).Accepted
}

// Evaluate is [Filter.Filter] with the rejection details kept. An empty frame
// short-circuits without reading the threshold or touching debounce state.
//
// The threshold is read once so every label in the pass is judged against
// the same value. Labels are visited in sorted order, which makes the
// debounce side effects independent of map iteration order.
func (f *Filter) Evaluate(frame types.Frame, now time.Time) Evaluation {
	ev := Evaluation{Accepted: types.Detections{}}
	if frame.Empty() {
		return ev
	}

	ev.Threshold = f.threshold.Get()

	labels := make([]string, 0, len(frame.Scores))
	for l := range frame.Scores {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	for _, label := range labels {
		score := frame.Scores[label]
		// NaN compares false and is dropped here.
		if !(score >= ev.Threshold) {
			ev.BelowThreshold = append(ev.BelowThreshold, label)
			continue
		}
		if !f.debounce.ShouldAccept(label, now) {
			ev.Debounced = append(ev.Debounced, label)
			continue
		}
		ev.Accepted[label] = score
	}
	return ev
}

// Package types defines the shared types used across all classbridge packages.
//
// These types form the lingua franca between detection sources, the filter
// pipeline, the UI bridge and the callback sinks. They are intentionally
// minimal. Each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"sort"
	"time"
)

// TimestampLayout is the wire format of [DetectionRecord.Timestamp]: ISO-8601
// in UTC with microsecond precision and an explicit "+00:00" designator.
const TimestampLayout = "2006-01-02T15:04:05.000000-07:00"

// Frame is one inference cycle's raw output: an unordered mapping from class
// label to confidence score. Frames are transient and are not retained after
// filtering.
type Frame struct {
	// Scores maps class label to a confidence score in [0,1].
	Scores map[string]float64

	// CapturedAt is when the source produced the frame. It is informational
	// only; outbound records carry the acceptance time instead. May be zero.
	CapturedAt time.Time
}

// Empty reports whether the frame carries no scores.
func (f Frame) Empty() bool { return len(f.Scores) == 0 }

// Detections is the subset of a [Frame] that survived threshold and debounce
// filtering in a single cycle, keyed by label.
type Detections map[string]float64

// Labels returns the labels of d in canonical order: descending confidence,
// ties broken by ascending label. Dispatch and serialisation both iterate in
// this order so repeated identical inputs produce identical output.
func (d Detections) Labels() []string {
	labels := make([]string, 0, len(d))
	for l := range d {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		ci, cj := d[labels[i]], d[labels[j]]
		if ci != cj {
			return ci > cj
		}
		return labels[i] < labels[j]
	})
	return labels
}

// Clone returns a shallow copy of d. Aggregate callbacks receive clones so one
// callback cannot mutate what the next one sees.
func (d Detections) Clone() Detections {
	c := make(Detections, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// DetectionRecord is the outbound wire entity sent to the UI on the
// "classifications" channel. One record is produced per accepted label per
// cycle.
type DetectionRecord struct {
	// Content is the class label.
	Content string `json:"content"`

	// Confidence is the score that cleared the threshold.
	Confidence float64 `json:"confidence"`

	// Timestamp is the moment of acceptance, formatted with [TimestampLayout].
	Timestamp string `json:"timestamp"`
}

// Records converts d into wire records stamped with at, in canonical order.
func (d Detections) Records(at time.Time) []DetectionRecord {
	ts := FormatTimestamp(at)
	out := make([]DetectionRecord, 0, len(d))
	for _, l := range d.Labels() {
		out = append(out, DetectionRecord{
			Content:    l,
			Confidence: d[l],
			Timestamp:  ts,
		})
	}
	return out
}

// FormatTimestamp renders t in UTC using [TimestampLayout].
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

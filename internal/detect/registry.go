package detect

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/classbridge/pkg/types"
)

// ClassCallback is invoked with no arguments when its label is accepted.
type ClassCallback func() error

// AllCallback is invoked once per non-empty cycle with every label accepted in
// that cycle.
type AllCallback func(types.Detections) error

// Callback kinds reported in [CallbackError.Kind].
const (
	KindClass = "class"
	KindAll   = "all"
)

// CallbackError reports a single callback that returned an error or panicked
// during [Registry.Dispatch].
type CallbackError struct {
	// Kind is [KindClass] or [KindAll].
	Kind string

	// Label is the accepted label for class callbacks, empty for aggregate ones.
	Label string

	// Index is the callback's position in its registration list.
	Index int

	// Err is the returned error or a description of the recovered panic.
	Err error
}

func (e *CallbackError) Error() string {
	if e.Kind == KindClass {
		return fmt.Sprintf("detect: %s callback #%d for %q: %v", e.Kind, e.Index, e.Label, e.Err)
	}
	return fmt.Sprintf("detect: %s callback #%d: %v", e.Kind, e.Index, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// Registry holds the per-class and aggregate callbacks. Registration is
// expected to happen before the pipeline starts; the lock only keeps a late
// registration from racing with a dispatch.
type Registry struct {
	mu      sync.RWMutex
	byClass map[string][]ClassCallback
	all     []AllCallback
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byClass: make(map[string][]ClassCallback)}
}

// OnClass appends cb to the callbacks for label. Earlier registrations run
// first; nothing is ever replaced.
func (r *Registry) OnClass(label string, cb ClassCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byClass[label] = append(r.byClass[label], cb)
}

// OnAll appends cb to the aggregate callbacks.
func (r *Registry) OnAll(cb AllCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, cb)
}

// Labels returns the labels that have at least one class callback, sorted.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byClass))
	for l := range r.byClass {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Dispatch invokes the registered callbacks for accepted:
//
//  1. If accepted is empty nothing runs, not even aggregate callbacks.
//  2. For each accepted label in [types.Detections.Labels] order, every class
//     callback for that label runs in registration order.
//  3. Then every aggregate callback runs in registration order with its own
//     copy of accepted.
//
// A failing or panicking callback does not stop the rest. All failures are
// returned joined, each as a *[CallbackError].
func (r *Registry) Dispatch(accepted types.Detections) error {
	if len(accepted) == 0 {
		return nil
	}

	r.mu.RLock()
	byClass := make(map[string][]ClassCallback, len(accepted))
	for label := range accepted {
		if cbs := r.byClass[label]; len(cbs) > 0 {
			byClass[label] = cbs
		}
	}
	all := r.all
	r.mu.RUnlock()

	var errs []error
	for _, label := range accepted.Labels() {
		for i, cb := range byClass[label] {
			if err := invoke(func() error { return cb() }); err != nil {
				errs = append(errs, &CallbackError{Kind: KindClass, Label: label, Index: i, Err: err})
			}
		}
	}

	for i, cb := range all {
		snapshot := accepted.Clone()
		if err := invoke(func() error { return cb(snapshot) }); err != nil {
			errs = append(errs, &CallbackError{Kind: KindAll, Index: i, Err: err})
		}
	}

	return errors.Join(errs...)
}

// invoke runs fn and converts a panic into an error.
func invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

package detect

import (
	"errors"
	"reflect"
	"testing"

	"github.com/MrWong99/classbridge/pkg/types"
)

func TestRegistry_DispatchOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var calls []string
	record := func(name string) ClassCallback {
		return func() error {
			calls = append(calls, name)
			return nil
		}
	}
	r.OnClass("b", record("b1"))
	r.OnClass("a", record("a1"))
	r.OnClass("b", record("b2"))
	r.OnClass("unused", record("never"))
	r.OnAll(func(d types.Detections) error {
		calls = append(calls, "all1")
		return nil
	})
	r.OnAll(func(d types.Detections) error {
		calls = append(calls, "all2")
		return nil
	})

	accepted := types.Detections{"a": 0.7, "b": 0.9}
	want := []string{"b1", "b2", "a1", "all1", "all2"}

	for i := range 5 {
		calls = nil
		if err := r.Dispatch(accepted); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if !reflect.DeepEqual(calls, want) {
			t.Fatalf("run %d: calls = %v, want %v", i, calls, want)
		}
	}
}

func TestRegistry_EmptyDispatchesNothing(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	called := false
	r.OnClass("a", func() error { called = true; return nil })
	r.OnAll(func(types.Detections) error { called = true; return nil })

	for _, in := range []types.Detections{nil, {}} {
		if err := r.Dispatch(in); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if called {
		t.Error("callback invoked for empty accepted set")
	}
}

func TestRegistry_AggregateGetsCopy(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var seen []types.Detections
	r.OnAll(func(d types.Detections) error {
		d["injected"] = 1
		return nil
	})
	r.OnAll(func(d types.Detections) error {
		seen = append(seen, d)
		return nil
	})

	accepted := types.Detections{"Drowsy": 0.9}
	if err := r.Dispatch(accepted); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(seen, []types.Detections{{"Drowsy": 0.9}}) {
		t.Errorf("second aggregate saw %v", seen)
	}
	if _, ok := accepted["injected"]; ok {
		t.Error("caller's map mutated")
	}
}

func TestRegistry_FailureIsolation(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	boom := errors.New("boom")
	var ran []string

	r.OnClass("a", func() error { ran = append(ran, "a1"); return boom })
	r.OnClass("a", func() error { ran = append(ran, "a2"); panic("kaput") })
	r.OnClass("a", func() error { ran = append(ran, "a3"); return nil })
	r.OnAll(func(types.Detections) error { ran = append(ran, "all1"); panic(errors.New("agg")) })
	r.OnAll(func(types.Detections) error { ran = append(ran, "all2"); return nil })

	err := r.Dispatch(types.Detections{"a": 0.8})
	if err == nil {
		t.Fatal("Dispatch returned nil, want joined errors")
	}
	if want := []string{"a1", "a2", "a3", "all1", "all2"}; !reflect.DeepEqual(ran, want) {
		t.Errorf("ran = %v, want %v", ran, want)
	}
	if !errors.Is(err, boom) {
		t.Error("joined error does not wrap the returned error")
	}

	var cbErr *CallbackError
	if !errors.As(err, &cbErr) {
		t.Fatal("errors.As(*CallbackError) failed")
	}
	if cbErr.Kind != KindClass || cbErr.Label != "a" || cbErr.Index != 0 {
		t.Errorf("first CallbackError = %+v", cbErr)
	}

	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		t.Fatal("error is not a join")
	}
	var kinds []string
	for _, e := range joined.Unwrap() {
		var ce *CallbackError
		if errors.As(e, &ce) {
			kinds = append(kinds, ce.Kind+":"+ce.Err.Error())
		}
	}
	want := []string{"class:boom", "class:panic: kaput", "all:panic: agg"}
	if !reflect.DeepEqual(kinds, want) {
		t.Errorf("failures = %v, want %v", kinds, want)
	}
}

func TestRegistry_Labels(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.OnClass("b", func() error { return nil })
	r.OnClass("a", func() error { return nil })
	r.OnClass("a", func() error { return nil })

	got := r.Labels()
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Labels() = %v", got)
	}
}

func TestCallbackError_Message(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  *CallbackError
		want string
	}{
		{&CallbackError{Kind: KindClass, Label: "Drowsy", Index: 1, Err: errors.New("x")}, `detect: class callback #1 for "Drowsy": x`},
		{&CallbackError{Kind: KindAll, Index: 0, Err: errors.New("y")}, `detect: all callback #0: y`},
	}
	for _, tc := range tests {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

package replay_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/classbridge/pkg/source"
	"github.com/MrWong99/classbridge/pkg/source/replay"
	"github.com/MrWong99/classbridge/pkg/types"
)

var _ source.Source = (*replay.Source)(nil)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frames.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func collect(t *testing.T, ch <-chan types.Frame, n int) []types.Frame {
	t.Helper()
	var got []types.Frame
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case f, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, f)
		case <-deadline:
			t.Fatalf("timed out after %d frames", len(got))
		}
	}
	return got
}

const sample = `# recorded 2026-05-01
{"Drowsy":0.9}

not json
{"scores":{"Awake":0.4},"captured_at":"2026-05-01T12:00:00Z"}
`

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := replay.New("", time.Second); err == nil {
		t.Error("empty path: want error")
	}
	if _, err := replay.New("x.jsonl", -time.Second); err == nil {
		t.Error("negative interval: want error")
	}
	if _, err := replay.New("x.jsonl", 0); err != nil {
		t.Errorf("zero interval: %v", err)
	}
}

func TestFrames_PlaysOnceInOrder(t *testing.T) {
	t.Parallel()

	stamp := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	src, err := replay.New(writeFile(t, sample), time.Millisecond,
		replay.WithClock(func() time.Time { return stamp }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	ch, err := src.Frames(context.Background())
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	got := collect(t, ch, 3)
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2 and a closed channel", len(got))
	}
	if got[0].Scores["Drowsy"] != 0.9 || !got[0].CapturedAt.Equal(stamp) {
		t.Errorf("frame 0 = %+v", got[0])
	}
	want := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if got[1].Scores["Awake"] != 0.4 || !got[1].CapturedAt.Equal(want) {
		t.Errorf("frame 1 = %+v", got[1])
	}
}

func TestFrames_Loop(t *testing.T) {
	t.Parallel()

	src, err := replay.New(writeFile(t, "{\"a\":0.1}\n{\"b\":0.2}\n"), time.Millisecond, replay.WithLoop(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	ch, err := src.Frames(context.Background())
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	got := collect(t, ch, 5)
	if len(got) != 5 {
		t.Fatalf("got %d frames, want 5", len(got))
	}
	for i, label := range []string{"a", "b", "a", "b", "a"} {
		if _, ok := got[i].Scores[label]; !ok {
			t.Errorf("frame %d = %v, want label %q", i, got[i].Scores, label)
		}
	}
}

func TestFrames_LoopKeepsCadence(t *testing.T) {
	t.Parallel()

	const interval = 50 * time.Millisecond
	src, err := replay.New(writeFile(t, "{\"a\":0.1}\n"), interval, replay.WithLoop(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	ch, err := src.Frames(context.Background())
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}

	window := time.After(6 * interval)
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				t.Fatal("channel closed while looping")
			}
			n++
			continue
		case <-window:
		}
		break
	}
	// First frame is immediate, then one per tick.
	if n < 2 || n > 8 {
		t.Errorf("got %d frames in %s, want about 7", n, 6*interval)
	}
}

func TestFrames_LoopWithNoValidLinesEnds(t *testing.T) {
	t.Parallel()

	src, err := replay.New(writeFile(t, "garbage\n\n"), time.Millisecond, replay.WithLoop(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { src.Close() })

	ch, err := src.Frames(context.Background())
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if got := collect(t, ch, 1); len(got) != 0 {
		t.Errorf("got %d frames, want 0", len(got))
	}
}

func TestFrames_MissingFile(t *testing.T) {
	t.Parallel()

	src, err := replay.New(filepath.Join(t.TempDir(), "nope.jsonl"), time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := src.Frames(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestClose_StopsPlayback(t *testing.T) {
	t.Parallel()

	src, err := replay.New(writeFile(t, "{\"a\":0.1}\n"), time.Hour, replay.WithLoop(true))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := src.Frames(context.Background())
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	collect(t, ch, 1)

	done := make(chan struct{})
	go func() {
		src.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after Close")
	}
	if _, err := src.Frames(context.Background()); !errors.Is(err, source.ErrClosed) {
		t.Errorf("Frames after Close err = %v, want ErrClosed", err)
	}
}

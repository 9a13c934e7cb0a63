package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/classbridge/internal/bridge"
	"github.com/MrWong99/classbridge/internal/bridge/mock"
	"github.com/MrWong99/classbridge/internal/detect"
	"github.com/MrWong99/classbridge/internal/health"
	"github.com/MrWong99/classbridge/internal/web"
	"github.com/MrWong99/classbridge/pkg/types"
)

// ── Helpers ──────────────────────────────────────────────────────────────────

type fakeLister struct {
	recs []types.DetectionRecord
	err  error

	mu        sync.Mutex
	lastLimit int
}

func (f *fakeLister) Recent(_ context.Context, limit int) ([]types.DetectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	return f.recs, f.err
}

func (f *fakeLister) limit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLimit
}

func newBridge(t *testing.T, v float64) *bridge.Bridge {
	t.Helper()
	th, err := detect.NewThreshold(v)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := testMetrics(t)
	return bridge.New(&mock.Sender{}, th, bridge.Config{}, bridge.WithMetrics(m))
}

func newServer(t *testing.T, cfg web.ServerConfig) *httptest.Server {
	t.Helper()
	m, _ := testMetrics(t)
	cfg.Observe = m
	srv := httptest.NewServer(web.NewServer(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

// ── Threshold API ────────────────────────────────────────────────────────────

func TestThresholdAPI_Get(t *testing.T) {
	t.Parallel()

	srv := newServer(t, web.ServerConfig{Threshold: newBridge(t, 0.5)})
	code, body := do(t, http.MethodGet, srv.URL+"/api/threshold", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var got struct{ Threshold float64 }
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if got.Threshold != 0.5 {
		t.Errorf("threshold = %v, want 0.5", got.Threshold)
	}
}

func TestThresholdAPI_Post(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantCode int
		want     float64
	}{
		{"wrapped number", `{"threshold":0.7}`, http.StatusOK, 0.7},
		{"bare number", `0.65`, http.StatusOK, 0.65},
		{"numeric string", `"0.3"`, http.StatusOK, 0.3},
		{"wrapped non-numeric", `{"threshold":"abc"}`, http.StatusBadRequest, 0.5},
		{"out of range", `{"threshold":2}`, http.StatusBadRequest, 0.5},
		{"missing field", `{}`, http.StatusBadRequest, 0.5},
		{"malformed", `{bad`, http.StatusBadRequest, 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			b := newBridge(t, 0.5)
			srv := newServer(t, web.ServerConfig{Threshold: b})

			code, body := do(t, http.MethodPost, srv.URL+"/api/threshold", tc.body)
			if code != tc.wantCode {
				t.Errorf("status = %d, want %d (body %s)", code, tc.wantCode, body)
			}
			if got := b.Threshold(); got != tc.want {
				t.Errorf("threshold = %v, want %v", got, tc.want)
			}
		})
	}
}

// ── Detections API ───────────────────────────────────────────────────────────

func TestDetectionsAPI(t *testing.T) {
	t.Parallel()

	rec := types.DetectionRecord{Content: "Drowsy", Confidence: 0.9, Timestamp: "2026-05-01T12:00:00.000000+00:00"}
	tests := []struct {
		name      string
		lister    *fakeLister
		query     string
		wantCode  int
		wantLimit int
		wantBody  string
	}{
		{"default limit", &fakeLister{recs: []types.DetectionRecord{rec}}, "", http.StatusOK, 50, `"content":"Drowsy"`},
		{"capped limit", &fakeLister{}, "?limit=9000", http.StatusOK, 500, `[]`},
		{"explicit limit", &fakeLister{}, "?limit=3", http.StatusOK, 3, `[]`},
		{"bad limit", &fakeLister{}, "?limit=x", http.StatusBadRequest, 0, "limit"},
		{"zero limit", &fakeLister{}, "?limit=0", http.StatusBadRequest, 0, "limit"},
		{"store error", &fakeLister{err: errors.New("conn refused")}, "", http.StatusInternalServerError, 50, "history unavailable"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, web.ServerConfig{Detections: tc.lister})
			code, body := do(t, http.MethodGet, srv.URL+"/api/detections"+tc.query, "")
			if code != tc.wantCode {
				t.Errorf("status = %d, want %d", code, tc.wantCode)
			}
			if got := tc.lister.limit(); got != tc.wantLimit {
				t.Errorf("limit = %d, want %d", got, tc.wantLimit)
			}
			if !strings.Contains(body, tc.wantBody) {
				t.Errorf("body = %s, want it to contain %s", body, tc.wantBody)
			}
		})
	}
}

// ── Routing ──────────────────────────────────────────────────────────────────

func TestServer_OptionalRoutes(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "classbridge_frames_total 3\n")
	})
	full := newServer(t, web.ServerConfig{
		Threshold:  newBridge(t, 0.5),
		Detections: &fakeLister{},
		Health:     health.New(),
		Metrics:    metrics,
	})
	bare := newServer(t, web.ServerConfig{})

	tests := []struct {
		path     string
		wantFull int
		wantBare int
	}{
		{"/api/threshold", http.StatusOK, http.StatusNotFound},
		{"/api/detections", http.StatusOK, http.StatusNotFound},
		{"/healthz", http.StatusOK, http.StatusNotFound},
		{"/readyz", http.StatusOK, http.StatusNotFound},
		{"/metrics", http.StatusOK, http.StatusNotFound},
	}
	for _, tc := range tests {
		if code, _ := do(t, http.MethodGet, full.URL+tc.path, ""); code != tc.wantFull {
			t.Errorf("full %s = %d, want %d", tc.path, code, tc.wantFull)
		}
		if code, _ := do(t, http.MethodGet, bare.URL+tc.path, ""); code != tc.wantBare {
			t.Errorf("bare %s = %d, want %d", tc.path, code, tc.wantBare)
		}
	}
}

func TestServer_ServesAssets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>dashboard</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	srv := newServer(t, web.ServerConfig{AssetsDir: dir})

	code, body := do(t, http.MethodGet, srv.URL+"/", "")
	if code != http.StatusOK || !strings.Contains(body, "dashboard") {
		t.Errorf("GET / = %d %q", code, body)
	}
}

func TestServer_WebSocketThroughMiddleware(t *testing.T) {
	t.Parallel()

	hub, _ := newHub(t, web.HubConfig{})
	srv := newServer(t, web.ServerConfig{Hub: hub})

	conn := dial(t, srv.URL+"/ws")
	waitFor(t, "client", func() bool { return hub.Clients() == 1 })
	if err := hub.Send(context.Background(), bridge.EventClassifications, []byte(`[]`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if env := readEnvelope(t, conn); env.Event != bridge.EventClassifications {
		t.Errorf("event = %q", env.Event)
	}
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	m, _ := testMetrics(t)
	s := web.NewServer(web.ServerConfig{Health: health.New(), Observe: m})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln, time.Second) }()

	code, _ := do(t, http.MethodGet, "http://"+ln.Addr().String()+"/healthz", "")
	if code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

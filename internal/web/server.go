package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/classbridge/internal/health"
	"github.com/MrWong99/classbridge/internal/observe"
	"github.com/MrWong99/classbridge/pkg/types"
)

// Limits for GET /api/detections.
const (
	defaultDetectionLimit = 50
	maxDetectionLimit     = 500
)

const maxBodyBytes = 4 << 10

// ThresholdController reads and overrides the shared threshold.
// *bridge.Bridge implements it.
type ThresholdController interface {
	Threshold() float64
	HandleOverride(ctx context.Context, sid string, payload json.RawMessage) error
}

// DetectionLister returns recently accepted detections, newest first.
type DetectionLister interface {
	Recent(ctx context.Context, limit int) ([]types.DetectionRecord, error)
}

// ServerConfig holds everything the HTTP server mounts. Nil fields leave the
// corresponding routes out.
type ServerConfig struct {
	// Addr is the TCP listen address.
	Addr string

	// AssetsDir, when set, is served at / as static files.
	AssetsDir string

	Hub        *Hub
	Threshold  ThresholdController
	Detections DetectionLister
	Health     *health.Handler
	Metrics    http.Handler

	// Observe supplies instruments for the request middleware.
	// Default: [observe.DefaultMetrics].
	Observe *observe.Metrics
}

// Server is the classbridge HTTP server.
type Server struct {
	cfg  ServerConfig
	http *http.Server
}

// NewServer builds the route table.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Observe == nil {
		cfg.Observe = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           observe.Middleware(cfg.Observe)(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	if s.cfg.Hub != nil {
		mux.Handle("GET /ws", s.cfg.Hub)
	}
	if s.cfg.Threshold != nil {
		mux.HandleFunc("GET /api/threshold", s.getThreshold)
		mux.HandleFunc("POST /api/threshold", s.postThreshold)
	}
	if s.cfg.Detections != nil {
		mux.HandleFunc("GET /api/detections", s.listDetections)
	}
	if s.cfg.Health != nil {
		s.cfg.Health.Register(mux)
	}
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}
	if s.cfg.AssetsDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.cfg.AssetsDir)))
	}
	return mux
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("web: serve: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.cfg.Hub != nil {
		s.cfg.Hub.Close()
	}
	if err := s.http.Shutdown(sctx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web: serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and calls [Server.Serve].
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.cfg.Addr, err)
	}
	slog.Info("http server listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln, shutdownTimeout)
}

// ── Handlers ──────────────────────────────────────────────────────────────────

type thresholdResponse struct {
	Threshold float64 `json:"threshold"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) getThreshold(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, thresholdResponse{Threshold: s.cfg.Threshold.Threshold()})
}

// postThreshold accepts {"threshold": 0.6} or a bare JSON value and applies
// it through the same path as the "override_th" channel.
func (s *Server) postThreshold(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "read body: " + err.Error()})
		return
	}

	payload := json.RawMessage(body)
	var wrapped struct {
		Threshold json.RawMessage `json:"threshold"`
	}
	if strings.HasPrefix(strings.TrimSpace(string(body)), "{") {
		if err := json.Unmarshal(body, &wrapped); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "decode body: " + err.Error()})
			return
		}
		payload = wrapped.Threshold
	}

	sid := "http:" + r.RemoteAddr
	if err := s.cfg.Threshold.HandleOverride(r.Context(), sid, payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, thresholdResponse{Threshold: s.cfg.Threshold.Threshold()})
}

func (s *Server) listDetections(w http.ResponseWriter, r *http.Request) {
	limit := defaultDetectionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxDetectionLimit)
	}

	recs, err := s.cfg.Detections.Recent(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("list detections failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	if recs == nil {
		recs = []types.DetectionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

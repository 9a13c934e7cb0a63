// Package web serves the UI layer: a WebSocket hub that carries the
// "classifications" and "override_th" channels, and the HTTP server that
// mounts it next to the JSON API, health probes and metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/classbridge/internal/bridge"
	"github.com/MrWong99/classbridge/internal/observe"
)

// EventError is sent back to a client whose inbound message failed.
const EventError = "error"

// Defaults for [HubConfig] fields left at zero.
const (
	DefaultClientQueue  = 16
	DefaultWriteTimeout = 5 * time.Second
)

// ErrHubClosed is returned by [Hub.Send] after [Hub.Close].
var ErrHubClosed = errors.New("web: hub closed")

// Envelope is the wire format of every WebSocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Handler processes one inbound message from session sid.
type Handler func(ctx context.Context, sid string, data json.RawMessage) error

// HubConfig tunes per-client delivery.
type HubConfig struct {
	// ClientQueue bounds messages waiting for one client's writer.
	ClientQueue int

	// WriteTimeout bounds a single frame write to one client.
	WriteTimeout time.Duration

	// Recent, when set, returns messages replayed to each new client.
	Recent func() []bridge.Message

	// OriginPatterns lists extra host patterns allowed to connect
	// cross-origin. See [websocket.AcceptOptions].
	OriginPatterns []string
}

// HubOption configures a [Hub].
type HubOption func(*Hub)

// WithHubMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithHubMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

// Hub fans outbound messages out to every connected UI session and routes
// inbound messages to registered handlers. Each client has its own bounded
// queue and writer goroutine; a slow client loses messages for itself only.
//
// Hub implements [bridge.Sender] and [http.Handler].
type Hub struct {
	cfg     HubConfig
	metrics *observe.Metrics

	mu       sync.RWMutex
	clients  map[string]*client
	handlers map[string]Handler
	closed   bool
}

// NewHub creates an empty Hub.
func NewHub(cfg HubConfig, opts ...HubOption) *Hub {
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = DefaultClientQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	h := &Hub{
		cfg:      cfg,
		clients:  make(map[string]*client),
		handlers: make(map[string]Handler),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// OnMessage registers fn for inbound messages with the given event name,
// replacing any earlier handler for that event.
func (h *Hub) OnMessage(event string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = fn
}

// Clients returns the number of connected sessions.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Send broadcasts one message to every connected client. It never blocks on
// a client: when a client's queue is full the message is dropped for that
// client. Sending with no clients connected succeeds.
func (h *Hub) Send(ctx context.Context, event string, payload []byte) error {
	msg, err := encode(event, payload)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Debug("ui client queue full, message dropped", "session", c.id, "event", event)
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket session and serves it until
// the client disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket upgrade failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, h.cfg.ClientQueue),
		cancel: cancel,
	}
	if !h.register(c) {
		cancel()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	h.metrics.UIClients.Add(ctx, 1)
	slog.Info("ui client connected", "session", c.id, "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, c)
	}()

	err = h.readLoop(ctx, c)

	h.unregister(c)
	cancel()
	<-writerDone
	h.metrics.UIClients.Add(context.Background(), -1)

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		slog.Info("ui client disconnected", "session", c.id)
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	slog.Info("ui client disconnected", "session", c.id, "err", err)
	conn.CloseNow()
}

// register adds c and queues the priming messages before any live message
// can reach it.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.cfg.Recent != nil {
		for _, m := range h.cfg.Recent() {
			msg, err := encode(m.Event, m.Payload)
			if err != nil {
				continue
			}
			select {
			case c.send <- msg:
			default:
			}
		}
	}
	h.clients[c.id] = c
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				slog.Debug("ui client write failed", "session", c.id, "err", err)
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			slog.Debug("ui message ignored", "session", c.id, "bytes", len(data))
			continue
		}
		h.dispatch(ctx, c, env)
	}
}

func (h *Hub) dispatch(ctx context.Context, c *client, env Envelope) {
	h.mu.RLock()
	fn := h.handlers[env.Event]
	h.mu.RUnlock()
	if fn == nil {
		slog.Debug("ui message without handler", "session", c.id, "event", env.Event)
		return
	}

	ctx, span := observe.StartSpan(ctx, "ui.message "+env.Event)
	defer span.End()

	if err := fn(ctx, c.id, env.Data); err != nil {
		observe.SpanError(span, err)
		h.reply(c, env.Event, err)
	}
}

// reply tells the client that its message for event failed.
func (h *Hub) reply(c *client, event string, cause error) {
	payload, err := json.Marshal(map[string]string{"event": event, "error": cause.Error()})
	if err != nil {
		return
	}
	msg, err := encode(EventError, payload)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, c := range h.clients {
		c.cancel()
	}
	return nil
}

func encode(event string, payload []byte) ([]byte, error) {
	data := json.RawMessage(payload)
	if len(payload) == 0 {
		data = json.RawMessage("null")
	}
	b, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("web: encode %q: %w", event, err)
	}
	return b, nil
}

var _ bridge.Sender = (*Hub)(nil)

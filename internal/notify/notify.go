// Package notify turns accepted detections of a given class into side
// effects: a log line, or a message posted to a Discord webhook.
//
// Each configured action becomes a per-class callback built by
// [Notifier.Action]. Rendering happens inline; webhook delivery happens on
// the notifier's own goroutine ([Notifier.Run]) so a slow Discord API never
// stalls a detection cycle.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/classbridge/internal/observe"
	"github.com/MrWong99/classbridge/internal/resilience"
	"github.com/MrWong99/classbridge/pkg/types"
)

// Action kinds.
const (
	KindLog     = "log"
	KindDiscord = "discord"
)

// DefaultMessage is rendered when an action has no message template.
const DefaultMessage = "{{.Label}} detected at {{.Timestamp}}"

// Defaults for [Config] fields left at zero.
const (
	DefaultQueueSize   = 16
	DefaultSendTimeout = 10 * time.Second
)

const sinkName = "notify"

var (
	// ErrQueueFull is returned by an action callback when its message was
	// dropped.
	ErrQueueFull = errors.New("notify: queue full")

	// ErrNoWebhook is returned by [Notifier.Action] for a Discord action on
	// a notifier built without a webhook.
	ErrNoWebhook = errors.New("notify: discord action without webhook")
)

// Webhook posts one message.
type Webhook interface {
	Execute(ctx context.Context, params *discordgo.WebhookParams) error
}

// DiscordWebhook executes a Discord webhook through a discordgo session.
type DiscordWebhook struct {
	session *discordgo.Session
	id      string
	token   string
}

// NewDiscordWebhook returns a [Webhook] for the webhook identified by id and
// token. Webhook execution needs no bot token.
func NewDiscordWebhook(id, token string) (*DiscordWebhook, error) {
	if id == "" || token == "" {
		return nil, errors.New("notify: webhook id and token are required")
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: create discord session: %w", err)
	}
	return &DiscordWebhook{session: s, id: id, token: token}, nil
}

// Execute implements [Webhook].
func (d *DiscordWebhook) Execute(ctx context.Context, params *discordgo.WebhookParams) error {
	_, err := d.session.WebhookExecute(d.id, d.token, false, params, discordgo.WithContext(ctx))
	return err
}

// Action describes one per-class side effect.
type Action struct {
	Label   string
	Kind    string
	Message string
}

// MessageData is the template context for action messages.
type MessageData struct {
	Label     string
	Time      time.Time
	Timestamp string
}

// Config tunes webhook delivery.
type Config struct {
	// Username overrides the webhook's display name.
	Username string

	QueueSize   int
	SendTimeout time.Duration
}

// Option configures a [Notifier].
type Option func(*Notifier)

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// WithClock overrides the time source used in messages.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// WithBreaker replaces the default webhook circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(n *Notifier) { n.breaker = cb }
}

type job struct {
	label string
	text  string
}

// Notifier builds action callbacks and delivers webhook messages.
type Notifier struct {
	webhook Webhook
	cfg     Config
	queue   chan job
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
	now     func() time.Time
}

// New creates a Notifier. webhook may be nil when only log actions are used.
func New(webhook Webhook, cfg Config, opts ...Option) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	n := &Notifier{
		webhook: webhook,
		cfg:     cfg,
		queue:   make(chan job, cfg.QueueSize),
		now:     time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	if n.breaker == nil {
		n.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "discord-webhook",
			MaxFailures:  3,
			ResetTimeout: time.Minute,
			CallTimeout:  cfg.SendTimeout,
		})
	}
	return n
}

// Action compiles a into a callback suitable for per-class registration.
func (n *Notifier) Action(a Action) (func() error, error) {
	text := a.Message
	if text == "" {
		text = DefaultMessage
	}
	tmpl, err := template.New(a.Label).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("notify: action %q: parse message: %w", a.Label, err)
	}

	switch a.Kind {
	case "", KindLog:
		return func() error {
			msg, err := n.render(tmpl, a.Label)
			if err != nil {
				return err
			}
			slog.Info("detection action", "label", a.Label, "message", msg)
			n.metrics.RecordSinkEvent(context.Background(), sinkName, observe.StatusSent)
			return nil
		}, nil
	case KindDiscord:
		if n.webhook == nil {
			return nil, fmt.Errorf("%w: %q", ErrNoWebhook, a.Label)
		}
		return func() error {
			msg, err := n.render(tmpl, a.Label)
			if err != nil {
				return err
			}
			return n.enqueue(job{label: a.Label, text: msg})
		}, nil
	default:
		return nil, fmt.Errorf("notify: action %q: unknown kind %q", a.Label, a.Kind)
	}
}

func (n *Notifier) render(tmpl *template.Template, label string) (string, error) {
	now := n.now()
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, MessageData{
		Label:     label,
		Time:      now,
		Timestamp: types.FormatTimestamp(now),
	}); err != nil {
		return "", fmt.Errorf("notify: render %q: %w", label, err)
	}
	return buf.String(), nil
}

func (n *Notifier) enqueue(j job) error {
	select {
	case n.queue <- j:
		return nil
	default:
		n.metrics.RecordSinkEvent(context.Background(), sinkName, observe.StatusDropped)
		return ErrQueueFull
	}
}

// Run delivers queued webhook messages until ctx is cancelled. It always
// returns nil.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if p := len(n.queue); p > 0 {
				slog.Info("notifier stopped with queued messages", "pending", p)
			}
			return nil
		case j := <-n.queue:
			n.deliver(ctx, j)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, j job) {
	err := n.breaker.Do(ctx, func(ctx context.Context) error {
		return n.webhook.Execute(ctx, &discordgo.WebhookParams{
			Content:  j.text,
			Username: n.cfg.Username,
		})
	})
	if err != nil {
		n.metrics.RecordSinkEvent(ctx, sinkName, observe.StatusFailed)
		slog.Warn("discord notification failed", "label", j.label, "err", err)
		return
	}
	n.metrics.RecordSinkEvent(ctx, sinkName, observe.StatusSent)
}

// Pending returns the number of queued webhook messages.
func (n *Notifier) Pending() int { return len(n.queue) }

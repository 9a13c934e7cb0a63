// Package mock provides a test double for notify.Webhook.
package mock

import (
	"context"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/classbridge/internal/notify"
)

// Webhook records every executed message.
type Webhook struct {
	mu sync.Mutex

	// Err is returned by Execute when non-nil.
	Err error

	// Params records all Execute calls.
	Params []*discordgo.WebhookParams

	// Executed, when non-nil, receives each message content after it is recorded.
	Executed chan string
}

// Execute records params and returns the configured error.
func (w *Webhook) Execute(_ context.Context, params *discordgo.WebhookParams) error {
	w.mu.Lock()
	w.Params = append(w.Params, params)
	err := w.Err
	ch := w.Executed
	w.mu.Unlock()
	if ch != nil {
		ch <- params.Content
	}
	return err
}

// Calls returns a copy of the recorded params.
func (w *Webhook) Calls() []*discordgo.WebhookParams {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*discordgo.WebhookParams(nil), w.Params...)
}

var _ notify.Webhook = (*Webhook)(nil)

// Package bot pairs a bot identity (API handle, owner) with the event
// source that delivers its events.
//
// A bot is built from Options by New:
//
//	b, err := bot.New(ctx, bot.Options{Name: "main", Token: token, GroupID: 1})
//	if err != nil {
//		return err
//	}
//	defer b.Close()
//
// Bots fed by the callback server have no Source; the engine dispatches
// pushed events for them directly.
package bot

import (
	"context"
	"errors"
	"io"

	"github.com/keepmind9/vkbot/internal/event"
)

// Source delivers batches of raw events
type Source interface {
	// Start performs setup; calling it again is a no-op
	Start(ctx context.Context) error
	// NextBatch blocks until events arrive or the poll wait elapses
	NextBatch(ctx context.Context) ([]event.Event, error)
	// Close aborts a pending NextBatch and releases the connection
	Close() error
}

// Bot is one logged-in identity
type Bot struct {
	Identity *event.Identity
	Source   Source // nil for callback-only bots

	closers []io.Closer
}

// NewBot assembles a bot from parts. closers run after the source on Close.
func NewBot(identity *event.Identity, source Source, closers ...io.Closer) *Bot {
	return &Bot{Identity: identity, Source: source, closers: closers}
}

// Name returns the configured bot name
func (b *Bot) Name() string {
	return b.Identity.Name
}

// Polls reports whether the bot reads events itself
func (b *Bot) Polls() bool {
	return b.Source != nil
}

// Close closes the source and then the API session
func (b *Bot) Close() error {
	var errs []error
	if b.Source != nil {
		if err := b.Source.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

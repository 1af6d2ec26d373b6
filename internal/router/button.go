package router

import (
	"context"
	"fmt"

	"github.com/keepmind9/vkbot/internal/api"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ButtonHandler answers a button press. For a text button a non-empty reply
// is sent to the conversation; for a callback button Snackbar is shown to
// the presser and any text is sent to the conversation.
type ButtonHandler func(ctx context.Context, press *ButtonPress) (event.Reply, error)

// ButtonPress is a decoded {"command": ..., "args": {...}} payload
type ButtonPress struct {
	Command string
	Args    map[string]any
	PeerID  int64
	UserID  int64
	// EventID is set for callback buttons only
	EventID string
	Bot     *event.Identity
	// Message is set for text buttons only
	Message *event.MessageContext
}

// IsCallback reports whether the press came from a callback button
func (b *ButtonPress) IsCallback() bool {
	return b.EventID != ""
}

// OnButton registers the handler for a button command name
func (p *Package) OnButton(name string, h ButtonHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buttons[name] = h
}

// HandlesButton reports whether a handler is registered for the command
func (p *Package) HandlesButton(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.buttons[name]
	return ok
}

// TextPress decodes the payload of a message sent by a text button
func TextPress(mctx *event.MessageContext) (*ButtonPress, bool) {
	name, args, ok := mctx.Message.ButtonCommand()
	if !ok {
		return nil, false
	}
	return &ButtonPress{
		Command: name,
		Args:    args,
		PeerID:  mctx.Message.PeerID,
		UserID:  mctx.Message.FromID,
		Bot:     mctx.Bot,
		Message: mctx,
	}, true
}

// CallbackPress decodes a message_event
func CallbackPress(ev event.Event, bot *event.Identity) (*ButtonPress, bool) {
	if ev.Type != event.TypeMessageEvent {
		return nil, false
	}
	press := callbackTarget(ev, bot)
	payload := ev.Object.Get("payload")
	raw := payload.Raw
	// some clients deliver the payload as a JSON-encoded string
	if payload.Type == gjson.String {
		raw = payload.String()
	}
	name, args, ok := event.ParseButtonPayload(raw)
	if !ok {
		return nil, false
	}
	press.Command = name
	press.Args = args
	return press, true
}

func callbackTarget(ev event.Event, bot *event.Identity) *ButtonPress {
	obj := ev.Object
	return &ButtonPress{
		PeerID:  obj.Get("peer_id").Int(),
		UserID:  obj.Get("user_id").Int(),
		EventID: obj.Get("event_id").String(),
		Bot:     bot,
	}
}

// AcknowledgeCallback answers a message_event nobody handles so the client
// stops waiting for it.
func AcknowledgeCallback(ctx context.Context, ev event.Event, bot *event.Identity) error {
	press, ok := CallbackPress(ev, bot)
	if !ok {
		press = callbackTarget(ev, bot)
	}
	if press.EventID == "" {
		return nil
	}
	return AnswerCallback(ctx, press, "")
}

func (p *Package) dispatchButton(ctx context.Context, press *ButtonPress) error {
	p.mu.RLock()
	h, ok := p.buttons[press.Command]
	p.mu.RUnlock()
	if !ok {
		return nil
	}

	reply, err := h(ctx, press)
	if err != nil {
		return err
	}

	if press.IsCallback() {
		if err := AnswerCallback(ctx, press, reply.Snackbar); err != nil {
			return err
		}
	}
	if reply.Empty() {
		return nil
	}
	if press.Message != nil {
		_, err = press.Message.Answer(ctx, reply)
	} else {
		_, err = event.Send(ctx, press.Bot.API, press.PeerID, reply)
	}
	return err
}

// AnswerCallback acknowledges a callback button press, optionally showing a
// snackbar to the user who pressed it.
func AnswerCallback(ctx context.Context, press *ButtonPress, snackbar string) error {
	params := api.Params{"event_id": press.EventID}.
		SetInt("user_id", press.UserID).
		SetInt("peer_id", press.PeerID)
	if snackbar != "" {
		data, err := sjson.Set(`{"type":"show_snackbar"}`, "text", snackbar)
		if err != nil {
			return fmt.Errorf("failed to build event data: %w", err)
		}
		params.Set("event_data", data)
	}

	if _, err := press.Bot.API.Call(ctx, "messages.sendMessageEventAnswer", params); err != nil {
		logger.WithFields(logrus.Fields{
			"button":   press.Command,
			"event_id": press.EventID,
			"error":    err,
		}).Warn("failed-to-answer-callback-button")
		return fmt.Errorf("failed to answer button %s: %w", press.Command, err)
	}
	return nil
}

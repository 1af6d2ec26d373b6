package event

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/keepmind9/vkbot/internal/api"
	"github.com/keepmind9/vkbot/pkg/constants"
)

// Reply is an outgoing message. Keyboard and Template are opaque JSON.
type Reply struct {
	Text           string
	Keyboard       string
	Template       string
	Attachments    []string
	Payload        string
	Snackbar       string
	DontParseLinks bool
}

// Text builds a text-only reply
func Text(s string) Reply {
	return Reply{Text: s}
}

// Textf builds a formatted text-only reply
func Textf(format string, args ...any) Reply {
	return Reply{Text: fmt.Sprintf(format, args...)}
}

// Empty reports whether the reply has nothing to send
func (r Reply) Empty() bool {
	return r.Text == "" && len(r.Attachments) == 0 && r.Keyboard == "" && r.Template == ""
}

// Params renders the reply as messages.send parameters
func (r Reply) Params(peerID int64) api.Params {
	p := api.Params{}.
		SetInt("peer_id", peerID).
		SetInt("random_id", RandomID())

	text := r.Text
	if runes := []rune(text); len(runes) > constants.MaxMessageLength {
		text = string(runes[:constants.MaxMessageLength])
	}
	if text != "" {
		p.Set("message", text)
	}
	if r.Keyboard != "" {
		p.Set("keyboard", r.Keyboard)
	}
	if r.Template != "" {
		p.Set("template", r.Template)
	}
	if len(r.Attachments) > 0 {
		p.Set("attachment", strings.Join(r.Attachments, ","))
	}
	if r.Payload != "" {
		p.Set("payload", r.Payload)
	}
	if r.DontParseLinks {
		p.SetBool("dont_parse_links", true)
	}
	return p
}

// RandomID returns a positive 31-bit id used to deduplicate sends
func RandomID() int64 {
	return int64(uuid.New().ID() & 0x7fffffff)
}

// Send delivers r to peerID through messages.send and returns the message id
func Send(ctx context.Context, caller api.Caller, peerID int64, r Reply) (int64, error) {
	if r.Empty() {
		return 0, nil
	}
	res, err := caller.Call(ctx, "messages.send", r.Params(peerID))
	if err != nil {
		return 0, fmt.Errorf("failed to send reply to %d: %w", peerID, err)
	}
	return res.Int(), nil
}

package event

import (
	"encoding/json"
	"fmt"

	"github.com/keepmind9/vkbot/pkg/constants"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Message is a read-only record of one message
type Message struct {
	ID                    int64
	ConversationMessageID int64
	PeerID                int64
	FromID                int64
	Date                  int64
	Text                  string
	Payload               string
	Out                   bool
	Reply                 *Message
	Forwarded             []Message
	Raw                   gjson.Result
}

// ParseMessage reads a message object
func ParseMessage(obj gjson.Result) Message {
	m := Message{
		ID:                    obj.Get("id").Int(),
		ConversationMessageID: obj.Get("conversation_message_id").Int(),
		PeerID:                obj.Get("peer_id").Int(),
		FromID:                obj.Get("from_id").Int(),
		Date:                  obj.Get("date").Int(),
		Text:                  obj.Get("text").String(),
		Payload:               obj.Get("payload").String(),
		Out:                   obj.Get("out").Int() == 1,
		Raw:                   obj,
	}
	if r := obj.Get("reply_message"); r.Exists() {
		reply := ParseMessage(r)
		m.Reply = &reply
	}
	for _, f := range obj.Get("fwd_messages").Array() {
		m.Forwarded = append(m.Forwarded, ParseMessage(f))
	}
	return m
}

// MessageFromEvent extracts the message of a group message event. Newer API
// versions wrap it as {"message": ..., "client_info": ...}.
func MessageFromEvent(e Event) (Message, bool) {
	if e.IsLegacy() || !e.IsMessage() {
		return Message{}, false
	}
	if inner := e.Object.Get("message"); inner.IsObject() {
		return ParseMessage(inner), true
	}
	return ParseMessage(e.Object), true
}

// IsChat reports whether the message was sent to a multi-user chat
func (m Message) IsChat() bool {
	return m.PeerID >= constants.ChatPeerOffset
}

// ButtonCommand decodes a {"command": ..., "args": {...}} payload
func (m Message) ButtonCommand() (string, map[string]any, bool) {
	return ParseButtonPayload(m.Payload)
}

// ParseButtonPayload decodes a button payload into its handler name and arguments
func ParseButtonPayload(payload string) (string, map[string]any, bool) {
	if payload == "" || !gjson.Valid(payload) {
		return "", nil, false
	}
	root := gjson.Parse(payload)
	cmd := root.Get("command")
	if cmd.Type != gjson.String || cmd.String() == "" {
		return "", nil, false
	}
	args := map[string]any{}
	if a := root.Get("args"); a.IsObject() {
		if m, ok := a.Value().(map[string]interface{}); ok {
			args = m
		}
	}
	return cmd.String(), args, true
}

// ButtonPayload builds the payload string for an interactive button
func ButtonPayload(command string, args map[string]any) (string, error) {
	payload, err := sjson.Set(`{}`, "command", command)
	if err != nil {
		return "", fmt.Errorf("failed to set command: %w", err)
	}
	if len(args) == 0 {
		return payload, nil
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode button args: %w", err)
	}
	return sjson.SetRaw(payload, "args", string(encoded))
}

// Package event holds the read-only views the dispatcher hands to handlers:
// raw long-poll events, messages materialized from them and the per-message
// context carrying the bot identity.
package event

import (
	"fmt"
	"strconv"

	"github.com/tidwall/gjson"
)

// Group session event types
const (
	TypeMessageNew          = "message_new"
	TypeMessageEdit         = "message_edit"
	TypeMessageReply        = "message_reply"
	TypeMessageEvent        = "message_event"
	TypeMessageAllow        = "message_allow"
	TypeMessageDeny         = "message_deny"
	TypeGroupJoin           = "group_join"
	TypeGroupLeave          = "group_leave"
	TypeWallPostNew         = "wall_post_new"
	TypeConfirmation        = "confirmation"
	TypeUserBlock           = "user_block"
	TypeUserUnblock         = "user_unblock"
	TypeGroupChangeSettings = "group_change_settings"
)

// User session (legacy) event codes
const (
	LegacyFlagsReplace  = 1
	LegacyFlagsSet      = 2
	LegacyFlagsReset    = 3
	LegacyMessageNew    = 4
	LegacyMessageEdit   = 5
	LegacyReadIn        = 6
	LegacyReadOut       = 7
	LegacyFriendOnline  = 8
	LegacyFriendOffline = 9
	LegacyTyping        = 63
)

// Event is an immutable view over one raw long-poll record. Group sessions
// deliver objects with a string type; user sessions deliver arrays whose
// first element is a numeric code.
type Event struct {
	Type       string
	LegacyType int
	Object     gjson.Result
	EventID    string
	GroupID    int64
	Raw        string
}

// FromRaw wraps one element of a long-poll "updates" array
func FromRaw(raw gjson.Result) (Event, error) {
	switch {
	case raw.IsArray():
		fields := raw.Array()
		if len(fields) == 0 {
			return Event{}, fmt.Errorf("empty legacy event")
		}
		return Event{
			LegacyType: int(fields[0].Int()),
			Object:     raw,
			Raw:        raw.Raw,
		}, nil
	case raw.IsObject():
		t := raw.Get("type")
		if !t.Exists() {
			return Event{}, fmt.Errorf("event without type: %s", raw.Raw)
		}
		return Event{
			Type:    t.String(),
			Object:  raw.Get("object"),
			EventID: raw.Get("event_id").String(),
			GroupID: raw.Get("group_id").Int(),
			Raw:     raw.Raw,
		}, nil
	default:
		return Event{}, fmt.Errorf("unsupported event shape: %s", raw.Raw)
	}
}

// Parse wraps a raw JSON record
func Parse(raw string) (Event, error) {
	if !gjson.Valid(raw) {
		return Event{}, fmt.Errorf("invalid event json")
	}
	return FromRaw(gjson.Parse(raw))
}

// IsLegacy reports whether the event came from a user session
func (e Event) IsLegacy() bool {
	return e.Type == ""
}

// Key is the handler table key: the type name, or the decimal legacy code
func (e Event) Key() string {
	if e.IsLegacy() {
		return LegacyKey(e.LegacyType)
	}
	return e.Type
}

// LegacyKey is the handler table key for a legacy event code
func LegacyKey(code int) string {
	return strconv.Itoa(code)
}

// Field returns the i-th element of a legacy event
func (e Event) Field(i int) gjson.Result {
	if !e.IsLegacy() {
		return gjson.Result{}
	}
	return e.Object.Get(strconv.Itoa(i))
}

// Equal compares events by their dedup token, falling back to raw content
func (e Event) Equal(other Event) bool {
	if e.EventID != "" || other.EventID != "" {
		return e.EventID == other.EventID
	}
	return e.Raw == other.Raw
}

// IsMessage reports whether the event carries a new or edited message
func (e Event) IsMessage() bool {
	if e.IsLegacy() {
		return e.LegacyType == LegacyMessageNew
	}
	return e.Type == TypeMessageNew || e.Type == TypeMessageEdit
}

// IsTerseMessage reports whether the message must be fetched by id before use
func (e Event) IsTerseMessage() bool {
	return e.IsLegacy() && e.LegacyType == LegacyMessageNew
}

// TerseMessageID returns the message id carried by a legacy new-message event
func (e Event) TerseMessageID() int64 {
	return e.Field(1).Int()
}

package event

import (
	"context"
	"sync"

	"github.com/keepmind9/vkbot/internal/api"
)

// Identity is the bot a message was received by
type Identity struct {
	Name    string
	API     api.Caller
	GroupID int64 // zero for user sessions
	OwnerID int64 // the token owner: a user id, or the negated group id
}

// MessageContext is built once per message event and shared by every
// handler of that event. Only ArgumentPayload is mutable, and commands get a
// private copy of it for each parse attempt through ForParse.
type MessageContext struct {
	Event           Event
	Message         Message
	Bot             *Identity
	ArgumentPayload *Scratch
}

// NewMessageContext creates a context with an empty scratch mapping
func NewMessageContext(ev Event, msg Message, bot *Identity) *MessageContext {
	return &MessageContext{
		Event:           ev,
		Message:         msg,
		Bot:             bot,
		ArgumentPayload: NewScratch(),
	}
}

// ForParse returns a shallow copy with a fresh scratch mapping
func (m *MessageContext) ForParse() *MessageContext {
	c := *m
	c.ArgumentPayload = NewScratch()
	return &c
}

// Text is the message text
func (m *MessageContext) Text() string {
	return m.Message.Text
}

// Answer sends r to the conversation the message came from
func (m *MessageContext) Answer(ctx context.Context, r Reply) (int64, error) {
	return Send(ctx, m.Bot.API, m.Message.PeerID, r)
}

// IsFromOwner reports whether the sender owns the bot token
func (m *MessageContext) IsFromOwner() bool {
	return m.Bot != nil && m.Bot.OwnerID != 0 && m.Message.FromID == m.Bot.OwnerID
}

// Scratch is a small concurrency-safe key/value store
type Scratch struct {
	mu     sync.Mutex
	values map[string]any
}

// NewScratch creates an empty Scratch
func NewScratch() *Scratch {
	return &Scratch{values: make(map[string]any)}
}

// Get returns the value stored under key
func (s *Scratch) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key
func (s *Scratch) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// NextIndex returns the integer stored under key (zero if absent) and
// stores that value plus one.
func (s *Scratch) NextIndex(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := s.values[key].(int)
	s.values[key] = n + 1
	return n
}

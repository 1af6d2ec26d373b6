package command

import "github.com/keepmind9/vkbot/internal/event"

// Invocation is what a handler receives: the message context and the
// extracted arguments.
type Invocation struct {
	Context *event.MessageContext
	Command *Command
	Prefix  string
	Name    string
	Args    map[string]any
	Ordered []any
}

// Message is a shortcut for the triggering message
func (inv *Invocation) Message() event.Message {
	return inv.Context.Message
}

// Has reports whether the argument is present and non-nil
func (inv *Invocation) Has(name string) bool {
	v, ok := inv.Args[name]
	return ok && v != nil
}

// Arg returns the named argument as T, or the zero value when it is absent
// or of another type.
func Arg[T any](inv *Invocation, name string) T {
	v, _ := inv.Args[name].(T)
	return v
}

// ArgOr is Arg with a fallback
func ArgOr[T any](inv *Invocation, name string, fallback T) T {
	if v, ok := inv.Args[name].(T); ok {
		return v
	}
	return fallback
}

// List converts a sequence argument into a []T, skipping elements of other types
func List[T any](inv *Invocation, name string) []T {
	raw, _ := inv.Args[name].([]any)
	out := make([]T, 0, len(raw))
	for _, v := range raw {
		if t, ok := v.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

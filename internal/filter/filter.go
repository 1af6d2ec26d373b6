// Package filter provides composable predicates over a message context.
//
// A filter passes by returning nil and rejects by returning an error that
// wraps ErrRejected. And and Or short-circuit on that outcome, so the right
// operand of And never runs after a rejection and the right operand of Or
// never runs after a pass. Errors not wrapping ErrRejected are hard failures
// and stop evaluation immediately.
package filter

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/keepmind9/vkbot/internal/event"
)

// ErrRejected marks a filter that does not let the message through
var ErrRejected = errors.New("filter rejected")

// Filter decides whether a message may proceed
type Filter interface {
	Decide(ctx context.Context, mctx *event.MessageContext) error
}

// Func adapts a function to Filter
type Func func(ctx context.Context, mctx *event.MessageContext) error

// Decide implements Filter
func (f Func) Decide(ctx context.Context, mctx *event.MessageContext) error {
	return f(ctx, mctx)
}

// Reject builds a rejection with a reason
func Reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// IsRejected reports whether err is a soft rejection
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Predicate turns a boolean check into a Filter
func Predicate(name string, fn func(mctx *event.MessageContext) bool) Filter {
	return Func(func(_ context.Context, mctx *event.MessageContext) error {
		if fn(mctx) {
			return nil
		}
		return Reject("%s", name)
	})
}

type and struct{ left, right Filter }

func (f and) Decide(ctx context.Context, mctx *event.MessageContext) error {
	if err := f.left.Decide(ctx, mctx); err != nil {
		return err
	}
	return f.right.Decide(ctx, mctx)
}

type or struct{ left, right Filter }

func (f or) Decide(ctx context.Context, mctx *event.MessageContext) error {
	err := f.left.Decide(ctx, mctx)
	if err == nil || !IsRejected(err) {
		return err
	}
	return f.right.Decide(ctx, mctx)
}

// And passes when every filter passes, evaluated left to right
func And(filters ...Filter) Filter {
	return fold(filters, func(l, r Filter) Filter { return and{l, r} })
}

// Or passes when any filter passes, evaluated left to right
func Or(filters ...Filter) Filter {
	return fold(filters, func(l, r Filter) Filter { return or{l, r} })
}

func fold(filters []Filter, join func(l, r Filter) Filter) Filter {
	if len(filters) == 0 {
		return Always()
	}
	acc := filters[0]
	for _, f := range filters[1:] {
		acc = join(acc, f)
	}
	return acc
}

// Not inverts a filter. Hard errors pass through unchanged.
func Not(f Filter) Filter {
	return Func(func(ctx context.Context, mctx *event.MessageContext) error {
		err := f.Decide(ctx, mctx)
		switch {
		case err == nil:
			return Reject("negated filter passed")
		case IsRejected(err):
			return nil
		}
		return err
	})
}

// Always passes
func Always() Filter {
	return Func(func(context.Context, *event.MessageContext) error { return nil })
}

// FromUsers passes messages sent by one of ids
func FromUsers(ids ...int64) Filter {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return Predicate("sender not allowed", func(mctx *event.MessageContext) bool {
		_, ok := set[mctx.Message.FromID]
		return ok
	})
}

// FromOwner passes messages sent by the owner of the bot token
func FromOwner() Filter {
	return Predicate("sender is not the owner", func(mctx *event.MessageContext) bool {
		return mctx.IsFromOwner()
	})
}

// ChatOnly passes messages sent to multi-user chats
func ChatOnly() Filter {
	return Predicate("not a chat", func(mctx *event.MessageContext) bool {
		return mctx.Message.IsChat()
	})
}

// DirectOnly passes private messages
func DirectOnly() Filter {
	return Predicate("not a direct message", func(mctx *event.MessageContext) bool {
		return !mctx.Message.IsChat()
	})
}

// PeerIn passes messages from the given conversations
func PeerIn(peers ...int64) Filter {
	set := make(map[int64]struct{}, len(peers))
	for _, p := range peers {
		set[p] = struct{}{}
	}
	return Predicate("peer not allowed", func(mctx *event.MessageContext) bool {
		_, ok := set[mctx.Message.PeerID]
		return ok
	})
}

// TextMatches passes messages whose text matches re
func TextMatches(re *regexp.Regexp) Filter {
	return Predicate("text does not match", func(mctx *event.MessageContext) bool {
		return re.MatchString(mctx.Message.Text)
	})
}

// HasForwards passes messages with a reply or forwarded messages
func HasForwards() Filter {
	return Predicate("no reply or forwarded messages", func(mctx *event.MessageContext) bool {
		return mctx.Message.Reply != nil || len(mctx.Message.Forwarded) > 0
	})
}

// Notify wraps f and, when it rejects, answers the sender with text. The
// rejection is still returned so the command does not fire.
func Notify(f Filter, text string) Filter {
	return Func(func(ctx context.Context, mctx *event.MessageContext) error {
		err := f.Decide(ctx, mctx)
		if err == nil || !IsRejected(err) {
			return err
		}
		if _, sendErr := mctx.Answer(ctx, event.Text(text)); sendErr != nil {
			return fmt.Errorf("%w (notification failed: %v)", err, sendErr)
		}
		return err
	})
}

// Describe renders a rejection for logs
func Describe(err error) string {
	if err == nil {
		return "passed"
	}
	return strings.TrimPrefix(err.Error(), ErrRejected.Error()+": ")
}

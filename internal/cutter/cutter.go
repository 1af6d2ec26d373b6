// Package cutter implements composable argument parsers. A cutter consumes a
// prefix of the remaining command text and yields a typed value together with
// the unconsumed remainder.
//
// A cutter that does not apply to the text returns an error wrapping
// ErrNoMatch. Any other error (a failed remote lookup, a cancelled context)
// is a hard failure and is reported rather than treated as a mismatch.
//
// Cutters hold only their configuration and may be shared between commands
// and goroutines. Per-parse state lives in the MessageContext scratch mapping.
package cutter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/keepmind9/vkbot/internal/event"
)

// ErrNoMatch marks a cutter that does not apply to the input
var ErrNoMatch = errors.New("argument does not match")

// Cutter consumes a prefix of text
type Cutter interface {
	Cut(ctx context.Context, mctx *event.MessageContext, text string) (Result, error)
	// Describe is a short human readable form used in usage messages
	Describe() string
}

// Result is a parsed value and the text left after it
type Result struct {
	Value  any
	Remain string
}

// Error is a mismatch with a reason
type Error struct {
	Cutter string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Cutter, e.Reason)
}

// Unwrap lets errors.Is(err, ErrNoMatch) succeed
func (e *Error) Unwrap() error {
	return ErrNoMatch
}

func fail(cutter, format string, args ...any) error {
	return &Error{Cutter: cutter, Reason: fmt.Sprintf(format, args...)}
}

// IsNoMatch reports whether err is a soft mismatch
func IsNoMatch(err error) bool {
	return errors.Is(err, ErrNoMatch)
}

// TrimSeparators strips leading whitespace and at most one comma
func TrimSeparators(text string) string {
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if strings.HasPrefix(text, ",") {
		text = strings.TrimLeftFunc(text[1:], unicode.IsSpace)
	}
	return text
}

// Func adapts a function to Cutter
type Func struct {
	Name string
	Fn   func(ctx context.Context, mctx *event.MessageContext, text string) (Result, error)
}

// Cut implements Cutter
func (f Func) Cut(ctx context.Context, mctx *event.MessageContext, text string) (Result, error) {
	return f.Fn(ctx, mctx, text)
}

// Describe implements Cutter
func (f Func) Describe() string {
	return f.Name
}

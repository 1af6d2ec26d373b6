package cutter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/keepmind9/vkbot/internal/event"
)

var (
	intPattern   = regexp.MustCompile(`^[+-]?\d+`)
	floatPattern = regexp.MustCompile(`^[+-]?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][+-]?\d+)?`)
	wordPattern  = regexp.MustCompile(`^[^\s,]+`)
)

// Integer parses a signed decimal integer into int64
type Integer struct {
	Min *int64
	Max *int64
}

// Int returns an unbounded Integer
func Int() *Integer {
	return &Integer{}
}

// IntRange returns an Integer accepting values in [min, max]
func IntRange(min, max int64) *Integer {
	return &Integer{Min: &min, Max: &max}
}

// Cut implements Cutter
func (c *Integer) Cut(_ context.Context, _ *event.MessageContext, text string) (Result, error) {
	lit := intPattern.FindString(text)
	if lit == "" {
		return Result{}, fail("int", "expected an integer")
	}
	n, err := strconv.ParseInt(lit, 10, 64)
	if err != nil {
		return Result{}, fail("int", "%s does not fit into 64 bits", lit)
	}
	if c.Min != nil && n < *c.Min {
		return Result{}, fail("int", "%d is less than %d", n, *c.Min)
	}
	if c.Max != nil && n > *c.Max {
		return Result{}, fail("int", "%d is greater than %d", n, *c.Max)
	}
	return Result{Value: n, Remain: text[len(lit):]}, nil
}

// Describe implements Cutter
func (c *Integer) Describe() string {
	switch {
	case c.Min != nil && c.Max != nil:
		return fmt.Sprintf("<int %d..%d>", *c.Min, *c.Max)
	case c.Min != nil:
		return fmt.Sprintf("<int >=%d>", *c.Min)
	case c.Max != nil:
		return fmt.Sprintf("<int <=%d>", *c.Max)
	}
	return "<int>"
}

// Float parses a decimal number into float64
type Float struct{}

// Cut implements Cutter
func (Float) Cut(_ context.Context, _ *event.MessageContext, text string) (Result, error) {
	lit := floatPattern.FindString(text)
	if lit == "" {
		return Result{}, fail("float", "expected a number")
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return Result{}, fail("float", "%s is not a valid number", lit)
	}
	return Result{Value: f, Remain: text[len(lit):]}, nil
}

// Describe implements Cutter
func (Float) Describe() string {
	return "<float>"
}

// Word consumes a run of characters up to whitespace or a comma
type Word struct {
	MinLen int
	MaxLen int
}

// Cut implements Cutter
func (c Word) Cut(_ context.Context, _ *event.MessageContext, text string) (Result, error) {
	w := wordPattern.FindString(text)
	if w == "" {
		return Result{}, fail("word", "expected a word")
	}
	if err := checkLength("word", w, c.MinLen, c.MaxLen); err != nil {
		return Result{}, err
	}
	return Result{Value: w, Remain: text[len(w):]}, nil
}

// Describe implements Cutter
func (Word) Describe() string {
	return "<word>"
}

// String consumes all remaining text, trailing whitespace excluded
type String struct {
	MinLen int
	MaxLen int
}

// Cut implements Cutter
func (c String) Cut(_ context.Context, _ *event.MessageContext, text string) (Result, error) {
	s := strings.TrimRightFunc(text, unicode.IsSpace)
	if s == "" {
		return Result{}, fail("string", "expected text")
	}
	if err := checkLength("string", s, c.MinLen, c.MaxLen); err != nil {
		return Result{}, err
	}
	return Result{Value: s, Remain: ""}, nil
}

// Describe implements Cutter
func (String) Describe() string {
	return "<text>"
}

func checkLength(name, s string, min, max int) error {
	n := utf8.RuneCountInString(s)
	if min > 0 && n < min {
		return fail(name, "shorter than %d characters", min)
	}
	if max > 0 && n > max {
		return fail(name, "longer than %d characters", max)
	}
	return nil
}

var (
	trueWords  = []string{"true", "yes", "on", "1", "+", "да", "вкл"}
	falseWords = []string{"false", "no", "off", "0", "-", "нет", "выкл"}
)

// Bool parses common yes/no spellings
type Bool struct{}

// Cut implements Cutter
func (Bool) Cut(_ context.Context, _ *event.MessageContext, text string) (Result, error) {
	w := wordPattern.FindString(text)
	lower := strings.ToLower(w)
	for _, t := range trueWords {
		if lower == t {
			return Result{Value: true, Remain: text[len(w):]}, nil
		}
	}
	for _, f := range falseWords {
		if lower == f {
			return Result{Value: false, Remain: text[len(w):]}, nil
		}
	}
	return Result{}, fail("bool", "expected yes or no")
}

// Describe implements Cutter
func (Bool) Describe() string {
	return "<yes|no>"
}

// Literal matches one of a fixed set of words and yields the configured
// spelling of the matched option.
type Literal struct {
	Options       []string
	CaseSensitive bool
}

// OneOf returns a case-insensitive Literal
func OneOf(options ...string) *Literal {
	return &Literal{Options: options}
}

// Cut implements Cutter
func (c *Literal) Cut(_ context.Context, _ *event.MessageContext, text string) (Result, error) {
	// longest option first so "ab" wins over "a"
	best := ""
	for _, opt := range c.Options {
		if len(opt) <= len(best) || len(opt) > len(text) {
			continue
		}
		head := text[:len(opt)]
		if head == opt || (!c.CaseSensitive && strings.EqualFold(head, opt)) {
			if atBoundary(text[len(opt):]) {
				best = opt
			}
		}
	}
	if best == "" {
		return Result{}, fail("literal", "expected one of %s", strings.Join(c.Options, ", "))
	}
	return Result{Value: best, Remain: text[len(best):]}, nil
}

// Describe implements Cutter
func (c *Literal) Describe() string {
	return "<" + strings.Join(c.Options, "|") + ">"
}

func atBoundary(rest string) bool {
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsSpace(r) || r == ','
}

// Regex matches a pattern anchored at the start of the text. The value is
// the whole match, or the submatch slice when the pattern has groups.
type Regex struct {
	pattern *regexp.Regexp
	name    string
}

// Pattern compiles expr; a leading ^ is added when missing
func Pattern(name, expr string) (*Regex, error) {
	if !strings.HasPrefix(expr, "^") {
		expr = "^(?:" + expr + ")"
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern for %s: %w", name, err)
	}
	return &Regex{pattern: re, name: name}, nil
}

// MustPattern is Pattern that panics on error
func MustPattern(name, expr string) *Regex {
	r, err := Pattern(name, expr)
	if err != nil {
		panic(err)
	}
	return r
}

// Cut implements Cutter
func (c *Regex) Cut(_ context.Context, _ *event.MessageContext, text string) (Result, error) {
	m := c.pattern.FindStringSubmatch(text)
	if m == nil || m[0] == "" {
		return Result{}, fail(c.name, "does not match %s", c.pattern.String())
	}
	var value any = m[0]
	if len(m) > 1 {
		value = m[1:]
	}
	return Result{Value: value, Remain: text[len(m[0]):]}, nil
}

// Describe implements Cutter
func (c *Regex) Describe() string {
	return "<" + c.name + ">"
}

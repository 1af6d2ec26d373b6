package cutter

import (
	"context"
	"fmt"
	"strings"

	"github.com/keepmind9/vkbot/internal/event"
)

// Optional succeeds with a default value when the inner cutter does not
// match. The fallback consumes no input.
type Optional struct {
	Inner   Cutter
	Default any
	// Factory, when set, produces the default instead of Default
	Factory func() any
}

// Maybe wraps inner with a fixed default
func Maybe(inner Cutter, def any) *Optional {
	return &Optional{Inner: inner, Default: def}
}

// Cut implements Cutter
func (c *Optional) Cut(ctx context.Context, mctx *event.MessageContext, text string) (Result, error) {
	res, err := c.Inner.Cut(ctx, mctx, text)
	if err == nil {
		return res, nil
	}
	if !IsNoMatch(err) {
		return Result{}, err
	}
	def := c.Default
	if c.Factory != nil {
		def = c.Factory()
	}
	return Result{Value: def, Remain: text}, nil
}

// Describe implements Cutter
func (c *Optional) Describe() string {
	return "[" + strings.Trim(c.Inner.Describe(), "<>") + "]"
}

// Union tries each cutter in order; the first match wins
type Union struct {
	Cutters []Cutter
}

// AnyOf builds a Union
func AnyOf(cutters ...Cutter) *Union {
	return &Union{Cutters: cutters}
}

// Cut implements Cutter
func (c *Union) Cut(ctx context.Context, mctx *event.MessageContext, text string) (Result, error) {
	reasons := make([]string, 0, len(c.Cutters))
	for _, inner := range c.Cutters {
		res, err := inner.Cut(ctx, mctx, text)
		if err == nil {
			return res, nil
		}
		if !IsNoMatch(err) {
			return Result{}, err
		}
		reasons = append(reasons, err.Error())
	}
	return Result{}, fail("union", "no alternative matched (%s)", strings.Join(reasons, "; "))
}

// Describe implements Cutter
func (c *Union) Describe() string {
	parts := make([]string, len(c.Cutters))
	for i, inner := range c.Cutters {
		parts[i] = strings.Trim(inner.Describe(), "<>")
	}
	return "<" + strings.Join(parts, "|") + ">"
}

// Sequence applies Inner repeatedly, allowing whitespace and an optional
// comma between occurrences, until it stops matching. Zero occurrences is a
// valid result unless Min says otherwise.
type Sequence struct {
	Inner Cutter
	Min   int
	Max   int // zero means unbounded
	// Unique drops repeated values, keeping the first occurrence
	Unique bool
}

// List builds a Sequence producing every occurrence
func List(inner Cutter) *Sequence {
	return &Sequence{Inner: inner}
}

// Set builds a Sequence without repeated values
func Set(inner Cutter) *Sequence {
	return &Sequence{Inner: inner, Unique: true}
}

// Cut implements Cutter. The value is a []any.
func (c *Sequence) Cut(ctx context.Context, mctx *event.MessageContext, text string) (Result, error) {
	values := []any{}
	seen := map[string]struct{}{}
	remain := text

	for c.Max == 0 || len(values) < c.Max {
		candidate := remain
		if len(values) > 0 {
			candidate = TrimSeparators(remain)
		}
		mark := markForwardIndex(mctx)
		res, err := c.Inner.Cut(ctx, mctx, candidate)
		if err != nil {
			if !IsNoMatch(err) {
				return Result{}, err
			}
			break
		}
		if res.Remain == candidate {
			// a non-consuming inner cutter would loop forever; its context
			// fallback is left for the arguments after the sequence
			mark.restore()
			break
		}
		remain = res.Remain
		if c.Unique {
			key := fmt.Sprintf("%T:%v", res.Value, res.Value)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		values = append(values, res.Value)
	}

	if len(values) < c.Min {
		return Result{}, fail("sequence", "expected at least %d of %s, got %d", c.Min, c.Inner.Describe(), len(values))
	}
	return Result{Value: values, Remain: remain}, nil
}

// Describe implements Cutter
func (c *Sequence) Describe() string {
	return c.Inner.Describe() + "..."
}

// forwardMark remembers the context fallback position of one parse
type forwardMark struct {
	scratch *event.Scratch
	index   int
}

func markForwardIndex(mctx *event.MessageContext) forwardMark {
	if mctx == nil || mctx.ArgumentPayload == nil {
		return forwardMark{}
	}
	i, _ := mctx.ArgumentPayload.Get(ScratchForwardIndex)
	n, _ := i.(int)
	return forwardMark{scratch: mctx.ArgumentPayload, index: n}
}

func (m forwardMark) restore() {
	if m.scratch != nil {
		m.scratch.Set(ScratchForwardIndex, m.index)
	}
}

// Group applies distinct cutters back to back without separators. The value
// is a []any with one element per cutter.
type Group struct {
	Cutters []Cutter
}

// Tuple builds a Group
func Tuple(cutters ...Cutter) *Group {
	return &Group{Cutters: cutters}
}

// Cut implements Cutter
func (c *Group) Cut(ctx context.Context, mctx *event.MessageContext, text string) (Result, error) {
	values := make([]any, 0, len(c.Cutters))
	remain := text
	for i, inner := range c.Cutters {
		res, err := inner.Cut(ctx, mctx, remain)
		if err != nil {
			if IsNoMatch(err) {
				return Result{}, fail("group", "element %d: %v", i+1, err)
			}
			return Result{}, err
		}
		values = append(values, res.Value)
		remain = res.Remain
	}
	return Result{Value: values, Remain: remain}, nil
}

// Describe implements Cutter
func (c *Group) Describe() string {
	var b strings.Builder
	for _, inner := range c.Cutters {
		b.WriteString(inner.Describe())
	}
	return b.String()
}

// Map converts the value of a successful inner cut
type Map struct {
	Inner Cutter
	Fn    func(any) (any, error)
}

// Cut implements Cutter. An error from Fn is reported as a mismatch.
func (c *Map) Cut(ctx context.Context, mctx *event.MessageContext, text string) (Result, error) {
	res, err := c.Inner.Cut(ctx, mctx, text)
	if err != nil {
		return Result{}, err
	}
	v, err := c.Fn(res.Value)
	if err != nil {
		return Result{}, fail(c.Inner.Describe(), "%v", err)
	}
	return Result{Value: v, Remain: res.Remain}, nil
}

// Describe implements Cutter
func (c *Map) Describe() string {
	return c.Inner.Describe()
}

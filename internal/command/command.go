// Package command binds a name/prefix pattern, an ordered argument table, an
// optional filter and a handler into a single routable unit.
//
// For each message a Command:
//
//  1. matches the text against prefix+name (no match: silently skipped)
//  2. runs the argument cutters in declaration order against the rest of
//     the text; any mismatch or leftover text means the command does not
//     apply
//  3. evaluates its filter
//  4. calls the handler and sends back a non-empty reply
package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/keepmind9/vkbot/internal/cutter"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/filter"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/sirupsen/logrus"
)

// DefaultPrefixes are used when a command is created without prefixes
var DefaultPrefixes = []string{"/", "!"}

// Handler runs a matched command. A non-empty reply is sent to the
// conversation the message came from.
type Handler func(ctx context.Context, inv *Invocation) (event.Reply, error)

// InvalidArgumentFunc is called when an argument fails to parse
type InvalidArgumentFunc func(ctx context.Context, mctx *event.MessageContext, cmd *Command, argErr *ArgumentError)

// ArgSpec is one entry of the argument table
type ArgSpec struct {
	Name   string
	Cutter cutter.Cutter
}

// ArgumentError describes the argument that stopped extraction
type ArgumentError struct {
	Position int // 1-based
	Name     string
	Missing  bool // the text ran out before this argument
	Err      error
}

func (e *ArgumentError) Error() string {
	if e.Missing {
		return fmt.Sprintf("argument #%d (%s) is missing", e.Position, e.Name)
	}
	return fmt.Sprintf("argument #%d (%s) is invalid: %v", e.Position, e.Name, e.Err)
}

func (e *ArgumentError) Unwrap() error {
	return e.Err
}

// Command is configured once during setup. Prefixes and names may change
// later; the routing pattern is rebuilt under the same lock.
type Command struct {
	mu            sync.RWMutex
	prefixes      []string
	names         []string
	caseSensitive bool
	pattern       *regexp.Regexp

	args        []ArgSpec
	filter      filter.Filter
	handler     Handler
	onInvalid   InvalidArgumentFunc
	description string
	registry    *cutter.Registry
	setupErrs   []error
}

// New creates a command answering to names with the default prefixes
func New(names ...string) *Command {
	c := &Command{
		prefixes: append([]string(nil), DefaultPrefixes...),
		names:    append([]string(nil), names...),
		registry: cutter.NewRegistry(),
	}
	c.compile()
	return c
}

// WithRegistry sets the registry Arg resolves type names against
func (c *Command) WithRegistry(r *cutter.Registry) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = r
	return c
}

// Prefixes replaces the prefixes
func (c *Command) Prefixes(prefixes ...string) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixes = append([]string(nil), prefixes...)
	c.compile()
	return c
}

// Names replaces the names
func (c *Command) Names(names ...string) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append([]string(nil), names...)
	c.compile()
	return c
}

// Alias adds names
func (c *Command) Alias(names ...string) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, names...)
	c.compile()
	return c
}

// CaseSensitive toggles case-sensitive matching of prefix and name
func (c *Command) CaseSensitive(on bool) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caseSensitive = on
	c.compile()
	return c
}

// compile must be called with mu held for writing
func (c *Command) compile() {
	quote := func(items []string) string {
		sorted := append([]string(nil), items...)
		// longest first so alternation prefers "echoall" over "echo"
		sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
		parts := make([]string, len(sorted))
		for i, s := range sorted {
			parts[i] = regexp.QuoteMeta(s)
		}
		return strings.Join(parts, "|")
	}

	if len(c.names) == 0 {
		c.pattern = nil
		return
	}
	prefixes := c.prefixes
	if len(prefixes) == 0 {
		prefixes = []string{""}
	}

	flags := "(?s)"
	if !c.caseSensitive {
		flags = "(?is)"
	}
	c.pattern = regexp.MustCompile(flags + `^(` + quote(prefixes) + `)(` + quote(c.names) + `)(?:\s|$)`)
}

// Arg appends an argument whose cutter is looked up by declared type name.
// An unknown type is recorded and reported by Validate.
func (c *Command) Arg(name, typeName string) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, err := c.registry.Lookup(typeName)
	if err != nil {
		c.setupErrs = append(c.setupErrs, fmt.Errorf("argument %q: %w", name, err))
		return c
	}
	c.args = append(c.args, ArgSpec{Name: name, Cutter: ct})
	return c
}

// ArgCutter appends an argument with an explicit cutter
func (c *Command) ArgCutter(name string, ct cutter.Cutter) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct == nil {
		c.setupErrs = append(c.setupErrs, fmt.Errorf("argument %q: nil cutter", name))
		return c
	}
	c.args = append(c.args, ArgSpec{Name: name, Cutter: ct})
	return c
}

// Filter sets the filter chain; several filters are combined with And
func (c *Command) Filter(filters ...filter.Filter) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filter != nil {
		filters = append([]filter.Filter{c.filter}, filters...)
	}
	c.filter = filter.And(filters...)
	return c
}

// OnInvalidArgument sets the callback for argument failures
func (c *Command) OnInvalidArgument(fn InvalidArgumentFunc) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onInvalid = fn
	return c
}

// Describe sets the help text
func (c *Command) Describe(text string) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.description = text
	return c
}

// Handle sets the handler
func (c *Command) Handle(h Handler) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return c
}

// Validate reports setup mistakes: unknown argument types, duplicate
// argument names, a missing handler or name.
func (c *Command) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	errs := append([]error(nil), c.setupErrs...)
	if len(c.names) == 0 {
		errs = append(errs, errors.New("command has no names"))
	}
	if c.handler == nil {
		errs = append(errs, errors.New("command has no handler"))
	}
	seen := map[string]struct{}{}
	for _, a := range c.args {
		if _, dup := seen[a.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate argument %q", a.Name))
		}
		seen[a.Name] = struct{}{}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("command %s: %w", c.label(), errors.Join(errs...))
}

func (c *Command) label() string {
	if len(c.names) == 0 {
		return "<unnamed>"
	}
	return c.names[0]
}

// Name is the first configured name
func (c *Command) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.label()
}

// Description is the help text
func (c *Command) Description() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.description
}

// Usage renders the first prefix and name followed by the argument forms
func (c *Command) Usage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var b strings.Builder
	if len(c.prefixes) > 0 {
		b.WriteString(c.prefixes[0])
	}
	b.WriteString(c.label())
	for _, a := range c.args {
		b.WriteByte(' ')
		b.WriteString(a.Cutter.Describe())
	}
	return b.String()
}

// Match reports whether text starts with one of the prefixes immediately
// followed by one of the names. It returns the matched prefix and name and
// the text after them.
func (c *Command) Match(text string) (prefix, name, rest string, ok bool) {
	c.mu.RLock()
	pattern := c.pattern
	c.mu.RUnlock()
	if pattern == nil {
		return "", "", "", false
	}
	loc := pattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", "", "", false
	}
	return text[loc[2]:loc[3]], text[loc[4]:loc[5]], text[loc[1]:], true
}

type snapshot struct {
	args      []ArgSpec
	filter    filter.Filter
	handler   Handler
	onInvalid InvalidArgumentFunc
}

func (c *Command) snapshot() snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return snapshot{args: c.args, filter: c.filter, handler: c.handler, onInvalid: c.onInvalid}
}

// Extract runs the argument table against rest. The returned error is an
// *ArgumentError for a mismatch, ErrTrailingText for leftover input, or a
// hard failure from a cutter.
func (c *Command) Extract(ctx context.Context, mctx *event.MessageContext, rest string) (map[string]any, []any, error) {
	return extract(ctx, mctx, c.snapshot().args, rest)
}

// ErrTrailingText marks input left over after the last argument
var ErrTrailingText = errors.New("unexpected trailing text")

func extract(ctx context.Context, mctx *event.MessageContext, args []ArgSpec, rest string) (map[string]any, []any, error) {
	values := make(map[string]any, len(args))
	ordered := make([]any, 0, len(args))
	remain := strings.TrimLeftFunc(rest, unicode.IsSpace)

	for i, spec := range args {
		if i > 0 {
			remain = cutter.TrimSeparators(remain)
		}
		res, err := spec.Cutter.Cut(ctx, mctx, remain)
		if err != nil {
			if !cutter.IsNoMatch(err) {
				return nil, nil, fmt.Errorf("argument %q: %w", spec.Name, err)
			}
			return nil, nil, &ArgumentError{
				Position: i + 1,
				Name:     spec.Name,
				Missing:  strings.TrimSpace(remain) == "",
				Err:      err,
			}
		}
		values[spec.Name] = res.Value
		ordered = append(ordered, res.Value)
		remain = res.Remain
	}

	if strings.TrimSpace(cutter.TrimSeparators(remain)) != "" {
		return nil, nil, fmt.Errorf("%w: %q", ErrTrailingText, remain)
	}
	return values, ordered, nil
}

// HandleMessage routes one message through the command. It reports whether
// the handler ran. Mismatches and filter rejections return (false, nil);
// handler failures and failed replies return the error.
func (c *Command) HandleMessage(ctx context.Context, mctx *event.MessageContext) (bool, error) {
	prefix, name, rest, ok := c.Match(mctx.Text())
	if !ok {
		return false, nil
	}
	s := c.snapshot()
	if s.handler == nil {
		return false, nil
	}

	pctx := mctx.ForParse()
	values, ordered, err := extract(ctx, pctx, s.args, rest)
	if err != nil {
		var argErr *ArgumentError
		switch {
		case errors.As(err, &argErr):
			logger.WithFields(logrus.Fields{
				"command":  name,
				"position": argErr.Position,
				"argument": argErr.Name,
				"missing":  argErr.Missing,
			}).Debug("command-argument-mismatch")
			if s.onInvalid != nil {
				s.onInvalid(ctx, mctx, c, argErr)
			}
			return false, nil
		case errors.Is(err, ErrTrailingText):
			logger.WithField("command", name).Debug("command-trailing-text")
			return false, nil
		}
		return false, fmt.Errorf("command %s: %w", name, err)
	}

	if s.filter != nil {
		if err := s.filter.Decide(ctx, pctx); err != nil {
			if filter.IsRejected(err) {
				logger.WithFields(logrus.Fields{
					"command": name,
					"reason":  filter.Describe(err),
				}).Debug("command-filter-rejected")
				return false, nil
			}
			return false, fmt.Errorf("command %s filter: %w", name, err)
		}
	}

	inv := &Invocation{
		Context: pctx,
		Command: c,
		Prefix:  prefix,
		Name:    name,
		Args:    values,
		Ordered: ordered,
	}
	reply, err := s.handler(ctx, inv)
	if err != nil {
		return true, fmt.Errorf("command %s: %w", name, err)
	}
	if reply.Empty() {
		return true, nil
	}
	if _, err := mctx.Answer(ctx, reply); err != nil {
		return true, fmt.Errorf("command %s reply: %w", name, err)
	}
	return true, nil
}

// UsageNotifier answers argument failures with a short corrective message
func UsageNotifier() InvalidArgumentFunc {
	return func(ctx context.Context, mctx *event.MessageContext, cmd *Command, argErr *ArgumentError) {
		text := fmt.Sprintf("%s\nUsage: %s", argErr.Error(), cmd.Usage())
		if _, err := mctx.Answer(ctx, event.Text(text)); err != nil {
			logger.WithFields(logrus.Fields{
				"command": cmd.Name(),
				"error":   err,
			}).Warn("failed-to-send-usage-message")
		}
	}
}

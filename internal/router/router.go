// Package router groups commands, raw event handlers, message handlers,
// button handlers and lifecycle hooks into a Package, and fans one incoming
// event out to all of them concurrently.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/keepmind9/vkbot/internal/command"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/filter"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/sirupsen/logrus"
)

// EventHandler receives every event of the type it was registered for
type EventHandler func(ctx context.Context, ev event.Event, bot *event.Identity) error

// MessageHandler receives every message that passes the package filter
type MessageHandler func(ctx context.Context, mctx *event.MessageContext) error

// Hook runs once at startup or shutdown
type Hook func(ctx context.Context) error

// Package is configured during setup and read-only afterwards
type Package struct {
	name string

	mu          sync.RWMutex
	commands    []*command.Command
	events      map[string][]EventHandler
	messages    []MessageHandler
	buttons     map[string]ButtonHandler
	startup     []Hook
	shutdown    []Hook
	filter      filter.Filter
	fanoutLimit int
}

// New creates an empty package
func New(name string) *Package {
	return &Package{
		name:    name,
		events:  make(map[string][]EventHandler),
		buttons: make(map[string]ButtonHandler),
	}
}

// Name returns the package name
func (p *Package) Name() string {
	return p.name
}

// SetFanoutLimit caps concurrently running tasks of one fan-out; zero removes the cap
func (p *Package) SetFanoutLimit(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fanoutLimit = n
}

// AddCommand validates and registers commands. Nothing is registered if
// any of them is invalid.
func (p *Package) AddCommand(cmds ...*command.Command) error {
	var errs []error
	for _, c := range cmds {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("package %s: %w", p.name, errors.Join(errs...))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = append(p.commands, cmds...)
	return nil
}

// MustAddCommand is AddCommand that panics on setup errors
func (p *Package) MustAddCommand(cmds ...*command.Command) {
	if err := p.AddCommand(cmds...); err != nil {
		panic(err)
	}
}

// Commands returns the registered commands
func (p *Package) Commands() []*command.Command {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*command.Command(nil), p.commands...)
}

// OnEvent registers a handler for a group event type such as "group_join"
func (p *Package) OnEvent(eventType string, h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[eventType] = append(p.events[eventType], h)
}

// OnLegacyEvent registers a handler for a numeric user session event code
func (p *Package) OnLegacyEvent(code int, h EventHandler) {
	p.OnEvent(event.LegacyKey(code), h)
}

// OnMessage registers a plain message handler
func (p *Package) OnMessage(h MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, h)
}

// OnStartup registers a startup hook
func (p *Package) OnStartup(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startup = append(p.startup, h)
}

// OnShutdown registers a shutdown hook
func (p *Package) OnShutdown(h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = append(p.shutdown, h)
}

// Filter attaches a package-wide filter. Several calls combine with And.
func (p *Package) Filter(filters ...filter.Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filter != nil {
		filters = append([]filter.Filter{p.filter}, filters...)
	}
	p.filter = filter.And(filters...)
}

// EventTypes lists the event keys with registered handlers
func (p *Package) EventTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0, len(p.events))
	for k := range p.events {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Startup runs the startup hooks in registration order and stops at the
// first failure.
func (p *Package) Startup(ctx context.Context) error {
	p.mu.RLock()
	hooks := append([]Hook(nil), p.startup...)
	p.mu.RUnlock()

	for i, h := range hooks {
		if err := h(ctx); err != nil {
			return fmt.Errorf("package %s startup hook %d: %w", p.name, i, err)
		}
	}
	return nil
}

// Shutdown runs every shutdown hook and joins their errors
func (p *Package) Shutdown(ctx context.Context) error {
	p.mu.RLock()
	hooks := append([]Hook(nil), p.shutdown...)
	p.mu.RUnlock()

	var errs []error
	for i, h := range hooks {
		if err := h(ctx); err != nil {
			errs = append(errs, fmt.Errorf("package %s shutdown hook %d: %w", p.name, i, err))
		}
	}
	return errors.Join(errs...)
}

// HandleEvent runs the handlers registered for the event's type, plus
// callback button dispatch for message_event, and waits for all of them.
func (p *Package) HandleEvent(ctx context.Context, ev event.Event, bot *event.Identity) error {
	p.mu.RLock()
	handlers := append([]EventHandler(nil), p.events[ev.Key()]...)
	limit := p.fanoutLimit
	p.mu.RUnlock()

	tasks := make([]Task, 0, len(handlers)+1)
	for i, h := range handlers {
		h := h
		tasks = append(tasks, Task{
			Name: fmt.Sprintf("event %s #%d", ev.Key(), i),
			Run: func(ctx context.Context) error {
				return h(ctx, ev, bot)
			},
		})
	}
	if ev.Type == event.TypeMessageEvent {
		if press, ok := CallbackPress(ev, bot); ok {
			tasks = append(tasks, Task{
				Name: "button " + press.Command,
				Run: func(ctx context.Context) error {
					return p.dispatchButton(ctx, press)
				},
			})
		}
	}
	return FanOut(ctx, p.name, limit, tasks)
}

// HandleMessage evaluates the package filter and, if it passes, runs button
// dispatch, every command and every message handler concurrently.
func (p *Package) HandleMessage(ctx context.Context, mctx *event.MessageContext) error {
	p.mu.RLock()
	f := p.filter
	commands := append([]*command.Command(nil), p.commands...)
	messages := append([]MessageHandler(nil), p.messages...)
	limit := p.fanoutLimit
	p.mu.RUnlock()

	if f != nil {
		if err := f.Decide(ctx, mctx); err != nil {
			if filter.IsRejected(err) {
				logger.WithFields(logrus.Fields{
					"package": p.name,
					"reason":  filter.Describe(err),
				}).Debug("package-filter-rejected")
				return nil
			}
			return fmt.Errorf("package %s filter: %w", p.name, err)
		}
	}

	tasks := make([]Task, 0, len(commands)+len(messages)+1)
	if press, ok := TextPress(mctx); ok {
		tasks = append(tasks, Task{
			Name: "button " + press.Command,
			Run: func(ctx context.Context) error {
				return p.dispatchButton(ctx, press)
			},
		})
	}
	for _, c := range commands {
		c := c
		tasks = append(tasks, Task{
			Name: "command " + c.Name(),
			Run: func(ctx context.Context) error {
				_, err := c.HandleMessage(ctx, mctx)
				return err
			},
		})
	}
	for i, h := range messages {
		h := h
		tasks = append(tasks, Task{
			Name: fmt.Sprintf("message handler #%d", i),
			Run: func(ctx context.Context) error {
				return h(ctx, mctx)
			},
		})
	}
	return FanOut(ctx, p.name, limit, tasks)
}

package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keepmind9/vkbot/internal/api"
	"github.com/keepmind9/vkbot/internal/bot"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/keepmind9/vkbot/internal/longpoll"
	"github.com/keepmind9/vkbot/internal/router"
	"github.com/keepmind9/vkbot/pkg/constants"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrStopped is returned by Dispatch once the engine has stopped
var ErrStopped = errors.New("engine stopped")

// Engine is the core dispatch engine that owns the bots and the packages
type Engine struct {
	config *Config

	mu       sync.RWMutex
	bots     []*bot.Bot
	packages []*router.Package

	sem            *semaphore.Weighted // in-flight event limit
	inflight       sync.WaitGroup      // detached dispatch tasks
	admitMu        sync.Mutex          // orders inflight.Add against drain
	draining       bool
	handlerTimeout time.Duration
	fanoutLimit    int

	callbackServer *http.Server
	callbackAddr   net.Addr
	seen           *eventLog // callback event ids

	ctx      context.Context    // Context for cancellation
	cancel   context.CancelFunc // Cancel function for graceful shutdown
	stopOnce sync.Once
}

// NewEngine creates a new Engine instance
func NewEngine(config *Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	maxInFlight := config.Dispatch.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = constants.DefaultMaxInFlight
	}
	fanoutLimit := config.Dispatch.FanoutLimit
	if fanoutLimit <= 0 {
		fanoutLimit = constants.DefaultFanoutLimit
	}

	return &Engine{
		config:         config,
		sem:            semaphore.NewWeighted(int64(maxInFlight)),
		handlerTimeout: config.HandlerTimeout(),
		fanoutLimit:    fanoutLimit,
		seen:           newEventLog(constants.DuplicateEventWindow),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// RegisterBot registers a bot
func (e *Engine) RegisterBot(b *bot.Bot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bots = append(e.bots, b)
}

// RegisterPackage registers a package and applies the fan-out limit to it
func (e *Engine) RegisterPackage(p *router.Package) {
	p.SetFanoutLimit(e.fanoutLimit)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.packages = append(e.packages, p)
}

// Packages returns the registered packages
func (e *Engine) Packages() []*router.Package {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*router.Package(nil), e.packages...)
}

// Bots returns the registered bots
func (e *Engine) Bots() []*bot.Bot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*bot.Bot(nil), e.bots...)
}

// Run starts every package, runs one receive loop per polling bot and
// blocks until ctx ends, Stop is called or a loop fails. A loop fails only
// on unrecoverable source errors, which are returned. In-flight events are
// drained and shutdown hooks run before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	logger.Info("starting-vkbot-engine")

	bots := e.Bots()
	packages := e.Packages()
	if len(bots) == 0 {
		return errors.New("no bots registered")
	}
	defer e.closeBots(bots)

	for _, p := range packages {
		if err := p.Startup(ctx); err != nil {
			return fmt.Errorf("failed to start packages: %w", err)
		}
		logger.WithField("package", p.Name()).Info("package-started")
	}
	defer e.shutdownPackages(packages)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlink := context.AfterFunc(e.ctx, cancel)
	defer unlink()

	if e.config.Callback.Enabled {
		if err := e.startCallbackServer(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(runCtx)
	polling := 0
	for _, b := range bots {
		if !b.Polls() {
			continue
		}
		polling++
		b := b
		g.Go(func() error {
			return e.receive(gctx, b)
		})
	}
	if polling == 0 {
		<-runCtx.Done()
	}
	err := g.Wait()

	e.stopCallbackServer()
	e.admitMu.Lock()
	e.draining = true
	e.admitMu.Unlock()

	logger.Info("waiting-for-in-flight-events")
	e.inflight.Wait()
	return err
}

// receive is the loop of one bot: it never waits for handlers, only for
// the admission limit.
func (e *Engine) receive(ctx context.Context, b *bot.Bot) error {
	log := logger.WithField("bot", b.Name())

	if err := b.Source.Start(ctx); err != nil {
		if errors.Is(err, longpoll.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		log.WithField("error", err).Error("receive-loop-setup-failed")
		return fmt.Errorf("bot %s: %w", b.Name(), err)
	}
	log.Info("receive-loop-started")

	for {
		events, err := b.Source.NextBatch(ctx)
		if err != nil {
			if errors.Is(err, longpoll.ErrClosed) {
				log.Info("receive-loop-stopped")
				return nil
			}
			log.WithField("error", err).Error("receive-loop-failed")
			return fmt.Errorf("bot %s: %w", b.Name(), err)
		}
		for _, ev := range events {
			if err := e.Dispatch(ctx, b, ev); err != nil {
				log.Info("receive-loop-stopped")
				return nil
			}
		}
	}
}

// Dispatch hands one event to a detached task. It blocks only while the
// in-flight limit is reached and fails when ctx ends first or the engine
// has stopped.
func (e *Engine) Dispatch(ctx context.Context, b *bot.Bot, ev event.Event) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	e.admitMu.Lock()
	if e.draining || e.ctx.Err() != nil {
		e.admitMu.Unlock()
		e.sem.Release(1)
		return ErrStopped
	}
	e.inflight.Add(1)
	e.admitMu.Unlock()

	go func() {
		defer e.inflight.Done()
		defer e.sem.Release(1)

		hctx, cancel := context.WithTimeout(e.ctx, e.handlerTimeout)
		defer cancel()
		e.HandleEvent(hctx, b, ev)
	}()
	return nil
}

// HandleEvent fans ev out to every package and, for messages, the message
// context to every package's message path. It returns when all of them are
// done.
func (e *Engine) HandleEvent(ctx context.Context, b *bot.Bot, ev event.Event) {
	log := logger.WithFields(logrus.Fields{
		"dispatch_id": uuid.NewString(),
		"bot":         b.Name(),
		"event":       ev.Key(),
		"event_id":    ev.EventID,
	})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("dispatch-panic-recovered")
		}
	}()
	log.Debug("event-dispatched")

	packages := e.Packages()
	tasks := make([]router.Task, 0, len(packages)+2)
	for _, p := range packages {
		p := p
		tasks = append(tasks, router.Task{
			Name: "package " + p.Name(),
			Run: func(ctx context.Context) error {
				if err := p.HandleEvent(ctx, ev, b.Identity); err != nil {
					log.WithFields(logrus.Fields{"package": p.Name(), "error": err}).Debug("package-event-handlers-failed")
				}
				return nil
			},
		})
	}

	if ev.Type == event.TypeMessageEvent && !routesButton(packages, ev) {
		tasks = append(tasks, router.Task{
			Name: "button acknowledgement",
			Run: func(ctx context.Context) error {
				return router.AcknowledgeCallback(ctx, ev, b.Identity)
			},
		})
	}

	// The message path runs beside the raw handlers, so a slow
	// messages.getById lookup never holds them back.
	if ev.IsMessage() {
		tasks = append(tasks, router.Task{
			Name: "message",
			Run: func(ctx context.Context) error {
				mctx, err := e.messageContext(ctx, b, ev)
				if err != nil {
					log.WithField("error", err).Warn("failed-to-materialize-message")
					return nil
				}
				if mctx == nil {
					return nil
				}
				msgTasks := make([]router.Task, 0, len(packages))
				for _, p := range packages {
					p := p
					msgTasks = append(msgTasks, router.Task{
						Name: "package " + p.Name() + " message",
						Run: func(ctx context.Context) error {
							if err := p.HandleMessage(ctx, mctx); err != nil {
								log.WithFields(logrus.Fields{"package": p.Name(), "error": err}).Debug("package-message-handlers-failed")
							}
							return nil
						},
					})
				}
				return router.FanOut(ctx, "message", e.fanoutLimit, msgTasks)
			},
		})
	}

	_ = router.FanOut(ctx, "engine", e.fanoutLimit, tasks)
}

// routesButton reports whether some package handles the pressed button
func routesButton(packages []*router.Package, ev event.Event) bool {
	press, ok := router.CallbackPress(ev, nil)
	if !ok {
		return false
	}
	for _, p := range packages {
		if p.HandlesButton(press.Command) {
			return true
		}
	}
	return false
}

// messageContext builds the context for a message event. Terse user session
// notifications are materialized with one messages.getById call.
func (e *Engine) messageContext(ctx context.Context, b *bot.Bot, ev event.Event) (*event.MessageContext, error) {
	if ev.IsTerseMessage() {
		id := ev.TerseMessageID()
		res, err := b.Identity.API.Call(ctx, "messages.getById", api.Params{}.SetInt("message_ids", id))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch message %d: %w", id, err)
		}
		items := res.Get("items").Array()
		if len(items) == 0 {
			return nil, fmt.Errorf("message %d not found", id)
		}
		return event.NewMessageContext(ev, event.ParseMessage(items[0]), b.Identity), nil
	}

	msg, ok := event.MessageFromEvent(ev)
	if !ok {
		return nil, nil
	}
	return event.NewMessageContext(ev, msg, b.Identity), nil
}

func (e *Engine) shutdownPackages(packages []*router.Package) {
	ctx, cancel := context.WithTimeout(context.Background(), e.handlerTimeout)
	defer cancel()
	for _, p := range packages {
		if err := p.Shutdown(ctx); err != nil {
			logger.WithFields(logrus.Fields{
				"package": p.Name(),
				"error":   err,
			}).Error("failed-to-stop-package")
		}
	}
}

func (e *Engine) closeBots(bots []*bot.Bot) {
	for _, b := range bots {
		logger.WithField("bot", b.Name()).Info("stopping-bot")
		if err := b.Close(); err != nil {
			logger.WithFields(logrus.Fields{
				"bot":   b.Name(),
				"error": err,
			}).Error("failed-to-stop-bot")
		}
	}
}

// Stop cancels the receive loops and in-flight handlers and stops the
// callback server. Run returns once everything has drained. A stopped
// engine admits no further events.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		logger.Info("stopping-vkbot-engine")

		// Cancel context to stop the receive loops
		e.cancel()

		e.stopCallbackServer()
		logger.Info("engine-stopped")
	})
	return nil
}

package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/keepmind9/vkbot/internal/bot"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/keepmind9/vkbot/pkg/constants"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// startCallbackServer binds the callback API listener and serves it in a
// separate goroutine. The platform pushes group events to it instead of (or
// in addition to) long-poll.
func (e *Engine) startCallbackServer() error {
	addr := fmt.Sprintf(":%d", e.config.Callback.Port)

	mux := http.NewServeMux()
	mux.HandleFunc(e.config.Callback.Path, e.handleCallbackRequest)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for callbacks on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: constants.CallbackShutdownTimeout,
	}
	e.mu.Lock()
	e.callbackServer = server
	e.callbackAddr = ln.Addr()
	e.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"address": ln.Addr().String(),
		"path":    e.config.Callback.Path,
	}).Info("callback-server-listening")

	go func() {
		// When Shutdown() is called, Serve returns ErrServerClosed
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Errorf("callback-server-error: %v", err)
		}
		logger.Info("callback-server-stopped")
	}()
	return nil
}

// CallbackAddr returns the callback listener address while the server runs
func (e *Engine) CallbackAddr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.callbackServer == nil {
		return nil
	}
	return e.callbackAddr
}

// stopCallbackServer stops the callback server with graceful shutdown.
// Only the first call after a start does any work.
func (e *Engine) stopCallbackServer() {
	e.mu.Lock()
	server := e.callbackServer
	e.callbackServer = nil
	e.mu.Unlock()
	if server == nil {
		return
	}

	logger.Info("stopping-callback-server")
	ctx, cancel := context.WithTimeout(context.Background(), constants.CallbackShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("failed-to-gracefully-stop-callback-server: %v", err)
		// Force close if graceful shutdown fails
		server.Close()
	} else {
		logger.Info("callback-server-stopped-gracefully")
	}
}

// handleCallbackRequest handles one pushed event
//
// This function:
// 1. Validates the request (POST method, body size, JSON body)
// 2. Checks the shared secret
// 3. Answers "confirmation" requests with the configured code
// 4. Drops event ids seen recently (the platform retries on slow answers)
// 5. Dispatches the event like a long-poll event and answers "ok"
func (e *Engine) handleCallbackRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, constants.MaxCallbackBodySize+1))
	if err != nil {
		logger.Errorf("failed-to-read-request-body: %v", err)
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(data) > constants.MaxCallbackBodySize {
		logger.WithField("limit", constants.MaxCallbackBodySize).Warn("callback-body-too-large")
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 || !gjson.ValidBytes(data) {
		logger.Warn("invalid-callback-body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	root := gjson.ParseBytes(data)
	if secret := e.config.Callback.Secret; secret != "" && root.Get("secret").String() != secret {
		logger.WithField("group_id", root.Get("group_id").Int()).Warn("callback-secret-mismatch")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	groupID := root.Get("group_id").Int()
	b := e.callbackBot(groupID)
	if b == nil {
		logger.WithField("group_id", groupID).Warn("no-bot-found-for-callback-group")
		http.Error(w, "Unknown group", http.StatusNotFound)
		return
	}

	if root.Get("type").String() == event.TypeConfirmation {
		logger.WithField("group_id", groupID).Info("callback-confirmation-requested")
		fmt.Fprint(w, e.config.Callback.Confirmation)
		return
	}

	ev, err := event.FromRaw(root)
	if err != nil {
		logger.WithField("error", err).Warn("malformed-callback-event")
		http.Error(w, "Malformed event", http.StatusBadRequest)
		return
	}

	if ev.EventID != "" && e.seen.Seen(ev.EventID) {
		logger.WithField("event_id", ev.EventID).Debug("duplicate-callback-event-dropped")
		fmt.Fprint(w, "ok")
		return
	}

	if err := e.Dispatch(r.Context(), b, ev); err != nil {
		logger.WithField("error", err).Warn("callback-event-not-admitted")
		http.Error(w, "Busy", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprint(w, "ok")
}

// callbackBot finds the bot owning groupID. A single registered bot
// answers for any group.
func (e *Engine) callbackBot(groupID int64) *bot.Bot {
	bots := e.Bots()
	for _, b := range bots {
		if groupID != 0 && b.Identity.GroupID == groupID {
			return b
		}
	}
	if len(bots) == 1 && (groupID == 0 || bots[0].Identity.GroupID == 0) {
		return bots[0]
	}
	return nil
}

// eventLog remembers ids for a fixed window
type eventLog struct {
	mu     sync.Mutex
	window time.Duration
	ids    map[string]time.Time
	now    func() time.Time
}

func newEventLog(window time.Duration) *eventLog {
	return &eventLog{window: window, ids: make(map[string]time.Time), now: time.Now}
}

// Seen records id and reports whether it was already recorded within the window
func (l *eventLog) Seen(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, at := range l.ids {
		if now.Sub(at) > l.window {
			delete(l.ids, k)
		}
	}
	if _, ok := l.ids[id]; ok {
		return true
	}
	l.ids[id] = now
	return false
}

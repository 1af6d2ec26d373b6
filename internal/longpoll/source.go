// Package longpoll implements the long-poll event source: it obtains a
// session from the API, repeatedly polls the session server and refreshes
// the session when the server invalidates it.
//
// State machine:
//
//	uninitialized --setup--> ready
//	ready --updates / failed:1 / cursor only / timeout--> ready
//	ready --failed:2|3--> uninitialized
package longpoll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/keepmind9/vkbot/internal/api"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/logger"
	"github.com/keepmind9/vkbot/pkg/constants"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// CursorHeader carries an advanced cursor on bodiless responses
const CursorHeader = "X-Next-Ts"

// Mode selects the session type
type Mode string

const (
	// ModeGroup polls a community session (groups.getLongPollServer)
	ModeGroup Mode = "group"
	// ModeUser polls a user session (messages.getLongPollServer)
	ModeUser Mode = "user"
)

// Backoff bounds retries on transport failures
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// Config configures an EventSource
type Config struct {
	API     api.Caller
	Mode    Mode
	GroupID int64 // required in group mode
	// Wait is the server-side hold time in seconds
	Wait int
	// Flags is the user session "mode" bit set
	Flags   int
	Backoff Backoff
	// RequestTimeout defaults to Wait plus a slack
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeGroup
	}
	if c.Wait <= 0 {
		c.Wait = constants.DefaultLongPollWait
	}
	if c.Flags == 0 {
		c.Flags = constants.DefaultLongPollMode
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = constants.DefaultBackoffInitial
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = constants.DefaultBackoffMax
	}
	if c.Backoff.MaxRetries <= 0 {
		c.Backoff.MaxRetries = constants.DefaultLongPollMaxRetries
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = time.Duration(c.Wait)*time.Second + constants.LongPollTimeoutSlack
	}
}

type session struct {
	server string
	key    string
	ts     string
}

// EventSource yields batches of raw events. NextBatch must not be called
// concurrently; Close may be called from any goroutine.
type EventSource struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	session  *session // nil while uninitialized
	failures int

	closeOnce sync.Once
	closed    chan struct{}
	stop      context.Context
	cancel    context.CancelFunc

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an uninitialized EventSource
func New(cfg Config) (*EventSource, error) {
	if cfg.API == nil {
		return nil, errors.New("long-poll source needs an api caller")
	}
	cfg.applyDefaults()
	switch cfg.Mode {
	case ModeGroup:
		if cfg.GroupID <= 0 {
			return nil, fmt.Errorf("group mode needs a positive group id, got %d", cfg.GroupID)
		}
	case ModeUser:
	default:
		return nil, fmt.Errorf("unknown long-poll mode %q", cfg.Mode)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	stop, cancel := context.WithCancel(context.Background())
	return &EventSource{
		cfg:    cfg,
		client: client,
		closed: make(chan struct{}),
		stop:   stop,
		cancel: cancel,
		sleep:  sleepCtx,
	}, nil
}

// Mode returns the session type
func (s *EventSource) Mode() Mode {
	return s.cfg.Mode
}

// Start performs setup if the source is not ready yet. Calling it again is a no-op.
func (s *EventSource) Start(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.mu.Lock()
	ready := s.session != nil
	s.mu.Unlock()
	if ready {
		return nil
	}
	return s.setup(ctx)
}

func (s *EventSource) setup(ctx context.Context) error {
	var (
		res gjson.Result
		err error
	)
	switch s.cfg.Mode {
	case ModeUser:
		res, err = s.cfg.API.Call(ctx, "messages.getLongPollServer",
			api.Params{}.SetInt("lp_version", constants.LongPollVersion))
	default:
		res, err = s.cfg.API.Call(ctx, "groups.getLongPollServer",
			api.Params{}.SetInt("group_id", s.cfg.GroupID))
	}
	if err != nil {
		return fmt.Errorf("failed to set up long-poll session: %w", err)
	}

	server := res.Get("server").String()
	key := res.Get("key").String()
	if server == "" || key == "" {
		return fmt.Errorf("long-poll setup returned no server or key: %s", res.Raw)
	}
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}

	s.mu.Lock()
	s.session = &session{server: server, key: key, ts: res.Get("ts").String()}
	s.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"mode":   s.cfg.Mode,
		"server": server,
	}).Info("long-poll-session-established")
	return nil
}

// NextBatch blocks until the server returns events or the wait elapses.
// An empty batch with a nil error is normal. It returns ErrClosed after
// Close or when ctx ends, and a *TransportError once the retry budget is
// spent.
func (s *EventSource) NextBatch(ctx context.Context) ([]event.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlink := context.AfterFunc(s.stop, cancel)
	defer unlink()

	for {
		if err := s.interrupted(ctx); err != nil {
			return nil, err
		}

		s.mu.Lock()
		sess := s.session
		s.mu.Unlock()

		if sess == nil {
			if err := s.setup(ctx); err != nil {
				if ierr := s.interrupted(ctx); ierr != nil {
					return nil, ierr
				}
				var apiErr *api.Error
				if errors.As(err, &apiErr) {
					return nil, err
				}
				if terr := s.backoff(ctx, err); terr != nil {
					return nil, terr
				}
			}
			continue
		}

		events, retry, err := s.poll(ctx, sess)
		if err != nil {
			if ierr := s.interrupted(ctx); ierr != nil {
				return nil, ierr
			}
			if errors.Is(err, ErrUnsupportedVersion) {
				return nil, err
			}
			if isTimeout(err) {
				logger.WithField("mode", s.cfg.Mode).Debug("long-poll-request-timed-out")
				return nil, nil
			}
			if terr := s.backoff(ctx, err); terr != nil {
				return nil, terr
			}
			continue
		}

		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		if retry {
			continue
		}
		return events, nil
	}
}

// poll performs one request. retry reports a cursor-only response that
// should be re-issued immediately.
func (s *EventSource) poll(ctx context.Context, sess *session) (events []event.Event, retry bool, err error) {
	q := url.Values{}
	q.Set("act", "a_check")
	q.Set("key", sess.key)
	q.Set("ts", sess.ts)
	q.Set("wait", strconv.Itoa(s.cfg.Wait))
	if s.cfg.Mode == ModeUser {
		q.Set("mode", strconv.Itoa(s.cfg.Flags))
		q.Set("version", strconv.Itoa(constants.LongPollVersion))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sess.server+"?"+q.Encode(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build long-poll request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("long-poll server answered %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read long-poll response: %w", err)
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		if next := resp.Header.Get(CursorHeader); next != "" {
			s.setCursor(sess, next)
			return nil, true, nil
		}
		return nil, false, errors.New("empty long-poll response")
	}
	if !gjson.ValidBytes(body) {
		return nil, false, fmt.Errorf("invalid long-poll response: %.200s", body)
	}
	return s.handleBody(sess, gjson.ParseBytes(body))
}

func (s *EventSource) handleBody(sess *session, root gjson.Result) ([]event.Event, bool, error) {
	if failed := root.Get("failed"); failed.Exists() {
		switch failed.Int() {
		case 1:
			s.setCursor(sess, root.Get("ts").String())
			logger.WithField("ts", root.Get("ts").String()).Info("long-poll-history-outdated")
			return nil, false, nil
		case 2, 3:
			s.mu.Lock()
			if s.session == sess {
				s.session = nil
			}
			s.mu.Unlock()
			logger.WithFields(logrus.Fields{
				"failed": failed.Int(),
				"reason": errSessionInvalidated,
			}).Info("long-poll-session-refreshed")
			return nil, false, nil
		case 4:
			return nil, false, ErrUnsupportedVersion
		default:
			return nil, false, fmt.Errorf("unknown long-poll failure code %d", failed.Int())
		}
	}

	ts := root.Get("ts")
	updates := root.Get("updates")
	if !updates.Exists() {
		if ts.Exists() {
			s.setCursor(sess, ts.String())
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("long-poll response without ts or updates: %.200s", root.Raw)
	}
	if ts.Exists() {
		s.setCursor(sess, ts.String())
	}

	raw := updates.Array()
	events := make([]event.Event, 0, len(raw))
	for _, u := range raw {
		ev, err := event.FromRaw(u)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"raw":   u.Raw,
				"error": err,
			}).Warn("skipping-malformed-event")
			continue
		}
		events = append(events, ev)
	}
	return events, false, nil
}

func (s *EventSource) setCursor(sess *session, ts string) {
	if ts == "" {
		return
	}
	s.mu.Lock()
	sess.ts = ts
	s.mu.Unlock()
}

// Cursor returns the current ts, empty while uninitialized
func (s *EventSource) Cursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.ts
}

// backoff records a transport failure and waits before the next attempt.
// It returns a *TransportError when the budget is exhausted.
func (s *EventSource) backoff(ctx context.Context, cause error) error {
	s.mu.Lock()
	s.failures++
	attempt := s.failures
	s.mu.Unlock()

	if attempt > s.cfg.Backoff.MaxRetries {
		return &TransportError{Attempts: attempt, Err: cause}
	}
	delay := backoffDelay(s.cfg.Backoff, attempt)
	logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay,
		"error":   cause,
	}).Warn("long-poll-transport-failed")

	if err := s.sleep(ctx, delay); err != nil {
		return s.interrupted(ctx)
	}
	return nil
}

// backoffDelay is a full-jitter exponential delay for the n-th failure
func backoffDelay(b Backoff, attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return time.Duration(rand.Int63n(int64(d))) + 1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *EventSource) interrupted(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *EventSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close aborts an in-flight poll and releases idle connections
func (s *EventSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		s.client.CloseIdleConnections()
		logger.WithField("mode", s.cfg.Mode).Info("long-poll-source-closed")
	})
	return nil
}

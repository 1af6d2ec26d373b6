package longpoll

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/vkbot/internal/api"
	"github.com/keepmind9/vkbot/internal/api/apitest"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockServer is a scripted long-poll host. Each request consumes the next
// handler; the last one repeats.
type MockServer struct {
	*httptest.Server
	mu       sync.Mutex
	handlers []http.HandlerFunc
	requests []url.Values
}

func NewMockServer(t *testing.T, handlers ...http.HandlerFunc) *MockServer {
	m := &MockServer{handlers: handlers}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Close)
	return m
}

func (m *MockServer) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests = append(m.requests, r.URL.Query())
	h := m.handlers[0]
	if len(m.handlers) > 1 {
		m.handlers = m.handlers[1:]
	}
	m.mu.Unlock()
	h(w, r)
}

func (m *MockServer) Requests() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.requests...)
}

func reply(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, body)
	}
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}
}

func hang(w http.ResponseWriter, r *http.Request) {
	<-r.Context().Done()
}

func groupAPI(server string) *apitest.FakeCaller {
	var n int
	var mu sync.Mutex
	return apitest.NewFakeCaller().On("groups.getLongPollServer", func(api.Params) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf(`{"key":"key%d","server":%q,"ts":"10"}`, n, server), nil
	})
}

func newSource(t *testing.T, caller api.Caller) *EventSource {
	t.Helper()
	src, err := New(Config{
		API:     caller,
		GroupID: 1,
		Backoff: Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxRetries: 2},
	})
	require.NoError(t, err)
	src.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestNextBatch_ReturnsUpdatesAndAdvancesCursor(t *testing.T) {
	srv := NewMockServer(t,
		reply(`{"ts":"11","updates":[{"type":"message_new","event_id":"a","object":{"message":{"text":"hi"}}},{"type":"group_join","event_id":"b","object":{"user_id":5}}]}`),
		reply(`{"ts":"12","updates":[]}`),
	)
	fake := groupAPI(srv.URL)
	src := newSource(t, fake)

	events, err := src.NextBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeMessageNew, events[0].Type)
	assert.Equal(t, "b", events[1].EventID)
	assert.Equal(t, "11", src.Cursor())

	events, err = src.NextBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "10", reqs[0].Get("ts"))
	assert.Equal(t, "11", reqs[1].Get("ts"))
	assert.Equal(t, "key1", reqs[0].Get("key"))
	assert.Equal(t, "a_check", reqs[0].Get("act"))
	assert.Equal(t, "25", reqs[0].Get("wait"))
	assert.Len(t, fake.CallsTo("groups.getLongPollServer"), 1)
}

func TestStart_Idempotent(t *testing.T) {
	fake := groupAPI("http://127.0.0.1:1")
	src := newSource(t, fake)

	require.NoError(t, src.Start(context.Background()))
	require.NoError(t, src.Start(context.Background()))
	assert.Len(t, fake.CallsTo("groups.getLongPollServer"), 1)
	assert.Equal(t, "1", fake.CallsTo("groups.getLongPollServer")[0].Params["group_id"])
}

func TestNextBatch_Failed1AdoptsCursor(t *testing.T) {
	srv := NewMockServer(t, reply(`{"failed":1,"ts":"30"}`), reply(`{"ts":"31","updates":[]}`))
	fake := groupAPI(srv.URL)
	src := newSource(t, fake)

	events, err := src.NextBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "30", src.Cursor())

	_, err = src.NextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "30", srv.Requests()[1].Get("ts"))
	assert.Len(t, fake.CallsTo("groups.getLongPollServer"), 1)
}

func TestNextBatch_Failed2RefreshesSession(t *testing.T) {
	for _, code := range []int{2, 3} {
		t.Run(fmt.Sprintf("failed %d", code), func(t *testing.T) {
			srv := NewMockServer(t,
				reply(fmt.Sprintf(`{"failed":%d}`, code)),
				reply(`{"ts":"11","updates":[{"type":"group_join","event_id":"x","object":{}}]}`),
			)
			fake := groupAPI(srv.URL)
			src := newSource(t, fake)

			events, err := src.NextBatch(context.Background())
			require.NoError(t, err)
			assert.Empty(t, events)
			assert.Len(t, fake.CallsTo("groups.getLongPollServer"), 1)

			events, err = src.NextBatch(context.Background())
			require.NoError(t, err)
			assert.Len(t, events, 1)

			assert.Len(t, fake.CallsTo("groups.getLongPollServer"), 2, "setup runs again before the next read")
			reqs := srv.Requests()
			require.Len(t, reqs, 2)
			assert.Equal(t, "key2", reqs[1].Get("key"))
		})
	}
}

func TestNextBatch_Failed4IsFatal(t *testing.T) {
	srv := NewMockServer(t, reply(`{"failed":4,"min_version":0,"max_version":3}`))
	src := newSource(t, groupAPI(srv.URL))

	_, err := src.NextBatch(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestNextBatch_CursorOnlyResponseReissues(t *testing.T) {
	srv := NewMockServer(t,
		func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(CursorHeader, "20")
		},
		reply(`{"ts":"21"}`),
		reply(`{"ts":"22","updates":[{"type":"group_leave","event_id":"y","object":{}}]}`),
	)
	src := newSource(t, groupAPI(srv.URL))

	events, err := src.NextBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)

	reqs := srv.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "20", reqs[1].Get("ts"))
	assert.Equal(t, "21", reqs[2].Get("ts"))
}

func TestNextBatch_TransportFailuresBackOffThenFail(t *testing.T) {
	srv := NewMockServer(t, status(http.StatusBadGateway))
	src := newSource(t, groupAPI(srv.URL))
	var delays []time.Duration
	src.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	_, err := src.NextBatch(context.Background())

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 3, terr.Attempts)
	assert.Len(t, delays, 2)
	for _, d := range delays {
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 2*time.Millisecond+1)
	}
	assert.Len(t, srv.Requests(), 3)
}

func TestNextBatch_SuccessResetsFailureCount(t *testing.T) {
	srv := NewMockServer(t,
		status(http.StatusInternalServerError),
		status(http.StatusInternalServerError),
		reply(`{"ts":"11","updates":[]}`),
		status(http.StatusInternalServerError),
		status(http.StatusInternalServerError),
		reply(`{"ts":"12","updates":[]}`),
	)
	src := newSource(t, groupAPI(srv.URL))

	_, err := src.NextBatch(context.Background())
	require.NoError(t, err)
	_, err = src.NextBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12", src.Cursor())
}

func TestNextBatch_TimeoutIsEmptyBatch(t *testing.T) {
	srv := NewMockServer(t, hang)
	src, err := New(Config{API: groupAPI(srv.URL), GroupID: 1, RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer src.Close()

	events, err := src.NextBatch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, "10", src.Cursor())
}

func TestNextBatch_SetupAPIErrorIsReturned(t *testing.T) {
	fake := apitest.NewFakeCaller().Fail("groups.getLongPollServer", api.CodeAuthFailed)
	src := newSource(t, fake)

	_, err := src.NextBatch(context.Background())
	assert.True(t, api.IsCode(err, api.CodeAuthFailed))
}

func TestClose_AbortsInFlightPoll(t *testing.T) {
	srv := NewMockServer(t, hang)
	src := newSource(t, groupAPI(srv.URL))

	done := make(chan error, 1)
	go func() {
		_, err := src.NextBatch(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return len(srv.Requests()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, src.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("NextBatch did not return after Close")
	}

	_, err := src.NextBatch(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, src.Start(context.Background()), ErrClosed)
}

func TestNextBatch_ContextCancelled(t *testing.T) {
	src := newSource(t, groupAPI("http://127.0.0.1:1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := src.NextBatch(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestUserMode(t *testing.T) {
	srv := NewMockServer(t, reply(`{"ts":5,"updates":[[4,123,1,2000000001,1700000000,"hello"],[8,-7,1]]}`))
	fake := apitest.NewFakeCaller().Respond("messages.getLongPollServer",
		fmt.Sprintf(`{"key":"ukey","server":%q,"ts":4}`, srv.URL))

	src, err := New(Config{API: fake, Mode: ModeUser})
	require.NoError(t, err)
	defer src.Close()

	events, err := src.NextBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].IsTerseMessage())
	assert.Equal(t, int64(123), events[0].TerseMessageID())
	assert.Equal(t, event.LegacyFriendOnline, events[1].LegacyType)
	assert.Equal(t, "5", src.Cursor())

	setup := fake.CallsTo("messages.getLongPollServer")
	require.Len(t, setup, 1)
	assert.Equal(t, "3", setup[0].Params["lp_version"])

	req := srv.Requests()[0]
	assert.Equal(t, "4", req.Get("ts"))
	assert.Equal(t, "3", req.Get("version"))
	assert.Equal(t, "202", req.Get("mode"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{API: apitest.NewFakeCaller()})
	assert.Error(t, err, "group mode needs a group id")
	_, err = New(Config{API: apitest.NewFakeCaller(), Mode: "bogus", GroupID: 1})
	assert.Error(t, err)
}

func TestSetup_PrefixesSchemelessServer(t *testing.T) {
	fake := apitest.NewFakeCaller().Respond("messages.getLongPollServer", `{"key":"k","server":"im.example.com/im1","ts":1}`)
	src, err := New(Config{API: fake, Mode: ModeUser})
	require.NoError(t, err)
	defer src.Close()

	require.NoError(t, src.Start(context.Background()))
	assert.Equal(t, "https://im.example.com/im1", src.session.server)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 10 * time.Millisecond, Max: 40 * time.Millisecond}
	for attempt, limit := range map[int]time.Duration{1: 10, 2: 20, 3: 40, 4: 40, 10: 40} {
		for i := 0; i < 20; i++ {
			d := backoffDelay(b, attempt)
			assert.Greater(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, limit*time.Millisecond)
		}
	}
}

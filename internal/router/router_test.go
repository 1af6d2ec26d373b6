package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keepmind9/vkbot/internal/api/apitest"
	"github.com/keepmind9/vkbot/internal/command"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/keepmind9/vkbot/internal/filter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMessage(caller *apitest.FakeCaller, text, payload string) *event.MessageContext {
	return event.NewMessageContext(
		event.Event{Type: event.TypeMessageNew, EventID: "ev"},
		event.Message{ID: 1, PeerID: 100, FromID: 7, Text: text, Payload: payload},
		&event.Identity{Name: "bot", API: caller, OwnerID: 1},
	)
}

func TestHandleMessage_PanickingSiblingDoesNotAffectOthers(t *testing.T) {
	fake := apitest.NewFakeCaller().Respond("messages.send", `1`)
	pkg := New("test")
	pkg.MustAddCommand(
		command.New("ping").Prefixes("/").Handle(func(context.Context, *command.Invocation) (event.Reply, error) {
			panic("boom")
		}),
		command.New("ping").Prefixes("/").Handle(func(context.Context, *command.Invocation) (event.Reply, error) {
			return event.Text("pong"), nil
		}),
	)

	err := pkg.HandleMessage(context.Background(), newMessage(fake, "/ping", ""))

	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "boom", perr.Value)
	assert.NotEmpty(t, perr.Stack)

	sends := fake.CallsTo("messages.send")
	require.Len(t, sends, 1)
	assert.Equal(t, "pong", sends[0].Params["message"])
}

func TestHandleMessage_FailingSiblingDoesNotAffectOthers(t *testing.T) {
	fake := apitest.NewFakeCaller().Respond("messages.send", `1`)
	boom := errors.New("boom")
	var ran atomic.Int32

	pkg := New("test")
	pkg.OnMessage(func(context.Context, *event.MessageContext) error {
		ran.Add(1)
		return boom
	})
	pkg.OnMessage(func(context.Context, *event.MessageContext) error {
		ran.Add(1)
		return nil
	})
	pkg.MustAddCommand(command.New("ping").Prefixes("/").Handle(func(context.Context, *command.Invocation) (event.Reply, error) {
		return event.Text("pong"), nil
	}))

	err := pkg.HandleMessage(context.Background(), newMessage(fake, "/ping", ""))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), ran.Load())
	assert.Len(t, fake.CallsTo("messages.send"), 1)
}

func TestHandleMessage_RunsConcurrently(t *testing.T) {
	// each handler waits for the other; sequential execution would deadlock
	var wg sync.WaitGroup
	wg.Add(2)
	barrier := func(ctx context.Context, _ *event.MessageContext) error {
		wg.Done()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("sibling never started")
		}
	}

	pkg := New("test")
	pkg.OnMessage(barrier)
	pkg.OnMessage(barrier)

	require.NoError(t, pkg.HandleMessage(context.Background(), newMessage(nil, "hi", "")))
}

func TestHandleMessage_FanoutLimit(t *testing.T) {
	var current, peak atomic.Int32
	h := func(context.Context, *event.MessageContext) error {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		current.Add(-1)
		return nil
	}

	pkg := New("test")
	pkg.SetFanoutLimit(2)
	for i := 0; i < 6; i++ {
		pkg.OnMessage(h)
	}

	require.NoError(t, pkg.HandleMessage(context.Background(), newMessage(nil, "hi", "")))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestHandleMessage_PackageFilterSkipsEverything(t *testing.T) {
	var ran atomic.Int32
	pkg := New("admin")
	pkg.Filter(filter.FromUsers(1))
	pkg.OnMessage(func(context.Context, *event.MessageContext) error {
		ran.Add(1)
		return nil
	})
	pkg.MustAddCommand(command.New("ping").Prefixes("/").Handle(func(context.Context, *command.Invocation) (event.Reply, error) {
		ran.Add(1)
		return event.Reply{}, nil
	}))

	require.NoError(t, pkg.HandleMessage(context.Background(), newMessage(nil, "/ping", "")))
	assert.Equal(t, int32(0), ran.Load())

	mctx := newMessage(nil, "/ping", "")
	mctx.Message.FromID = 1
	require.NoError(t, pkg.HandleMessage(context.Background(), mctx))
	assert.Equal(t, int32(2), ran.Load())
}

func TestHandleEvent_RunsHandlersForType(t *testing.T) {
	var joins, leaves atomic.Int32
	pkg := New("test")
	pkg.OnEvent(event.TypeGroupJoin, func(context.Context, event.Event, *event.Identity) error {
		joins.Add(1)
		return nil
	})
	pkg.OnEvent(event.TypeGroupJoin, func(context.Context, event.Event, *event.Identity) error {
		joins.Add(1)
		return nil
	})
	pkg.OnEvent(event.TypeGroupLeave, func(context.Context, event.Event, *event.Identity) error {
		leaves.Add(1)
		return nil
	})

	require.NoError(t, pkg.HandleEvent(context.Background(), event.Event{Type: event.TypeGroupJoin}, nil))
	assert.Equal(t, int32(2), joins.Load())
	assert.Equal(t, int32(0), leaves.Load())
	assert.Equal(t, []string{event.TypeGroupJoin, event.TypeGroupLeave}, pkg.EventTypes())
}

func TestHandleEvent_LegacyCode(t *testing.T) {
	var got atomic.Int32
	pkg := New("test")
	pkg.OnLegacyEvent(event.LegacyFriendOnline, func(context.Context, event.Event, *event.Identity) error {
		got.Add(1)
		return nil
	})

	ev, err := event.Parse(`[8, -42, 1, 1700000000]`)
	require.NoError(t, err)
	require.NoError(t, pkg.HandleEvent(context.Background(), ev, nil))
	assert.Equal(t, int32(1), got.Load())
}

func TestTextButton(t *testing.T) {
	fake := apitest.NewFakeCaller().Respond("messages.send", `1`)
	var got *ButtonPress
	pkg := New("test")
	pkg.OnButton("buy", func(_ context.Context, press *ButtonPress) (event.Reply, error) {
		got = press
		return event.Text("bought"), nil
	})

	err := pkg.HandleMessage(context.Background(), newMessage(fake, "Buy", `{"command":"buy","args":{"item":"apple","count":2}}`))

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsCallback())
	assert.Equal(t, "apple", got.Args["item"])
	assert.Equal(t, float64(2), got.Args["count"])
	assert.Equal(t, int64(7), got.UserID)
	sends := fake.CallsTo("messages.send")
	require.Len(t, sends, 1)
	assert.Equal(t, "bought", sends[0].Params["message"])
}

func TestTextButton_UnknownCommandIgnored(t *testing.T) {
	fake := apitest.NewFakeCaller()
	pkg := New("test")
	pkg.OnButton("buy", func(context.Context, *ButtonPress) (event.Reply, error) {
		return event.Text("bought"), nil
	})

	require.NoError(t, pkg.HandleMessage(context.Background(), newMessage(fake, "x", `{"command":"sell"}`)))
	assert.Empty(t, fake.Calls())
}

func TestCallbackButton(t *testing.T) {
	fake := apitest.NewFakeCaller().
		Respond("messages.sendMessageEventAnswer", `1`).
		Respond("messages.send", `1`)
	bot := &event.Identity{Name: "bot", API: fake}

	pkg := New("test")
	pkg.OnButton("like", func(_ context.Context, press *ButtonPress) (event.Reply, error) {
		assert.True(t, press.IsCallback())
		return event.Reply{Snackbar: "thanks", Text: "liked by " + press.Args["who"].(string)}, nil
	})

	ev, err := event.Parse(`{"type":"message_event","event_id":"x1","group_id":1,"object":{"user_id":7,"peer_id":100,"event_id":"cb1","payload":{"command":"like","args":{"who":"bob"}}}}`)
	require.NoError(t, err)
	require.NoError(t, pkg.HandleEvent(context.Background(), ev, bot))

	answers := fake.CallsTo("messages.sendMessageEventAnswer")
	require.Len(t, answers, 1)
	assert.Equal(t, "cb1", answers[0].Params["event_id"])
	assert.Equal(t, "7", answers[0].Params["user_id"])
	assert.JSONEq(t, `{"type":"show_snackbar","text":"thanks"}`, answers[0].Params["event_data"])

	sends := fake.CallsTo("messages.send")
	require.Len(t, sends, 1)
	assert.Equal(t, "liked by bob", sends[0].Params["message"])
}

func TestCallbackButton_AnsweredWithoutSnackbar(t *testing.T) {
	fake := apitest.NewFakeCaller().Respond("messages.sendMessageEventAnswer", `1`)
	pkg := New("test")
	pkg.OnButton("noop", func(context.Context, *ButtonPress) (event.Reply, error) {
		return event.Reply{}, nil
	})

	ev, err := event.Parse(`{"type":"message_event","event_id":"x2","object":{"user_id":7,"peer_id":100,"event_id":"cb2","payload":{"command":"noop"}}}`)
	require.NoError(t, err)
	require.NoError(t, pkg.HandleEvent(context.Background(), ev, &event.Identity{API: fake}))

	answers := fake.CallsTo("messages.sendMessageEventAnswer")
	require.Len(t, answers, 1)
	_, hasData := answers[0].Params["event_data"]
	assert.False(t, hasData)
	assert.Empty(t, fake.CallsTo("messages.send"))
}

func TestCallbackPress_StringPayload(t *testing.T) {
	ev, err := event.Parse(`{"type":"message_event","object":{"user_id":7,"peer_id":100,"event_id":"cb3","payload":"{\"command\":\"like\",\"args\":{\"who\":\"bob\"}}"}}`)
	require.NoError(t, err)

	press, ok := CallbackPress(ev, nil)
	require.True(t, ok)
	assert.Equal(t, "like", press.Command)
	assert.Equal(t, "bob", press.Args["who"])
	assert.Equal(t, "cb3", press.EventID)
	assert.True(t, press.IsCallback())
}

func TestAcknowledgeCallback(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		answers int
	}{
		{"known payload", `{"type":"message_event","object":{"user_id":7,"peer_id":100,"event_id":"cb4","payload":{"command":"gone"}}}`, 1},
		{"garbage payload", `{"type":"message_event","object":{"user_id":7,"peer_id":100,"event_id":"cb5","payload":42}}`, 1},
		{"no event id", `{"type":"message_event","object":{"user_id":7,"peer_id":100}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := apitest.NewFakeCaller().Respond("messages.sendMessageEventAnswer", `1`)
			ev, err := event.Parse(tt.raw)
			require.NoError(t, err)

			require.NoError(t, AcknowledgeCallback(context.Background(), ev, &event.Identity{API: fake}))

			answers := fake.CallsTo("messages.sendMessageEventAnswer")
			require.Len(t, answers, tt.answers)
			if tt.answers > 0 {
				assert.Equal(t, "7", answers[0].Params["user_id"])
				assert.NotContains(t, answers[0].Params, "event_data")
			}
		})
	}
}

func TestHandleEvent_FailingSiblingDoesNotAffectOthers(t *testing.T) {
	var ran atomic.Int32
	pkg := New("test")
	pkg.OnEvent(event.TypeGroupJoin, func(context.Context, event.Event, *event.Identity) error {
		panic("boom")
	})
	pkg.OnEvent(event.TypeGroupJoin, func(context.Context, event.Event, *event.Identity) error {
		return errors.New("broken")
	})
	pkg.OnEvent(event.TypeGroupJoin, func(context.Context, event.Event, *event.Identity) error {
		ran.Add(1)
		return nil
	})

	err := pkg.HandleEvent(context.Background(), event.Event{Type: event.TypeGroupJoin}, nil)

	require.Error(t, err)
	var perr *PanicError
	assert.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, int32(1), ran.Load())
}

func TestHandlesButton(t *testing.T) {
	pkg := New("test")
	pkg.OnButton("like", func(context.Context, *ButtonPress) (event.Reply, error) { return event.Reply{}, nil })

	assert.True(t, pkg.HandlesButton("like"))
	assert.False(t, pkg.HandlesButton("dislike"))
}

func TestAddCommand_ValidatesEagerly(t *testing.T) {
	pkg := New("test")
	err := pkg.AddCommand(
		command.New("ok").Handle(func(context.Context, *command.Invocation) (event.Reply, error) { return event.Reply{}, nil }),
		command.New("bad").Arg("x", "no-such-type"),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-type")
	assert.Empty(t, pkg.Commands())

	assert.Panics(t, func() { pkg.MustAddCommand(command.New("bad")) })
}

func TestLifecycleHooks(t *testing.T) {
	var order []string
	pkg := New("test")
	pkg.OnStartup(func(context.Context) error {
		order = append(order, "start-1")
		return nil
	})
	pkg.OnStartup(func(context.Context) error {
		order = append(order, "start-2")
		return errors.New("no database")
	})
	pkg.OnStartup(func(context.Context) error {
		order = append(order, "start-3")
		return nil
	})
	pkg.OnShutdown(func(context.Context) error {
		order = append(order, "stop-1")
		return errors.New("flush failed")
	})
	pkg.OnShutdown(func(context.Context) error {
		order = append(order, "stop-2")
		return nil
	})

	err := pkg.Startup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database")

	err = pkg.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")
	assert.Equal(t, []string{"start-1", "start-2", "stop-1", "stop-2"}, order)
}

func TestFanOut_Empty(t *testing.T) {
	assert.NoError(t, FanOut(context.Background(), "x", 0, nil))
}

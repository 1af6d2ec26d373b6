package cutter

import (
	"context"
	"errors"
	"testing"

	"github.com/keepmind9/vkbot/internal/api"
	"github.com/keepmind9/vkbot/internal/api/apitest"
	"github.com/keepmind9/vkbot/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(caller api.Caller, msg event.Message) *event.MessageContext {
	return event.NewMessageContext(event.Event{Type: event.TypeMessageNew}, msg, &event.Identity{Name: "test", API: caller})
}

func TestEntity_Syntax(t *testing.T) {
	tests := []struct {
		input  string
		want   Entity
		remain string
	}{
		{"[id1|Pavel] rest", Entity{ID: 1, Kind: KindUser}, " rest"},
		{"[club5|Group]", Entity{ID: 5, Kind: KindGroup}, ""},
		{"[public9|Page], x", Entity{ID: 9, Kind: KindGroup}, ", x"},
		{"@id7", Entity{ID: 7, Kind: KindUser}, ""},
		{"*club3 (Name) tail", Entity{ID: 3, Kind: KindGroup}, " tail"},
		{"id12", Entity{ID: 12, Kind: KindUser}, ""},
		{"club4 x", Entity{ID: 4, Kind: KindGroup}, " x"},
		{"15", Entity{ID: 15, Kind: KindUser}, ""},
		{"-15", Entity{ID: 15, Kind: KindGroup}, ""},
		{"vk.com/id99", Entity{ID: 99, Kind: KindUser}, ""},
	}

	fake := apitest.NewFakeCaller()
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res, err := Mention().Cut(context.Background(), newContext(fake, event.Message{}), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Value)
			assert.Equal(t, tt.remain, res.Remain)
		})
	}
	assert.Empty(t, fake.Calls(), "syntax forms never need a remote lookup")
}

func TestEntity_ResolvesShortNames(t *testing.T) {
	fake := apitest.NewFakeCaller().On("utils.resolveScreenName", func(p api.Params) (string, error) {
		switch p["screen_name"] {
		case "durov":
			return `{"type": "user", "object_id": 1}`, nil
		case "apiclub":
			return `{"type": "group", "object_id": 2}`, nil
		case "broken":
			return "", &api.Error{Method: "utils.resolveScreenName", Code: api.CodeInvalidParam}
		}
		return `[]`, nil
	})
	mctx := newContext(fake, event.Message{})

	res, err := Mention().Cut(context.Background(), mctx, "https://vk.com/durov rest")
	require.NoError(t, err)
	assert.Equal(t, Entity{ID: 1, Kind: KindUser}, res.Value)
	assert.Equal(t, " rest", res.Remain)

	res, err = Mention().Cut(context.Background(), mctx, "@apiclub")
	require.NoError(t, err)
	assert.Equal(t, Entity{ID: 2, Kind: KindGroup}, res.Value)

	_, err = Mention().Cut(context.Background(), mctx, "vk.com/nobody")
	assert.True(t, IsNoMatch(err), "unknown names are a mismatch")

	_, err = Mention().Cut(context.Background(), mctx, "m.vk.com/broken")
	assert.True(t, IsNoMatch(err), "remote not-found codes are a mismatch")

	assert.Len(t, fake.CallsTo("utils.resolveScreenName"), 4)
}

func TestEntity_RemoteFailureIsHard(t *testing.T) {
	boom := errors.New("connection reset")
	fake := apitest.NewFakeCaller().On("utils.resolveScreenName", func(api.Params) (string, error) {
		return "", boom
	})

	_, err := Mention().Cut(context.Background(), newContext(fake, event.Message{}), "@someone")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsNoMatch(err))
}

func TestEntity_ContextFallbackAdvances(t *testing.T) {
	msg := event.Message{
		Reply:     &event.Message{FromID: 10},
		Forwarded: []event.Message{{FromID: 20}, {FromID: -30}},
	}
	mctx := newContext(apitest.NewFakeCaller(), msg).ForParse()
	c := Mention()

	var got []Entity
	for i := 0; i < 3; i++ {
		res, err := c.Cut(context.Background(), mctx, "")
		require.NoError(t, err)
		assert.Equal(t, "", res.Remain)
		got = append(got, res.Value.(Entity))
	}
	assert.Equal(t, []Entity{
		{ID: 10, Kind: KindUser},
		{ID: 20, Kind: KindUser},
		{ID: 30, Kind: KindGroup},
	}, got)

	_, err := c.Cut(context.Background(), mctx, "")
	assert.True(t, IsNoMatch(err), "sources are exhausted")

	fresh := mctx.ForParse()
	res, err := c.Cut(context.Background(), fresh, "")
	require.NoError(t, err)
	assert.Equal(t, Entity{ID: 10, Kind: KindUser}, res.Value, "a new parse starts over")
}

func TestEntity_FallbackDisabledOrMissing(t *testing.T) {
	msg := event.Message{Reply: &event.Message{FromID: 10}}
	_, err := (&EntityCutter{NoContext: true}).Cut(context.Background(), newContext(nil, msg), "")
	assert.True(t, IsNoMatch(err))

	_, err = Mention().Cut(context.Background(), nil, "")
	assert.True(t, IsNoMatch(err))

	_, err = Mention().Cut(context.Background(), newContext(nil, event.Message{}), "")
	assert.True(t, IsNoMatch(err))
}

func TestEntity_KindRestriction(t *testing.T) {
	_, err := User().Cut(context.Background(), nil, "[club1|g]")
	assert.True(t, IsNoMatch(err))

	_, err = Community().Cut(context.Background(), nil, "id1")
	assert.True(t, IsNoMatch(err))

	res, err := Community().Cut(context.Background(), nil, "-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), res.Value.(Entity).PeerID())
}

func TestEntity_Helpers(t *testing.T) {
	assert.Equal(t, "[id5|Bob]", Entity{ID: 5, Kind: KindUser}.Mention("Bob"))
	assert.Equal(t, "[club5|Team]", Entity{ID: 5, Kind: KindGroup}.Mention("Team"))
	assert.Equal(t, "<user>", User().Describe())
	assert.Equal(t, "<mention>", Mention().Describe())
}

func TestSequence_IgnoresZeroWidthEntityMatches(t *testing.T) {
	msg := event.Message{Forwarded: []event.Message{{FromID: 1}, {FromID: 2}}}
	mctx := newContext(nil, msg).ForParse()

	res, err := List(Mention()).Cut(context.Background(), mctx, "id5 id6")
	require.NoError(t, err)
	assert.Equal(t, []any{Entity{ID: 5, Kind: KindUser}, Entity{ID: 6, Kind: KindUser}}, res.Value)

	res, err = List(Mention()).Cut(context.Background(), mctx, "")
	require.NoError(t, err)
	assert.Equal(t, []any{}, res.Value, "zero-width matches do not count as occurrences")

	res, err = Mention().Cut(context.Background(), mctx, "")
	require.NoError(t, err)
	assert.Equal(t, Entity{ID: 1, Kind: KindUser}, res.Value, "the sequence leaves the forwarded senders untouched")
}

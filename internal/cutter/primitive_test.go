package cutter

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimitives_Match(t *testing.T) {
	tests := []struct {
		name   string
		cutter Cutter
		input  string
		want   Result
	}{
		{"int", Int(), "42 rest", Result{Value: int64(42), Remain: " rest"}},
		{"negative int", Int(), "-7", Result{Value: int64(-7), Remain: ""}},
		{"int in range", IntRange(1, 10), "10", Result{Value: int64(10), Remain: ""}},
		{"int glued", Int(), "5d", Result{Value: int64(5), Remain: "d"}},
		{"float", Float{}, "3.5x", Result{Value: 3.5, Remain: "x"}},
		{"float exponent", Float{}, "1e3 ok", Result{Value: 1000.0, Remain: " ok"}},
		{"float leading dot", Float{}, ".5", Result{Value: 0.5, Remain: ""}},
		{"word", Word{}, "hello, world", Result{Value: "hello", Remain: ", world"}},
		{"string", String{}, "hello world  ", Result{Value: "hello world", Remain: ""}},
		{"bool yes", Bool{}, "Yes please", Result{Value: true, Remain: " please"}},
		{"bool off", Bool{}, "off", Result{Value: false, Remain: ""}},
		{"bool russian", Bool{}, "да", Result{Value: true, Remain: ""}},
		{"literal", OneOf("add", "remove"), "ADD x", Result{Value: "add", Remain: " x"}},
		{"literal longest", OneOf("add", "addall"), "addall x", Result{Value: "addall", Remain: " x"}},
		{"regex", MustPattern("hex", `#[0-9a-f]{6}`), "#ff0000 red", Result{Value: "#ff0000", Remain: " red"}},
		{"regex groups", MustPattern("dice", `(\d+)d(\d+)`), "2d6", Result{Value: []string{"2", "6"}, Remain: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cutter.Cut(context.Background(), nil, tt.input)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("result mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPrimitives_NoMatch(t *testing.T) {
	tests := []struct {
		name   string
		cutter Cutter
		input  string
	}{
		{"int on word", Int(), "abc"},
		{"int out of range", IntRange(1, 10), "42 rest"},
		{"int below range", IntRange(1, 10), "0"},
		{"int overflow", Int(), "99999999999999999999"},
		{"int empty", Int(), ""},
		{"float on word", Float{}, "pi"},
		{"word empty", Word{}, ""},
		{"word starts with comma", Word{}, ",x"},
		{"word too long", Word{MaxLen: 3}, "abcd"},
		{"string empty", String{}, "   "},
		{"string too short", String{MinLen: 5}, "abc"},
		{"bool", Bool{}, "maybe"},
		{"literal prefix only", OneOf("add"), "adding"},
		{"literal case sensitive", &Literal{Options: []string{"add"}, CaseSensitive: true}, "ADD"},
		{"regex", MustPattern("hex", `#[0-9a-f]{6}`), "red"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cutter.Cut(context.Background(), nil, tt.input)
			require.Error(t, err)
			assert.True(t, IsNoMatch(err), "expected a soft mismatch, got %v", err)
		})
	}
}

func TestPattern_Invalid(t *testing.T) {
	_, err := Pattern("broken", `(`)
	assert.Error(t, err)
	assert.Panics(t, func() { MustPattern("broken", `(`) })
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "<int 1..10>", IntRange(1, 10).Describe())
	assert.Equal(t, "<int>", Int().Describe())
	assert.Equal(t, "<a|b>", OneOf("a", "b").Describe())
	assert.Equal(t, "[int]", Maybe(Int(), nil).Describe())
	assert.Equal(t, "<int|word>", AnyOf(Int(), Word{}).Describe())
	assert.Equal(t, "<int>...", List(Int()).Describe())
}

func TestTrimSeparators(t *testing.T) {
	assert.Equal(t, "x", TrimSeparators("  , x"))
	assert.Equal(t, ", x", TrimSeparators(",, x"))
	assert.Equal(t, "x", TrimSeparators("x"))
	assert.Equal(t, "", TrimSeparators("  "))
}

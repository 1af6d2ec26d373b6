// Package apitest provides an in-memory api.Caller for tests.
package apitest

import (
	"context"
	"fmt"
	"sync"

	"github.com/keepmind9/vkbot/internal/api"
	"github.com/tidwall/gjson"
)

// Call is one recorded invocation
type Call struct {
	Method string
	Params api.Params
}

// Responder produces the raw JSON "response" value for a call
type Responder func(params api.Params) (string, error)

// FakeCaller answers calls from registered responders and records every call
type FakeCaller struct {
	mu         sync.Mutex
	responders map[string]Responder
	calls      []Call
}

// NewFakeCaller creates a FakeCaller with no responders
func NewFakeCaller() *FakeCaller {
	return &FakeCaller{responders: make(map[string]Responder)}
}

// On registers a responder for method
func (f *FakeCaller) On(method string, r Responder) *FakeCaller {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[method] = r
	return f
}

// Respond registers a fixed JSON response for method
func (f *FakeCaller) Respond(method, raw string) *FakeCaller {
	return f.On(method, func(api.Params) (string, error) { return raw, nil })
}

// Fail registers a remote error for method
func (f *FakeCaller) Fail(method string, code int) *FakeCaller {
	return f.On(method, func(api.Params) (string, error) {
		return "", &api.Error{Method: method, Code: code, Message: "fake failure"}
	})
}

// Call implements api.Caller
func (f *FakeCaller) Call(ctx context.Context, method string, params api.Params) (gjson.Result, error) {
	copied := make(api.Params, len(params))
	for k, v := range params {
		copied[k] = v
	}

	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: copied})
	r, ok := f.responders[method]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return gjson.Result{}, err
	}
	if !ok {
		return gjson.Result{}, fmt.Errorf("apitest: no responder for %s", method)
	}
	raw, err := r(copied)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.Parse(raw), nil
}

// Calls returns a copy of all recorded calls
func (f *FakeCaller) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsTo returns recorded calls of one method
func (f *FakeCaller) CallsTo(method string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Package sessiontest provides an in-process session.Client for tests.
package sessiontest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/massender/waworker/internal/session"
)

// Sent records one SendPayload call.
type Sent struct {
	Target  string
	Payload session.Payload
}

// FakeClient is a scriptable session.Client. Hooks left nil succeed with zero values.
type FakeClient struct {
	InitializeFn     func(ctx context.Context) error
	SendFn           func(ctx context.Context, target string, payload session.Payload) error
	ListChatsFn      func(ctx context.Context) ([]session.Chat, error)
	ResolveContactFn func(ctx context.Context, id string) (session.Contact, error)
	LogoutFn         func(ctx context.Context) error
	DestroyFn        func() error

	InitializeCalls atomic.Int32
	LogoutCalls     atomic.Int32
	DestroyCalls    atomic.Int32
	ListChatsCalls  atomic.Int32
	ResolveCalls    atomic.Int32

	mu       sync.Mutex
	handlers []func(session.Event)
	sent     []Sent
}

// NewFakeClient returns a FakeClient with no hooks.
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

func (f *FakeClient) Initialize(ctx context.Context) error {
	f.InitializeCalls.Add(1)
	if f.InitializeFn != nil {
		return f.InitializeFn(ctx)
	}
	return nil
}

func (f *FakeClient) Subscribe(handler func(session.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

// Emit delivers evt to every subscribed handler, in order.
func (f *FakeClient) Emit(evt session.Event) {
	f.mu.Lock()
	handlers := append([]func(session.Event){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(evt)
	}
}

func (f *FakeClient) SendPayload(ctx context.Context, target string, payload session.Payload) error {
	f.mu.Lock()
	f.sent = append(f.sent, Sent{Target: target, Payload: payload})
	f.mu.Unlock()
	if f.SendFn != nil {
		return f.SendFn(ctx, target, payload)
	}
	return nil
}

// Sent returns a copy of every SendPayload call so far.
func (f *FakeClient) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent{}, f.sent...)
}

func (f *FakeClient) ListChats(ctx context.Context) ([]session.Chat, error) {
	f.ListChatsCalls.Add(1)
	if f.ListChatsFn != nil {
		return f.ListChatsFn(ctx)
	}
	return nil, nil
}

func (f *FakeClient) ResolveContact(ctx context.Context, id string) (session.Contact, error) {
	f.ResolveCalls.Add(1)
	if f.ResolveContactFn != nil {
		return f.ResolveContactFn(ctx, id)
	}
	return session.Contact{ID: id}, nil
}

func (f *FakeClient) Logout(ctx context.Context) error {
	f.LogoutCalls.Add(1)
	if f.LogoutFn != nil {
		return f.LogoutFn(ctx)
	}
	return nil
}

func (f *FakeClient) Destroy() error {
	f.DestroyCalls.Add(1)
	if f.DestroyFn != nil {
		return f.DestroyFn()
	}
	return nil
}

// Factory hands out FakeClients and remembers them by session id.
type Factory struct {
	// New customizes each client before it is returned.
	New func(id string, c *FakeClient)

	Calls   atomic.Int32
	mu      sync.Mutex
	clients map[string]*FakeClient
}

// Build implements session.ClientFactory.
func (f *Factory) Build(id string) (session.Client, error) {
	f.Calls.Add(1)
	c := NewFakeClient()
	if f.New != nil {
		f.New(id, c)
	}
	f.mu.Lock()
	if f.clients == nil {
		f.clients = make(map[string]*FakeClient)
	}
	f.clients[id] = c
	f.mu.Unlock()
	return c, nil
}

// Client returns the last client built for id.
func (f *Factory) Client(id string) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[id]
}

package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClient struct {
	initFn     func(ctx context.Context) error
	initCalls  atomic.Int32
	logouts    atomic.Int32
	destroys   atomic.Int32
	logoutErr  error
	destroyErr error

	mu       sync.Mutex
	handlers []func(Event)
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.initCalls.Add(1)
	if f.initFn != nil {
		return f.initFn(ctx)
	}
	return nil
}

func (f *fakeClient) Subscribe(h func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *fakeClient) emit(evt Event) {
	f.mu.Lock()
	hs := append([]func(Event){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(evt)
	}
}

func (f *fakeClient) SendPayload(context.Context, string, Payload) error { return nil }
func (f *fakeClient) ListChats(context.Context) ([]Chat, error) { return nil, nil }
func (f *fakeClient) ResolveContact(_ context.Context, id string) (Contact, error) {
	return Contact{ID: id}, nil
}

func (f *fakeClient) Logout(context.Context) error {
	f.logouts.Add(1)
	return f.logoutErr
}

func (f *fakeClient) Destroy() error {
	f.destroys.Add(1)
	return f.destroyErr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func fixedQR(code string) (string, error) { return "data:image/png;base64," + code, nil }

package inbound

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/massender/waworker/internal/bus"
)

type capture struct {
	mu       sync.Mutex
	requests []*http.Request
	payloads []Payload
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		c.mu.Lock()
		c.requests = append(c.requests, r)
		c.payloads = append(c.payloads, p)
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func TestFromMeNeverPosts(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	f := NewForwarder(srv.URL, "secret", bus.NewMessageBus())
	if f.Handle(&bus.InboundMessage{SessionID: "s1", From: "628123456789@s.whatsapp.net", Body: "hi", FromMe: true}) {
		t.Fatalf("expected fromMe message to be skipped")
	}
	f.Wait()
	if c.count() != 0 {
		t.Fatalf("expected no webhook call, got %d", c.count())
	}
}

func TestValidSenderPostsOnce(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	ts := time.Date(2026, 3, 1, 8, 30, 0, 0, time.FixedZone("WIB", 7*3600))
	f := NewForwarder(srv.URL+"/", "secret", bus.NewMessageBus())
	ok := f.Handle(&bus.InboundMessage{
		EventID:   "evt-1",
		SessionID: "s1",
		From:      "628123456789:12@s.whatsapp.net",
		Body:      "STOP",
		Timestamp: ts,
	})
	if !ok {
		t.Fatalf("expected post to start")
	}
	f.Wait()

	if c.count() != 1 {
		t.Fatalf("expected exactly one POST, got %d", c.count())
	}
	r, p := c.requests[0], c.payloads[0]
	if r.Method != http.MethodPost || r.URL.Path != "/wa/inbound" {
		t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
	}
	if r.Header.Get("X-Worker-Key") != "secret" || r.Header.Get("X-Event-ID") != "evt-1" {
		t.Fatalf("unexpected headers: %v", r.Header)
	}
	want := Payload{SessionID: "s1", ContactPhone: "+628123456789", Message: "STOP", Timestamp: "2026-03-01T01:30:00.000Z"}
	if p != want {
		t.Fatalf("expected %+v, got %+v", want, p)
	}
}

func TestInvalidSenderSkipped(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	f := NewForwarder(srv.URL, "secret", bus.NewMessageBus())
	for _, from := range []string{"120363000000000001@g.us", "status@broadcast", "", "abc@s.whatsapp.net"} {
		if f.Handle(&bus.InboundMessage{SessionID: "s1", From: from, Body: "x"}) {
			t.Fatalf("expected %q to be skipped", from)
		}
	}
	f.Wait()
	if c.count() != 0 {
		t.Fatalf("expected no webhook calls")
	}
}

func TestDisabledWithoutConfig(t *testing.T) {
	for _, tc := range []struct{ base, key string }{{"", "k"}, {"http://x", ""}, {"", ""}} {
		f := NewForwarder(tc.base, tc.key, bus.NewMessageBus())
		if f.Enabled() {
			t.Fatalf("expected disabled for %+v", tc)
		}
		if f.Handle(&bus.InboundMessage{From: "628123456789@s.whatsapp.net"}) {
			t.Fatalf("expected no post when disabled")
		}
	}
}

func TestFailedPostIsDropped(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusBadGateway))
	defer srv.Close()

	f := NewForwarder(srv.URL, "secret", bus.NewMessageBus())
	f.Handle(&bus.InboundMessage{SessionID: "s1", From: "628123456789@s.whatsapp.net", Body: "hi"})
	f.Wait()
	if c.count() != 1 {
		t.Fatalf("expected a single attempt, got %d", c.count())
	}
}

func TestRunDrainsBus(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(c.handler(http.StatusOK))
	defer srv.Close()

	b := bus.NewMessageBus()
	f := NewForwarder(srv.URL, "secret", b)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	b.PublishInbound(&bus.InboundMessage{SessionID: "s1", From: "628123456789@s.whatsapp.net", Body: "one"})
	b.PublishInbound(&bus.InboundMessage{SessionID: "s1", From: "628123456789@s.whatsapp.net", Body: "two", FromMe: true})

	deadline := time.Now().Add(2 * time.Second)
	for c.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for webhook")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if c.count() != 1 {
		t.Fatalf("expected one webhook call, got %d", c.count())
	}
}

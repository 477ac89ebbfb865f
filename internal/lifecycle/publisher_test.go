package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/massender/waworker/internal/bus"
)

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message{}, w.msgs...)
}

func TestEncode(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg, err := Encode(&bus.LifecycleEvent{EventID: "e1", SessionID: "s1", From: "waiting", To: "linked", Reason: "ready", At: at})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(msg.Key) != "s1" || !msg.Time.Equal(at) {
		t.Fatalf("unexpected key/time: %q %v", msg.Key, msg.Time)
	}
	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["session_id"] != "s1" || decoded["to"] != "linked" || decoded["from"] != "waiting" {
		t.Fatalf("unexpected payload: %v", decoded)
	}
}

func TestNewKafkaPublisherDisabledWithoutBrokers(t *testing.T) {
	if p := NewKafkaPublisher(" , ", ""); p != nil {
		t.Fatalf("expected nil publisher without brokers")
	}
	p := NewKafkaPublisher("localhost:9092", "")
	if p == nil || p.topic != DefaultTopic {
		t.Fatalf("expected default topic, got %+v", p)
	}
}

func TestRunPublishesBusEvents(t *testing.T) {
	w := &memWriter{}
	p := NewPublisher(w, "t")
	b := bus.NewMessageBus()
	p.Attach(b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = b.DispatchLifecycle(ctx) }()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	b.PublishLifecycle(&bus.LifecycleEvent{SessionID: "s1", From: "initializing", To: "waiting"})
	b.PublishLifecycle(&bus.LifecycleEvent{SessionID: "s1", From: "waiting", To: "linked"})

	deadline := time.Now().Add(2 * time.Second)
	for len(w.written()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for writes")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	msgs := w.written()
	var first bus.LifecycleEvent
	if err := json.Unmarshal(msgs[0].Value, &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.To != "waiting" {
		t.Fatalf("expected events in order, got %+v", first)
	}
	if !w.closed {
		t.Fatalf("expected writer to be closed")
	}
}

func TestWriteErrorsAreDropped(t *testing.T) {
	w := &memWriter{err: errors.New("broker down")}
	p := NewPublisher(w, "t")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Enqueue(&bus.LifecycleEvent{SessionID: "s1", To: "linked"})
	p.Enqueue(&bus.LifecycleEvent{SessionID: "s2", To: "linked"})
	deadline := time.Now().Add(2 * time.Second)
	for len(p.queue) > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue never drained")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	p := NewPublisher(&memWriter{}, "t")
	for i := 0; i < queueSize+3; i++ {
		p.Enqueue(&bus.LifecycleEvent{SessionID: "s1"})
	}
	if p.Dropped() != 3 {
		t.Fatalf("expected 3 drops, got %d", p.Dropped())
	}
}

// Package bus provides the async message bus between session actors and their consumers.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// InboundMessage represents a message received by a linked device.
type InboundMessage struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	From      string    `json:"from"`
	Body      string    `json:"body"`
	FromMe    bool      `json:"from_me"`
	Timestamp time.Time `json:"timestamp"`
}

// LifecycleEvent records a session status change.
type LifecycleEvent struct {
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// MessageBus decouples session actors from webhook and event-stream consumers.
// Publishing never blocks: when a buffer is full the message is dropped and counted.
type MessageBus struct {
	inbound   chan *InboundMessage
	lifecycle chan *LifecycleEvent
	subs      []func(*LifecycleEvent)
	dropped   atomic.Int64
	mu        sync.RWMutex
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:   make(chan *InboundMessage, 100),
		lifecycle: make(chan *LifecycleEvent, 100),
	}
}

// PublishInbound queues an inbound message. It reports false if the message was dropped.
func (b *MessageBus) PublishInbound(msg *InboundMessage) bool {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case b.inbound <- msg:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishLifecycle queues a lifecycle event. It reports false if the event was dropped.
func (b *MessageBus) PublishLifecycle(evt *LifecycleEvent) bool {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	select {
	case b.lifecycle <- evt:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// SubscribeLifecycle registers a callback for lifecycle events.
func (b *MessageBus) SubscribeLifecycle(callback func(*LifecycleEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, callback)
}

// DispatchLifecycle runs the lifecycle dispatcher.
// This should be run as a goroutine.
func (b *MessageBus) DispatchLifecycle(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-b.lifecycle:
			b.mu.RLock()
			callbacks := b.subs
			b.mu.RUnlock()

			for _, cb := range callbacks {
				cb(evt)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}

// LifecycleSize returns the number of pending lifecycle events.
func (b *MessageBus) LifecycleSize() int {
	return len(b.lifecycle)
}

// Dropped returns how many messages were discarded because a buffer was full.
func (b *MessageBus) Dropped() int64 {
	return b.dropped.Load()
}

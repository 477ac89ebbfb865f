// Package lifecycle streams session status changes to Kafka.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/massender/waworker/internal/bus"
)

// DefaultTopic receives lifecycle events when no topic is configured.
const DefaultTopic = "waworker.sessions"

const (
	queueSize    = 100
	writeTimeout = 5 * time.Second
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes bus lifecycle events to a topic keyed by session id.
// Events are queued without blocking the bus; a full queue drops the event.
type Publisher struct {
	writer  Writer
	topic   string
	queue   chan *bus.LifecycleEvent
	dropped atomic.Int64
}

// NewKafkaPublisher creates a publisher for a comma separated broker list.
// It returns nil when brokers is empty.
func NewKafkaPublisher(brokers, topic string) *Publisher {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil
	}
	if topic == "" {
		topic = DefaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return NewPublisher(w, topic)
}

// NewPublisher wraps an existing writer.
func NewPublisher(w Writer, topic string) *Publisher {
	return &Publisher{
		writer: w,
		topic:  topic,
		queue:  make(chan *bus.LifecycleEvent, queueSize),
	}
}

// Attach subscribes the publisher to lifecycle events on b.
func (p *Publisher) Attach(b *bus.MessageBus) {
	b.SubscribeLifecycle(p.Enqueue)
}

// Enqueue queues evt for publishing.
func (p *Publisher) Enqueue(evt *bus.LifecycleEvent) {
	select {
	case p.queue <- evt:
	default:
		p.dropped.Add(1)
		slog.Warn("Lifecycle queue full, event dropped", "session_id", evt.SessionID, "to", evt.To)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Run writes queued events until ctx is cancelled, then closes the writer.
// This should be run as a goroutine.
func (p *Publisher) Run(ctx context.Context) {
	slog.Info("Lifecycle publisher started", "topic", p.topic)
	defer func() {
		if err := p.writer.Close(); err != nil {
			slog.Warn("Lifecycle writer close error", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Lifecycle publish failed", "session_id", evt.SessionID, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, evt *bus.LifecycleEvent) error {
	msg, err := Encode(evt)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.writer.WriteMessages(wctx, msg)
}

// Encode converts evt into a Kafka message keyed by session id.
func Encode(evt *bus.LifecycleEvent) (kafka.Message, error) {
	value, err := json.Marshal(evt)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal lifecycle event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(evt.SessionID),
		Value: value,
		Time:  evt.At,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(evt.EventID)},
			{Key: "status", Value: []byte(evt.To)},
		},
	}, nil
}

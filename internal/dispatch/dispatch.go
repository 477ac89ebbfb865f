// Package dispatch executes outbound sends on linked sessions and classifies their failures.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sourcegraph/conc/pool"

	"github.com/massender/waworker/internal/phone"
	"github.com/massender/waworker/internal/session"
)

const (
	groupServer     = "g.us"
	defaultDocument = "application/octet-stream"
)

// Payload is an outbound request. Each non-empty field becomes one delivery.
type Payload struct {
	Text        string
	MediaURL    string
	DocumentURL string
}

// Dispatcher sends payloads through a session's client.
type Dispatcher struct {
	fetcher MediaFetcher
}

// New creates a dispatcher. A nil fetcher uses NewHTTPFetcher.
func New(fetcher MediaFetcher) *Dispatcher {
	if fetcher == nil {
		fetcher = NewHTTPFetcher()
	}
	return &Dispatcher{fetcher: fetcher}
}

// SendDirect delivers payload to a phone number.
func (d *Dispatcher) SendDirect(ctx context.Context, s *session.Session, to string, p Payload) error {
	if err := s.RequireLinked(); err != nil {
		return err
	}
	chatID, err := phone.ChatID(to)
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrInvalidRecipient, err)
	}
	return d.send(ctx, s, chatID, p)
}

// SendToGroup delivers payload to a group chat id. A bare group id gets the group server suffix.
func (d *Dispatcher) SendToGroup(ctx context.Context, s *session.Session, groupID string, p Payload) error {
	if err := s.RequireLinked(); err != nil {
		return err
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return fmt.Errorf("%w: empty group id", session.ErrInvalidRecipient)
	}
	if !strings.Contains(groupID, "@") {
		groupID += "@" + groupServer
	}
	return d.send(ctx, s, groupID, p)
}

type task func(ctx context.Context) error

func (d *Dispatcher) send(ctx context.Context, s *session.Session, target string, p Payload) error {
	client := s.Client()

	var tasks []task
	if text := strings.TrimSpace(p.Text); text != "" {
		tasks = append(tasks, func(ctx context.Context) error {
			if err := client.SendPayload(ctx, target, session.Payload{Text: text}); err != nil {
				return fmt.Errorf("%w: text: %v", session.ErrSendFailed, err)
			}
			return nil
		})
	}
	if u := strings.TrimSpace(p.MediaURL); u != "" {
		tasks = append(tasks, d.mediaTask(client, target, u, false))
	}
	if u := strings.TrimSpace(p.DocumentURL); u != "" {
		tasks = append(tasks, d.mediaTask(client, target, u, true))
	}
	if len(tasks) == 0 {
		return session.ErrEmptyPayload
	}

	// Sibling deliveries are not rolled back when one task fails.
	wp := pool.New().WithErrors().WithContext(ctx)
	for _, t := range tasks {
		wp.Go(t)
	}
	if err := wp.Wait(); err != nil {
		slog.Warn("Send failed", "session_id", s.ID(), "target", target, "retryable", session.Retryable(err), "error", err)
		return err
	}

	s.TouchLastSeen()
	slog.Debug("Message sent", "session_id", s.ID(), "target", target, "parts", len(tasks))
	return nil
}

func (d *Dispatcher) mediaTask(client session.Client, target, rawURL string, asDocument bool) task {
	return func(ctx context.Context) error {
		att, err := d.fetcher.Fetch(ctx, rawURL)
		if err != nil {
			return fmt.Errorf("%w: %v", session.ErrMediaFetchFailed, err)
		}
		att.AsDocument = asDocument
		if asDocument && att.MimeType == "" {
			att.MimeType = defaultDocument
		}
		if err := client.SendPayload(ctx, target, session.Payload{Attachment: att}); err != nil {
			return fmt.Errorf("%w: %v", session.ErrSendFailed, err)
		}
		return nil
	}
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/massender/waworker/internal/bus"
)

// DefaultMaxSessions is used when Config.MaxSessions is not positive.
const DefaultMaxSessions = 5

// Config holds registry settings shared by every session it creates.
type Config struct {
	MaxSessions int
	ReinitDelay time.Duration
	Bus         *bus.MessageBus
	EncodeQR    QREncoder
	Now         func() time.Time
}

// Registry is the bounded set of live sessions keyed by id.
type Registry struct {
	cfg      Config
	factory  ClientFactory
	sessions map[string]*Session
	closed   bool
	mu       sync.Mutex
}

// NewRegistry creates an empty registry that builds clients with factory.
func NewRegistry(factory ClientFactory, cfg Config) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	return &Registry{
		cfg:      cfg,
		factory:  factory,
		sessions: make(map[string]*Session),
	}
}

// Create returns the session for id, creating it if needed. A new session starts in
// StatusInitializing and links asynchronously. The client is constructed under the
// registry lock so racing calls for the same id build at most one client.
func (r *Registry) Create(id, label string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry closed")
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		return nil, fmt.Errorf("%w (max %d)", ErrSessionCapReached, r.cfg.MaxSessions)
	}

	client, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("create client for session %s: %w", id, err)
	}
	s := newSession(id, label, client, r.cfg)
	r.sessions[id] = s
	s.start()

	if label != "" {
		slog.Info("Initializing session", "session_id", id, "label", label)
	} else {
		slog.Info("Initializing session", "session_id", id)
	}
	return s, nil
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Destroy removes the session, logs its device out and tears the client down.
// Adapter errors are logged and swallowed; destroying an unknown id is a no-op.
func (r *Registry) Destroy(ctx context.Context, id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	// Stop first so the logout's own disconnect event cannot schedule a reconnect.
	s.stop()
	if err := s.client.Logout(ctx); err != nil {
		slog.Warn("Logout error", "session_id", id, "error", err)
	}
	if err := s.client.Destroy(); err != nil {
		slog.Warn("Destroy error", "session_id", id, "error", err)
	}
	slog.Info("Session destroyed", "session_id", id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// MaxSessions returns the registry capacity.
func (r *Registry) MaxSessions() int {
	return r.cfg.MaxSessions
}

// List returns the ids of live sessions in sorted order.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close tears down every session without logging devices out, so linked devices
// reconnect without a new scan after a restart. Create fails after Close.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg conc.WaitGroup
	for id, s := range sessions {
		wg.Go(func() {
			s.stop()
			if err := s.client.Destroy(); err != nil {
				slog.Warn("Destroy error", "session_id", id, "error", err)
			}
		})
	}
	wg.Wait()
}

// Package session manages linked-device sessions: their state machines, the bounded
// registry that owns them, and single-flight reinitialization.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/massender/waworker/internal/bus"
)

// Status is the externally visible state of a session.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusWaitingForScan Status = "waiting"
	StatusLinked         Status = "linked"
	StatusAuthFailure    Status = "auth_failure"
	StatusDisconnected   Status = "disconnected"
	StatusError          Status = "error"
)

const (
	defaultReinitDelay    = 2 * time.Second
	mailboxSize           = 64
	defaultAuthFailureMsg = "Authentication failure"
)

// Reinitialization phases. Anything but reinitIdle blocks new attempts.
const (
	reinitIdle     int32 = iota
	reinitPending        // backoff timer running
	reinitRunning        // Initialize in progress
	reinitAwaiting       // Initialize returned, waiting for the link to settle
)

// Snapshot is the serializable view of a session.
type Snapshot struct {
	Status            Status     `json:"status"`
	QR                *string    `json:"qr"`
	LastSeenAt        *time.Time `json:"lastSeenAt"`
	LastQRAt          *time.Time `json:"lastQrAt"`
	LastErrorMessage  *string    `json:"lastErrorMessage"`
	LinkedDeviceNames []string   `json:"linkedDeviceNames"`
	DeviceLabel       *string    `json:"deviceLabel"`
}

// Session is one managed linked-device connection.
// Adapter events are applied by a single actor goroutine in emission order.
type Session struct {
	id     string
	label  string
	client Client

	mu          sync.RWMutex
	status      Status
	qr          string
	lastSeenAt  time.Time
	lastQRAt    time.Time
	lastError   string
	deviceNames []string
	deviceLabel string

	reinitState atomic.Int32
	reinitDelay time.Duration

	mailbox  chan Event
	ctx      context.Context
	cancel   context.CancelFunc
	wg       conc.WaitGroup
	stopOnce sync.Once

	bus      *bus.MessageBus
	encodeQR QREncoder
	now      func() time.Time
}

func newSession(id, label string, client Client, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		label:       label,
		client:      client,
		status:      StatusInitializing,
		reinitDelay: cfg.ReinitDelay,
		mailbox:     make(chan Event, mailboxSize),
		ctx:         ctx,
		cancel:      cancel,
		bus:         cfg.Bus,
		encodeQR:    cfg.EncodeQR,
		now:         cfg.Now,
	}
	if s.reinitDelay <= 0 {
		s.reinitDelay = defaultReinitDelay
	}
	if s.encodeQR == nil {
		s.encodeQR = EncodeQRDataURL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// start attaches the actor to the client and kicks off the first Initialize.
func (s *Session) start() {
	s.client.Subscribe(s.enqueue)

	s.wg.Go(s.run)
	s.wg.Go(func() {
		if err := s.client.Initialize(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			slog.Error("Failed to initialize client", "session_id", s.id, "error", err)
			s.fail(err)
		}
	})
}

// stop halts the actor and any pending reinitialization and waits for them.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
}

// enqueue is the handler subscribed on the client. It preserves ordering by blocking
// while the mailbox is full, and gives up once the session is stopped.
func (s *Session) enqueue(evt Event) {
	select {
	case s.mailbox <- evt:
	case <-s.ctx.Done():
	}
}

func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.mailbox:
			s.apply(evt)
		}
	}
}

func (s *Session) apply(evt Event) {
	switch evt.Kind {
	case EventLoading:
		slog.Debug("Loading screen", "session_id", s.id, "percent", evt.Percent, "message", evt.Reason)

	case EventQR:
		slog.Info("QR received", "session_id", s.id)
		artifact, err := s.encodeQR(evt.QRCode)
		if err != nil {
			slog.Error("Failed to encode QR", "session_id", s.id, "error", err)
			artifact = ""
		}
		s.mu.Lock()
		s.setStatusLocked(StatusWaitingForScan, "")
		s.lastSeenAt = time.Time{}
		s.lastError = ""
		s.lastQRAt = s.now()
		s.qr = artifact
		s.mu.Unlock()

	case EventAuthenticated:
		slog.Info("Client authenticated", "session_id", s.id)
		s.mu.Lock()
		s.setStatusLocked(StatusLinked, "authenticated")
		s.lastError = ""
		s.mu.Unlock()

	case EventReady:
		slog.Info("Client ready", "session_id", s.id, "push_name", evt.Identity.PushName)
		s.mu.Lock()
		s.setStatusLocked(StatusLinked, "ready")
		s.qr = ""
		s.lastSeenAt = s.now()
		s.lastError = ""
		s.deviceLabel = firstNonEmpty(evt.Identity.PushName, evt.Identity.User)
		s.deviceNames = linkedDevices(evt.Identity)
		s.mu.Unlock()
		s.settleReinit()

	case EventAuthFailure:
		msg := evt.Reason
		if msg == "" {
			msg = defaultAuthFailureMsg
		}
		slog.Error("Authentication failure", "session_id", s.id, "reason", msg)
		s.mu.Lock()
		s.setStatusLocked(StatusAuthFailure, msg)
		s.lastError = msg
		s.mu.Unlock()
		s.reinitState.CompareAndSwap(reinitAwaiting, reinitIdle)
		s.ScheduleReinit(s.reinitDelay)

	case EventDisconnected:
		slog.Warn("Client disconnected", "session_id", s.id, "reason", evt.Reason)
		s.mu.Lock()
		s.setStatusLocked(StatusDisconnected, evt.Reason)
		s.lastSeenAt = time.Time{}
		s.lastError = evt.Reason
		s.mu.Unlock()
		s.reinitState.CompareAndSwap(reinitAwaiting, reinitIdle)
		s.ScheduleReinit(s.reinitDelay)

	case EventMessage:
		s.publishInbound(evt.Message)

	default:
		slog.Debug("Ignoring adapter event", "session_id", s.id, "kind", evt.Kind)
	}
}

// ScheduleReinit restarts the client after delay unless a reinitialization is already
// scheduled or running. It reports whether a new attempt was scheduled.
// An attempt ends when the session links, when Initialize fails, or when an
// auth_failure or disconnected event arrives after Initialize returned.
func (s *Session) ScheduleReinit(delay time.Duration) bool {
	if !s.reinitState.CompareAndSwap(reinitIdle, reinitPending) {
		return false
	}
	if s.ctx.Err() != nil {
		s.reinitState.Store(reinitIdle)
		return false
	}

	s.wg.Go(func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			s.reinitState.Store(reinitIdle)
			return
		}

		s.mu.Lock()
		if s.status == StatusLinked {
			s.mu.Unlock()
			slog.Info("Session linked during backoff, skipping reinitialize", "session_id", s.id)
			s.reinitState.Store(reinitIdle)
			return
		}
		s.reinitState.Store(reinitRunning)
		slog.Info("Reinitializing client", "session_id", s.id)
		s.setStatusLocked(StatusInitializing, "reinitialize")
		s.qr = ""
		s.lastError = ""
		s.mu.Unlock()

		if err := s.client.Initialize(s.ctx); err != nil {
			if s.ctx.Err() == nil {
				slog.Error("Failed to reinitialize client", "session_id", s.id, "error", err)
				s.fail(err)
			}
			s.reinitState.Store(reinitIdle)
			return
		}
		// ready may already have settled the attempt
		s.reinitState.CompareAndSwap(reinitRunning, reinitAwaiting)
	})
	return true
}

// settleReinit ends a running attempt once the session links. A pending backoff is
// left to its timer, which sees the linked status and stands down.
func (s *Session) settleReinit() {
	if !s.reinitState.CompareAndSwap(reinitAwaiting, reinitIdle) {
		s.reinitState.CompareAndSwap(reinitRunning, reinitIdle)
	}
}

// ReinitInFlight reports whether a reinitialization is scheduled or running.
func (s *Session) ReinitInFlight() bool {
	return s.reinitState.Load() != reinitIdle
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(StatusError, err.Error())
	s.qr = ""
	s.lastError = err.Error()
}

// setStatusLocked changes the status, keeps the QR invariant and publishes the change.
// Caller must hold s.mu.
func (s *Session) setStatusLocked(to Status, reason string) {
	from := s.status
	s.status = to
	if to != StatusWaitingForScan {
		s.qr = ""
	}
	if from == to || s.bus == nil {
		return
	}
	s.bus.PublishLifecycle(&bus.LifecycleEvent{
		EventID:   uuid.NewString(),
		SessionID: s.id,
		From:      string(from),
		To:        string(to),
		Reason:    reason,
		At:        s.now().UTC(),
	})
}

func (s *Session) publishInbound(msg *Message) {
	if msg == nil || s.bus == nil {
		return
	}
	ok := s.bus.PublishInbound(&bus.InboundMessage{
		EventID:   uuid.NewString(),
		SessionID: s.id,
		MessageID: msg.ID,
		From:      msg.From,
		Body:      msg.Body,
		FromMe:    msg.FromMe,
		Timestamp: msg.Timestamp,
	})
	if !ok {
		slog.Warn("Inbound queue full, message dropped", "session_id", s.id, "from", msg.From)
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Label returns the label supplied at creation.
func (s *Session) Label() string { return s.label }

// Client returns the adapter owned by the session.
func (s *Session) Client() Client { return s.client }

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// RequireLinked returns ErrSessionNotLinked unless the session is linked.
func (s *Session) RequireLinked() error {
	if st := s.Status(); st != StatusLinked {
		return fmt.Errorf("%w (status %s)", ErrSessionNotLinked, st)
	}
	return nil
}

// TouchLastSeen records successful activity on the link.
func (s *Session) TouchLastSeen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeenAt = s.now()
}

// Snapshot returns a copy of the session's visible state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Status:            s.status,
		QR:                optString(s.qr),
		LastSeenAt:        optTime(s.lastSeenAt),
		LastQRAt:          optTime(s.lastQRAt),
		LastErrorMessage:  optString(s.lastError),
		LinkedDeviceNames: append([]string{}, s.deviceNames...),
		DeviceLabel:       optString(s.deviceLabel),
	}
	return snap
}

func linkedDevices(id Identity) []string {
	out := make([]string, 0, 2)
	for _, v := range []string{id.PushName, id.User} {
		if v == "" || contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func optString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

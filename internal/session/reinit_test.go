package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestScheduleReinitIsSingleFlight(t *testing.T) {
	c := &fakeClient{}
	s := newTestSession(t, c, nil)

	if !s.ScheduleReinit(20 * time.Millisecond) {
		t.Fatalf("expected first schedule to be accepted")
	}
	if s.ScheduleReinit(20 * time.Millisecond) {
		t.Fatalf("expected second schedule to be a no-op")
	}

	waitFor(t, "reinitialize", func() bool { return c.initCalls.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := c.initCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one initialize, got %d", got)
	}
	if !s.ReinitInFlight() {
		t.Fatalf("expected the flag to stay set until ready")
	}
	if s.Status() != StatusInitializing {
		t.Fatalf("expected initializing, got %s", s.Status())
	}

	s.apply(Event{Kind: EventReady, Identity: Identity{PushName: "Ayu"}})
	if s.ReinitInFlight() {
		t.Fatalf("expected ready to clear the flag")
	}
}

func TestScheduleReinitConcurrentTriggers(t *testing.T) {
	c := &fakeClient{}
	s := newTestSession(t, c, nil)

	var wg sync.WaitGroup
	accepted := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			accepted <- s.ScheduleReinit(10 * time.Millisecond)
		}()
	}
	wg.Wait()
	close(accepted)

	n := 0
	for ok := range accepted {
		if ok {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly one accepted schedule, got %d", n)
	}
	waitFor(t, "reinitialize", func() bool { return c.initCalls.Load() == 1 })
}

func TestScheduleReinitFailureClearsFlag(t *testing.T) {
	c := &fakeClient{initFn: func(context.Context) error { return errors.New("still broken") }}
	s := newTestSession(t, c, nil)
	s.apply(Event{Kind: EventDisconnected, Reason: "CONFLICT"})
	s.reinitState.Store(reinitIdle)

	if !s.ScheduleReinit(time.Millisecond) {
		t.Fatalf("expected schedule")
	}
	waitFor(t, "error status", func() bool { return s.Status() == StatusError })
	waitFor(t, "flag cleared", func() bool { return !s.ReinitInFlight() })

	snap := s.Snapshot()
	if snap.LastErrorMessage == nil || *snap.LastErrorMessage != "still broken" {
		t.Fatalf("unexpected error message: %v", snap.LastErrorMessage)
	}
}

func TestScheduleReinitClearsQRAndError(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	c := &fakeClient{initFn: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	s := newTestSession(t, c, nil)
	s.apply(Event{Kind: EventAuthFailure, Reason: "bad creds"})
	s.reinitState.Store(reinitIdle)

	s.ScheduleReinit(time.Millisecond)
	<-started
	snap := s.Snapshot()
	close(release)
	if snap.Status != StatusInitializing || snap.QR != nil || snap.LastErrorMessage != nil {
		t.Fatalf("unexpected snapshot during reinit: %+v", snap)
	}
}

func TestStopCancelsPendingReinit(t *testing.T) {
	c := &fakeClient{}
	s := newSession("s1", "", c, Config{EncodeQR: fixedQR})
	s.ScheduleReinit(time.Hour)
	s.stop()

	if c.initCalls.Load() != 0 {
		t.Fatalf("expected no initialize after stop")
	}
	if s.ScheduleReinit(time.Millisecond) {
		t.Fatalf("expected schedule to be refused after stop")
	}
}

func TestReinitRecoversFromRepeatedFaults(t *testing.T) {
	c := &fakeClient{}
	s := newSession("s1", "", c, Config{ReinitDelay: 5 * time.Millisecond, EncodeQR: fixedQR})
	s.start()
	t.Cleanup(s.stop)
	waitFor(t, "first initialize", func() bool { return c.initCalls.Load() == 1 })

	faults := []Event{
		{Kind: EventDisconnected, Reason: "qr scan timed out"},
		{Kind: EventDisconnected, Reason: "qr scan timed out"},
		{Kind: EventAuthFailure, Reason: "bad creds"},
	}
	for i, fault := range faults {
		c.emit(Event{Kind: EventQR, QRCode: "code"})
		c.emit(fault)
		want := int32(i + 2)
		waitFor(t, "reinitialize", func() bool { return c.initCalls.Load() == want })
		waitFor(t, "attempt to settle", func() bool { return s.reinitState.Load() == reinitAwaiting })
		if st := s.Status(); st != StatusInitializing {
			t.Fatalf("fault %d: expected initializing, got %s", i, st)
		}
	}

	c.emit(Event{Kind: EventReady, Identity: Identity{PushName: "Ayu"}})
	waitFor(t, "linked", func() bool { return s.Status() == StatusLinked })
	if s.ReinitInFlight() {
		t.Fatalf("expected ready to settle the attempt")
	}
}

func TestReadyDuringBackoffSkipsReinit(t *testing.T) {
	c := &fakeClient{}
	s := newSession("s1", "", c, Config{ReinitDelay: 30 * time.Millisecond, EncodeQR: fixedQR})
	t.Cleanup(s.stop)

	s.apply(Event{Kind: EventDisconnected, Reason: "CONFLICT"})
	s.apply(Event{Kind: EventReady, Identity: Identity{PushName: "Ayu"}})
	if s.ScheduleReinit(time.Millisecond) {
		t.Fatalf("expected the pending backoff to block a second attempt")
	}

	waitFor(t, "backoff to stand down", func() bool { return !s.ReinitInFlight() })
	if got := c.initCalls.Load(); got != 0 {
		t.Fatalf("expected no initialize for a linked session, got %d", got)
	}
	if st := s.Status(); st != StatusLinked {
		t.Fatalf("expected linked, got %s", st)
	}
}

package services

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestCountdownExpires(t *testing.T) {
	defer goleak.VerifyNone(t)

	expired := make(chan struct{})
	c := StartCountdown(CountdownConfig{
		Duration: 20 * time.Millisecond,
		OnExpire: func() { close(expired) },
	})

	select {
	case <-expired:
	case <-time.After(2 * time.Second):
		t.Fatalf("countdown did not expire")
	}
	<-c.Done()

	if !c.Expired() {
		t.Fatalf("expected expired flag")
	}
	if c.Remaining() != 0 {
		t.Fatalf("expected no time remaining, got %s", c.Remaining())
	}
}

func TestCountdownStopPreventsExpiry(t *testing.T) {
	defer goleak.VerifyNone(t)

	var fired atomic.Bool
	c := StartCountdown(CountdownConfig{
		Duration: time.Hour,
		OnExpire: func() { fired.Store(true) },
	})
	c.Stop()
	c.Stop()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("countdown goroutine did not exit")
	}
	if fired.Load() || c.Expired() {
		t.Fatalf("stopped countdown must not expire")
	}
	if c.Remaining() <= 0 {
		t.Fatalf("expected remaining time after stop")
	}
}

func TestCountdownRemainingUsesClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	c := StartCountdown(CountdownConfig{
		Duration: 7 * time.Second,
		Clock:    func() time.Time { return now },
	})
	defer func() {
		c.Stop()
		<-c.Done()
	}()

	if got := c.Remaining(); got != 7*time.Second {
		t.Fatalf("expected 7s remaining, got %s", got)
	}
	if !c.Deadline().Equal(start.Add(7 * time.Second)) {
		t.Fatalf("unexpected deadline %s", c.Deadline())
	}
}

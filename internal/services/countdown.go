package services

import (
	"sync"
	"time"
)

// CountdownConfig configures a single-purpose countdown loop.
type CountdownConfig struct {
	Duration time.Duration
	OnExpire func()
	// Clock only feeds Remaining; expiry itself uses the runtime timer.
	Clock func() time.Time
}

// Countdown runs one timer goroutine until it expires or is stopped. Callbacks run on that goroutine
// and must not call Stop on the same countdown.
type Countdown struct {
	deadline time.Time
	now      func() time.Time
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	expired bool
}

// StartCountdown launches the countdown loop.
func StartCountdown(cfg CountdownConfig) *Countdown {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	c := &Countdown{
		deadline: now().Add(cfg.Duration),
		now:      now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run(cfg)
	return c
}

func (c *Countdown) run(cfg CountdownConfig) {
	defer close(c.done)

	timer := time.NewTimer(cfg.Duration)
	defer timer.Stop()

	select {
	case <-c.stop:
		return
	case <-timer.C:
	}
	select {
	case <-c.stop:
		return
	default:
	}
	c.mu.Lock()
	c.expired = true
	c.mu.Unlock()
	if cfg.OnExpire != nil {
		cfg.OnExpire()
	}
}

// Remaining returns the time left before expiry, never negative.
func (c *Countdown) Remaining() time.Duration {
	if c == nil {
		return 0
	}
	remaining := c.deadline.Sub(c.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Deadline returns the instant the countdown expires.
func (c *Countdown) Deadline() time.Time {
	return c.deadline
}

// Expired reports whether the countdown ran to completion.
func (c *Countdown) Expired() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Stop cancels the countdown. It is idempotent and does not wait for the loop to exit.
func (c *Countdown) Stop() {
	if c == nil {
		return
	}
	c.once.Do(func() { close(c.stop) })
}

// Done is closed once the countdown goroutine has exited.
func (c *Countdown) Done() <-chan struct{} {
	return c.done
}

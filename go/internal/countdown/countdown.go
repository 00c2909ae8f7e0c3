// Package countdown computes the remaining time of a session from its one
// authoritative start instant, corrected for the drift between the local clock
// and a trusted time source.
package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const DefaultTickInterval = time.Second

// Countdown is safe for concurrent use.
type Countdown struct {
	clock    clockwork.Clock
	duration time.Duration
	drift    time.Duration

	mu        sync.Mutex
	startedAt time.Time
	expired   bool
}

func New(clock clockwork.Clock, startedAt time.Time, duration time.Duration, s Sync) *Countdown {
	return &Countdown{
		clock:     clock,
		duration:  duration,
		drift:     s.Drift,
		startedAt: startedAt,
	}
}

// Now is the local clock corrected by the measured drift.
func (c *Countdown) Now() time.Time {
	return c.clock.Now().Add(-c.drift)
}

// RemainingDuration is the unrounded time left. It can be negative.
func (c *Countdown) RemainingDuration() time.Duration {
	c.mu.Lock()
	startedAt := c.startedAt
	c.mu.Unlock()
	return c.duration - c.Now().Sub(startedAt)
}

// Remaining is the time left in whole seconds, floored and never below zero.
func (c *Countdown) Remaining() int {
	return Seconds(c.RemainingDuration())
}

// Elapsed is the corrected time since the start, never negative.
func (c *Countdown) Elapsed() time.Duration {
	c.mu.Lock()
	startedAt := c.startedAt
	c.mu.Unlock()
	if e := c.Now().Sub(startedAt); e > 0 {
		return e
	}
	return 0
}

// Seconds floors d to whole seconds and clamps it at zero.
func Seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// Rebase moves the start instant, for when an earlier start fact surfaces
// after the countdown began. It has no effect once expired.
func (c *Countdown) Rebase(startedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expired {
		c.startedAt = startedAt
	}
}

// Expired reports whether time is up, even if no tick has observed it yet.
func (c *Countdown) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.overLocked()
}

// overLocked matches the floored reading: less than one whole second left is
// already zero.
func (c *Countdown) overLocked() bool {
	return c.expired || c.duration-c.Now().Sub(c.startedAt) < time.Second
}

// Do runs fn unless time is up, and holds expiry off while fn runs. Time-boxed
// work goes through it so nothing completes after the deadline.
func (c *Countdown) Do(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overLocked() {
		return false
	}
	fn()
	return true
}

// Stop ends the countdown early, as when another participant has already
// ended the game. It reports whether this call ended it.
func (c *Countdown) Stop() bool {
	return c.expire()
}

// expire flips the guard; it reports true only for the call that flipped it.
func (c *Countdown) expire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return false
	}
	c.expired = true
	return true
}

// Run ticks every interval until the floored remaining time reaches zero, then
// calls onExpire exactly once and returns. onTick receives each reading,
// including the final zero. Cancelling ctx stops the ticks without expiring.
func (c *Countdown) Run(ctx context.Context, interval time.Duration, onTick func(remaining int), onExpire func()) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		remaining := c.Remaining()
		if onTick != nil {
			onTick(remaining)
		}
		if remaining == 0 {
			if c.expire() {
				log.Debug().Dur("drift", c.drift).Msg("countdown expired")
				if onExpire != nil {
					onExpire()
				}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

package winsync

import (
	"math/rand/v2"
	"time"
)

// timerHandle is a single-fire timer that, once it fires or is stopped, must
// be replaced rather than rearmed — the "delete after fire" discipline
// spec.md §9 calls for linger/backoff/DirSync-period/debug-timeout
// callbacks to follow.
type timerHandle struct {
	timer *time.Timer
	fire  chan struct{}
}

// newTimerHandle arms a timer for d that signals fire exactly once.
func newTimerHandle(d time.Duration) *timerHandle {
	fire := make(chan struct{}, 1)

	t := time.AfterFunc(d, func() {
		select {
		case fire <- struct{}{}:
		default:
		}
	})

	return &timerHandle{timer: t, fire: fire}
}

// Stop cancels the timer if it hasn't fired yet.
func (h *timerHandle) Stop() {
	h.timer.Stop()
}

// C returns the fire channel, readable exactly once.
func (h *timerHandle) C() <-chan struct{} {
	return h.fire
}

// backoffSchedule computes the Driver's BACKOFF_START timer duration, per
// spec.md §4.E: a fixed BUSY_BACKOFF_MIN interval for BUSY outcomes, or
// exponential backoff in [BackoffMin..BackoffMax] otherwise.
type backoffSchedule struct {
	attempt int
	started time.Time
}

func newBackoffSchedule() *backoffSchedule {
	return &backoffSchedule{}
}

// Next returns the duration to sleep for this attempt and records the start
// time used by BACKOFF's "older than 60s" short-circuit check.
func (b *backoffSchedule) Next(busy bool) time.Duration {
	b.started = timeNow()

	if busy {
		return BusyBackoffMin
	}

	d := BackoffMin << uint(min(b.attempt, 10))
	if d > BackoffMax {
		d = BackoffMax
	}

	b.attempt++

	return addJitter(d)
}

// Reset clears the attempt counter after a successful acquisition.
func (b *backoffSchedule) Reset() {
	b.attempt = 0
}

// Stale reports whether the current backoff wait started more than
// BackoffStaleAfter ago, per spec.md §4.E BACKOFF's short-circuit rule.
func (b *backoffSchedule) Stale() bool {
	return timeNow().Sub(b.started) > BackoffStaleAfter
}

// addJitter spreads backoff duration by up to 20%, the same shape as the
// retry package's jitter so repeated agreements don't all wake in lockstep.
func addJitter(d time.Duration) time.Duration {
	jitter := time.Duration(rand.Int64N(int64(d) / 5))

	return d + jitter
}

// timeNow is a seam so tests can substitute a fake clock; production code
// always uses the real wall clock.
var timeNow = time.Now

package largeobject

import (
	"context"
	"time"

	"github.com/juju/clock"
)

const baseRetryWait = 1

// Backoff tiers keyed by the time since the previous failure.
const (
	resetAfter       = 5 * time.Minute
	fourMinutesQuiet = 4 * time.Minute
	threeMinuteQuiet = 3 * time.Minute

	fourMinutesWait = 15
	threeMinuteWait = 31
)

// FailureRecord is the backoff state of one worker slot.
type FailureRecord struct {
	LastFailure      time.Time
	PreviousFailure  time.Time
	LastStatusCode   int
	RetryWaitSeconds int
}

// NextWait registers a failure at now and returns how many sleep units the worker waits
// before its next attempt.
func (r *FailureRecord) NextWait(now time.Time, statusCode int) int {
	r.PreviousFailure = r.LastFailure
	r.LastFailure = now
	r.LastStatusCode = statusCode

	if r.RetryWaitSeconds < baseRetryWait {
		r.RetryWaitSeconds = baseRetryWait
	}

	if !r.PreviousFailure.IsZero() {
		quiet := now.Sub(r.PreviousFailure)
		switch {
		case quiet >= resetAfter:
			r.PreviousFailure = time.Time{}
			r.RetryWaitSeconds = baseRetryWait
		case quiet >= fourMinutesQuiet:
			r.RetryWaitSeconds = fourMinutesWait
		case quiet >= threeMinuteQuiet:
			r.RetryWaitSeconds = threeMinuteWait
		}
	}

	wait := r.RetryWaitSeconds
	r.RetryWaitSeconds = 1 + 2*wait
	return wait
}

// Reset returns the record to its zero state.
func (r *FailureRecord) Reset() {
	*r = FailureRecord{}
}

// sleepUnits waits for up to units ticks of unit length. It returns early when ctx is done or
// stop reports true after a tick, and returns the number of ticks actually slept.
func sleepUnits(ctx context.Context, clk clock.Clock, unit time.Duration, units int, stop func() bool) int {
	slept := 0
	for slept < units {
		if stop != nil && stop() {
			return slept
		}
		select {
		case <-ctx.Done():
			return slept
		case <-clk.After(unit):
			slept++
		}
	}
	return slept
}

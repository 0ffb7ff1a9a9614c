package engine

import (
	"context"
	"time"
)

// Clock abstracts time for the waiter.
type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

// Default waiter settings.
const (
	DefaultWaitStep    = 5 * time.Second
	DefaultWaitTimeout = 5 * time.Minute
)

// Waiter configures a polling loop.
type Waiter struct {
	Step    time.Duration
	Timeout time.Duration
	Clock   Clock

	// OnPoll, when set, is called after every poll with the attempt number.
	OnPoll func(attempt int)
}

// DefaultWaiter returns a waiter with the default step and timeout.
func DefaultWaiter() Waiter {
	return Waiter{Step: DefaultWaitStep, Timeout: DefaultWaitTimeout, Clock: SystemClock}
}

// WaitUntil polls until pred holds for the polled value.
//
// The first poll happens immediately. A poll error ends the wait at once;
// errors that are not already classified are returned as ConnectionError.
// When the timeout has elapsed after an unsatisfied poll the wait fails with
// a TimeoutError. Cancelling ctx while sleeping also yields a TimeoutError.
func WaitUntil[T any](ctx context.Context, w Waiter, poll func(ctx context.Context) (T, error), pred func(T) bool) (T, error) {
	clock := w.Clock
	if clock == nil {
		clock = SystemClock
	}
	step := w.Step
	if step <= 0 {
		step = DefaultWaitStep
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	start := clock.Now()
	var zero T
	for attempt := 1; ; attempt++ {
		value, err := poll(ctx)
		if w.OnPoll != nil {
			w.OnPoll(attempt)
		}
		if err != nil {
			if KindOf(err) != "" {
				return zero, err
			}
			return zero, NewConnectionError("polling failed", err)
		}
		if pred(value) {
			return value, nil
		}

		elapsed := clock.Now().Sub(start)
		if elapsed >= timeout {
			return value, NewTimeoutError("condition not met within "+timeout.String(), nil)
		}

		sleep := step
		if remaining := timeout - elapsed; remaining < sleep {
			sleep = remaining
		}
		select {
		case <-ctx.Done():
			return value, NewTimeoutError("wait cancelled", ctx.Err())
		case <-clock.After(sleep):
		}
	}
}

package tripsync

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Reconnect is the retry schedule for connecting a session: exponential delays with jitter,
// capped at `maxDelay`, for at most `maxAttempts` consecutive failures (0 means unbounded).
// A successful join resets it.
type Reconnect struct {
	backOff     *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
}

func NewReconnect(initialDelay time.Duration, maxDelay time.Duration, maxAttempts int) *Reconnect {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = initialDelay
	backOff.MaxInterval = maxDelay
	// attempts bound the schedule, not elapsed time
	backOff.MaxElapsedTime = 0
	backOff.Reset()
	return &Reconnect{
		backOff:     backOff,
		maxAttempts: maxAttempts,
	}
}

// Next records a failure and returns the delay before the next attempt.
// false when the attempt ceiling is exceeded.
func (self *Reconnect) Next() (time.Duration, bool) {
	self.attempt += 1
	if 0 < self.maxAttempts && self.maxAttempts < self.attempt {
		return 0, false
	}
	delay := self.backOff.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	return delay, true
}

func (self *Reconnect) Reset() {
	self.attempt = 0
	self.backOff.Reset()
}

func (self *Reconnect) Attempt() int {
	return self.attempt
}

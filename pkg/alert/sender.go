package alert

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// sendTimeout is the wall-clock budget for one channel delivery,
// retries included.
const sendTimeout = 10 * time.Second

// SendResult is the outcome of one delivery attempt as seen by the
// dispatcher. Senders are idempotent from the caller's perspective:
// the dispatcher never retries a failed result.
type SendResult struct {
	Success bool
	Error   string
}

// Sender delivers one event to a concrete channel type. Config is
// the channel's raw JSON configuration document.
type Sender interface {
	Type() string
	Send(ctx context.Context, ev Event, config string) SendResult
}

// newSenderBreaker builds the circuit breaker shared by the HTTP
// senders: a flapping destination trips after repeated failures so a
// dead webhook cannot soak the 10 s budget on every event.
func newSenderBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
}

// newSendBackoff configures the retry schedule for transient network
// failures inside the send budget.
func newSendBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = sendTimeout
	return b
}

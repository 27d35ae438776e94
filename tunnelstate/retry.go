package tunnelstate

import (
	"slices"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy decides whether and when a failed tunnel is started again.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the randomization factor applied to every delay.
	Jitter float64
	// MaxAttempts is how many times a failing attempt is retried before giving up.
	MaxAttempts int
	Retryable   []BlockReason
}

// DefaultRetryPolicy restarts on generic start failures and adapter problems, and
// never on authentication or parameter errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
		MaxAttempts:  5,
		Retryable:    []BlockReason{StartTunnelError, TapAdapterProblem},
	}
}

// IsRetryable reports whether a tunnel that failed for reason may be retried.
func (p RetryPolicy) IsRetryable(reason BlockReason) bool {
	return slices.Contains(p.Retryable, reason)
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

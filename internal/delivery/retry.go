package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of retryable send errors
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy is used when no policy is configured
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
}

func (p RetryPolicy) backOff() *hintedBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return &hintedBackOff{BackOff: b}
}

// hintedBackOff waits at least as long as the provider's retry_after hint
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if h.hint > d {
		d = h.hint
	}
	h.hint = 0
	return d
}

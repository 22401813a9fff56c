package worker

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// linearBackOff waits base * n before the n-th retry.
//
// NOTE: the delay grows linearly with the attempt number, not exponentially.
// Batches tuned against the linear schedule depend on it; switching to
// backoff.ExponentialBackOff changes the total wait of a failing job from
// base*n(n+1)/2 to base*(2^n - 1).
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// retryBackOff returns the retry schedule for one job: linear delays, at
// most retries of them.
func retryBackOff(base time.Duration, retries int) backoff.BackOff {
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(&linearBackOff{base: base}, uint64(retries))
}

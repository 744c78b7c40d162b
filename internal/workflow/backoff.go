package workflow

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxBackoffDelay caps every computed delay regardless of strategy or base,
// so a misconfigured policy can never stall a run for an unbounded time.
const maxBackoffDelay = 30 * time.Second

// delayForAttempt computes the delay before the given retry attempt
// (1-indexed: the first retry is attempt=1, matching the teacher's
// DelayForAttempt convention). fixed always returns base; exponential
// doubles per attempt via cenkalti/backoff/v5's generator with jitter
// disabled, since replay determinism requires a reproducible delay curve
// rather than a randomized one.
func delayForAttempt(strategy BackoffStrategy, baseMs int, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(baseMs) * time.Millisecond
	if base <= 0 {
		return 0
	}

	var delay time.Duration
	switch strategy {
	case BackoffFixed:
		delay = base
	case BackoffExponential, "":
		delay = exponentialDelay(base, attempt)
	default:
		delay = exponentialDelay(base, attempt)
	}

	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}
	return delay
}

// exponentialDelay drives cenkalti/backoff/v5's ExponentialBackOff generator
// forward attempt-1 times to reach the delay for the given attempt, with
// randomization disabled for deterministic replay.
func exponentialDelay(base time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxInterval = maxBackoffDelay

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		d, err := b.NextBackOff()
		if err != nil {
			return maxBackoffDelay
		}
		delay = d
	}
	return delay
}

package scheduler

import "time"

// Backoff computes the delay before the next attempt. attempt is the number
// of failures so far (1 after the first failure). The delay doubles per
// attempt from base, is capped at max, and carries symmetric jitter of
// jitterFrac so a fleet of jobs retrying after the same outage does not
// hammer the server in lockstep. rnd must return values in [0, 1).
func Backoff(base, max time.Duration, attempt int, jitterFrac float64, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}

	if jitterFrac > 0 {
		jitter := time.Duration((2*rnd() - 1) * jitterFrac * float64(delay))
		delay += jitter
	}

	if delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

package engine

import "time"

// NextDelay computes how long a run should wait before its next status
// check. The first wait uses the expected-duration hint (there is no point
// polling a job well before it could plausibly finish); subsequent waits
// follow a capped exponential backoff derived from the persisted check
// counter, so the schedule survives process restarts.
func NextDelay(hint, base, max time.Duration, checksDone int) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	if max <= 0 {
		max = time.Hour
	}

	if checksDone <= 0 {
		if hint > 0 {
			return hint
		}
		return base
	}

	delay := base
	for i := 1; i < checksDone; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

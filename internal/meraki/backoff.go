package meraki

import "time"

// Backoff is the retry schedule for throttled or failing requests: the n-th
// retry (0-based) waits Base*2^n, never more than Max, and at most MaxRetries
// retries follow the first attempt.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
}

func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := b.Base
	for i := 0; i < retry; i++ {
		if b.Max > 0 && delay >= b.Max {
			break
		}
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Schedule lists every delay a request can go through before giving up.
func (b Backoff) Schedule() []time.Duration {
	out := make([]time.Duration, 0, b.MaxRetries)
	for i := 0; i < b.MaxRetries; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}

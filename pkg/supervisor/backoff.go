package supervisor

import (
	"context"
	"time"
)

// backoff returns the delay before retry number attempt (0-based): base
// doubled per attempt, capped, with ±25% jitter.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.timings.BackoffBase
	for range attempt {
		d *= 2
		if d >= s.timings.BackoffMax {
			d = s.timings.BackoffMax
			break
		}
	}

	jitter := 0.75 + s.randFunc()*0.5

	return time.Duration(float64(d) * jitter)
}

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package delivery

import (
	"context"
	"time"

	"github.com/celerix-dev/celerix-beacon/pkg/sdk"
)

// Policy bounds retries of transient failures.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Sleep waits between attempts; nil uses a timer. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy retries three times with 200ms, 400ms and 800ms pauses.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Backoff returns the pause after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Retry calls fn until it succeeds, fails permanently, the attempts run out
// or ctx ends. It returns the number of attempts made and the last error.
func Retry(ctx context.Context, p Policy, fn func(ctx context.Context) error) (int, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !sdk.IsRetryable(err) || attempt >= p.MaxAttempts {
			return attempt, err
		}
		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return attempt, err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

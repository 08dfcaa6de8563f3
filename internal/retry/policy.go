package retry

import (
	"context"
	"errors"
	"time"
)

// Mode selects how the delay grows between attempts.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeLinear      Mode = "linear"
	ModeExponential Mode = "exponential"
)

// Policy is an immutable backoff configuration.
type Policy struct {
	Mode       Mode
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int // attempts after the first failure
}

// DefaultPolicy is linear, 500ms initial, 10s cap, 3 retries.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeLinear, Initial: 500 * time.Millisecond, Max: 10 * time.Second, MaxRetries: 3}
}

// NewPolicy fills zero or unknown values from DefaultPolicy.
func NewPolicy(mode Mode, initial, maxDelay time.Duration, maxRetries int) Policy {
	p := DefaultPolicy()
	if maxRetries >= 0 {
		p.MaxRetries = maxRetries
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	switch mode {
	case ModeFixed, ModeLinear, ModeExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the wait before retry n (1-based).
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Mode {
	case ModeFixed:
		d = p.Initial
	case ModeExponential:
		if n > 30 {
			return p.Max
		}
		d = p.Initial * (1 << (n - 1))
	default:
		d = time.Duration(n) * p.Initial
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Permanent marks an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }

func (p *Permanent) Unwrap() error { return p.Err }

// Do calls fn until it succeeds, returns a Permanent error, the retries run
// out, or ctx ends. It reports the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var err error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(p.Delay(attempt))
			select {
			case <-ctx.Done():
				t.Stop()
				return attempt, errors.Join(err, ctx.Err())
			case <-t.C:
			}
		}
		err = fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		var perm *Permanent
		if errors.As(err, &perm) || attempt >= p.MaxRetries {
			return attempt + 1, err
		}
	}
}

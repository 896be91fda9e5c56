package consumersvc

import (
	"context"
	"math/rand"
	"time"
)

// BackoffType selects how the delay between failed polls grows.
type BackoffType string

const (
	BackoffExp       BackoffType = "exp"
	BackoffExpJitter BackoffType = "exp-jitter"
	BackoffFixed     BackoffType = "fixed"
	BackoffNone      BackoffType = "none"
)

// RetryPolicy paces a processor after transient infrastructure failures.
type RetryPolicy struct {
	Type   BackoffType
	Base   time.Duration
	Cap    time.Duration
	Factor float64
}

// DefaultRetryPolicy starts at 200ms and doubles up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Type: BackoffExp, Base: 200 * time.Millisecond, Cap: 30 * time.Second, Factor: 2.0}
}

// computeBackoff returns the delay before the given attempt (1-based).
func computeBackoff(pol RetryPolicy, attempts uint32) time.Duration {
	if attempts == 0 {
		attempts = 1
	}
	switch pol.Type {
	case BackoffNone:
		return 0
	case BackoffFixed:
		if pol.Base <= 0 {
			return 0
		}
		if pol.Cap > 0 && pol.Base > pol.Cap {
			return pol.Cap
		}
		return pol.Base
	case BackoffExp, BackoffExpJitter:
		base := pol.Base
		if base <= 0 {
			base = 200 * time.Millisecond
		}
		factor := pol.Factor
		if factor <= 0 {
			factor = 2.0
		}
		d := base
		for i := uint32(1); i < attempts; i++ {
			d = time.Duration(float64(d) * factor)
			if pol.Cap > 0 && d >= pol.Cap {
				d = pol.Cap
				break
			}
		}
		if pol.Cap > 0 && d > pol.Cap {
			d = pol.Cap
		}
		if pol.Type == BackoffExpJitter {
			if d <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(d)))
		}
		return d
	default:
		return 0
	}
}

// sleepCtx waits for d or until ctx is done, reporting whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

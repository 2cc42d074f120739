package remote

import (
	"context"
	"errors"
	"time"
)

// Policy bounds a retried call.
type Policy struct {
	Attempts int           // total attempts, at least 1
	Delay    time.Duration // wait between attempts
	Timeout  time.Duration // per attempt; <=0 means no per-attempt bound
}

// Retry calls fn until it succeeds or the policy's attempts are used up. Each
// attempt gets its own timeout derived from ctx; the wait between attempts
// ends early when ctx is done. It returns the last value, the number of
// attempts made and the last error.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, int, error) {
	var (
		zero T
		err  error
	)
	attempts := max(1, p.Attempts)
	for i := 1; i <= attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return zero, i - 1, cerr
		}
		var v T
		v, err = runAttempt(ctx, p.Timeout, i, fn)
		if err == nil {
			return v, i, nil
		}
		if i == attempts {
			return zero, i, err
		}
		if werr := sleep(ctx, p.Delay); werr != nil {
			return zero, i, errors.Join(err, werr)
		}
	}
	return zero, attempts, err
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, i int, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, i)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Await runs fn on its own goroutine and returns its result, or ctx's error
// if ctx finishes first. Backends use it for stack calls that take no context.
// A call abandoned this way keeps running until the stack returns.
func Await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}

	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{val: v, err: err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ContextError(ctx)
	case r := <-ch:
		return r.val, r.err
	}
}

// AwaitErr is Await for calls that only return an error
func AwaitErr(ctx context.Context, fn func() error) error {
	_, err := Await(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// WithTimeout derives a context bounded by d. A non-positive d leaves ctx unbounded.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ContextError returns ctx.Err(), marking deadline expiry as ErrTimeout
func ContextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// Package retry provides backoff strategies and retryable-error
// classification shared by the bus reconnect loop and the command
// dispatcher.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"syscall"
	"time"
)

type Strategy struct {
	Delays []time.Duration
}

var (
	// CommandDispatch is the re-dispatch schedule after ack timeouts.
	CommandDispatch = Strategy{
		Delays: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
		},
	}

	Quick = Strategy{
		Delays: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
		},
	}
)

// Delay returns the wait before re-attempt number attempt (1-based),
// clamping to the last configured delay.
func (s Strategy) Delay(attempt int) time.Duration {
	if len(s.Delays) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s.Delays) {
		attempt = len(s.Delays)
	}
	return s.Delays[attempt-1]
}

type RetryFunc func(ctx context.Context, attempt int) error

func Retry(ctx context.Context, strategy Strategy, fn RetryFunc) error {
	return RetryWithCallback(ctx, strategy, fn, nil)
}

func RetryWithCallback(ctx context.Context, strategy Strategy, fn RetryFunc, onRetry func(attempt int, err error, delay time.Duration)) error {
	var lastErr error

	for i := 0; i < len(strategy.Delays); i++ {
		if err := fn(ctx, i+1); err != nil {
			lastErr = err

			if onRetry != nil {
				onRetry(i+1, err, strategy.Delays[i])
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(strategy.Delays[i]):
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", len(strategy.Delays), lastErr)
}

// FullJitter computes the reconnect delay for attempt (0-based): a uniform
// random duration in [0, min(cap, base*2^attempt)]. Full jitter keeps a
// fleet of reconnecting services from stampeding the broker.
func FullJitter(attempt int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	ceiling := base
	for i := 0; i < attempt && ceiling < cap; i++ {
		ceiling *= 2
	}
	if ceiling > cap {
		ceiling = cap
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// IsRetryableError reports whether err looks like a transient network
// failure worth another attempt. Context cancellation is never retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// IsNotFound indicates a definitive NXDOMAIN, which shouldn't be retried
		return !dnsErr.IsNotFound
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
		if errors.Is(opErr.Err, syscall.ECONNRESET) {
			return true
		}
		if errors.Is(opErr.Err, syscall.EPIPE) {
			return true
		}
	}

	return false
}

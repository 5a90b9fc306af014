// Package retry re-runs backend calls that failed with a timeout.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"medrag/types"
)

const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 300 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// Policy bounds how often and how fast a call is retried.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	return p
}

// Do calls op until it succeeds, fails with a non-retryable error, the
// context is done, or MaxAttempts calls have been made. Only errors matching
// types.ErrTimeout are retried.
func Do[T any](ctx context.Context, p Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0

	var (
		result  T
		attempt int
	)
	operation := func() error {
		attempt++
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}
		err = types.AsTimeout(err)
		if !types.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Default().Warn("[RETRY] call timed out, retrying",
			"call", name, "attempt", attempt, "wait", wait, "error", err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

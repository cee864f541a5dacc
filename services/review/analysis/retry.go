// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrRateLimited marks an upstream rate-limit rejection. Always
// retryable.
var ErrRateLimited = errors.New("analysis: upstream rate limited")

// ErrTransient marks any other transient upstream failure (5xx,
// connection churn). Always retryable.
var ErrTransient = errors.New("analysis: transient upstream failure")

// RetryConfig configures retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial wait before the first retry.
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between retries. Default: 10s
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffFactor float64

	// JitterFactor is the maximum jitter as a fraction of backoff
	// (0-1). Default: 0.2
	JitterFactor float64
}

// DefaultRetryConfig returns sensible defaults for upstream analysis
// calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffFactor < 1.0 {
		c.BackoffFactor = d.BackoffFactor
	}
	return c
}

// RetryableFunc is one attempt of a retryable operation.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry executes fn with exponential backoff, retrying only errors
// IsRetryable accepts. All attempts happen before the caller's
// circuit breaker sees the outcome, so a burst of transient upstream
// noise counts as one logical failure.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	config = config.withDefaults()

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(backoff, config.JitterFactor)):
		}
		backoff = nextBackoff(backoff, config.BackoffFactor, config.MaxBackoff)
	}
	return lastErr
}

// IsRetryable classifies an error as transient. Rate limits,
// timeouts, connection errors, and upstream 5xx responses are
// retryable; cancellation and application errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient) {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}

	// Connection errors; the upstream might be starting or restarting.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// withJitter spreads the wait over [base*(1-j), base*(1+j)].
func withJitter(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}

// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package breaker provides per-dependency circuit breakers for
// failure isolation.
//
// Each breaker is a three-state machine:
//
//   - Closed: normal operation, calls pass through.
//   - Open: too many consecutive failures, calls are rejected
//     immediately for a cooldown period.
//   - Half-Open: cooldown elapsed, trial calls probe recovery.
//
// The open-to-half-open transition is lazy: it happens on the next
// call once the cooldown has elapsed, never from a background timer.
package breaker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrOpen is returned when the breaker rejects a call without
	// invoking the operation. Distinct from a business failure.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrUnavailable is returned when breaker state could not be
	// inspected within the lock-wait bound. The operation is not
	// invoked. This is a fail-fast path, never a hang.
	ErrUnavailable = errors.New("circuit breaker unavailable: state lock timeout")
)

// State represents the breaker state.
type State int

const (
	// StateClosed allows requests through normally.
	StateClosed State = iota

	// StateOpen rejects all requests until the cooldown elapses.
	StateOpen

	// StateHalfOpen allows trial requests to probe recovery.
	StateHalfOpen
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures breaker thresholds and timing.
type Config struct {
	// FailureThreshold is the number of consecutive failures before
	// the breaker opens. Default: 5.
	FailureThreshold int

	// Timeout is the cooldown before an open breaker admits a trial
	// call. Default: 60s.
	Timeout time.Duration

	// SuccessThreshold is the number of consecutive half-open
	// successes required to close the breaker. Default: 2.
	SuccessThreshold int

	// LockWait bounds how long a call waits for the breaker's state
	// lock before failing with ErrUnavailable. Default: 2s.
	LockWait time.Duration
}

// DefaultConfig returns sensible breaker defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
		SuccessThreshold: 2,
		LockWait:         2 * time.Second,
	}
}

// withDefaults fills zero-valued fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.LockWait <= 0 {
		c.LockWait = d.LockWait
	}
	return c
}

// Snapshot is a read-only view of breaker state for health reporting.
type Snapshot struct {
	Service         string    `json:"service"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
	LastStateChange time.Time `json:"last_state_change"`
	NextRetryTime   time.Time `json:"next_retry_time,omitzero"`
	TotalCalls      int64     `json:"total_calls"`
	TotalRejections int64     `json:"total_rejections"`
}

// Breaker is a circuit breaker for one named dependency.
//
// All state transitions happen under the breaker's own lock; exactly
// one writer mutates state at a time. The lock is NEVER held while the
// wrapped operation runs, and lock acquisition is bounded-wait, so a
// stuck caller degrades into ErrUnavailable instead of a hang.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	service string
	config  Config

	// lock is a capacity-1 channel semaphore so acquisition can be
	// bounded by a timer. sync.Mutex cannot time out.
	lock chan struct{}

	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	nextRetryTime   time.Time

	totalCalls      int64
	totalRejections int64
}

// New creates a Breaker for the named dependency, starting closed.
//
// Inputs:
//   - service: Dependency name, used in snapshots and logs.
//   - config: Thresholds and timing. Zero fields take defaults.
//
// Outputs:
//   - *Breaker: A closed breaker ready for use.
func New(service string, config Config) *Breaker {
	return &Breaker{
		service:         service,
		config:          config.withDefaults(),
		lock:            make(chan struct{}, 1),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call runs op under breaker protection.
//
// The sequence is: (a) acquire the state lock with a bounded wait and
// evaluate admission, performing the lazy open-to-half-open transition
// if its cooldown has elapsed; (b) release the lock and invoke op;
// (c) re-acquire the lock (bounded again) and record the outcome,
// applying any resulting transition.
//
// Inputs:
//   - ctx: Bounds both lock waits; callers should also bound op itself.
//   - op: The protected operation. Never invoked when admission fails.
//
// Outputs:
//   - error: ErrOpen when rejected, ErrUnavailable on lock timeout,
//     otherwise op's error verbatim after bookkeeping.
func (b *Breaker) Call(ctx context.Context, op func() error) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	b.totalCalls++
	allowed := b.admitLocked(time.Now())
	if !allowed {
		b.totalRejections++
		b.release()
		return ErrOpen
	}
	b.release()

	opErr := op()

	if err := b.acquire(ctx); err != nil {
		// The outcome could not be recorded. Surface the operation's
		// result; dropping one bookkeeping sample is preferable to
		// blocking the caller.
		if opErr != nil {
			return opErr
		}
		return err
	}
	if opErr != nil {
		b.recordFailureLocked(time.Now())
	} else {
		b.recordSuccessLocked(time.Now())
	}
	b.release()

	return opErr
}

// Allow reports whether a call would currently be admitted, applying
// the lazy open-to-half-open transition. Exposed for callers that
// manage the protected operation themselves.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	if err := b.acquire(ctx); err != nil {
		return false, err
	}
	defer b.release()
	return b.admitLocked(time.Now()), nil
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	b.recordSuccessLocked(time.Now())
	return nil
}

// RecordFailure records a failed call outcome.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	b.recordFailureLocked(time.Now())
	return nil
}

// Snapshot returns a read-only view of the breaker for health
// reporting. Lock acquisition is bounded; on timeout the snapshot
// carries only the service name and an "unavailable" state.
func (b *Breaker) Snapshot(ctx context.Context) Snapshot {
	if err := b.acquire(ctx); err != nil {
		return Snapshot{Service: b.service, State: "unavailable"}
	}
	defer b.release()
	return Snapshot{
		Service:         b.service,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
		LastStateChange: b.lastStateChange,
		NextRetryTime:   b.nextRetryTime,
		TotalCalls:      b.totalCalls,
		TotalRejections: b.totalRejections,
	}
}

// Reset administratively forces the breaker to closed with counters
// cleared. Manual intervention only.
func (b *Breaker) Reset(ctx context.Context) error {
	if err := b.acquire(ctx); err != nil {
		return err
	}
	defer b.release()
	b.transitionLocked(StateClosed, time.Now())
	return nil
}

// acquire takes the state lock, waiting at most LockWait (or until
// ctx is done). Returns ErrUnavailable on timeout.
func (b *Breaker) acquire(ctx context.Context) error {
	timer := time.NewTimer(b.config.LockWait)
	defer timer.Stop()

	select {
	case b.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrUnavailable
	case <-timer.C:
		return ErrUnavailable
	}
}

// release frees the state lock. Must follow a successful acquire.
func (b *Breaker) release() {
	<-b.lock
}

// admitLocked evaluates admission and performs the lazy open-to-
// half-open transition. Lock must be held.
func (b *Breaker) admitLocked(now time.Time) bool {
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if now.Sub(b.lastStateChange) >= b.config.Timeout {
			b.transitionLocked(StateHalfOpen, now)
			return true
		}
		return false
	default:
		return false
	}
}

// recordSuccessLocked applies a success outcome. Lock must be held.
func (b *Breaker) recordSuccessLocked(now time.Time) {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transitionLocked(StateClosed, now)
		}
	}
}

// recordFailureLocked applies a failure outcome. Lock must be held.
func (b *Breaker) recordFailureLocked(now time.Time) {
	b.lastFailureTime = now

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		// Any half-open failure reopens with a fresh cooldown.
		b.transitionLocked(StateOpen, now)
	}
}

// transitionLocked is the single place breaker state changes. Lock
// must be held.
func (b *Breaker) transitionLocked(newState State, now time.Time) {
	b.state = newState
	b.lastStateChange = now
	b.successCount = 0

	switch newState {
	case StateOpen:
		b.failureCount = 0
		b.nextRetryTime = now.Add(b.config.Timeout)
	case StateClosed:
		b.failureCount = 0
		b.nextRetryTime = time.Time{}
	case StateHalfOpen:
		b.nextRetryTime = time.Time{}
	}
}

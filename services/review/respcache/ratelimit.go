// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package respcache

import (
	"sync"
	"time"
)

// DefaultMaxWritesPerMinute bounds cache writes across the whole
// process. Cache writes are an optimization; the limiter keeps a
// burst of misses from hammering the store.
const DefaultMaxWritesPerMinute = 120

// WriteLimiter is a sliding-window rate limiter over a rolling
// minute. One instance is shared process-wide across all cache
// instances; see SharedWriteLimiter.
//
// Thread Safety: Safe for concurrent use. A single mutex guards the
// timestamp list.
type WriteLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	stamps []time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewWriteLimiter creates a limiter allowing max events per rolling
// minute.
func NewWriteLimiter(max int) *WriteLimiter {
	if max <= 0 {
		max = DefaultMaxWritesPerMinute
	}
	return &WriteLimiter{
		max:    max,
		window: time.Minute,
		now:    time.Now,
	}
}

// Allow reports whether another write may proceed now, recording the
// event when it may.
func (w *WriteLimiter) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	// Drop timestamps that have slid out of the window.
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= w.max {
		return false
	}
	w.stamps = append(w.stamps, now)
	return true
}

// Reset clears the window. Administrative use only.
func (w *WriteLimiter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamps = nil
}

var (
	sharedLimiterOnce sync.Once
	sharedLimiter     *WriteLimiter
)

// SharedWriteLimiter returns the process-wide write limiter, creating
// it lazily on first use. The max from the first call wins; the
// limiter lives for the process lifetime.
func SharedWriteLimiter(max int) *WriteLimiter {
	sharedLimiterOnce.Do(func() {
		sharedLimiter = NewWriteLimiter(max)
	})
	return sharedLimiter
}

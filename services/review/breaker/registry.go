// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package breaker

import (
	"context"
	"sort"
	"sync"
)

// Registry holds one Breaker per dependency name, created lazily and
// exactly once. The registry lives for the process lifetime and is
// never torn down mid-process; breakers are reset only through the
// explicit administrative Reset operation.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	config Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry. All breakers it creates share
// the given configuration.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named dependency, creating it on
// first use. Concurrent first use constructs exactly one instance:
// the fast path takes a read lock, the slow path re-checks under the
// write lock before constructing.
func (r *Registry) Get(service string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b = New(service, r.config)
	r.breakers[service] = b
	return b
}

// Snapshots returns read-only views of every registered breaker,
// sorted by service name for stable health output.
func (r *Registry) Snapshots(ctx context.Context) []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot(ctx))
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Service < snaps[j].Service
	})
	return snaps
}

// Reset administratively resets the named breaker to closed. Returns
// false when no breaker exists for the name.
func (r *Registry) Reset(ctx context.Context, service string) (bool, error) {
	r.mu.RLock()
	b, ok := r.breakers[service]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := b.Reset(ctx); err != nil {
		return true, err
	}
	return true, nil
}

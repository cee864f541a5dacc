// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package breaker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRegistry_LazyCreation(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	a := r.Get("analysis")
	if a == nil {
		t.Fatal("expected breaker instance")
	}
	if again := r.Get("analysis"); again != a {
		t.Error("expected the same instance on repeat Get")
	}
	if other := r.Get("source"); other == a {
		t.Error("expected distinct instances per service name")
	}
}

func TestRegistry_ConcurrentFirstUse(t *testing.T) {
	r := NewRegistry(DefaultConfig())

	const goroutines = 64
	results := make([]*Breaker, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = r.Get("shared")
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent first use constructed more than one breaker")
		}
	}
}

func TestRegistry_Snapshots(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Config{FailureThreshold: 1, Timeout: time.Hour, SuccessThreshold: 1})

	_ = r.Get("zeta").Call(ctx, failingOp)
	r.Get("alpha")

	snaps := r.Snapshots(ctx)
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Service != "alpha" || snaps[1].Service != "zeta" {
		t.Errorf("expected sorted snapshots, got %v then %v", snaps[0].Service, snaps[1].Service)
	}
	if snaps[1].State != "open" {
		t.Errorf("expected zeta open, got %v", snaps[1].State)
	}
}

func TestRegistry_Reset(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(Config{FailureThreshold: 1, Timeout: time.Hour, SuccessThreshold: 1})

	_ = r.Get("svc").Call(ctx, failingOp)

	found, err := r.Reset(ctx, "svc")
	if err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if !found {
		t.Fatal("expected breaker to be found")
	}
	if got := r.Get("svc").Snapshot(ctx).State; got != "closed" {
		t.Errorf("expected closed after reset, got %v", got)
	}

	if found, _ := r.Reset(ctx, "missing"); found {
		t.Error("expected missing breaker to report not found")
	}
}

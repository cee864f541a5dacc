// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"sync"
)

// MockService is a scriptable Service for tests. Responses are chosen
// by a caller-supplied function, or fall back to an approve-everything
// default.
type MockService struct {
	mu    sync.Mutex
	calls []Unit

	// AnalyzeFunc, when set, handles each call.
	AnalyzeFunc func(ctx context.Context, unit Unit) (*Result, error)
}

// Analyze records the unit and delegates to AnalyzeFunc.
func (m *MockService) Analyze(ctx context.Context, unit Unit) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, unit)
	m.mu.Unlock()

	if m.AnalyzeFunc != nil {
		return m.AnalyzeFunc(ctx, unit)
	}
	return &Result{
		Recommendation: RecommendApprove,
		Summary:        "no issues found",
		Usage:          Usage{TotalTokens: 10, Cost: 1},
	}, nil
}

// Calls returns a copy of the units analyzed so far.
func (m *MockService) Calls() []Unit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Unit, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many units were analyzed.
func (m *MockService) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

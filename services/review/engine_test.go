// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillreview/quill/services/review/analysis"
	"github.com/quillreview/quill/services/review/breaker"
	"github.com/quillreview/quill/services/review/dedup"
	"github.com/quillreview/quill/services/review/diffx"
	"github.com/quillreview/quill/services/review/dispatch"
	"github.com/quillreview/quill/services/review/respcache"
	"github.com/quillreview/quill/services/review/storage"
)

const testDiff = `diff --git a/pkg/handler.go b/pkg/handler.go
--- a/pkg/handler.go
+++ b/pkg/handler.go
@@ -8,6 +8,7 @@
 func handle(w http.ResponseWriter, r *http.Request) {
   id := r.URL.Query().Get("id")
   row := db.QueryRow(q)
+  log.Printf("query for %s", id)
   if row == nil {
     return
   }
`

// fakeProvider serves scripted paths and diffs.
type fakeProvider struct {
	paths     []string
	diffs     map[string]string
	listErr   error
	fetchErr  map[string]error
	listCalls atomic.Int64
}

func (f *fakeProvider) ListChangedPaths(ctx context.Context, subject string) ([]string, error) {
	f.listCalls.Add(1)
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.paths, nil
}

func (f *fakeProvider) FetchDiff(ctx context.Context, subject, path string) (string, error) {
	if err := f.fetchErr[path]; err != nil {
		return "", err
	}
	return f.diffs[path], nil
}

func newTestEngine(t *testing.T, provider *fakeProvider, service analysis.Service) *Engine {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.Default()
	config := DefaultConfig()
	cache := respcache.New(store, respcache.NewWriteLimiter(1000), logger)
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 3,
		Timeout:          time.Minute,
		SuccessThreshold: 1,
		LockWait:         time.Second,
	})
	dispatcher := dispatch.New(service, cache, breakers, dispatch.DefaultConfig(), logger)
	ledger := dedup.NewLedger(store, dedup.DefaultConfig(), logger)
	extractor := diffx.NewExtractor(diffx.DefaultExtractorConfig(), logger)

	return NewEngine(config, extractor, ledger, cache, dispatcher, provider, breakers, logger)
}

func TestReviewHappyPath(t *testing.T) {
	provider := &fakeProvider{
		paths: []string{"pkg/handler.go"},
		diffs: map[string]string{"pkg/handler.go": testDiff},
	}
	mock := &analysis.MockService{}
	engine := newTestEngine(t, provider, mock)

	resp, err := engine.Review(context.Background(), ReviewRequest{
		Subject:  "repo/42",
		Revision: "abc123",
		Trigger:  "opened",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.False(t, resp.Duplicate)
	assert.Equal(t, analysis.RecommendApprove, resp.Result.Recommendation)
	assert.Equal(t, 1, mock.CallCount())
}

func TestReviewRejectsInvalidRequest(t *testing.T) {
	engine := newTestEngine(t, &fakeProvider{}, &analysis.MockService{})

	_, err := engine.Review(context.Background(), ReviewRequest{Subject: "repo/42"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = engine.Review(context.Background(), ReviewRequest{Revision: "abc"})
	assert.ErrorIs(t, err, ErrValidation)
}

// Scenario: the same change delivered twice with different triggers
// collapses to one fingerprint. The second delivery short-circuits
// before any provider call and reports the first outcome.
func TestReviewDuplicateShortCircuits(t *testing.T) {
	provider := &fakeProvider{
		paths: []string{"pkg/handler.go"},
		diffs: map[string]string{"pkg/handler.go": testDiff},
	}
	mock := &analysis.MockService{}
	engine := newTestEngine(t, provider, mock)
	ctx := context.Background()

	first, err := engine.Review(ctx, ReviewRequest{Subject: "repo/42", Revision: "abc123", Trigger: "opened"})
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	listCallsAfterFirst := provider.listCalls.Load()
	second, err := engine.Review(ctx, ReviewRequest{Subject: "repo/42", Revision: "abc123", Trigger: "synchronize"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Contains(t, second.LastOutcome, "completed")
	assert.Equal(t, listCallsAfterFirst, provider.listCalls.Load())
	assert.Equal(t, 1, mock.CallCount())
}

func TestReviewNewRevisionIsNotDuplicate(t *testing.T) {
	provider := &fakeProvider{
		paths: []string{"pkg/handler.go"},
		diffs: map[string]string{"pkg/handler.go": testDiff},
	}
	engine := newTestEngine(t, provider, &analysis.MockService{})
	ctx := context.Background()

	_, err := engine.Review(ctx, ReviewRequest{Subject: "repo/42", Revision: "abc123"})
	require.NoError(t, err)

	resp, err := engine.Review(ctx, ReviewRequest{Subject: "repo/42", Revision: "def456"})
	require.NoError(t, err)
	assert.False(t, resp.Duplicate)
}

func TestReviewTotalFailureWhenChangeSetUnreadable(t *testing.T) {
	provider := &fakeProvider{listErr: errors.New("host unreachable")}
	engine := newTestEngine(t, provider, &analysis.MockService{})

	_, err := engine.Review(context.Background(), ReviewRequest{Subject: "repo/42", Revision: "abc123"})
	require.Error(t, err)

	// The failure is recorded so the next delivery reports it.
	resp, err := engine.Review(context.Background(), ReviewRequest{Subject: "repo/42", Revision: "abc123"})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Contains(t, resp.LastOutcome, "failed")
}

func TestReviewPartialWhenSomePathsUnreadable(t *testing.T) {
	provider := &fakeProvider{
		paths: []string{"pkg/handler.go", "pkg/broken.go"},
		diffs: map[string]string{"pkg/handler.go": testDiff},
		fetchErr: map[string]error{
			"pkg/broken.go": errors.New("blob missing"),
		},
	}
	engine := newTestEngine(t, provider, &analysis.MockService{})

	resp, err := engine.Review(context.Background(), ReviewRequest{Subject: "repo/42", Revision: "abc123"})
	require.ErrorIs(t, err, ErrPartialBatch)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Partial)
	assert.Equal(t, 1, resp.FailedPaths)
}

func TestReviewFailsWhenAllPathsUnreadable(t *testing.T) {
	provider := &fakeProvider{
		paths: []string{"pkg/a.go", "pkg/b.go"},
		fetchErr: map[string]error{
			"pkg/a.go": errors.New("blob missing"),
			"pkg/b.go": errors.New("blob missing"),
		},
	}
	engine := newTestEngine(t, provider, &analysis.MockService{})

	_, err := engine.Review(context.Background(), ReviewRequest{Subject: "repo/42", Revision: "abc123"})
	assert.ErrorIs(t, err, ErrTransientInfrastructure)
}

func TestReviewEmptyChangeSetApproved(t *testing.T) {
	provider := &fakeProvider{paths: nil}
	mock := &analysis.MockService{}
	engine := newTestEngine(t, provider, mock)

	resp, err := engine.Review(context.Background(), ReviewRequest{Subject: "repo/42", Revision: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, analysis.RecommendApprove, resp.Result.Recommendation)
	assert.Zero(t, mock.CallCount())
}

func TestReviewDiffOneShot(t *testing.T) {
	mock := &analysis.MockService{}
	engine := newTestEngine(t, &fakeProvider{}, mock)

	resp, err := engine.ReviewDiff(context.Background(), ReviewRequest{
		Subject:  "local/diff",
		Revision: "working-tree",
	}, testDiff)
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, 1, mock.CallCount())
}

func TestReviewFindingsDriveRecommendation(t *testing.T) {
	provider := &fakeProvider{
		paths: []string{"pkg/handler.go"},
		diffs: map[string]string{"pkg/handler.go": testDiff},
	}
	mock := &analysis.MockService{
		AnalyzeFunc: func(ctx context.Context, unit analysis.Unit) (*analysis.Result, error) {
			return &analysis.Result{
				Findings: []analysis.Finding{{
					File:     unit.Hunks[0].FilePath,
					Line:     11,
					Severity: analysis.SeverityCritical,
					Category: analysis.CategorySecurity,
					Title:    "SQL built from request input",
				}},
				Recommendation: analysis.RecommendRequestChanges,
			}, nil
		},
	}
	engine := newTestEngine(t, provider, mock)

	resp, err := engine.Review(context.Background(), ReviewRequest{Subject: "repo/42", Revision: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, analysis.RecommendRequestChanges, resp.Result.Recommendation)
	require.Len(t, resp.Result.Findings, 1)
}

func TestCategoryFor(t *testing.T) {
	tests := []struct {
		path string
		want analysis.Category
	}{
		{"pkg/auth/token.go", analysis.CategorySecurity},
		{"pkg/handler_test.go", analysis.CategoryCorrectness},
		{"README.md", analysis.CategoryStyle},
		{"pkg/server.go", analysis.CategoryMaintainability},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, categoryFor(tt.path))
		})
	}
}

func TestReviewManyPathsUsesFanOut(t *testing.T) {
	paths := make([]string, 30)
	diffs := make(map[string]string, 30)
	for i := range paths {
		path := fmt.Sprintf("pkg/file%02d.go", i)
		paths[i] = path
		diffs[path] = fmt.Sprintf(`diff --git a/%s b/%s
--- a/%s
+++ b/%s
@@ -1,2 +1,3 @@
 package pkg
+var v%02d = %d

`, path, path, path, path, i, i)
	}
	provider := &fakeProvider{paths: paths, diffs: diffs}
	mock := &analysis.MockService{}
	engine := newTestEngine(t, provider, mock)

	resp, err := engine.Review(context.Background(), ReviewRequest{Subject: "repo/99", Revision: "big1"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StrategyHierarchical, resp.Result.Strategy)
	assert.Equal(t, 30, mock.CallCount())
}

// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillreview/quill/services/review"
	"github.com/quillreview/quill/services/review/analysis"
	"github.com/quillreview/quill/services/review/breaker"
	"github.com/quillreview/quill/services/review/dedup"
	"github.com/quillreview/quill/services/review/diffx"
	"github.com/quillreview/quill/services/review/dispatch"
	"github.com/quillreview/quill/services/review/respcache"
	"github.com/quillreview/quill/services/review/source"
	"github.com/quillreview/quill/services/review/storage"
)

const serverTestDiff = `diff --git a/pkg/a.go b/pkg/a.go
--- a/pkg/a.go
+++ b/pkg/a.go
@@ -1,2 +1,3 @@
 package pkg
+var added = 1

`

func newTestServer(t *testing.T) *Server {
	return newTestServerWith(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/paths") {
			w.Write([]byte(`{"paths":["pkg/a.go"]}`))
			return
		}
		w.Write([]byte(serverTestDiff))
	})
}

func newTestServerWith(t *testing.T, upstreamHandler http.HandlerFunc) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	upstream := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstream.Close)

	provider, err := source.NewHTTPProvider(source.HTTPConfig{BaseURL: upstream.URL})
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.Default()
	cache := respcache.New(store, respcache.NewWriteLimiter(1000), logger)
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	dispatcher := dispatch.New(&analysis.MockService{}, cache, breakers, dispatch.DefaultConfig(), logger)
	ledger := dedup.NewLedger(store, dedup.DefaultConfig(), logger)
	extractor := diffx.NewExtractor(diffx.DefaultExtractorConfig(), logger)
	engine := review.NewEngine(review.DefaultConfig(), extractor, ledger, cache, dispatcher, provider, breakers, logger)

	return New(engine, ":0", logger)
}

func postReview(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/reviews", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)
	return w
}

func TestPostReview(t *testing.T) {
	s := newTestServer(t)

	w := postReview(t, s, `{"subject":"repo/42","revision":"abc123","trigger":"opened"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp review.ReviewResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Duplicate)
	require.NotNil(t, resp.Result)
	assert.Equal(t, analysis.RecommendApprove, resp.Result.Recommendation)
}

func TestPostReviewDuplicate(t *testing.T) {
	s := newTestServer(t)

	first := postReview(t, s, `{"subject":"repo/42","revision":"abc123"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second := postReview(t, s, `{"subject":"repo/42","revision":"abc123","trigger":"synchronize"}`)
	require.Equal(t, http.StatusOK, second.Code)

	var resp review.ReviewResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)
	assert.Contains(t, resp.LastOutcome, "completed")
}

// A review with an unreadable path still returns 200 with the same
// payload shape as a full review, flagged via the partial field.
func TestPostReviewPartialKeepsResponseShape(t *testing.T) {
	s := newTestServerWith(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/paths"):
			w.Write([]byte(`{"paths":["pkg/a.go","pkg/gone.go"]}`))
		case strings.Contains(r.URL.RawQuery, "gone.go"):
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Write([]byte(serverTestDiff))
		}
	})

	w := postReview(t, s, `{"subject":"repo/42","revision":"abc123"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp review.ReviewResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Partial)
	assert.Equal(t, 1, resp.FailedPaths)
	require.NotNil(t, resp.Result)
}

func TestPostReviewValidatesBody(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing subject", `{"revision":"abc"}`},
		{"missing revision", `{"subject":"repo/42"}`},
		{"not json", `subject=repo`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postReview(t, s, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestHealthReportsBreakersAndCache(t *testing.T) {
	s := newTestServer(t)

	// One review populates the analysis and source breakers.
	postReview(t, s, `{"subject":"repo/42","revision":"abc123"}`)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var health struct {
		Status   string               `json:"status"`
		Breakers []breaker.Snapshot   `json:"breakers"`
		Cache    respcache.Statistics `json:"cache"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	require.NotEmpty(t, health.Breakers)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

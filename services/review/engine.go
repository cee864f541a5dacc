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
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quillreview/quill/services/review/analysis"
	"github.com/quillreview/quill/services/review/breaker"
	"github.com/quillreview/quill/services/review/dedup"
	"github.com/quillreview/quill/services/review/diffx"
	"github.com/quillreview/quill/services/review/dispatch"
	"github.com/quillreview/quill/services/review/respcache"
	"github.com/quillreview/quill/services/review/source"
	"github.com/quillreview/quill/services/review/telemetry"
)

// SourceBreakerName identifies the change-hosting dependency in the
// breaker registry.
const SourceBreakerName = "source"

const tracerName = "github.com/quillreview/quill/services/review"

// ReviewRequest identifies the change to review.
type ReviewRequest struct {
	// Subject names the logical change, for example "repo/pulls/42".
	Subject string `json:"subject"`
	// Revision is the source revision under review.
	Revision string `json:"revision"`
	// Trigger records what caused this delivery. It does not affect
	// the dedup fingerprint.
	Trigger string `json:"trigger,omitempty"`
}

// ReviewResponse is the outcome of one review request.
type ReviewResponse struct {
	Subject   string `json:"subject"`
	Revision  string `json:"revision"`
	Duplicate bool   `json:"duplicate"`
	// LastOutcome carries the earlier verdict when Duplicate is set.
	LastOutcome string                    `json:"last_outcome,omitempty"`
	Result      *dispatch.AggregateResult `json:"result,omitempty"`
	// Partial is set when some paths or items went unanalyzed. The
	// result is still usable; coverage is just incomplete.
	Partial bool `json:"partial,omitempty"`
	// FailedPaths counts changed paths whose diff could not be read.
	FailedPaths int `json:"failed_paths,omitempty"`
}

// Engine wires the review pipeline together.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	config     Config
	extractor  *diffx.Extractor
	ledger     *dedup.Ledger
	cache      *respcache.Cache
	dispatcher *dispatch.Dispatcher
	provider   source.Provider
	breakers   *breaker.Registry
	logger     *slog.Logger
}

// NewEngine assembles the pipeline from already-constructed parts.
func NewEngine(
	config Config,
	extractor *diffx.Extractor,
	ledger *dedup.Ledger,
	cache *respcache.Cache,
	dispatcher *dispatch.Dispatcher,
	provider source.Provider,
	breakers *breaker.Registry,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		config:     config,
		extractor:  extractor,
		ledger:     ledger,
		cache:      cache,
		dispatcher: dispatcher,
		provider:   provider,
		breakers:   breakers,
		logger:     logger,
	}
}

// Breakers exposes the registry for health reporting.
func (e *Engine) Breakers() *breaker.Registry { return e.breakers }

// CacheStatistics exposes cache counters for health reporting.
func (e *Engine) CacheStatistics() respcache.Statistics { return e.cache.Statistics() }

// Review runs the full pipeline for one request. The dedup check
// happens before any expensive work; a re-delivered request returns
// the recorded outcome without touching the providers. The review
// fails outright only when the change set cannot be read at all;
// path-level and item-level failures degrade to a partial result and
// ErrPartialBatch.
func (e *Engine) Review(ctx context.Context, req ReviewRequest) (*ReviewResponse, error) {
	start := time.Now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "review.Review")
	defer span.End()
	span.SetAttributes(
		attribute.String("review.subject", req.Subject),
		attribute.String("review.revision", req.Revision),
	)

	if req.Subject == "" || req.Revision == "" {
		return nil, fmt.Errorf("%w: subject and revision are required", ErrValidation)
	}
	defer e.publishBreakerStates(ctx)

	resp := &ReviewResponse{Subject: req.Subject, Revision: req.Revision}

	fp := dedup.Fingerprint(req.Subject, req.Revision)
	if dup, lastOutcome := e.ledger.IsDuplicate(ctx, fp); dup {
		e.logger.Info("duplicate request short-circuited",
			"subject", req.Subject,
			"trigger", req.Trigger,
			"last_outcome", lastOutcome,
		)
		telemetry.DuplicatesShortCircuited.Inc()
		telemetry.ReviewsTotal.WithLabelValues("duplicate").Inc()
		resp.Duplicate = true
		resp.LastOutcome = lastOutcome
		return resp, nil
	}
	e.ledger.Record(ctx, fp)

	paths, err := e.listPaths(ctx, req.Subject)
	if err != nil {
		e.ledger.UpdateOutcome(ctx, fp, "failed: "+err.Error())
		telemetry.ReviewsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	items, failedPaths := e.collectItems(ctx, req.Subject, paths)
	resp.FailedPaths = failedPaths
	if failedPaths == len(paths) && len(paths) > 0 {
		err := fmt.Errorf("%w: no diff could be read for %s", ErrTransientInfrastructure, req.Subject)
		e.ledger.UpdateOutcome(ctx, fp, "failed: "+err.Error())
		telemetry.ReviewsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	result, err := e.dispatcher.Dispatch(ctx, req.Subject, req.Revision, items)
	if err != nil {
		e.ledger.UpdateOutcome(ctx, fp, "failed: "+err.Error())
		telemetry.ReviewsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("review: dispatch for %s: %w", req.Subject, err)
	}
	resp.Result = result

	telemetry.DispatchStrategies.WithLabelValues(string(result.Strategy)).Inc()
	if result.FailedItemCount > 0 {
		telemetry.FailedItems.Add(float64(result.FailedItemCount))
	}

	outcome := fmt.Sprintf("completed: %s, %d finding(s)", result.Recommendation, len(result.Findings))
	resp.Partial = failedPaths > 0 || result.FailedItemCount > 0
	if resp.Partial {
		outcome = fmt.Sprintf("partial: %s, %d finding(s), %d path(s) unread, %d item(s) unanalyzed",
			result.Recommendation, len(result.Findings), failedPaths, result.FailedItemCount)
	}
	e.ledger.UpdateOutcome(ctx, fp, outcome)

	telemetry.ReviewsTotal.WithLabelValues("completed").Inc()
	telemetry.ReviewDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("review completed",
		"subject", req.Subject,
		"strategy", result.Strategy,
		"recommendation", result.Recommendation,
		"findings", len(result.Findings),
		"duration", time.Since(start),
	)

	if resp.Partial {
		return resp, ErrPartialBatch
	}
	return resp, nil
}

// ReviewDiff runs the pipeline over already-fetched diff text,
// bypassing the source provider. Used by the one-shot CLI path.
func (e *Engine) ReviewDiff(ctx context.Context, req ReviewRequest, diffText string) (*ReviewResponse, error) {
	if req.Subject == "" || req.Revision == "" {
		return nil, fmt.Errorf("%w: subject and revision are required", ErrValidation)
	}

	resp := &ReviewResponse{Subject: req.Subject, Revision: req.Revision}

	fp := dedup.Fingerprint(req.Subject, req.Revision)
	if dup, lastOutcome := e.ledger.IsDuplicate(ctx, fp); dup {
		resp.Duplicate = true
		resp.LastOutcome = lastOutcome
		return resp, nil
	}
	e.ledger.Record(ctx, fp)

	items := e.buildItems(e.extractor.Parse(diffText))
	result, err := e.dispatcher.Dispatch(ctx, req.Subject, req.Revision, items)
	if err != nil {
		e.ledger.UpdateOutcome(ctx, fp, "failed: "+err.Error())
		return nil, fmt.Errorf("review: dispatch for %s: %w", req.Subject, err)
	}
	resp.Result = result
	resp.Partial = result.FailedItemCount > 0

	e.ledger.UpdateOutcome(ctx, fp, fmt.Sprintf("completed: %s, %d finding(s)",
		result.Recommendation, len(result.Findings)))
	return resp, nil
}

// listPaths fetches the changed path list under the source breaker
// with retry. A failure here is total: nothing can be reviewed.
func (e *Engine) listPaths(ctx context.Context, subject string) ([]string, error) {
	var paths []string
	br := e.breakers.Get(SourceBreakerName)
	err := br.Call(ctx, func() error {
		return analysis.Retry(ctx, analysis.DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
			callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout())
			defer cancel()
			var err error
			paths, err = e.provider.ListChangedPaths(callCtx, subject)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			telemetry.BreakerRejections.WithLabelValues(SourceBreakerName).Inc()
		}
		return nil, fmt.Errorf("review: list changed paths for %s: %w", subject, err)
	}
	return paths, nil
}

// publishBreakerStates refreshes the per-dependency state gauge.
func (e *Engine) publishBreakerStates(ctx context.Context) {
	values := map[string]float64{"closed": 0, "open": 1, "half-open": 2}
	for _, snap := range e.breakers.Snapshots(ctx) {
		telemetry.BreakerState.WithLabelValues(snap.Service).Set(values[snap.State])
	}
}

// collectItems fetches and extracts each path's diff under the shared
// fan-out gate. A path whose diff cannot be read is counted and
// skipped; its siblings proceed.
func (e *Engine) collectItems(ctx context.Context, subject string, paths []string) ([]dispatch.WorkItem, int) {
	var items []dispatch.WorkItem
	failed := 0

	br := e.breakers.Get(SourceBreakerName)
	for _, path := range paths {
		diffText, err := e.fetchDiff(ctx, br, subject, path)
		if err != nil {
			e.logger.Warn("diff fetch failed, skipping path",
				"subject", subject,
				"path", path,
				"error", err,
			)
			failed++
			continue
		}
		items = append(items, e.buildItems(e.extractor.Parse(diffText))...)
	}
	return items, failed
}

func (e *Engine) fetchDiff(ctx context.Context, br *breaker.Breaker, subject, path string) (string, error) {
	release, err := e.dispatcher.Gate(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	var diffText string
	err = br.Call(ctx, func() error {
		return analysis.Retry(ctx, analysis.DefaultRetryConfig(), func(ctx context.Context, attempt int) error {
			callCtx, cancel := context.WithTimeout(ctx, e.config.CallTimeout())
			defer cancel()
			var err error
			diffText, err = e.provider.FetchDiff(callCtx, subject, path)
			return err
		})
	})
	return diffText, err
}

// buildItems turns extracted hunks into work items with a cost
// estimate and category per hunk.
func (e *Engine) buildItems(hunks []diffx.ChangedHunk) []dispatch.WorkItem {
	items := make([]dispatch.WorkItem, 0, len(hunks))
	for _, hunk := range hunks {
		cost := e.extractor.EstimateCost([]diffx.ChangedHunk{hunk})
		items = append(items, dispatch.NewWorkItem(hunk, categoryFor(hunk.FilePath), cost))
	}
	return items
}

// categoryFor is a coarse path heuristic used only to group chunked
// work; the analysis service assigns real categories to findings.
func categoryFor(path string) analysis.Category {
	switch {
	case strings.HasSuffix(path, "_test.go") || strings.Contains(path, "/test"):
		return analysis.CategoryCorrectness
	case strings.Contains(path, "auth") || strings.Contains(path, "crypto") || strings.Contains(path, "secret"):
		return analysis.CategorySecurity
	case strings.HasSuffix(path, ".md") || strings.HasSuffix(path, ".txt"):
		return analysis.CategoryStyle
	default:
		return analysis.CategoryMaintainability
	}
}

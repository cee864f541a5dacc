// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dispatch selects a review strategy from work-item count and
// cost, fans the work out to the analysis service under a bounded
// concurrency gate, and aggregates partial results. Every external
// call consults the response cache first and runs under the analysis
// dependency's circuit breaker on a miss.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/quillreview/quill/services/review/analysis"
	"github.com/quillreview/quill/services/review/breaker"
	"github.com/quillreview/quill/services/review/diffx"
	"github.com/quillreview/quill/services/review/respcache"
	"github.com/quillreview/quill/services/review/telemetry"
)

// AnalysisBreakerName identifies the analysis dependency in the
// breaker registry.
const AnalysisBreakerName = "analysis"

const tracerName = "github.com/quillreview/quill/services/review/dispatch"

// Strategy is how a batch of work items is analyzed.
type Strategy string

const (
	StrategySinglePass   Strategy = "single_pass"
	StrategyChunked      Strategy = "chunked"
	StrategyHierarchical Strategy = "hierarchical"
)

// WorkItem is one unit of reviewable work. Count and cost drive
// strategy selection; the hunk is the payload analyzed.
type WorkItem struct {
	ID           string            `json:"id"`
	Path         string            `json:"path"`
	Category     analysis.Category `json:"category"`
	CostEstimate int               `json:"cost_estimate"`
	Hunk         diffx.ChangedHunk `json:"hunk"`
}

// NewWorkItem builds a work item for one changed hunk.
func NewWorkItem(hunk diffx.ChangedHunk, category analysis.Category, cost int) WorkItem {
	return WorkItem{
		ID:           uuid.NewString(),
		Path:         hunk.FilePath,
		Category:     category,
		CostEstimate: cost,
		Hunk:         hunk,
	}
}

// Config holds the strategy thresholds and fan-out limits.
type Config struct {
	// SinglePass applies when the batch is strictly below BOTH of
	// these.
	SinglePassMaxItems int
	SinglePassMaxCost  int

	// Chunked applies when the batch is strictly below BOTH of these
	// (and not single-pass). A batch at or above either bound goes
	// hierarchical.
	ChunkedMaxItems int
	ChunkedMaxCost  int

	// MaxConcurrentReviews sizes the shared fan-out gate.
	MaxConcurrentReviews int64

	// CacheTTL is how long analysis results stay cached.
	CacheTTL time.Duration

	// HighSeverityBar is the minimum severity that qualifies an item
	// for the hierarchical correlation pass.
	HighSeverityBar analysis.Severity

	// Retry governs per-call retry before the breaker records an
	// outcome.
	Retry analysis.RetryConfig
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		SinglePassMaxItems:   5,
		SinglePassMaxCost:    500,
		ChunkedMaxItems:      20,
		ChunkedMaxCost:       2500,
		MaxConcurrentReviews: 4,
		CacheTTL:             time.Hour,
		HighSeverityBar:      analysis.SeverityHigh,
		Retry:                analysis.DefaultRetryConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SinglePassMaxItems <= 0 {
		c.SinglePassMaxItems = d.SinglePassMaxItems
	}
	if c.SinglePassMaxCost <= 0 {
		c.SinglePassMaxCost = d.SinglePassMaxCost
	}
	if c.ChunkedMaxItems <= c.SinglePassMaxItems {
		c.ChunkedMaxItems = d.ChunkedMaxItems
	}
	if c.ChunkedMaxCost <= c.SinglePassMaxCost {
		c.ChunkedMaxCost = d.ChunkedMaxCost
	}
	if c.MaxConcurrentReviews <= 0 {
		c.MaxConcurrentReviews = d.MaxConcurrentReviews
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.HighSeverityBar == "" {
		c.HighSeverityBar = d.HighSeverityBar
	}
	return c
}

// Dispatcher coordinates fan-out analysis for one process. It owns
// the process-wide counting semaphore sized by MaxConcurrentReviews.
//
// Thread Safety: Safe for concurrent use.
type Dispatcher struct {
	service  analysis.Service
	cache    *respcache.Cache
	breakers *breaker.Registry
	sem      *semaphore.Weighted
	config   Config
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(service analysis.Service, cache *respcache.Cache, breakers *breaker.Registry, config Config, logger *slog.Logger) *Dispatcher {
	config = config.withDefaults()
	return &Dispatcher{
		service:  service,
		cache:    cache,
		breakers: breakers,
		sem:      semaphore.NewWeighted(config.MaxConcurrentReviews),
		config:   config,
		logger:   logger,
	}
}

// SelectStrategy picks the strategy for a batch from its size and
// total cost estimate. The bounds are exclusive: a batch that reaches
// either chunked bound is already hierarchical.
func (d *Dispatcher) SelectStrategy(itemCount, totalCost int) Strategy {
	if itemCount < d.config.SinglePassMaxItems && totalCost < d.config.SinglePassMaxCost {
		return StrategySinglePass
	}
	if itemCount < d.config.ChunkedMaxItems && totalCost < d.config.ChunkedMaxCost {
		return StrategyChunked
	}
	return StrategyHierarchical
}

// Dispatch analyzes the batch under the selected strategy and returns
// the aggregate. Individual item failures are captured as
// placeholders; Dispatch itself fails only when the whole batch is
// unanalyzable (for example, the breaker is open for a single-pass
// call).
func (d *Dispatcher) Dispatch(ctx context.Context, subject, revision string, items []WorkItem) (*AggregateResult, error) {
	totalCost := 0
	for _, item := range items {
		totalCost += item.CostEstimate
	}
	strategy := d.SelectStrategy(len(items), totalCost)

	ctx, span := otel.Tracer(tracerName).Start(ctx, "dispatch.Dispatch",
		trace.WithAttributes(
			attribute.Int("review.items", len(items)),
			attribute.Int("review.cost_estimate", totalCost),
			attribute.String("review.strategy", string(strategy)),
		))
	defer span.End()

	if len(items) == 0 {
		return &AggregateResult{
			Strategy:       StrategySinglePass,
			Recommendation: analysis.RecommendApprove,
			Summary:        "no reviewable changes",
		}, nil
	}

	d.logger.Info("dispatching review batch",
		"subject", subject,
		"items", len(items),
		"cost_estimate", totalCost,
		"strategy", strategy,
	)

	switch strategy {
	case StrategySinglePass:
		return d.runSinglePass(ctx, subject, revision, items)
	case StrategyChunked:
		return d.runChunked(ctx, subject, revision, items)
	default:
		return d.runHierarchical(ctx, subject, revision, items)
	}
}

// runSinglePass issues one call covering all items.
func (d *Dispatcher) runSinglePass(ctx context.Context, subject, revision string, items []WorkItem) (*AggregateResult, error) {
	unit := d.buildUnit(subject, revision, "all", items)
	result, err := d.analyzeGated(ctx, unit)
	if err != nil {
		return nil, fmt.Errorf("dispatch: single pass: %w", err)
	}
	agg := d.aggregate(StrategySinglePass, []*analysis.Result{result})
	return agg, nil
}

// runChunked partitions items by category and issues one gated call
// per group. A group failure becomes a placeholder for its items.
func (d *Dispatcher) runChunked(ctx context.Context, subject, revision string, items []WorkItem) (*AggregateResult, error) {
	groups := make(map[analysis.Category][]WorkItem)
	for _, item := range items {
		groups[item.Category] = append(groups[item.Category], item)
	}

	var (
		mu      sync.Mutex
		results []*analysis.Result
		wg      sync.WaitGroup
	)
	for category, group := range groups {
		wg.Add(1)
		go func(category analysis.Category, group []WorkItem) {
			defer wg.Done()

			unit := d.buildUnit(subject, revision, "category:"+string(category), group)
			result, err := d.analyzeGated(ctx, unit)
			if err != nil {
				d.logger.Warn("group analysis failed, recording placeholder",
					"category", category,
					"items", len(group),
					"error", err,
				)
				result = placeholderResult(group, err)
			}

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(category, group)
	}
	wg.Wait()

	return d.aggregate(StrategyChunked, results), nil
}

// runHierarchical analyzes items individually, then issues one
// correlation call over the items whose results cross the
// high-severity bar.
func (d *Dispatcher) runHierarchical(ctx context.Context, subject, revision string, items []WorkItem) (*AggregateResult, error) {
	results := make([]*analysis.Result, len(items))

	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item WorkItem) {
			defer wg.Done()

			unit := d.buildUnit(subject, revision, "item:"+item.Path, []WorkItem{item})
			result, err := d.analyzeGated(ctx, unit)
			if err != nil {
				d.logger.Warn("item analysis failed, recording placeholder",
					"path", item.Path,
					"error", err,
				)
				result = placeholderResult([]WorkItem{item}, err)
			}
			results[i] = result
		}(i, item)
	}
	wg.Wait()

	// Correlation pass over the high-severity subset only.
	var escalated []WorkItem
	for i, result := range results {
		if crossesBar(result, d.config.HighSeverityBar) {
			escalated = append(escalated, items[i])
		}
	}
	if len(escalated) > 0 {
		unit := d.buildUnit(subject, revision, "correlation", escalated)
		result, err := d.analyzeGated(ctx, unit)
		if err != nil {
			d.logger.Warn("correlation analysis failed, recording placeholder",
				"items", len(escalated),
				"error", err,
			)
			result = placeholderResult(nil, err)
		}
		results = append(results, result)
	}

	return d.aggregate(StrategyHierarchical, results), nil
}

// Gate acquires the shared fan-out semaphore for an external call
// issued outside the dispatcher, such as a diff fetch. The returned
// release must run on every exit path.
func (d *Dispatcher) Gate(ctx context.Context) (func(), error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { d.sem.Release(1) }, nil
}

// analyzeGated runs one external call: semaphore, then the cache's
// compute-on-miss path so concurrent identical misses coalesce into a
// single breaker-wrapped retried analysis.
func (d *Dispatcher) analyzeGated(ctx context.Context, unit analysis.Unit) (*analysis.Result, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	payload, err := json.Marshal(unit.Hunks)
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal unit %s: %w", unit.ID, err)
	}
	key := respcache.NewKey(unit.Subject, unit.Scope, payload)

	raw, err := d.cache.GetOrCompute(ctx, key, d.config.CacheTTL, func(ctx context.Context) ([]byte, int, error) {
		var result *analysis.Result
		br := d.breakers.Get(AnalysisBreakerName)
		err := br.Call(ctx, func() error {
			return analysis.Retry(ctx, d.config.Retry, func(ctx context.Context, attempt int) error {
				r, err := d.service.Analyze(ctx, unit)
				if err != nil {
					return err
				}
				result = r
				return nil
			})
		})
		if err != nil {
			return nil, 0, err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, 0, fmt.Errorf("dispatch: marshal result for %s: %w", unit.Scope, err)
		}
		return raw, result.Usage.Cost, nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			telemetry.BreakerRejections.WithLabelValues(AnalysisBreakerName).Inc()
		}
		return nil, err
	}

	var result analysis.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("dispatch: decode analysis for %s: %w", unit.Scope, err)
	}
	return &result, nil
}

func (d *Dispatcher) buildUnit(subject, revision, scope string, items []WorkItem) analysis.Unit {
	hunks := make([]diffx.ChangedHunk, 0, len(items))
	for _, item := range items {
		hunks = append(hunks, item.Hunk)
	}
	return analysis.Unit{
		ID:       uuid.NewString(),
		Subject:  subject,
		Revision: revision,
		Scope:    scope,
		Hunks:    hunks,
	}
}

// crossesBar reports whether any finding in the result reaches the
// severity bar.
func crossesBar(result *analysis.Result, bar analysis.Severity) bool {
	if result == nil || result.Placeholder {
		return false
	}
	for _, f := range result.Findings {
		if f.Severity.Rank() >= bar.Rank() {
			return true
		}
	}
	return false
}

// placeholderResult stands in for a failed call so the batch keeps
// its shape. Carries one INFO finding per item so the failure is
// visible in the aggregate.
func placeholderResult(items []WorkItem, err error) *analysis.Result {
	findings := make([]analysis.Finding, 0, len(items))
	for _, item := range items {
		findings = append(findings, analysis.Finding{
			File:     item.Path,
			Line:     item.Hunk.NewStartLine,
			Severity: analysis.SeverityInfo,
			Category: item.Category,
			Title:    "analysis unavailable",
			Detail:   err.Error(),
		})
	}
	return &analysis.Result{
		Findings:    findings,
		Summary:     "analysis unavailable: " + err.Error(),
		Placeholder: true,
	}
}

// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"log/slog"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quillreview/quill/services/review/analysis"
)

func aggDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return &Dispatcher{config: DefaultConfig(), logger: slog.Default()}
}

func finding(file string, line int, sev analysis.Severity, cat analysis.Category, title string) analysis.Finding {
	return analysis.Finding{File: file, Line: line, Severity: sev, Category: cat, Title: title}
}

func TestAggregateDedupesByFileLineCategory(t *testing.T) {
	d := aggDispatcher(t)

	results := []*analysis.Result{
		{Findings: []analysis.Finding{
			finding("a.go", 10, analysis.SeverityLow, analysis.CategoryStyle, "naming"),
		}},
		{Findings: []analysis.Finding{
			finding("a.go", 10, analysis.SeverityMedium, analysis.CategoryStyle, "naming again"),
			finding("a.go", 10, analysis.SeverityLow, analysis.CategorySecurity, "different category"),
			finding("a.go", 12, analysis.SeverityLow, analysis.CategoryStyle, "different line"),
		}},
	}

	agg := d.aggregate(StrategyChunked, results)
	assert.Len(t, agg.Findings, 3)

	// The duplicate kept the higher severity.
	for _, f := range agg.Findings {
		if f.File == "a.go" && f.Line == 10 && f.Category == analysis.CategoryStyle {
			assert.Equal(t, analysis.SeverityMedium, f.Severity)
		}
	}
}

func TestRecommendationRules(t *testing.T) {
	d := aggDispatcher(t)

	tests := []struct {
		name     string
		findings []analysis.Finding
		want     analysis.Recommendation
	}{
		{"no findings", nil, analysis.RecommendApprove},
		{"only low", []analysis.Finding{
			finding("a.go", 1, analysis.SeverityLow, analysis.CategoryStyle, "x"),
		}, analysis.RecommendComment},
		{"medium and info", []analysis.Finding{
			finding("a.go", 1, analysis.SeverityMedium, analysis.CategoryCorrectness, "x"),
			finding("b.go", 2, analysis.SeverityInfo, analysis.CategoryStyle, "y"),
		}, analysis.RecommendComment},
		{"one high", []analysis.Finding{
			finding("a.go", 1, analysis.SeverityLow, analysis.CategoryStyle, "x"),
			finding("b.go", 2, analysis.SeverityHigh, analysis.CategorySecurity, "y"),
		}, analysis.RecommendRequestChanges},
		{"one critical", []analysis.Finding{
			finding("a.go", 1, analysis.SeverityCritical, analysis.CategorySecurity, "x"),
		}, analysis.RecommendRequestChanges},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := d.aggregate(StrategySinglePass, []*analysis.Result{{Findings: tt.findings}})
			assert.Equal(t, tt.want, agg.Recommendation)
		})
	}
}

func TestAggregateOrderIndependent(t *testing.T) {
	d := aggDispatcher(t)

	results := []*analysis.Result{
		{Findings: []analysis.Finding{
			finding("a.go", 10, analysis.SeverityHigh, analysis.CategorySecurity, "injection"),
		}, Usage: analysis.Usage{TotalTokens: 100, Cost: 10}},
		{Findings: []analysis.Finding{
			finding("a.go", 10, analysis.SeverityLow, analysis.CategorySecurity, "shadowed"),
			finding("b.go", 5, analysis.SeverityMedium, analysis.CategoryPerformance, "allocs"),
		}, Usage: analysis.Usage{TotalTokens: 50, Cost: 5}},
		{Placeholder: true, Findings: []analysis.Finding{
			finding("c.go", 1, analysis.SeverityInfo, analysis.CategoryCorrectness, "analysis unavailable"),
		}},
		{Summary: "looks fine", Usage: analysis.Usage{TotalTokens: 25, Cost: 2}},
	}

	want := d.aggregate(StrategyHierarchical, results)
	for i := 0; i < 10; i++ {
		shuffled := make([]*analysis.Result, len(results))
		copy(shuffled, results)
		rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := d.aggregate(StrategyHierarchical, shuffled)
		assert.Equal(t, want, got)
	}
}

func TestAggregateCountsPlaceholders(t *testing.T) {
	d := aggDispatcher(t)

	results := []*analysis.Result{
		{Recommendation: analysis.RecommendApprove},
		{Placeholder: true, Findings: []analysis.Finding{
			finding("a.go", 1, analysis.SeverityInfo, analysis.CategoryCorrectness, "analysis unavailable"),
			finding("b.go", 1, analysis.SeverityInfo, analysis.CategoryCorrectness, "analysis unavailable"),
		}},
		{Placeholder: true},
	}

	agg := d.aggregate(StrategyChunked, results)
	// Two items in the failed group plus one itemless failure.
	assert.Equal(t, 3, agg.FailedItemCount)
	assert.Contains(t, agg.Summary, "not analyzed")
}

func TestAggregateClampsAccumulators(t *testing.T) {
	d := aggDispatcher(t)

	results := []*analysis.Result{
		{Usage: analysis.Usage{TotalTokens: MaxTotalTokens - 1, Cost: MaxTotalCost - 1}},
		{Usage: analysis.Usage{TotalTokens: 1000, Cost: 1000}},
	}

	agg := d.aggregate(StrategySinglePass, results)
	assert.Equal(t, MaxTotalTokens, agg.Usage.TotalTokens)
	assert.Equal(t, MaxTotalCost, agg.Usage.Cost)
}

func TestAggregateSkipsNilResults(t *testing.T) {
	d := aggDispatcher(t)

	agg := d.aggregate(StrategySinglePass, []*analysis.Result{nil, {
		Findings: []analysis.Finding{
			finding("a.go", 1, analysis.SeverityLow, analysis.CategoryStyle, "x"),
		},
	}})
	assert.Len(t, agg.Findings, 1)
}

func TestAggregateFindingsSorted(t *testing.T) {
	d := aggDispatcher(t)

	agg := d.aggregate(StrategySinglePass, []*analysis.Result{{
		Findings: []analysis.Finding{
			finding("b.go", 5, analysis.SeverityLow, analysis.CategoryStyle, "third"),
			finding("a.go", 20, analysis.SeverityLow, analysis.CategoryStyle, "second"),
			finding("a.go", 10, analysis.SeverityLow, analysis.CategoryStyle, "first"),
		},
	}})

	assert.Equal(t, "first", agg.Findings[0].Title)
	assert.Equal(t, "second", agg.Findings[1].Title)
	assert.Equal(t, "third", agg.Findings[2].Title)
}

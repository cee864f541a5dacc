// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quillreview/quill/services/review/analysis"
)

// Accumulator ceilings. Sums are clamped here so a runaway batch
// cannot overflow reporting.
const (
	MaxTotalTokens = 10_000_000
	MaxTotalCost   = 1_000_000
)

// AggregateResult is the merged outcome of one dispatched batch.
type AggregateResult struct {
	Strategy        Strategy                `json:"strategy"`
	Findings        []analysis.Finding      `json:"findings"`
	Recommendation  analysis.Recommendation `json:"recommendation"`
	Summary         string                  `json:"summary"`
	Usage           analysis.Usage          `json:"usage"`
	FailedItemCount int                     `json:"failed_item_count"`
}

// aggregate merges per-call results into one verdict. The merge is
// order-independent: findings are a set deduped by (file, line,
// category) keeping the highest severity, accumulators are clamped
// sums, and the recommendation is a pure function of the finding set.
func (d *Dispatcher) aggregate(strategy Strategy, results []*analysis.Result) *AggregateResult {
	agg := &AggregateResult{Strategy: strategy}

	type dedupeKey struct {
		file     string
		line     int
		category analysis.Category
	}
	merged := make(map[dedupeKey]analysis.Finding)

	var summaries []string
	for _, result := range results {
		if result == nil {
			continue
		}
		if result.Placeholder {
			failed := len(result.Findings)
			if failed == 0 {
				failed = 1
			}
			agg.FailedItemCount += failed
		} else if result.Summary != "" {
			summaries = append(summaries, result.Summary)
		}

		for _, f := range result.Findings {
			key := dedupeKey{file: f.File, line: f.Line, category: f.Category}
			existing, ok := merged[key]
			if !ok || worse(f, existing) {
				merged[key] = f
			}
		}
		agg.Usage.Add(result.Usage)
	}

	if agg.Usage.TotalTokens > MaxTotalTokens {
		d.logger.Warn("token accumulator clamped", "total", agg.Usage.TotalTokens, "max", MaxTotalTokens)
		agg.Usage.TotalTokens = MaxTotalTokens
	}
	if agg.Usage.Cost > MaxTotalCost {
		d.logger.Warn("cost accumulator clamped", "total", agg.Usage.Cost, "max", MaxTotalCost)
		agg.Usage.Cost = MaxTotalCost
	}

	agg.Findings = make([]analysis.Finding, 0, len(merged))
	for _, f := range merged {
		agg.Findings = append(agg.Findings, f)
	}
	sort.Slice(agg.Findings, func(i, j int) bool {
		a, b := agg.Findings[i], agg.Findings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Category < b.Category
	})

	agg.Recommendation = recommend(agg.Findings)
	agg.Summary = buildSummary(agg, summaries)
	return agg
}

// worse reports whether a should replace b at the same dedupe key.
// Severity rank decides; ties break on title so the merge stays
// deterministic regardless of completion order.
func worse(a, b analysis.Finding) bool {
	if a.Severity.Rank() != b.Severity.Rank() {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	return a.Title < b.Title
}

// recommend derives the verdict from the merged finding set.
func recommend(findings []analysis.Finding) analysis.Recommendation {
	for _, f := range findings {
		if f.Severity == analysis.SeverityCritical || f.Severity == analysis.SeverityHigh {
			return analysis.RecommendRequestChanges
		}
	}
	if len(findings) > 0 {
		return analysis.RecommendComment
	}
	return analysis.RecommendApprove
}

func buildSummary(agg *AggregateResult, summaries []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d finding(s)", len(agg.Findings))
	if agg.FailedItemCount > 0 {
		fmt.Fprintf(&b, ", %d item(s) not analyzed", agg.FailedItemCount)
	}
	if len(summaries) > 0 {
		sort.Strings(summaries)
		b.WriteString(": ")
		b.WriteString(strings.Join(summaries, "; "))
	}
	return b.String()
}

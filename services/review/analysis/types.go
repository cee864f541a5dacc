// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis defines the external analysis service contract and
// the OpenAI-backed implementation, plus the bounded-backoff retry
// helper callers use so transient upstream noise surfaces as one
// logical failure.
package analysis

import (
	"context"

	"github.com/quillreview/quill/services/review/diffx"
)

// Severity ranks a finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Rank orders severities for threshold comparisons; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Category groups findings by concern.
type Category string

const (
	CategorySecurity        Category = "security"
	CategoryCorrectness     Category = "correctness"
	CategoryPerformance     Category = "performance"
	CategoryMaintainability Category = "maintainability"
	CategoryStyle           Category = "style"
)

// Recommendation is the reviewer verdict for a unit or aggregate.
type Recommendation string

const (
	RecommendApprove        Recommendation = "APPROVE"
	RecommendComment        Recommendation = "COMMENT"
	RecommendRequestChanges Recommendation = "REQUEST_CHANGES"
)

// Finding is one issue located in the changed code.
type Finding struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Severity Severity `json:"severity"`
	Category Category `json:"category"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail,omitempty"`
}

// Usage accounts for what one analysis call consumed.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Cost is the unitless cost estimate for the call, comparable to
	// diffx cost estimates.
	Cost int `json:"cost"`
}

// Add folds another usage record into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Cost += other.Cost
}

// Unit is one bundle of hunks submitted for analysis. A unit may
// cover a single file, a category group, or a whole change set
// depending on the dispatch strategy.
type Unit struct {
	ID       string              `json:"id"`
	Subject  string              `json:"subject"`
	Revision string              `json:"revision"`
	Scope    string              `json:"scope"`
	Hunks    []diffx.ChangedHunk `json:"hunks"`
}

// Result is the outcome of analyzing one unit.
type Result struct {
	Findings       []Finding      `json:"findings"`
	Recommendation Recommendation `json:"recommendation"`
	Summary        string         `json:"summary"`
	Usage          Usage          `json:"usage"`

	// Placeholder marks a synthesized result standing in for a failed
	// unit, so aggregation can count it without failing the batch.
	Placeholder bool `json:"placeholder,omitempty"`
}

// Service analyzes change units. Implementations make network calls;
// callers wrap them with retry, breaker, and cache layers.
type Service interface {
	Analyze(ctx context.Context, unit Unit) (*Result, error)
}

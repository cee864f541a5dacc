// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const defaultModel = "gpt-4o-mini"

const systemPrompt = `You are a senior code reviewer. You receive changed hunks from a code review
and respond ONLY with a JSON object of the shape:
{"findings":[{"file":"","line":0,"severity":"CRITICAL|HIGH|MEDIUM|LOW|INFO","category":"security|correctness|performance|maintainability|style","title":"","detail":""}],"recommendation":"APPROVE|COMMENT|REQUEST_CHANGES","summary":""}
Report only real issues in the changed lines. No prose outside the JSON.`

// OpenAIConfig configures the OpenAI-backed analysis service.
type OpenAIConfig struct {
	APIKey string
	Model  string

	// RequestsPerSecond paces outbound calls. Zero disables pacing.
	RequestsPerSecond float64

	// BaseURL overrides the API endpoint for OpenAI-compatible
	// local servers. Empty uses the default.
	BaseURL string
}

// OpenAIService implements Service against the OpenAI chat API.
//
// Thread Safety: Safe for concurrent use; the underlying client and
// limiter are both concurrency-safe.
type OpenAIService struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIService creates the service. The API key is required.
func NewOpenAIService(config OpenAIConfig, logger *slog.Logger) (*OpenAIService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("analysis: API key not set")
	}
	model := config.Model
	if model == "" {
		model = defaultModel
		logger.Warn("analysis model not set, defaulting", "model", model)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	logger.Info("initializing analysis client", "model", model)
	return &OpenAIService{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Analyze submits one unit and parses the structured review response.
// Pacing happens before the network call; retry and breaker layers
// belong to the caller.
func (s *OpenAIService) Analyze(ctx context.Context, unit Unit) (*Result, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prompt, err := renderUnit(unit)
	if err != nil {
		return nil, fmt.Errorf("analysis: render unit %s: %w", unit.ID, err)
	}

	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		s.logger.Error("analysis call failed", "unit", unit.ID, "error", err)
		return nil, fmt.Errorf("analysis: completion for unit %s: %w", unit.ID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("analysis: empty response for unit %s", unit.ID)
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("analysis: parse response for unit %s: %w", unit.ID, err)
	}
	result.Usage = Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		Cost:             resp.Usage.TotalTokens / 10,
	}
	s.logger.Debug("analysis completed",
		"unit", unit.ID,
		"findings", len(result.Findings),
		"recommendation", result.Recommendation,
	)
	return result, nil
}

// renderUnit serializes the unit's hunks into the user prompt.
func renderUnit(unit Unit) (string, error) {
	raw, err := json.MarshalIndent(unit.Hunks, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\nRevision: %s\n", unit.Subject, unit.Revision)
	if unit.Scope != "" {
		fmt.Fprintf(&b, "Scope: %s\n", unit.Scope)
	}
	b.WriteString("Changed hunks:\n")
	b.Write(raw)
	return b.String(), nil
}

// parseResult decodes the model's JSON verdict, defaulting the
// recommendation from the findings when the model omits it.
func parseResult(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	// Some models wrap JSON in a code fence despite instructions.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var result Result
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &result); err != nil {
		return nil, err
	}
	if result.Recommendation == "" {
		result.Recommendation = RecommendApprove
		if len(result.Findings) > 0 {
			result.Recommendation = RecommendComment
		}
	}
	return &result, nil
}

// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package source fetches changed paths and diff text for a review
// subject from the hosting system. Transient transport errors are
// retried by the caller's retry helper before the circuit breaker
// sees one logical failure.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/quillreview/quill/services/review/analysis"
)

// Provider lists and fetches the changes under review.
type Provider interface {
	ListChangedPaths(ctx context.Context, subject string) ([]string, error)
	FetchDiff(ctx context.Context, subject, path string) (string, error)
}

// HTTPConfig configures the HTTP provider.
type HTTPConfig struct {
	// BaseURL is the root of the change-hosting API.
	BaseURL string

	// Token is sent as a bearer credential when set.
	Token string

	// Timeout bounds each request. Default: 15s.
	Timeout time.Duration
}

// HTTPProvider implements Provider against a JSON HTTP API:
//
//	GET {base}/changes/{subject}/paths -> {"paths": [...]}
//	GET {base}/changes/{subject}/diff?path=... -> raw diff text
type HTTPProvider struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPProvider creates the provider.
func NewHTTPProvider(config HTTPConfig) (*HTTPProvider, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("source: base URL not set")
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	return &HTTPProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// ListChangedPaths returns the paths touched by the subject.
func (p *HTTPProvider) ListChangedPaths(ctx context.Context, subject string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/changes/%s/paths", p.config.BaseURL, url.PathEscape(subject))

	var out struct {
		Paths []string `json:"paths"`
	}
	if err := p.getJSON(ctx, endpoint, &out); err != nil {
		return nil, fmt.Errorf("source: list paths for %s: %w", subject, err)
	}
	return out.Paths, nil
}

// FetchDiff returns the unified diff text for one path.
func (p *HTTPProvider) FetchDiff(ctx context.Context, subject, path string) (string, error) {
	endpoint := fmt.Sprintf("%s/changes/%s/diff?path=%s",
		p.config.BaseURL, url.PathEscape(subject), url.QueryEscape(path))

	body, err := p.get(ctx, endpoint)
	if err != nil {
		return "", fmt.Errorf("source: fetch diff for %s %s: %w", subject, path, err)
	}
	return string(body), nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, endpoint string, out any) error {
	body, err := p.get(ctx, endpoint)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (p *HTTPProvider) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, analysis.ErrRateLimited)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, analysis.ErrTransient)
	default:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

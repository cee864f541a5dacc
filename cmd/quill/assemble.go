// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"github.com/quillreview/quill/pkg/logging"
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

// runtime bundles everything a command needs, with a single teardown.
type runtime struct {
	engine *review.Engine
	logger *logging.Logger
	store  storage.Store
}

func (r *runtime) close() {
	if r.store != nil {
		_ = r.store.Close()
	}
	if r.logger != nil {
		_ = r.logger.Close()
	}
}

// buildRuntime assembles the full pipeline from the loaded config.
// needSource toggles the change-provider requirement; the one-shot
// review path reads a local diff instead.
func buildRuntime(config review.Config, needSource bool) (*runtime, error) {
	logger := logging.New(logging.Config{Service: "quill", JSON: true})
	slogger := logger.Slog()

	var store storage.Store
	var err error
	if config.Storage.InMemory {
		store = storage.NewMemoryStore()
	} else {
		store, err = storage.OpenBadger(storage.BadgerConfig{
			Path:   config.Storage.Path,
			Logger: slogger,
		})
		if err != nil {
			_ = logger.Close()
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	var provider source.Provider
	if needSource {
		provider, err = source.NewHTTPProvider(config.SourceConfig())
		if err != nil {
			_ = store.Close()
			_ = logger.Close()
			return nil, err
		}
	} else {
		provider = unusableProvider{}
	}

	service, err := analysis.NewOpenAIService(analysis.OpenAIConfig{
		APIKey:            config.Analysis.APIKey,
		Model:             config.Analysis.Model,
		BaseURL:           config.Analysis.BaseURL,
		RequestsPerSecond: config.Analysis.RequestsPerSecond,
	}, slogger)
	if err != nil {
		_ = store.Close()
		_ = logger.Close()
		return nil, err
	}

	cache := respcache.New(store,
		respcache.SharedWriteLimiter(config.Cache.MaxWritesPerMinute), slogger)
	breakers := breaker.NewRegistry(config.BreakerConfig())
	dispatcher := dispatch.New(service, cache, breakers, config.DispatchConfig(), slogger)
	ledger := dedup.NewLedger(store, dedup.Config{
		Retention: config.DedupRetention(),
	}, slogger)
	extractor := diffx.NewExtractor(config.ExtractorConfig(), slogger)

	engine := review.NewEngine(config, extractor, ledger, cache, dispatcher, provider, breakers, slogger)
	return &runtime{engine: engine, logger: logger, store: store}, nil
}

// unusableProvider backs commands that never touch the hosting
// system, such as reviewing a local diff file.
type unusableProvider struct{}

func (unusableProvider) ListChangedPaths(ctx context.Context, subject string) ([]string, error) {
	return nil, fmt.Errorf("source provider not configured")
}

func (unusableProvider) FetchDiff(ctx context.Context, subject, path string) (string, error) {
	return "", fmt.Errorf("source provider not configured")
}

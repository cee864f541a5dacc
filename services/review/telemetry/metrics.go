// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry registers the process Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReviewsTotal counts review requests by terminal outcome
	// (completed, duplicate, failed).
	ReviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_reviews_total",
		Help: "Review requests by outcome.",
	}, []string{"outcome"})

	// ReviewDuration observes end-to-end review latency.
	ReviewDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quill_review_duration_seconds",
		Help:    "End-to-end review latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// DispatchStrategies counts batches by selected strategy.
	DispatchStrategies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_dispatch_strategy_total",
		Help: "Dispatched batches by strategy.",
	}, []string{"strategy"})

	// FailedItems counts work items that produced placeholders.
	FailedItems = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_dispatch_failed_items_total",
		Help: "Work items whose analysis failed and became placeholders.",
	})

	// BreakerState reports each breaker's current state (0 closed,
	// 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quill_breaker_state",
		Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half_open).",
	}, []string{"service"})

	// BreakerRejections counts calls short-circuited by an open
	// breaker.
	BreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quill_breaker_rejections_total",
		Help: "Calls rejected by an open circuit breaker.",
	}, []string{"service"})

	// CacheHits and CacheMisses track response cache effectiveness.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_cache_hits_total",
		Help: "Response cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_cache_misses_total",
		Help: "Response cache misses.",
	})

	// DuplicatesShortCircuited counts re-delivered requests answered
	// from the dedup ledger.
	DuplicatesShortCircuited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quill_duplicates_total",
		Help: "Requests short-circuited as duplicates.",
	})
)

// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package dedup tracks fingerprinted review requests so duplicate
// deliveries short-circuit instead of repeating expensive work.
//
// The ledger is strictly fail-open: a storage failure during lookup or
// bookkeeping is logged and swallowed, never allowed to block the
// primary workflow. Duplicate detection is an optimization with
// bounded retention, not an exactly-once guarantee.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/quillreview/quill/services/review/storage"
)

// partitionPrefix groups ledger rows by creation date so retention
// aligns with the store's TTL enforcement.
const partitionPrefix = "dedup:"

// Record tracks one logical unit of work across deliveries.
type Record struct {
	Fingerprint    string    `json:"fingerprint"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	AttemptCount   int       `json:"attempt_count"`
	OutcomeSummary string    `json:"outcome_summary"`

	// partition remembers where the record lives so outcome updates
	// land on the same row even across a date boundary.
	Partition string `json:"partition"`
}

// Fingerprint returns the stable hash identifying a logical unit of
// work: subject identity and source revision only. The event/trigger
// type is deliberately excluded so different triggers for the same
// underlying change collapse to one fingerprint.
func Fingerprint(subjectID, sourceRevision string) string {
	h := sha256.New()
	h.Write([]byte(subjectID))
	h.Write([]byte{0})
	h.Write([]byte(sourceRevision))
	return hex.EncodeToString(h.Sum(nil))
}

// Config configures ledger retention.
type Config struct {
	// Retention is how long records remain visible. Passed to the
	// store as the row TTL. Default: 7 days.
	Retention time.Duration
}

// DefaultConfig returns the default seven-day retention.
func DefaultConfig() Config {
	return Config{Retention: 7 * 24 * time.Hour}
}

// Ledger is the deduplication ledger over a durable Store.
//
// Thread Safety: Safe for concurrent use; concurrency control is
// delegated to the store.
type Ledger struct {
	store  storage.Store
	config Config
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store storage.Store, config Config, logger *slog.Logger) *Ledger {
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	return &Ledger{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// IsDuplicate reports whether the fingerprint has been seen before,
// returning the last recorded outcome when it has.
//
// Lookup failures fail open: the request is treated as new and the
// error is logged. A broken ledger must never block processing.
func (l *Ledger) IsDuplicate(ctx context.Context, fingerprint string) (bool, string) {
	rec, err := l.load(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.Error("dedup lookup failed, failing open",
				"fingerprint", fingerprint,
				"error", err,
			)
		}
		return false, ""
	}
	return true, rec.OutcomeSummary
}

// Record upserts the fingerprint's record: first sighting creates it
// with outcome "processing"; re-deliveries bump last-seen and the
// attempt count. Failures are logged and swallowed.
func (l *Ledger) Record(ctx context.Context, fingerprint string) {
	now := l.now()

	rec, err := l.load(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.Error("dedup record load failed", "fingerprint", fingerprint, "error", err)
		}
		rec = &Record{
			Fingerprint:    fingerprint,
			FirstSeenAt:    now,
			OutcomeSummary: "processing",
			Partition:      l.partitionFor(now),
		}
	}

	rec.LastSeenAt = now
	rec.AttemptCount++
	l.save(ctx, rec)
}

// UpdateOutcome records what actually happened, including failure
// summaries, so a later duplicate detection reports the truth.
// Failures are logged and swallowed.
func (l *Ledger) UpdateOutcome(ctx context.Context, fingerprint, summary string) {
	rec, err := l.load(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.Error("dedup outcome load failed", "fingerprint", fingerprint, "error", err)
			return
		}
		// Outcome for a record we never saw created. Create it so the
		// outcome is not lost.
		now := l.now()
		rec = &Record{
			Fingerprint:  fingerprint,
			FirstSeenAt:  now,
			LastSeenAt:   now,
			AttemptCount: 1,
			Partition:    l.partitionFor(now),
		}
	}

	rec.OutcomeSummary = summary
	l.save(ctx, rec)
}

// partitionFor buckets records by creation date.
func (l *Ledger) partitionFor(t time.Time) string {
	return partitionPrefix + t.UTC().Format("2006-01-02")
}

// load finds the record in today's or recent partitions.
//
// Records carry their own partition, but lookup has only the
// fingerprint, so the ledger probes date buckets newest-first across
// the retention horizon.
func (l *Ledger) load(ctx context.Context, fingerprint string) (*Record, error) {
	days := int(l.config.Retention/(24*time.Hour)) + 1
	now := l.now()

	var lastErr error = storage.ErrNotFound
	for i := 0; i < days; i++ {
		partition := l.partitionFor(now.AddDate(0, 0, -i))
		raw, err := l.store.Get(ctx, partition, fingerprint)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			lastErr = err
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		if rec.Partition == "" {
			rec.Partition = partition
		}
		return &rec, nil
	}
	return nil, lastErr
}

// save writes the record back to its partition. Failures are logged
// and swallowed (fail-open).
func (l *Ledger) save(ctx context.Context, rec *Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("dedup record marshal failed", "fingerprint", rec.Fingerprint, "error", err)
		return
	}
	if err := l.store.Put(ctx, rec.Partition, rec.Fingerprint, raw, l.config.Retention); err != nil {
		l.logger.Error("dedup record write failed", "fingerprint", rec.Fingerprint, "error", err)
	}
}

// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package respcache is a content-addressable cache of prior analysis
// results. Entries are keyed by a deterministic hash of the subject
// path and the normalized payload, so an identical change seen twice
// is answered from the cache instead of re-analyzed.
//
// The cache is a pure optimization: every failure path degrades to a
// miss or a dropped write, never to an error the caller has to
// handle.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quillreview/quill/services/review/storage"
	"github.com/quillreview/quill/services/review/telemetry"
)

const cachePartitionPrefix = "rcache:"

// Key addresses one cached analysis result. Subject and Path
// disambiguate identical payloads reviewed in different places; Hash
// covers the normalized payload bytes.
type Key struct {
	Subject string
	Path    string
	Hash    string
}

// NewKey builds the cache key for an analysis payload. The payload is
// normalized first (CRLF to LF, trailing whitespace trimmed per line)
// so cosmetic differences do not defeat the cache.
func NewKey(subject, path string, payload []byte) Key {
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(normalize(payload))
	return Key{
		Subject: subject,
		Path:    path,
		Hash:    hex.EncodeToString(h.Sum(nil)),
	}
}

// String returns the flat identity of the key, suitable for
// singleflight grouping and logging.
func (k Key) String() string {
	return k.Subject + "/" + k.Path + "@" + k.Hash
}

func (k Key) partition() string {
	return cachePartitionPrefix + k.Subject
}

// normalize converts CRLF line endings to LF and strips trailing
// spaces and tabs from each line.
func normalize(payload []byte) []byte {
	text := strings.ReplaceAll(string(payload), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return []byte(strings.Join(lines, "\n"))
}

// Entry is the stored form of one cached result.
type Entry struct {
	Key     string `json:"key"`
	Path    string `json:"path"`
	Payload []byte `json:"payload"`

	// Cost is the estimated analysis cost the cache avoids on each
	// hit. Observability only.
	Cost int `json:"cost,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// HitCount starts at 0 when the entry is stored, so its value is
	// the number of real cache hits.
	HitCount       int       `json:"hit_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Statistics is a point-in-time view of cache effectiveness.
type Statistics struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	ExpiredOnRead int64   `json:"expired_on_read"`
	Writes        int64   `json:"writes"`
	DroppedWrites int64   `json:"dropped_writes"`
	Efficiency    float64 `json:"efficiency"`
	AvoidedCost   int64   `json:"avoided_cost"`
}

// Cache is the response cache over a durable Store.
//
// Thread Safety: Safe for concurrent use. Counters are guarded by a
// mutex; storage concurrency is delegated to the store.
type Cache struct {
	store   storage.Store
	limiter *WriteLimiter
	logger  *slog.Logger
	group   singleflight.Group

	statsMu sync.Mutex
	stats   Statistics

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Cache. A nil limiter uses the process-wide shared
// limiter with the default write budget.
func New(store storage.Store, limiter *WriteLimiter, logger *slog.Logger) *Cache {
	if limiter == nil {
		limiter = SharedWriteLimiter(DefaultMaxWritesPerMinute)
	}
	return &Cache{
		store:   store,
		limiter: limiter,
		logger:  logger,
		now:     time.Now,
	}
}

// Get returns the cached payload for key, or ok=false on a miss. An
// entry past its expiry is a miss and is deleted opportunistically.
// Hits bump the entry's hit count and last-access time.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool) {
	raw, err := c.store.Get(ctx, key.partition(), key.Hash)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("cache read failed, treating as miss", "key", key.String(), "error", err)
		}
		c.count(func(s *Statistics) { s.Misses++ })
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("cache entry corrupt, treating as miss", "key", key.String(), "error", err)
		c.count(func(s *Statistics) { s.Misses++ })
		return nil, false
	}

	now := c.now()
	if !now.Before(entry.ExpiresAt) {
		if err := c.store.Delete(ctx, key.partition(), key.Hash); err != nil {
			c.logger.Warn("expired cache entry delete failed", "key", key.String(), "error", err)
		}
		c.count(func(s *Statistics) {
			s.Misses++
			s.ExpiredOnRead++
		})
		return nil, false
	}

	entry.HitCount++
	entry.LastAccessedAt = now
	c.writeBack(ctx, key, &entry)

	telemetry.CacheHits.Inc()
	c.count(func(s *Statistics) {
		s.Hits++
		s.AvoidedCost += int64(entry.Cost)
	})
	return entry.Payload, true
}

// Put stores payload under key for ttl. Writes beyond the shared
// rate limit, and writes that fail, are logged and dropped; Put never
// surfaces an error.
func (c *Cache) Put(ctx context.Context, key Key, payload []byte, cost int, ttl time.Duration) {
	if !c.limiter.Allow() {
		c.logger.Info("cache write rate limited, dropping", "key", key.String())
		c.count(func(s *Statistics) { s.DroppedWrites++ })
		return
	}

	now := c.now()
	entry := Entry{
		Key:       key.Hash,
		Path:      key.Path,
		Payload:   payload,
		Cost:      cost,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	raw, err := json.Marshal(&entry)
	if err != nil {
		c.logger.Warn("cache entry marshal failed, dropping", "key", key.String(), "error", err)
		c.count(func(s *Statistics) { s.DroppedWrites++ })
		return
	}
	if err := c.store.Put(ctx, key.partition(), key.Hash, raw, ttl); err != nil {
		c.logger.Warn("cache write failed, dropping", "key", key.String(), "error", err)
		c.count(func(s *Statistics) { s.DroppedWrites++ })
		return
	}
	c.count(func(s *Statistics) { s.Writes++ })
}

// GetOrCompute returns the cached payload for key, computing and
// caching it on a miss. Concurrent misses for the same key are
// coalesced into one compute call.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, ttl time.Duration, compute func(context.Context) ([]byte, int, error)) ([]byte, error) {
	if payload, ok := c.Get(ctx, key); ok {
		return payload, nil
	}

	result, err, _ := c.group.Do(key.String(), func() (any, error) {
		payload, cost, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, key, payload, cost, ttl)
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Invalidate deletes all entries for a subject, optionally narrowed
// to a single path. Returns the number of entries removed.
func (c *Cache) Invalidate(ctx context.Context, subject, path string) (int, error) {
	partition := cachePartitionPrefix + subject
	rows, err := c.store.QueryPartition(ctx, partition)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, row := range rows {
		if path != "" {
			var entry Entry
			if err := json.Unmarshal(row.Value, &entry); err != nil || entry.Path != path {
				continue
			}
		}
		if err := c.store.Delete(ctx, partition, row.Key); err != nil {
			c.logger.Warn("cache invalidate delete failed", "subject", subject, "key", row.Key, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Statistics returns cumulative hit/miss counters and derived
// efficiency. Observability only.
func (c *Cache) Statistics() Statistics {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	out := c.stats
	if total := out.Hits + out.Misses; total > 0 {
		out.Efficiency = float64(out.Hits) / float64(total)
	}
	return out
}

// writeBack persists hit bookkeeping. Best effort, not rate limited:
// it refreshes an existing row rather than adding cache pressure.
func (c *Cache) writeBack(ctx context.Context, key Key, entry *Entry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("cache hit bookkeeping marshal failed", "key", key.String(), "error", err)
		return
	}
	ttl := entry.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	if err := c.store.Put(ctx, key.partition(), key.Hash, raw, ttl); err != nil {
		c.logger.Warn("cache hit bookkeeping write failed", "key", key.String(), "error", err)
	}
}

func (c *Cache) count(fn func(*Statistics)) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	before := c.stats.Misses
	fn(&c.stats)
	if c.stats.Misses > before {
		telemetry.CacheMisses.Inc()
	}
}

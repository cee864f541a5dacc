// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs.
// TTL is enforced on read: expired rows are treated as missing and
// removed opportunistically.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]memRow

	// now is swappable for expiry tests.
	now func() time.Time
}

type memRow struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]memRow),
		now:  time.Now,
	}
}

// SetClock replaces the store's time source. Tests only.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) key(partition, key string) string {
	return partition + keySeparator + key
}

// Get returns the value for (partition, key), or ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, partition, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := s.key(partition, key)

	s.mu.RLock()
	row, ok := s.rows[k]
	now := s.now()
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if !row.expiresAt.IsZero() && !now.Before(row.expiresAt) {
		s.mu.Lock()
		delete(s.rows, k)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	value := make([]byte, len(row.value))
	copy(value, row.value)
	return value, nil
}

// Put upserts (partition, key) with the given TTL.
func (s *MemoryStore) Put(ctx context.Context, partition, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	row := memRow{value: stored}
	if ttl > 0 {
		row.expiresAt = s.now().Add(ttl)
	}
	s.rows[s.key(partition, key)] = row
	return nil
}

// Delete removes (partition, key). Missing rows are not an error.
func (s *MemoryStore) Delete(ctx context.Context, partition, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, s.key(partition, key))
	return nil
}

// QueryPartition returns all live rows in a partition.
func (s *MemoryStore) QueryPartition(ctx context.Context, partition string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := partition + keySeparator

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var rows []Row
	for k, row := range s.rows {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		if !row.expiresAt.IsZero() && !now.Before(row.expiresAt) {
			continue
		}
		value := make([]byte, len(row.value))
		copy(value, row.value)
		rows = append(rows, Row{
			Partition: partition,
			Key:       k[len(prefix):],
			Value:     value,
		})
	}
	return rows, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

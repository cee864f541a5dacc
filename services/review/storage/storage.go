// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage provides the partition/row keyed durable KV store
// backing the deduplication ledger and the response cache.
//
// Retention is the store's responsibility: writers pass a TTL and the
// store enforces expiry. Two backends are provided, an embedded
// BadgerDB store for single-node deployments and an in-memory store
// for tests.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no row exists for the given keys, or
// the row has expired.
var ErrNotFound = errors.New("storage: row not found")

// Row is one stored record, returned by partition queries.
type Row struct {
	Partition string
	Key       string
	Value     []byte
}

// Store is the durable KV contract: get/put/delete plus query by
// partition, with store-enforced TTL.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for (partition, key), or ErrNotFound.
	Get(ctx context.Context, partition, key string) ([]byte, error)

	// Put upserts (partition, key) with the given TTL. A ttl of zero
	// stores without expiry.
	Put(ctx context.Context, partition, key string, value []byte, ttl time.Duration) error

	// Delete removes (partition, key). Deleting a missing row is not
	// an error.
	Delete(ctx context.Context, partition, key string) error

	// QueryPartition returns all live rows in a partition.
	QueryPartition(ctx context.Context, partition string) ([]Row, error)

	// Close releases backend resources.
	Close() error
}

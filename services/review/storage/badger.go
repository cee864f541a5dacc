// Copyright (C) 2026 Quill Review (oss@quillreview.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// keySeparator joins partition and row key. NUL cannot appear in
// either component.
const keySeparator = "\x00"

// BadgerConfig configures the embedded BadgerDB store.
type BadgerConfig struct {
	// Path is the directory for database files. Required unless
	// InMemory is set.
	Path string

	// InMemory disables disk persistence. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. When nil,
	// internal logging is disabled.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults: durable writes at
// the given path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// BadgerStore is a Store backed by embedded BadgerDB. TTL enforcement
// is native: expired rows stop being returned and are reclaimed by
// Badger's value log GC.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// badgerLogger adapts slog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadger opens a BadgerStore with the given configuration,
// creating the directory if needed.
//
// Inputs:
//   - cfg: Store configuration. Path is required unless InMemory.
//
// Outputs:
//   - *BadgerStore: The opened store. Caller must Close() it.
//   - error: Non-nil if the path is invalid or the DB cannot open.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db, logger: cfg.Logger}, nil
}

// Get returns the value for (partition, key), or ErrNotFound. Expired
// rows are reported as not found by Badger itself.
func (s *BadgerStore) Get(ctx context.Context, partition, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(composeKey(partition, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return value, nil
}

// Put upserts (partition, key) with the given TTL.
func (s *BadgerStore) Put(ctx context.Context, partition, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(composeKey(partition, key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Delete removes (partition, key). Missing rows are not an error.
func (s *BadgerStore) Delete(ctx context.Context, partition, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(composeKey(partition, key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// QueryPartition returns all live rows whose keys share the partition
// prefix.
func (s *BadgerStore) QueryPartition(ctx context.Context, partition string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := []byte(partition + keySeparator)
	var rows []Row

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rowKey := bytes.TrimPrefix(item.KeyCopy(nil), prefix)
			rows = append(rows, Row{
				Partition: partition,
				Key:       string(rowKey),
				Value:     value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger query partition: %w", err)
	}
	return rows, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// composeKey joins partition and row key with the NUL separator.
func composeKey(partition, key string) []byte {
	return []byte(partition + keySeparator + key)
}

var _ Store = (*BadgerStore)(nil)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kv is a managed embedded-KV-store wrapper over Badger, used by
// the turnlog package as its persistence primitive. It is grounded on the
// teacher's storage/badger conventions — the managed DB wrapper shape
// (Config/OpenDB/WithTxn/WithReadTxn/GCRunner) mirrors
// services/trace/storage/badger's inferred contract (only its test file
// survived distillation; this wrapper reconstructs the behavior that test
// exercises), and the context-aware transaction helpers and GC runner
// follow services/trace/agent/mcts/crs/journal.go's BadgerJournal, which
// wraps the same kind of managed DB.
package kv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/aleutian-ai/turnengine/pkg/logging"
)

// Config configures a Badger-backed store.
type Config struct {
	InMemory          bool
	Path              string
	SyncWrites        bool
	NumVersionsToKeep int
	GCInterval        time.Duration
	GCDiscardRatio    float64
}

// DefaultConfig returns durable, on-disk defaults.
func DefaultConfig() Config {
	return Config{
		InMemory:          false,
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig returns defaults suited to tests and short-lived runs:
// no fsync, no path, and GC disabled since an in-memory instance never
// accumulates reclaimable value-log garbage worth the background cost.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: 0,
	}
}

// Open opens a *badger.DB per cfg, validating that persistent mode names a
// path.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("kv: path is required for persistent mode")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.InMemory = cfg.InMemory
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil // the teacher routes Badger's own logging through slog instead of its default stderr logger
	if cfg.NumVersionsToKeep > 0 {
		opts.NumVersionsToKeep = cfg.NumVersionsToKeep
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kv: open badger: %w", err)
	}
	return db, nil
}

// OpenInMemory opens a throwaway in-memory database.
func OpenInMemory() (*badger.DB, error) {
	return Open(InMemoryConfig())
}

// OpenWithPath opens a persistent database rooted at dir.
func OpenWithPath(dir string) (*badger.DB, error) {
	cfg := DefaultConfig()
	cfg.Path = dir
	return Open(cfg)
}

// DB is a managed wrapper around *badger.DB adding context-aware
// transaction helpers and an optional background GC runner, matching the
// shape journal.go expects of its own db field.
type DB struct {
	raw *badger.DB
	gc  *GCRunner
}

// OpenDB opens a managed DB and, if cfg.GCInterval is positive, starts a
// background GC runner.
func OpenDB(cfg Config) (*DB, error) {
	raw, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	d := &DB{raw: raw}
	if cfg.GCInterval > 0 {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 {
			ratio = 0.5
		}
		runner, err := NewGCRunner(raw, cfg.GCInterval, ratio, logging.Default())
		if err != nil {
			raw.Close()
			return nil, err
		}
		runner.Start()
		d.gc = runner
	}
	return d, nil
}

// WithTxn runs fn in a read-write transaction, aborting before it starts if
// ctx is already cancelled.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("kv: context cancelled: %w", ctx.Err())
	default:
	}
	return d.raw.Update(fn)
}

// WithReadTxn runs fn in a read-only transaction, aborting before it starts
// if ctx is already cancelled.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("kv: context cancelled: %w", ctx.Err())
	default:
	}
	return d.raw.View(fn)
}

// Close stops the GC runner, if any, and closes the underlying database.
func (d *DB) Close() error {
	if d.gc != nil {
		d.gc.Stop()
	}
	return d.raw.Close()
}

// GCRunner periodically invokes Badger's value-log garbage collection.
type GCRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	log      *logging.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewGCRunner validates its arguments and builds a (not yet started)
// GCRunner.
func NewGCRunner(db *badger.DB, interval time.Duration, ratio float64, log *logging.Logger) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("kv: db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("kv: interval must be positive")
	}
	if ratio <= 0 || ratio > 1 {
		return nil, errors.New("kv: ratio must be between 0 and 1")
	}
	if log == nil {
		log = logging.Default()
	}
	return &GCRunner{db: db, interval: interval, ratio: ratio, log: log, stop: make(chan struct{})}, nil
}

// Start launches the background GC loop. Safe to call once.
func (g *GCRunner) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				for {
					if err := g.db.RunValueLogGC(g.ratio); err != nil {
						if !errors.Is(err, badger.ErrNoRewrite) {
							g.log.Warn("value log gc failed", "error", err)
						}
						break
					}
				}
			}
		}
	}()
}

// Stop halts the background GC loop and waits for it to exit. Safe to call
// multiple times.
func (g *GCRunner) Stop() {
	g.once.Do(func() { close(g.stop) })
	g.wg.Wait()
}

// TempDir creates a fresh temp directory for a persistent store, used by
// tests that exercise OpenWithPath.
func TempDir(prefix string) (string, error) {
	return os.MkdirTemp("", prefix+randSuffix())
}

// CleanupDir removes a directory created by TempDir. An empty path is a
// no-op, matching callers that skip cleanup when TempDir itself failed.
func CleanupDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

func randSuffix() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

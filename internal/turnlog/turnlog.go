// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package turnlog provides the turn log persistence collaborator named in
// §6 ("turn logs may be emitted as one structured record per completed turn
// for offline inspection") and §11 ("an embedded Badger-backed append log,
// keyed by turn number"). Entry encoding (CRC32-checked, zero-padded
// decimal keys for lexicographic turn-number ordering) is grounded on
// services/trace/agent/mcts/crs/journal.go's BadgerJournal
// encodeEntry/decodeEntry/deltaKey; the underlying store is this module's
// own kv package.
package turnlog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/dgraph-io/badger/v4"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aleutian-ai/turnengine/internal/turn"
	"github.com/aleutian-ai/turnengine/internal/turnlog/kv"
)

var tracer = otel.Tracer("turnlog")

// Config is re-exported so callers need only import turnlog.
type Config = kv.Config

// DefaultConfig and InMemoryConfig are re-exported from kv.
var (
	DefaultConfig  = kv.DefaultConfig
	InMemoryConfig = kv.InMemoryConfig
)

// TempDir and CleanupDir are re-exported for callers that stand up a
// persistent Log in tests.
var (
	TempDir    = kv.TempDir
	CleanupDir = kv.CleanupDir
)

// ErrNotFound is returned by Get when no record exists for a turn number.
var ErrNotFound = errors.New("turnlog: record not found")

// ErrCorrupted is returned when a stored record fails its checksum,
// mirroring journal.go's ErrJournalCorrupted for the same entry-encoding
// scheme (CRC32 prefix over the marshaled payload).
var ErrCorrupted = errors.New("turnlog: record checksum mismatch")

const keyPrefix = "turn:"

// TurnMetrics is the per-turn metrics snapshot appended to the turn log
// alongside each completed or failed turn, adapted from the teacher's
// SessionMetrics/GraphStats pattern (agent/types.go) per SPEC_FULL.md's
// domain-stack supplement.
type TurnMetrics struct {
	PromptTokens     int
	ThinkingTokens   int
	OutputTokens     int
	ToolCallsIssued  int
	RetriesPerformed int
	WallClock        time.Duration
}

// TotalTokens sums every token category recorded for the turn.
func (m TurnMetrics) TotalTokens() int {
	return m.PromptTokens + m.ThinkingTokens + m.OutputTokens
}

// Record is one structured, offline-inspectable record of a completed or
// failed turn (§6's "turn logs may be emitted as one structured record per
// completed turn").
type Record struct {
	TurnNumber   int
	Phase        string // terminal phase name: "COMPLETED" or "FAILED"
	UserMessage  string
	AgentMessage string
	ToolResults  []turn.ToolResult
	Error        *turn.ErrorInfo
	Metrics      TurnMetrics
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Log is an embedded Badger-backed append log of Records, keyed by turn
// number, per SPEC_FULL.md §11's domain-stack entry for
// github.com/dgraph-io/badger/v4.
type Log struct {
	db *kv.DB
}

// Open opens (or creates) the Badger-backed store at cfg and returns a Log
// over it.
func Open(cfg Config) (*Log, error) {
	db, err := kv.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Log{db: db}, nil
}

// Close closes the underlying store.
func (l *Log) Close() error { return l.db.Close() }

func turnKey(turnNumber int) []byte {
	// Zero-padded decimal keeps keys lexicographically sortable by turn
	// number, the same convention journal.go's deltaKey uses for sequence
	// numbers.
	return []byte(fmt.Sprintf("%s%016d", keyPrefix, turnNumber))
}

func encodeRecord(rec Record) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("turnlog: marshal record: %w", err)
	}
	crc := crc32.ChecksumIEEE(payload)
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], crc)
	copy(out[4:], payload)
	return out, nil
}

func decodeRecord(data []byte) (Record, error) {
	if len(data) < 5 {
		return Record{}, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	storedCRC := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if crc32.ChecksumIEEE(payload) != storedCRC {
		return Record{}, ErrCorrupted
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fmt.Errorf("turnlog: unmarshal record: %w", err)
	}
	return rec, nil
}

// Append writes rec, keyed by its TurnNumber. Per §5's strict monotonic
// turn-number ordering, callers append in increasing TurnNumber order;
// Append itself does not enforce this — it is a pure keyed write — but a
// re-append of an already-written turn number overwrites the prior record,
// which a correct caller never does.
func (l *Log) Append(ctx context.Context, rec Record) error {
	ctx, span := tracer.Start(ctx, "turnlog.Append", trace.WithAttributes(
		attribute.Int("turnlog.turn_number", rec.TurnNumber),
		attribute.String("turnlog.phase", rec.Phase),
	))
	defer span.End()

	data, err := encodeRecord(rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err = l.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(turnKey(rec.TurnNumber), data)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("turnlog: append turn %d: %w", rec.TurnNumber, err)
	}
	return nil
}

// Get reads back the record for turnNumber.
func (l *Log) Get(ctx context.Context, turnNumber int) (Record, error) {
	ctx, span := tracer.Start(ctx, "turnlog.Get", trace.WithAttributes(
		attribute.Int("turnlog.turn_number", turnNumber),
	))
	defer span.End()

	var rec Record
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(turnKey(turnNumber))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, decErr := decodeRecord(val)
			if decErr != nil {
				return decErr
			}
			rec = decoded
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return Record{}, err
	}
	return rec, nil
}

// Range returns every record with TurnNumber in [fromInclusive, toInclusive],
// in ascending turn-number order, used for offline inspection tooling and
// by the replay CLI subcommand.
func (l *Log) Range(ctx context.Context, fromInclusive, toInclusive int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "turnlog.Range", trace.WithAttributes(
		attribute.Int("turnlog.from", fromInclusive),
		attribute.Int("turnlog.to", toInclusive),
	))
	defer span.End()

	var records []Record
	err := l.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		start := turnKey(fromInclusive)
		for it.Seek(start); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			var rec Record
			err := item.Value(func(val []byte) error {
				decoded, decErr := decodeRecord(val)
				if decErr != nil {
					return decErr
				}
				rec = decoded
				return nil
			})
			if err != nil {
				return err
			}
			if rec.TurnNumber > toInclusive {
				break
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return records, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncmgr

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	dgbadger "github.com/dgraph-io/badger/v4"
)

const (
	walPrefix    = "wal:"
	metaSeqKey   = "walmeta:seq"
	metaFloorKey = "walmeta:floor"

	compactChunk = 512
)

var (
	// ErrWalReplayFailure is returned when the log cannot be reconstructed:
	// a CRC mismatch, an undecodable entry or a sequence gap.
	ErrWalReplayFailure = errors.New("wal replay failure")

	// ErrWalCorrupted marks the entry level cause of a replay failure.
	ErrWalCorrupted = errors.New("wal entry corrupted (CRC mismatch)")

	// ErrWalClosed is returned by operations on a closed log.
	ErrWalClosed = errors.New("wal is closed")
)

// Op is the kind of change a record carries.
type Op uint8

const (
	OpUpsert Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpUpsert:
		return "upsert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Record is one write-ahead log entry.
type Record struct {
	Seq       uint64
	Op        Op
	Namespace string
	EntityID  string
	Content   []byte
	Digest    store.Digest
	Payload   map[string]string
	SessionID string

	CommittedStructured bool
	CommittedVector     bool
	// Abandoned records exceeded the attempt budget. The background retry
	// loop leaves them alone; they stay in the log until a manual Replay,
	// Retry or a restart applies them.
	Abandoned bool

	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Complete reports whether the record reached both stores. Only complete
// records may be compacted.
func (r *Record) Complete() bool {
	return r.CommittedStructured && r.CommittedVector
}

// WAL is the badger-backed write-ahead log.
//
// Description:
//
//	Entries live under "wal:{seq:016d}" as [4-byte CRC32][gob record].
//	The highest assigned sequence and the compaction floor are kept in
//	meta keys written in the same transaction as the entries, so the
//	retained entries always form the contiguous range floor+1..seq.
//
// Thread Safety: Safe for concurrent use. Appends are serialized.
type WAL struct {
	db     *badgerstore.DB
	logger *slog.Logger

	mu        sync.Mutex
	compactMu sync.Mutex
	seq       atomic.Uint64
	floor     atomic.Uint64
	closed    atomic.Bool
}

// OpenWAL loads the log meta state from db.
func OpenWAL(ctx context.Context, db *badgerstore.DB, logger *slog.Logger) (*WAL, error) {
	if db == nil {
		return nil, errors.New("wal requires a badger database")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &WAL{db: db, logger: logger.With(slog.String("component", "wal"))}

	seq, err := w.readMeta(ctx, metaSeqKey)
	if err != nil {
		return nil, fmt.Errorf("read wal sequence: %w", err)
	}
	floor, err := w.readMeta(ctx, metaFloorKey)
	if err != nil {
		return nil, fmt.Errorf("read wal floor: %w", err)
	}
	w.seq.Store(seq)
	w.floor.Store(floor)
	return w, nil
}

func (w *WAL) readMeta(ctx context.Context, key string) (uint64, error) {
	raw, err := w.db.Get(ctx, []byte(key))
	if errors.Is(err, badgerstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: meta key %s has %d bytes", ErrWalReplayFailure, key, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func walKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", walPrefix, seq))
}

// LastSeq returns the highest assigned sequence number.
func (w *WAL) LastSeq() uint64 {
	return w.seq.Load()
}

// Floor returns the highest compacted sequence number.
func (w *WAL) Floor() uint64 {
	return w.floor.Load()
}

func encodeRecord(r *Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], crc32.ChecksumIEEE(buf.Bytes()))
	copy(out[4:], buf.Bytes())
	return out, nil
}

func decodeRecord(data []byte) (*Record, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: entry too short", ErrWalCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	computed := crc32.ChecksumIEEE(data[4:])
	if stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrWalCorrupted, stored, computed)
	}
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(data[4:])).Decode(&r); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &r, nil
}

// Append assigns the next sequence numbers to recs and writes them in one
// transaction. On error no sequence number is consumed.
func (w *WAL) Append(ctx context.Context, recs ...*Record) error {
	if w.closed.Load() {
		return ErrWalClosed
	}
	if len(recs) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	next := w.seq.Load()
	err := w.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for i, r := range recs {
			r.Seq = next + uint64(i) + 1
			data, err := encodeRecord(r)
			if err != nil {
				return err
			}
			if err := txn.Set(walKey(r.Seq), data); err != nil {
				return err
			}
		}
		return txn.Set([]byte(metaSeqKey), u64(next+uint64(len(recs))))
	})
	if err != nil {
		for _, r := range recs {
			r.Seq = 0
		}
		return fmt.Errorf("append wal: %w", err)
	}
	w.seq.Store(next + uint64(len(recs)))
	return nil
}

// Save rewrites an existing record, typically after a completion flag
// changed.
func (w *WAL) Save(ctx context.Context, r *Record) error {
	if w.closed.Load() {
		return ErrWalClosed
	}
	data, err := encodeRecord(r)
	if err != nil {
		return err
	}
	return w.db.Put(ctx, walKey(r.Seq), data)
}

// Get loads the record with sequence seq.
func (w *WAL) Get(ctx context.Context, seq uint64) (*Record, error) {
	raw, err := w.db.Get(ctx, walKey(seq))
	if err != nil {
		return nil, err
	}
	r, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: seq %d: %w", ErrWalReplayFailure, seq, err)
	}
	return r, nil
}

// Scan visits every retained record in sequence order.
//
// Description:
//
//	Verifies the invariant that retained entries are exactly
//	floor+1..LastSeq. A missing entry, a CRC mismatch or an undecodable
//	entry fails with ErrWalReplayFailure; the log is never silently
//	skipped over.
func (w *WAL) Scan(ctx context.Context, fn func(r *Record) error) error {
	expected := w.floor.Load() + 1
	last := w.seq.Load()
	prefix := []byte(walPrefix)

	err := w.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(walKey(expected)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var seq uint64
			if _, err := fmt.Sscanf(string(item.Key()[len(prefix):]), "%016d", &seq); err != nil {
				return fmt.Errorf("%w: malformed key %q", ErrWalReplayFailure, item.Key())
			}
			if seq != expected {
				return fmt.Errorf("%w: sequence gap, expected %d, got %d", ErrWalReplayFailure, expected, seq)
			}
			var rec *Record
			if err := item.Value(func(val []byte) error {
				r, err := decodeRecord(val)
				rec = r
				return err
			}); err != nil {
				return fmt.Errorf("%w: seq %d: %w", ErrWalReplayFailure, seq, err)
			}
			if rec.Seq != seq {
				return fmt.Errorf("%w: key %d holds record %d", ErrWalReplayFailure, seq, rec.Seq)
			}
			if err := fn(rec); err != nil {
				return err
			}
			expected++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if expected != last+1 {
		return fmt.Errorf("%w: log ends at %d, sequence is %d", ErrWalReplayFailure, expected-1, last)
	}
	return nil
}

// Compact deletes the leading run of complete records and advances the
// floor past them. It stops at the first incomplete record and returns the
// number of records removed.
func (w *WAL) Compact(ctx context.Context) (int, error) {
	w.compactMu.Lock()
	defer w.compactMu.Unlock()
	removed := 0
	for {
		n, more, err := w.compactChunk(ctx)
		removed += n
		if err != nil || !more {
			return removed, err
		}
	}
}

func (w *WAL) compactChunk(ctx context.Context) (int, bool, error) {
	floor := w.floor.Load()
	last := w.seq.Load()
	if floor >= last {
		return 0, false, nil
	}

	var doomed []uint64
	more := false
	err := w.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		for seq := floor + 1; seq <= last; seq++ {
			item, err := txn.Get(walKey(seq))
			if err != nil {
				return fmt.Errorf("%w: seq %d: %w", ErrWalReplayFailure, seq, err)
			}
			var complete bool
			if err := item.Value(func(val []byte) error {
				r, err := decodeRecord(val)
				if err != nil {
					return err
				}
				complete = r.Complete()
				return nil
			}); err != nil {
				return fmt.Errorf("%w: seq %d: %w", ErrWalReplayFailure, seq, err)
			}
			if !complete {
				return nil
			}
			doomed = append(doomed, seq)
			if len(doomed) == compactChunk {
				more = seq < last
				return nil
			}
		}
		return nil
	})
	if err != nil || len(doomed) == 0 {
		return 0, false, err
	}

	newFloor := doomed[len(doomed)-1]
	err = w.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		for _, seq := range doomed {
			if err := txn.Delete(walKey(seq)); err != nil {
				return err
			}
		}
		return txn.Set([]byte(metaFloorKey), u64(newFloor))
	})
	if err != nil {
		return 0, false, fmt.Errorf("compact wal: %w", err)
	}
	w.floor.Store(newFloor)
	w.logger.Debug("wal compacted",
		slog.Int("removed", len(doomed)),
		slog.Uint64("floor", newFloor))
	return len(doomed), more, nil
}

// Close marks the log closed. The database is owned by the caller.
func (w *WAL) Close() error {
	w.closed.Store(true)
	return nil
}

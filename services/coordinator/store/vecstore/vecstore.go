// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vecstore implements store.VectorStore on SQLite with the
// sqlite-vec extension. It backs the Embedded deployment mode, where the
// coordinator runs without a Weaviate server.
package vecstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

const schema = `
CREATE TABLE IF NOT EXISTS cortex_vectors (
	namespace TEXT NOT NULL,
	id TEXT NOT NULL,
	digest TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	embedding BLOB NOT NULL,
	PRIMARY KEY (namespace, id)
);`

// Store is a sqlite-vec backed store.VectorStore.
//
// Thread Safety: Safe for concurrent use; SQLite serializes writers.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the vector database at path. ":memory:" gives a
// private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	db.SetMaxOpenConns(1)

	var version string
	if err := db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec not available: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create vector schema: %w", err)
	}
	return &Store{db: db}, nil
}

func decodeVector(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, extra ...any) (store.VectorRecord, error) {
	var (
		rec     store.VectorRecord
		digest  string
		seq     int64
		payload string
		blob    []byte
	)
	dest := append([]any{&rec.Namespace, &rec.ID, &digest, &seq, &payload, &blob}, extra...)
	if err := row.Scan(dest...); err != nil {
		return rec, err
	}
	d, err := store.ParseDigest(digest)
	if err != nil {
		return rec, err
	}
	rec.Digest = d
	rec.Sequence = uint64(seq)
	rec.Vector = decodeVector(blob)
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
			return rec, fmt.Errorf("decode payload: %w", err)
		}
	}
	return rec, nil
}

const recordColumns = "namespace, id, digest, sequence, payload, embedding"

// Upsert implements store.VectorStore.
func (s *Store) Upsert(ctx context.Context, records []store.VectorRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO cortex_vectors (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET
			digest = excluded.digest, sequence = excluded.sequence,
			payload = excluded.payload, embedding = excluded.embedding
		WHERE excluded.sequence = 0 OR cortex_vectors.sequence < excluded.sequence`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		blob, err := sqlite_vec.SerializeFloat32(r.Vector)
		if err != nil {
			return fmt.Errorf("serialize %s: %w", r.ID, err)
		}
		payload := "{}"
		if len(r.Payload) > 0 {
			raw, err := json.Marshal(r.Payload)
			if err != nil {
				return err
			}
			payload = string(raw)
		}
		if _, err := stmt.ExecContext(ctx, r.Namespace, r.ID, r.Digest.String(), int64(r.Sequence), payload, blob); err != nil {
			return fmt.Errorf("upsert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Delete implements store.VectorStore.
func (s *Store) Delete(ctx context.Context, ns string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{ns}
	for _, id := range ids {
		args = append(args, id)
	}
	q := "DELETE FROM cortex_vectors WHERE namespace = ? AND id IN (" + placeholders(len(ids)) + ")"
	_, err := s.db.ExecContext(ctx, q, args...)
	return err
}

// Get implements store.VectorStore.
func (s *Store) Get(ctx context.Context, ns string, ids []string) ([]store.VectorRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{ns}
	for _, id := range ids {
		args = append(args, id)
	}
	q := "SELECT " + recordColumns + " FROM cortex_vectors WHERE namespace = ? AND id IN (" + placeholders(len(ids)) + ") ORDER BY id"
	return s.query(ctx, q, args...)
}

// Scan implements store.VectorStore. The cursor is the last id returned.
func (s *Store) Scan(ctx context.Context, ns, cursor string, limit int) ([]store.VectorRecord, string, error) {
	if limit <= 0 {
		limit = 100
	}
	recs, err := s.query(ctx,
		"SELECT "+recordColumns+" FROM cortex_vectors WHERE namespace = ? AND id > ? ORDER BY id LIMIT ?",
		ns, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	next := ""
	if len(recs) == limit {
		next = recs[len(recs)-1].ID
	}
	return recs, next, nil
}

// Search implements store.VectorStore using vec_distance_cosine.
func (s *Store) Search(ctx context.Context, ns string, vector []float32, k int, filter map[string]string) ([]store.SearchHit, error) {
	if k <= 0 {
		return nil, nil
	}
	blob, err := sqlite_vec.SerializeFloat32(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recordColumns+", vec_distance_cosine(embedding, ?) AS distance FROM cortex_vectors WHERE namespace = ? ORDER BY distance ASC",
		blob, ns)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ns, err)
	}
	defer rows.Close()

	var hits []store.SearchHit
	for rows.Next() && len(hits) < k {
		var distance float64
		rec, err := scanRecord(rows, &distance)
		if err != nil {
			return nil, err
		}
		if !store.MatchPayload(rec.Payload, filter) {
			continue
		}
		hits = append(hits, store.SearchHit{Record: rec, Score: float32(1 - distance)})
	}
	return hits, rows.Err()
}

// Count implements store.VectorStore.
func (s *Store) Count(ctx context.Context, ns string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cortex_vectors WHERE namespace = ?", ns).Scan(&n)
	return n, err
}

// Close implements store.VectorStore.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]store.VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.VectorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

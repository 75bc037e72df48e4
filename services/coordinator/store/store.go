// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the contracts of the two backing stores the
// coordinator keeps consistent, plus in-memory implementations.
//
// The structured store is the source of truth. It holds entities keyed by
// (namespace, id) together with a per-entity version history so sessions
// can read main as of the moment they opened. The vector store mirrors the
// committed main namespace for similarity search; every vector record
// carries the digest of the content it was derived from so the consistency
// checker can compare the two without re-embedding.
//
// Concrete backends live in sub-packages: sqlstore (postgres and sqlite),
// weaviatestore and vecstore (sqlite-vec).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MainNamespace is the shared, committed namespace.
const MainNamespace = "main"

var (
	// ErrNotFound is returned when an entity or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConnClosed is returned by operations on a closed handle.
	ErrConnClosed = errors.New("store connection is closed")

	// ErrUnsupportedDriver is returned by a Dialer for an unknown driver.
	ErrUnsupportedDriver = errors.New("unsupported store driver")
)

// -----------------------------------------------------------------------------
// Structured store
// -----------------------------------------------------------------------------

// Entity is one versioned unit of content.
type Entity struct {
	Namespace string    `json:"namespace"`
	ID        string    `json:"id"`
	Content   []byte    `json:"content,omitempty"`
	Digest    Digest    `json:"digest"`
	Sequence  uint64    `json:"sequence"`
	Version   uint64    `json:"version"`
	Deleted   bool      `json:"deleted,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Content != nil {
		c.Content = append([]byte(nil), e.Content...)
	}
	return &c
}

// StructuredConn is one live handle to the structured store. Handles are
// owned by the connection pool and lent to one caller at a time.
type StructuredConn interface {
	// Get returns the current row for (ns, id), tombstones included.
	Get(ctx context.Context, ns, id string) (*Entity, error)

	// GetAsOf returns the newest committed version of (ns, id) whose
	// Sequence is <= seq.
	GetAsOf(ctx context.Context, ns, id string, seq uint64) (*Entity, error)

	// Put writes e. When e.Sequence > 0 the write is conditional: it is
	// skipped (applied=false) if the stored row already carries an equal
	// or higher sequence, and the version is appended to the history.
	// Sequence 0 writes are unconditional and unversioned (session copies).
	Put(ctx context.Context, e *Entity) (applied bool, err error)

	// Delete removes the row for (ns, id) outright.
	Delete(ctx context.Context, ns, id string) error

	// List returns up to limit rows of ns with id > afterID in id order.
	List(ctx context.Context, ns, afterID string, limit int) ([]*Entity, error)

	// CreateNamespace registers ns. Creating an existing namespace is a no-op.
	CreateNamespace(ctx context.Context, ns string) error

	// DropNamespace removes ns with all rows and history.
	DropNamespace(ctx context.Context, ns string) error

	// Ping verifies the handle is usable.
	Ping(ctx context.Context) error

	// Close releases the handle.
	Close() error
}

// Endpoint addresses one structured store instance.
type Endpoint struct {
	// Name labels the endpoint in metrics and logs.
	Name string `yaml:"name" validate:"required"`

	// Driver is "memory", "sqlite3" or "postgres".
	Driver string `yaml:"driver" validate:"required,oneof=memory sqlite3 postgres"`

	// DSN is the driver specific address.
	DSN string `yaml:"dsn"`

	// Weight biases random load balancing. Zero counts as one.
	Weight int `yaml:"weight" validate:"gte=0"`
}

// Auth carries credentials for the duration of one Dial.
type Auth struct {
	Username string
	Password []byte
}

// Dialer opens new handles.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint, auth Auth) (StructuredConn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint, auth Auth) (StructuredConn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, ep Endpoint, auth Auth) (StructuredConn, error) {
	return f(ctx, ep, auth)
}

// DriverDialers routes Dial to the Dialer registered for the endpoint's
// driver.
type DriverDialers map[string]Dialer

// Dial implements Dialer.
func (d DriverDialers) Dial(ctx context.Context, ep Endpoint, auth Auth) (StructuredConn, error) {
	dialer, ok := d[ep.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, ep.Driver)
	}
	return dialer.Dial(ctx, ep, auth)
}

// Executor lends a StructuredConn for the duration of fn. The connection
// pool implements it; ConnExecutor wraps a single handle.
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context, conn StructuredConn) error) error
}

// ConnExecutor runs every call on one shared handle.
type ConnExecutor struct {
	Conn StructuredConn
}

// Execute implements Executor.
func (c ConnExecutor) Execute(ctx context.Context, fn func(ctx context.Context, conn StructuredConn) error) error {
	return fn(ctx, c.Conn)
}

// -----------------------------------------------------------------------------
// Vector store
// -----------------------------------------------------------------------------

// VectorRecord is the vector representation of one main entity.
type VectorRecord struct {
	Namespace string            `json:"namespace"`
	ID        string            `json:"id"`
	Vector    []float32         `json:"vector,omitempty"`
	Digest    Digest            `json:"digest"`
	Sequence  uint64            `json:"sequence"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// SearchHit is one similarity search result.
type SearchHit struct {
	Record VectorRecord
	Score  float32
}

// VectorStore is the similarity index mirrored from the structured store.
type VectorStore interface {
	// Upsert writes records. A record whose Sequence is non-zero and not
	// greater than the stored one is ignored, so replays are no-ops.
	Upsert(ctx context.Context, records []VectorRecord) error

	// Delete removes ids from ns. Missing ids are ignored.
	Delete(ctx context.Context, ns string, ids []string) error

	// Get returns the records that exist among ids.
	Get(ctx context.Context, ns string, ids []string) ([]VectorRecord, error)

	// Scan pages through ns. An empty next cursor means the scan is done.
	Scan(ctx context.Context, ns, cursor string, limit int) (records []VectorRecord, next string, err error)

	// Search returns the k nearest records whose payload matches filter.
	Search(ctx context.Context, ns string, vector []float32, k int, filter map[string]string) ([]SearchHit, error)

	// Count returns the number of records in ns.
	Count(ctx context.Context, ns string) (int, error)

	// Close releases backend resources.
	Close() error
}

// Embedder derives the vector representation of entity content. The
// embedding model itself is external; the coordinator only needs it to be
// deterministic for identical content.
type Embedder interface {
	Embed(ctx context.Context, content []byte) ([]float32, error)
	Dimension() int
}

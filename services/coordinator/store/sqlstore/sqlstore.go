// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlstore implements the structured store over database/sql.
//
// Two drivers are supported: postgres (github.com/lib/pq) for the Remote
// deployment mode and sqlite3 (github.com/mattn/go-sqlite3) for the
// Embedded mode. Both share one schema and one set of statements; the
// dialect only rewrites placeholders and column types.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	entitiesTable   = "cortex_entities"
	versionsTable   = "cortex_entity_versions"
	namespacesTable = "cortex_namespaces"
)

type dialect struct {
	driver string
	blob   string
	bigint string
}

var (
	postgresDialect = dialect{driver: "postgres", blob: "BYTEA", bigint: "BIGINT"}
	sqliteDialect   = dialect{driver: "sqlite3", blob: "BLOB", bigint: "INTEGER"}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "postgres":
		return postgresDialect, nil
	case "sqlite3":
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("%w: %s", store.ErrUnsupportedDriver, driver)
	}
}

// rebind turns "?" placeholders into "$n" for postgres.
func (d dialect) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name TEXT PRIMARY KEY,
			created_at %s NOT NULL
		)`, namespacesTable, d.bigint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			content %s,
			digest TEXT NOT NULL,
			sequence %s NOT NULL,
			version %s NOT NULL,
			deleted BOOLEAN NOT NULL,
			updated_at %s NOT NULL,
			PRIMARY KEY (namespace, id)
		)`, entitiesTable, d.blob, d.bigint, d.bigint, d.bigint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			id TEXT NOT NULL,
			sequence %s NOT NULL,
			content %s,
			digest TEXT NOT NULL,
			version %s NOT NULL,
			deleted BOOLEAN NOT NULL,
			updated_at %s NOT NULL,
			PRIMARY KEY (namespace, id, sequence)
		)`, versionsTable, d.bigint, d.blob, d.bigint, d.bigint),
	}
}

// -----------------------------------------------------------------------------
// Dialer
// -----------------------------------------------------------------------------

// Dialer opens handles against postgres or sqlite endpoints. One *sql.DB
// is kept per endpoint; each handle pins a single *sql.Conn from it, so
// the coordinator's pool stays the only place that decides how many
// connections exist.
//
// Thread Safety: Safe for concurrent use.
type Dialer struct {
	mu  sync.Mutex
	dbs map[string]*sqlDB
}

type sqlDB struct {
	db       *sql.DB
	dialect  dialect
	initOnce sync.Once
	initErr  error
}

// NewDialer returns a Dialer with no open databases.
func NewDialer() *Dialer {
	return &Dialer{dbs: make(map[string]*sqlDB)}
}

// Dial implements store.Dialer.
func (d *Dialer) Dial(ctx context.Context, ep store.Endpoint, auth store.Auth) (store.StructuredConn, error) {
	dia, err := dialectFor(ep.Driver)
	if err != nil {
		return nil, err
	}
	dsn, err := buildDSN(ep, auth)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	entry, ok := d.dbs[ep.Name]
	if !ok {
		db, err := sql.Open(dia.driver, dsn)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("open %s: %w", ep.Driver, err)
		}
		if dia.driver == "sqlite3" {
			db.SetMaxOpenConns(1)
		}
		entry = &sqlDB{db: db, dialect: dia}
		d.dbs[ep.Name] = entry
	}
	d.mu.Unlock()

	entry.initOnce.Do(func() {
		entry.initErr = ensureSchema(ctx, entry.db, dia)
	})
	if entry.initErr != nil {
		return nil, fmt.Errorf("ensure schema: %w", entry.initErr)
	}

	conn, err := entry.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Name, err)
	}
	return &Conn{conn: conn, dialect: dia}, nil
}

// Close closes every cached database.
func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for name, entry := range d.dbs {
		errs = append(errs, entry.db.Close())
		delete(d.dbs, name)
	}
	return errors.Join(errs...)
}

func buildDSN(ep store.Endpoint, auth store.Auth) (string, error) {
	if ep.Driver != "postgres" || auth.Username == "" {
		return ep.DSN, nil
	}
	u, err := url.Parse(ep.DSN)
	if err != nil {
		return "", fmt.Errorf("parse dsn for %s: %w", ep.Name, err)
	}
	if len(auth.Password) > 0 {
		u.User = url.UserPassword(auth.Username, string(auth.Password))
	} else {
		u.User = url.User(auth.Username)
	}
	return u.String(), nil
}

func ensureSchema(ctx context.Context, db *sql.DB, d dialect) error {
	if d.driver == "sqlite3" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := db.ExecContext(ctx, d.rebind(fmt.Sprintf(
		"INSERT INTO %s (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING", namespacesTable)),
		store.MainNamespace, time.Now().UnixNano())
	return err
}

// -----------------------------------------------------------------------------
// Conn
// -----------------------------------------------------------------------------

// Conn is one pinned database connection.
type Conn struct {
	conn    *sql.Conn
	dialect dialect
}

const entityColumns = "namespace, id, content, digest, sequence, version, deleted, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*store.Entity, error) {
	var (
		e       store.Entity
		digest  string
		seq     int64
		version int64
		updated int64
	)
	if err := row.Scan(&e.Namespace, &e.ID, &e.Content, &digest, &seq, &version, &e.Deleted, &updated); err != nil {
		return nil, err
	}
	d, err := store.ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	e.Digest = d
	e.Sequence = uint64(seq)
	e.Version = uint64(version)
	e.UpdatedAt = time.Unix(0, updated)
	return &e, nil
}

// Get implements store.StructuredConn.
func (c *Conn) Get(ctx context.Context, ns, id string) (*store.Entity, error) {
	q := c.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE namespace = ? AND id = ?", entityColumns, entitiesTable))
	e, err := scanEntity(c.conn.QueryRowContext(ctx, q, ns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

// GetAsOf implements store.StructuredConn.
func (c *Conn) GetAsOf(ctx context.Context, ns, id string, seq uint64) (*store.Entity, error) {
	q := c.dialect.rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE namespace = ? AND id = ? AND sequence <= ? ORDER BY sequence DESC LIMIT 1",
		entityColumns, versionsTable))
	e, err := scanEntity(c.conn.QueryRowContext(ctx, q, ns, id, int64(seq)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

// Put implements store.StructuredConn.
func (c *Conn) Put(ctx context.Context, e *store.Entity) (bool, error) {
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	args := []any{e.Namespace, e.ID, e.Content, e.Digest.String(), int64(e.Sequence), int64(e.Version), e.Deleted, updated.UnixNano()}

	upsert := fmt.Sprintf(`INSERT INTO %[1]s (%[2]s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET
			content = excluded.content, digest = excluded.digest, sequence = excluded.sequence,
			version = excluded.version, deleted = excluded.deleted, updated_at = excluded.updated_at`,
		entitiesTable, entityColumns)
	if e.Sequence > 0 {
		upsert += fmt.Sprintf(" WHERE %s.sequence < excluded.sequence", entitiesTable)
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, c.dialect.rebind(upsert), args...)
	if err != nil {
		return false, fmt.Errorf("upsert entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if e.Sequence > 0 {
		hist := fmt.Sprintf(`INSERT INTO %s (namespace, id, sequence, content, digest, version, deleted, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (namespace, id, sequence) DO NOTHING`, versionsTable)
		if _, err := tx.ExecContext(ctx, c.dialect.rebind(hist),
			e.Namespace, e.ID, int64(e.Sequence), e.Content, e.Digest.String(), int64(e.Version), e.Deleted, updated.UnixNano()); err != nil {
			return false, fmt.Errorf("record history: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Delete implements store.StructuredConn.
func (c *Conn) Delete(ctx context.Context, ns, id string) error {
	q := c.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE namespace = ? AND id = ?", entitiesTable))
	_, err := c.conn.ExecContext(ctx, q, ns, id)
	return err
}

// List implements store.StructuredConn.
func (c *Conn) List(ctx context.Context, ns, afterID string, limit int) ([]*store.Entity, error) {
	if limit <= 0 {
		limit = 1000
	}
	q := c.dialect.rebind(fmt.Sprintf(
		"SELECT %s FROM %s WHERE namespace = ? AND id > ? ORDER BY id LIMIT ?", entityColumns, entitiesTable))
	rows, err := c.conn.QueryContext(ctx, q, ns, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateNamespace implements store.StructuredConn.
func (c *Conn) CreateNamespace(ctx context.Context, ns string) error {
	q := c.dialect.rebind(fmt.Sprintf(
		"INSERT INTO %s (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING", namespacesTable))
	_, err := c.conn.ExecContext(ctx, q, ns, time.Now().UnixNano())
	return err
}

// DropNamespace implements store.StructuredConn.
func (c *Conn) DropNamespace(ctx context.Context, ns string) error {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{entitiesTable, versionsTable} {
		q := c.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE namespace = ?", table))
		if _, err := tx.ExecContext(ctx, q, ns); err != nil {
			return fmt.Errorf("drop %s rows: %w", table, err)
		}
	}
	q := c.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE name = ?", namespacesTable))
	if _, err := tx.ExecContext(ctx, q, ns); err != nil {
		return err
	}
	return tx.Commit()
}

// Ping implements store.StructuredConn.
func (c *Conn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

// Close returns the connection to the driver.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock implements the entity lock manager: time-bounded Read,
// Write and Intent leases on "/"-separated entity paths.
//
// Conflicting requests park until the holder releases, the lease expires
// or the caller's timeout fires. Every parked request adds edges to a
// wait-for graph among sessions; an edge that would close a cycle aborts
// the youngest session in that cycle with ErrDeadlockDetected.
//
// The lock table is striped by the first path segment so that a whole
// subtree lives in one stripe and unrelated subtrees never contend.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrLockTimeout is returned when a lock is not granted before the
	// caller's timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrDeadlockDetected is returned to the session chosen as deadlock victim.
	ErrDeadlockDetected = errors.New("deadlock detected")

	// ErrLockNotHeld is returned by Release for a lock the session does not hold.
	ErrLockNotHeld = errors.New("lock not held")

	// ErrSessionReleased is returned to requests still parked when their
	// session releases all of its locks.
	ErrSessionReleased = errors.New("session released its locks")

	// ErrInvalidEntity is returned for an empty entity path.
	ErrInvalidEntity = errors.New("invalid entity id")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("lock manager is closed")
)

// LockError describes a failed acquisition.
type LockError struct {
	EntityID  string
	SessionID string
	Mode      Mode

	// Cycle is the detected wait-for cycle, for deadlock failures.
	Cycle []string

	Err error
}

func (e *LockError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("%s lock on %s for session %s: %v (cycle %s)",
			e.Mode, e.EntityID, e.SessionID, e.Err, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%s lock on %s for session %s: %v", e.Mode, e.EntityID, e.SessionID, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Modes
// -----------------------------------------------------------------------------

// Mode is a lock mode. Modes are ordered by strength so that a held lock
// satisfies any request of equal or lower strength.
type Mode int

const (
	// ModeIntent marks the intention to lock descendants.
	ModeIntent Mode = iota + 1
	// ModeRead is a shared lock.
	ModeRead
	// ModeWrite is an exclusive lock.
	ModeWrite
)

// String returns the string representation of Mode.
func (m Mode) String() string {
	switch m {
	case ModeIntent:
		return "intent"
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return "unknown"
	}
}

// ParseMode parses the String form of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "intent", "i":
		return ModeIntent, nil
	case "read", "r", "shared":
		return ModeRead, nil
	case "write", "w", "exclusive":
		return ModeWrite, nil
	}
	return 0, fmt.Errorf("unknown lock mode %q", s)
}

func (m Mode) valid() bool {
	return m >= ModeIntent && m <= ModeWrite
}

// sameEntityCompatible reports whether two holders may share one entity.
func sameEntityCompatible(held, want Mode) bool {
	return held != ModeWrite && want != ModeWrite
}

// ancestorBlocks reports whether a lock held on an ancestor blocks want.
func ancestorBlocks(held, want Mode) bool {
	switch held {
	case ModeWrite:
		return true
	case ModeRead:
		return want == ModeWrite
	default:
		return false
	}
}

// descendantBlocks reports whether a lock held below the entity blocks want.
func descendantBlocks(held, want Mode) bool {
	switch want {
	case ModeWrite:
		return true
	case ModeRead:
		return held == ModeWrite
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Lock
// -----------------------------------------------------------------------------

// Lock is a granted lease.
type Lock struct {
	ID         string    `json:"id"`
	EntityID   string    `json:"entity_id"`
	SessionID  string    `json:"session_id"`
	Mode       Mode      `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IsExpired reports whether the lease has run out at now.
func (l *Lock) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// Stats is a snapshot of lock manager activity.
type Stats struct {
	Held      int   `json:"held"`
	Waiting   int   `json:"waiting"`
	Sessions  int   `json:"sessions"`
	Grants    int64 `json:"grants"`
	Upgrades  int64 `json:"upgrades"`
	Timeouts  int64 `json:"timeouts"`
	Deadlocks int64 `json:"deadlocks"`
	Expired   int64 `json:"expired"`
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the lock manager.
type Config struct {
	// Lease is the lifetime of a granted lock unless renewed. Default: 5m
	Lease time.Duration `yaml:"lease"`

	// DefaultTimeout applies when Acquire is called with a zero timeout.
	// Default: 10s
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// SweepInterval is the period of the expiry sweep. Default: 10s
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Stripes is the number of lock table stripes. Default: 64
	Stripes int `yaml:"stripes" validate:"gte=0"`

	// Persist stores the lock table in badger when a DB is supplied.
	Persist bool `yaml:"persist"`

	// Logger for lock operations. Default: slog.Default()
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Lease:          5 * time.Minute,
		DefaultTimeout: 10 * time.Second,
		SweepInterval:  10 * time.Second,
		Stripes:        64,
		Logger:         slog.Default(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Lease == 0 {
		c.Lease = d.Lease
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Stripes == 0 {
		c.Stripes = d.Stripes
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Lease <= 0 {
		return errors.New("lease must be positive")
	}
	if c.Stripes < 1 {
		return errors.New("stripes must be at least 1")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Paths
// -----------------------------------------------------------------------------

func normalize(entity string) (string, error) {
	e := strings.Trim(entity, "/")
	if e == "" {
		return "", ErrInvalidEntity
	}
	return e, nil
}

// ancestors returns the proper prefixes of entity, nearest last.
func ancestors(entity string) []string {
	var out []string
	for i := 0; i < len(entity); i++ {
		if entity[i] == '/' {
			out = append(out, entity[:i])
		}
	}
	return out
}

// root returns the first path segment.
func root(entity string) string {
	if i := strings.IndexByte(entity, '/'); i >= 0 {
		return entity[:i]
	}
	return entity
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/merge"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStaleSessionVersion is returned when the caller's version does not
	// match the stored one.
	ErrStaleSessionVersion = errors.New("stale session version")

	// ErrScopeViolation is returned for access outside the session scope.
	ErrScopeViolation = errors.New("scope violation")

	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrNoPendingMerge is returned by Resolve when the session has no
	// conflicts waiting.
	ErrNoPendingMerge = errors.New("session has no pending merge")

	// ErrMainMoved is returned by Resolve when main changed after the merge
	// that produced the conflicts. Close the session again to re-merge.
	ErrMainMoved = errors.New("main changed since the merge")

	// ErrSessionNotActive is returned for reads and writes outside ACTIVE.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrSessionExpired is returned when the session idled past its TTL.
	ErrSessionExpired = errors.New("session expired")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("session manager is closed")
)

// StaleVersionError reports an optimistic concurrency failure.
type StaleVersionError struct {
	SessionID string
	Expected  uint64
	Actual    uint64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("session %s: caller has version %d, stored version is %d", e.SessionID, e.Expected, e.Actual)
}

// Unwrap returns ErrStaleSessionVersion.
func (e *StaleVersionError) Unwrap() error { return ErrStaleSessionVersion }

// -----------------------------------------------------------------------------
// State
// -----------------------------------------------------------------------------

// State is the life-cycle state of a session.
//
//	CREATED → ACTIVE              : namespace created
//	ACTIVE → MERGING              : close requested
//	MERGING → MERGING             : re-merge after conflicts
//	MERGING → COMPLETED           : merge applied to main
//	* → ABORTED                   : abort, lock failure or timeout
type State string

const (
	StateCreated   State = "CREATED"
	StateActive    State = "ACTIVE"
	StateMerging   State = "MERGING"
	StateCompleted State = "COMPLETED"
	StateAborted   State = "ABORTED"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateAborted
}

var transitions = map[State]map[State]bool{
	StateCreated: {StateActive: true, StateAborted: true},
	StateActive:  {StateMerging: true, StateAborted: true},
	StateMerging: {StateMerging: true, StateCompleted: true, StateAborted: true},
}

func canTransition(from, to State) bool {
	return transitions[from][to]
}

// -----------------------------------------------------------------------------
// Isolation
// -----------------------------------------------------------------------------

// Isolation selects what a session sees of main.
type Isolation int

const (
	// Snapshot reads main as of the moment the session opened.
	Snapshot Isolation = iota
	// ReadCommitted reads the latest committed main.
	ReadCommitted
	// Serializable is Snapshot plus Read leases on everything read.
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case Snapshot:
		return "snapshot"
	case ReadCommitted:
		return "read_committed"
	case Serializable:
		return "serializable"
	default:
		return fmt.Sprintf("isolation(%d)", int(i))
	}
}

// ParseIsolation parses the String form.
func ParseIsolation(s string) (Isolation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "snapshot":
		return Snapshot, nil
	case "read_committed":
		return ReadCommitted, nil
	case "serializable":
		return Serializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (i Isolation) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Isolation) UnmarshalText(text []byte) error {
	parsed, err := ParseIsolation(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Scope
// -----------------------------------------------------------------------------

// Scope bounds what a session may touch. Paths are entity id prefixes
// matched on "/" boundaries.
type Scope struct {
	// Paths may be read and written. Empty allows everything.
	Paths []string `json:"paths,omitempty"`

	// ReadOnlyPaths may be read but not written.
	ReadOnlyPaths []string `json:"read_only_paths,omitempty"`

	AllowCreate bool `json:"allow_create"`
	AllowDelete bool `json:"allow_delete"`
}

// DefaultScope allows everything.
func DefaultScope() Scope {
	return Scope{AllowCreate: true, AllowDelete: true}
}

func underAny(id string, prefixes []string) bool {
	for _, p := range prefixes {
		p = strings.Trim(p, "/")
		if p == "" || id == p || strings.HasPrefix(id, p+"/") {
			return true
		}
	}
	return false
}

// CanRead reports whether id may be read.
func (s Scope) CanRead(id string) bool {
	return len(s.Paths) == 0 || underAny(id, s.Paths) || underAny(id, s.ReadOnlyPaths)
}

// CanWrite reports whether id may be written.
func (s Scope) CanWrite(id string) bool {
	if underAny(id, s.ReadOnlyPaths) {
		return false
	}
	return len(s.Paths) == 0 || underAny(id, s.Paths)
}

// -----------------------------------------------------------------------------
// Change log
// -----------------------------------------------------------------------------

// Operation is the kind of a recorded change.
type Operation string

const (
	OpAdd    Operation = "add"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Change is one recorded write.
type Change struct {
	EntityID string       `json:"entity_id"`
	Op       Operation    `json:"op"`
	Before   store.Digest `json:"before"`
	After    store.Digest `json:"after"`
	At       time.Time    `json:"at"`
}

// Base is the main version a session's first write to an entity
// started from.
type Base struct {
	Exists   bool         `json:"exists"`
	Sequence uint64       `json:"sequence"`
	Version  uint64       `json:"version"`
	Digest   store.Digest `json:"digest"`
}

// -----------------------------------------------------------------------------
// Session
// -----------------------------------------------------------------------------

// Session is one agent's isolated unit of work.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Scope     Scope     `json:"scope"`
	Isolation Isolation `json:"isolation"`
	State     State     `json:"state"`
	Version   uint64    `json:"version"`
	Namespace string    `json:"namespace"`

	// SnapshotSeq is the Sync Manager watermark when the session opened.
	SnapshotSeq uint64 `json:"snapshot_seq"`

	// TTL is the idle timeout; activity pushes ExpiresAt to now+TTL.
	TTL time.Duration `json:"ttl"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	Changes []Change        `json:"changes,omitempty"`
	Bases   map[string]Base `json:"bases,omitempty"`

	// Pending holds the last merge while conflicts wait for resolution.
	Pending *merge.Result `json:"pending,omitempty"`

	// Reason explains an abort.
	Reason string `json:"reason,omitempty"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Scope.Paths = append([]string(nil), s.Scope.Paths...)
	c.Scope.ReadOnlyPaths = append([]string(nil), s.Scope.ReadOnlyPaths...)
	c.Changes = append([]Change(nil), s.Changes...)
	if s.Bases != nil {
		c.Bases = make(map[string]Base, len(s.Bases))
		for k, v := range s.Bases {
			c.Bases[k] = v
		}
	}
	if s.Pending != nil {
		p := *s.Pending
		c.Pending = &p
	}
	return &c
}

// ChangedEntities returns the ids of entities written, in first-write
// order.
func (s *Session) ChangedEntities() []string {
	seen := make(map[string]bool, len(s.Bases))
	var out []string
	for _, ch := range s.Changes {
		if !seen[ch.EntityID] {
			seen[ch.EntityID] = true
			out = append(out, ch.EntityID)
		}
	}
	return out
}

// NamespaceFor returns the structured store namespace of a session.
func NamespaceFor(id string) string {
	return "session_" + id
}

// OpenOptions configures a new session.
type OpenOptions struct {
	// Scope defaults to DefaultScope when nil.
	Scope *Scope

	// Isolation defaults to Config.DefaultIsolation when nil.
	Isolation *Isolation

	// TTL overrides the configured idle timeout.
	TTL time.Duration
}

// CloseResult is the outcome of Close or Resolve.
type CloseResult struct {
	Session *Session      `json:"session"`
	Merge   *merge.Result `json:"merge"`

	// Committed is the number of entities written to main.
	Committed int `json:"committed"`
}

// Stats is a snapshot of session activity.
type Stats struct {
	Active    int   `json:"active"`
	Merging   int   `json:"merging"`
	Opened    int64 `json:"opened"`
	Completed int64 `json:"completed"`
	Aborted   int64 `json:"aborted"`
	Expired   int64 `json:"expired"`
	Conflicts int64 `json:"conflicts"`
	Stale     int64 `json:"stale"`
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the Session Manager.
type Config struct {
	// TTL is the idle timeout after which a session is aborted. Default: 30m
	TTL time.Duration `yaml:"ttl"`

	// LockTimeout bounds each lock acquisition. Default: 10s
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// SweepInterval is the period of the expiry sweep. Default: 30s
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Retention keeps terminal sessions visible to Get. Default: 1h
	Retention time.Duration `yaml:"retention"`

	// DefaultIsolation applies when OpenOptions leaves it zero.
	DefaultIsolation Isolation `yaml:"default_isolation"`

	// DefaultStrategy is the merge strategy of Close with no strategy.
	DefaultStrategy merge.Strategy `yaml:"default_strategy"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              30 * time.Minute,
		LockTimeout:      10 * time.Second,
		SweepInterval:    30 * time.Second,
		Retention:        time.Hour,
		DefaultIsolation: Snapshot,
		DefaultStrategy:  merge.AutoMerge,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

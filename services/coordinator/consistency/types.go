// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package consistency

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/robfig/cron/v3"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrConsistencyDrift is returned when a check finds more drifted
	// entities than the repair threshold allows.
	ErrConsistencyDrift = errors.New("consistency drift above repair threshold")

	// ErrCheckerStopped is returned by Check after Stop.
	ErrCheckerStopped = errors.New("consistency checker is stopped")
)

// DriftError carries the report of a check that was escalated instead of
// repaired.
type DriftError struct {
	Report    *Report
	Threshold int
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("%d drifted entities in %s exceed repair threshold %d",
		len(e.Report.Drift), e.Report.Scope, e.Threshold)
}

// Unwrap returns ErrConsistencyDrift.
func (e *DriftError) Unwrap() error { return ErrConsistencyDrift }

// -----------------------------------------------------------------------------
// Status and actions
// -----------------------------------------------------------------------------

// Status is the outcome for one entity.
type Status string

const (
	// StatusConsistent means both stores agree.
	StatusConsistent Status = "consistent"

	// StatusMissingVector means the entity has no vector record.
	StatusMissingVector Status = "missing_vector"

	// StatusOrphanVector means a vector record has no live entity.
	StatusOrphanVector Status = "orphan_vector"

	// StatusMismatch means the vector was derived from other content.
	StatusMismatch Status = "mismatch"
)

// Action is a repair applied to the vector store.
type Action string

const (
	ActionInsertVector       Action = "insert_vector"
	ActionUpdateVector       Action = "update_vector"
	ActionDeleteOrphanVector Action = "delete_orphan_vector"
)

func actionFor(s Status) Action {
	switch s {
	case StatusMissingVector:
		return ActionInsertVector
	case StatusMismatch:
		return ActionUpdateVector
	case StatusOrphanVector:
		return ActionDeleteOrphanVector
	}
	return ""
}

// -----------------------------------------------------------------------------
// Scope and report
// -----------------------------------------------------------------------------

// Scope selects the entities of a check.
type Scope struct {
	// Namespace defaults to main.
	Namespace string `json:"namespace"`

	// Prefix restricts the check to ids under a path prefix.
	Prefix string `json:"prefix,omitempty"`
}

func (s Scope) String() string {
	if s.Prefix == "" {
		return s.Namespace
	}
	return s.Namespace + ":" + s.Prefix
}

func (s Scope) contains(id string) bool {
	if s.Prefix == "" {
		return true
	}
	p := strings.TrimSuffix(s.Prefix, "/")
	return id == p || strings.HasPrefix(id, p+"/")
}

// Drift is one entity whose stores disagree.
type Drift struct {
	EntityID string `json:"entity_id"`
	Status   Status `json:"status"`
}

// Repair is one attempted repair.
type Repair struct {
	EntityID string `json:"entity_id"`
	Action   Action `json:"action"`
	Error    string `json:"error,omitempty"`
}

// Report is the result of one check.
type Report struct {
	ID        string        `json:"id"`
	Scope     Scope         `json:"scope"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Checked        int `json:"checked"`
	Consistent     int `json:"consistent"`
	MissingVectors int `json:"missing_vectors"`
	OrphanVectors  int `json:"orphan_vectors"`
	Mismatches     int `json:"mismatches"`

	// BloomMisses counts entities the membership filter ruled out before
	// the tree comparison.
	BloomMisses int `json:"bloom_misses"`

	// NodesCompared and BucketsDiffering describe the tree descent.
	NodesCompared    int `json:"nodes_compared"`
	BucketsDiffering int `json:"buckets_differing"`

	// DigestRoot is the digest tree root over the structured entities in
	// scope and VectorRoot the root over the vector records. They are
	// equal exactly when the stores agree.
	DigestRoot store.Digest `json:"digest_root"`
	VectorRoot store.Digest `json:"vector_root"`

	// RepairedRoot is the vector root with the successful repairs applied.
	// It is set only when repairs ran and equals DigestRoot when all of
	// them succeeded.
	RepairedRoot *store.Digest `json:"repaired_root,omitempty"`

	Drift        []Drift  `json:"drift"`
	Repairs      []Repair `json:"repairs,omitempty"`
	Repaired     int      `json:"repaired"`
	RepairFailed int      `json:"repair_failed"`
	Escalated    bool     `json:"escalated"`
}

// Clean reports whether no drift was found.
func (r *Report) Clean() bool {
	return len(r.Drift) == 0
}

func (r *Report) add(id string, s Status) {
	switch s {
	case StatusMissingVector:
		r.MissingVectors++
	case StatusOrphanVector:
		r.OrphanVectors++
	case StatusMismatch:
		r.Mismatches++
	default:
		return
	}
	r.Drift = append(r.Drift, Drift{EntityID: id, Status: s})
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures the checker.
type Config struct {
	// BucketCount is the number of digest tree leaves. Default: 256.
	BucketCount int `yaml:"bucket_count" validate:"gte=0"`

	// BatchSize is the page size of store scans. Default: 500.
	BatchSize int `yaml:"batch_size" validate:"gte=0"`

	// EnableBloom turns on the membership filter.
	EnableBloom bool `yaml:"enable_bloom"`

	// BloomCapacity is the expected number of vector ids. Default: 100000.
	BloomCapacity uint `yaml:"bloom_capacity"`

	// BloomFalsePositiveRate defaults to 0.01.
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate" validate:"gte=0,lt=1"`

	// AutoRepair rewrites drifted vectors from the structured store.
	AutoRepair bool `yaml:"auto_repair"`

	// RepairThreshold is the largest drift repaired automatically. A check
	// that finds more fails with ErrConsistencyDrift. Default: 50.
	RepairThreshold int `yaml:"repair_threshold" validate:"gte=0"`

	// Schedule is a cron spec ("*/15 * * * *", "@every 10m") for
	// background checks of the main namespace. Empty disables it.
	Schedule string `yaml:"schedule"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BucketCount:            256,
		BatchSize:              500,
		EnableBloom:            true,
		BloomCapacity:          100_000,
		BloomFalsePositiveRate: 0.01,
		AutoRepair:             true,
		RepairThreshold:        50,
		Schedule:               "@every 15m",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BucketCount <= 0 {
		c.BucketCount = d.BucketCount
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BloomCapacity == 0 {
		c.BloomCapacity = d.BloomCapacity
	}
	if c.BloomFalsePositiveRate <= 0 {
		c.BloomFalsePositiveRate = d.BloomFalsePositiveRate
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedule expression.
func (c *Config) Validate() error {
	if c.Schedule == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(c.Schedule); err != nil {
		return fmt.Errorf("invalid consistency schedule %q: %w", c.Schedule, err)
	}
	return nil
}

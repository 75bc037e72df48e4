// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package migration

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrMigrationVerificationFailed is returned when migrated records do
	// not match the source.
	ErrMigrationVerificationFailed = errors.New("migration verification failed")

	// ErrMigrationRunning is returned when Run or Rollback is called while a
	// run is in progress.
	ErrMigrationRunning = errors.New("migration is already running")

	// ErrNotRunning is returned by Pause when nothing runs.
	ErrNotRunning = errors.New("migration is not running")

	// ErrCutOverDone is returned by Rollback after reads and writes moved to
	// the new index; the old index no longer receives writes.
	ErrCutOverDone = errors.New("migration already cut over")
)

// VerificationError carries the failed verification.
type VerificationError struct {
	Verification *Verification
}

func (e *VerificationError) Error() string {
	v := e.Verification
	return fmt.Sprintf("migration verification failed: %d missing, %d mismatched of %d",
		v.Missing, v.Mismatched, v.Verified)
}

// Unwrap returns ErrMigrationVerificationFailed.
func (e *VerificationError) Unwrap() error { return ErrMigrationVerificationFailed }

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status is the lifecycle state of a migration.
type Status string

const (
	StatusPreparing   Status = "PREPARING"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusPaused      Status = "PAUSED"
	StatusVerifying   Status = "VERIFYING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
	StatusRollingBack Status = "ROLLING_BACK"
)

// IsTerminal reports whether a run in this state has ended for good.
// Paused runs resume.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// Checkpoint is the durable progress of a migration. Cursor is the last
// source id below which every record has been copied.
type Checkpoint struct {
	Name        string    `json:"name"`
	Namespace   string    `json:"namespace"`
	Cursor      string    `json:"cursor"`
	BatchNumber uint64    `json:"batch_number"`
	Migrated    int64     `json:"migrated"`
	Verified    int64     `json:"verified"`
	Status      Status    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Verification compares migrated records with the source.
type Verification struct {
	Verified   int64         `json:"verified"`
	Correct    int64         `json:"correct"`
	Missing    int64         `json:"missing"`
	Mismatched int64         `json:"mismatched"`
	Samples    []string      `json:"samples,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Failed reports whether any record was missing or different.
func (v *Verification) Failed() bool {
	return v.Missing > 0 || v.Mismatched > 0
}

// Progress is a live view of a run.
type Progress struct {
	Name            string        `json:"name"`
	Status          Status        `json:"status"`
	Namespace       string        `json:"namespace"`
	Total           int           `json:"total"`
	Migrated        int64         `json:"migrated"`
	Cursor          string        `json:"cursor"`
	BatchNumber     uint64        `json:"batch_number"`
	BatchSize       int           `json:"batch_size"`
	AvgBatchLatency time.Duration `json:"avg_batch_latency"`
	Throughput      float64       `json:"throughput"`
	StartedAt       time.Time     `json:"started_at"`
	DryRun          bool          `json:"dry_run"`
}

// Report is the outcome of a run.
type Report struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Total        int           `json:"total"`
	Migrated     int64         `json:"migrated"`
	Resumed      int64         `json:"resumed"`
	Batches      uint64        `json:"batches"`
	Duration     time.Duration `json:"duration"`
	Throughput   float64       `json:"throughput"`
	Verification *Verification `json:"verification,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	DryRun       bool          `json:"dry_run"`
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures a migration.
type Config struct {
	// Name identifies the migration and its checkpoint. Default: "vectors".
	Name string `yaml:"name"`

	// Namespace is the vector namespace to copy. Default: main.
	Namespace string `yaml:"namespace"`

	// BatchSize is the first batch size. Default: 100.
	BatchSize int `yaml:"batch_size" validate:"gte=0"`

	// MinBatchSize and MaxBatchSize clamp the adaptive size.
	// Defaults: 10 and 1000.
	MinBatchSize int `yaml:"min_batch_size" validate:"gte=0"`
	MaxBatchSize int `yaml:"max_batch_size" validate:"gte=0"`

	// Workers bounds the batches in flight. Default: 4.
	Workers int `yaml:"workers" validate:"gte=0"`

	// Adaptive resizes batches from observed write latency.
	Adaptive bool `yaml:"adaptive"`

	// TargetLatency is the batch write latency the controller aims for.
	// Default: 1s.
	TargetLatency time.Duration `yaml:"target_latency"`

	// CheckpointEvery saves progress every n completed batches. Default: 10.
	CheckpointEvery int `yaml:"checkpoint_every" validate:"gte=0"`

	// Verify compares the new index with the source before completing.
	Verify bool `yaml:"verify"`

	// DryRun reads and counts without writing.
	DryRun bool `yaml:"dry_run"`

	// Resume continues from the saved checkpoint instead of the start.
	Resume bool `yaml:"resume"`

	// RateLimit caps copied records per second. Zero is unlimited.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Name:            "vectors",
		BatchSize:       100,
		MinBatchSize:    10,
		MaxBatchSize:    1000,
		Workers:         4,
		Adaptive:        true,
		TargetLatency:   time.Second,
		CheckpointEvery: 10,
		Verify:          true,
		Resume:          true,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = d.MinBatchSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.TargetLatency <= 0 {
		c.TargetLatency = d.TargetLatency
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = d.CheckpointEvery
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the batch bounds.
func (c *Config) Validate() error {
	if c.MinBatchSize > c.MaxBatchSize {
		return fmt.Errorf("min batch size %d exceeds max %d", c.MinBatchSize, c.MaxBatchSize)
	}
	return nil
}

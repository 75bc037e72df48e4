// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinator

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/migration"
)

// MigrationStatus combines the live progress with the outcome of the
// last background run.
type MigrationStatus struct {
	Progress  migration.Progress    `json:"progress"`
	Running   bool                  `json:"running"`
	Phase     string                `json:"phase"`
	LastRun   *migration.Report     `json:"last_run,omitempty"`
	LastError string                `json:"last_error,omitempty"`
	Saved     *migration.Checkpoint `json:"checkpoint,omitempty"`
}

// RunMigration runs the migration in the caller's goroutine.
func (s *Service) RunMigration(ctx context.Context) (*migration.Report, error) {
	m, err := s.Migrator()
	if err != nil {
		return nil, err
	}
	return m.Run(ctx)
}

// StartMigration runs the migration in the background. The run outlives
// ctx; it ends with Pause, completion, failure or Close.
func (s *Service) StartMigration(ctx context.Context) error {
	m, err := s.Migrator()
	if err != nil {
		return err
	}
	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()
	if s.migrateDone != nil {
		select {
		case <-s.migrateDone:
		default:
			return migration.ErrMigrationRunning
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.migrateCancel = cancel
	s.migrateDone = done

	go func() {
		defer close(done)
		defer cancel()
		report, err := m.Run(runCtx)
		s.migrateMu.Lock()
		s.lastMigration, s.lastMigErr = report, err
		s.migrateMu.Unlock()
		if err != nil {
			s.logger.Error("background migration failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// PauseMigration pauses the running migration.
func (s *Service) PauseMigration() error {
	m, err := s.Migrator()
	if err != nil {
		return err
	}
	return m.Pause()
}

// RollbackMigration discards the target copy. It fails while a run is
// in progress and after cut-over.
func (s *Service) RollbackMigration(ctx context.Context) error {
	m, err := s.Migrator()
	if err != nil {
		return err
	}
	return m.Rollback(ctx)
}

// MigrationStatus reports progress, the phase of the dual writer and the
// saved checkpoint.
func (s *Service) MigrationStatus(ctx context.Context) (MigrationStatus, error) {
	m, err := s.Migrator()
	if err != nil {
		return MigrationStatus{}, err
	}
	st := MigrationStatus{
		Progress: m.Status(),
		Phase:    string(s.dual.Phase()),
	}
	if cp, err := m.Checkpoint(ctx); err == nil {
		st.Saved = cp
	}

	s.migrateMu.Lock()
	defer s.migrateMu.Unlock()
	if s.migrateDone != nil {
		select {
		case <-s.migrateDone:
		default:
			st.Running = true
		}
	}
	st.LastRun = s.lastMigration
	if s.lastMigErr != nil {
		st.LastError = s.lastMigErr.Error()
	}
	return st, nil
}

// cancelMigration stops a background run and waits for its checkpoint.
func (s *Service) cancelMigration() {
	s.migrateMu.Lock()
	cancel, done := s.migrateCancel, s.migrateDone
	s.migrateMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package coordinator assembles the coordination components into one
// long-running service.
//
// New builds, in dependency order, the local state database, the
// connection pool, the vector store, the Sync Manager (recovering its WAL
// before anything else can write), the lock manager, the merge engine,
// the Session Manager and the Consistency Checker. When a migration is
// enabled the vector store seen by every component is a dual writer over
// the old and the new index.
//
// Start launches the background loops; Serve exposes the admin API; Close
// tears everything down in reverse order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/config"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/consistency"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/lock"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/merge"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/migration"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/pool"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/session"
	badgerstore "github.com/AleutianAI/AleutianCortex/services/coordinator/storage/badger"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store/sqlstore"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store/vecstore"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store/weaviatestore"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/syncmgr"
)

// ErrMigrationDisabled is returned by migration calls when no migration
// is configured.
var ErrMigrationDisabled = errors.New("migration is not enabled")

// Option customizes New.
type Option func(*options)

type options struct {
	dialer   store.Dialer
	vectors  store.VectorStore
	target   store.VectorStore
	embedder store.Embedder
}

// WithDialer replaces the driver dialers built from the pool endpoints.
func WithDialer(d store.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithVectorStore replaces the configured vector store.
func WithVectorStore(v store.VectorStore) Option {
	return func(o *options) { o.vectors = v }
}

// WithMigrationTarget replaces the configured migration target.
func WithMigrationTarget(v store.VectorStore) Option {
	return func(o *options) { o.target = v }
}

// WithEmbedder replaces the default hash embedder.
func WithEmbedder(e store.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// Service owns every coordination component.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *badgerstore.DB
	pool     *pool.Pool
	vectors  store.VectorStore
	embedder store.Embedder
	sync     *syncmgr.Manager
	locks    *lock.Manager
	merger   *merge.Engine
	sessions *session.Manager
	checker  *consistency.Checker

	dual     *migration.DualWriter
	migrator *migration.Manager

	recovery syncmgr.RecoveryReport

	// closers run in reverse order on Close.
	closers []func(ctx context.Context) error

	migrateMu     sync.Mutex
	migrateCancel context.CancelFunc
	migrateDone   chan struct{}
	lastMigration *migration.Report
	lastMigErr    error

	closeOnce sync.Once
	closeErr  error
}

// New builds the service from cfg.
//
// Description:
//
//	Opens every backing resource and constructs the components. The WAL
//	is recovered before New returns, so incomplete dual writes from a
//	previous run are finished before any session can open. On error,
//	everything opened so far is closed again.
//
// Inputs:
//
//	ctx - Bounds start-up I/O.
//	cfg - Validated configuration. Component loggers are set from logger.
//	logger - Process logger. Nil uses slog.Default().
//
// Outputs:
//
//	*Service - Call Start, then Serve; Close on exit.
//	error - The first start-up failure.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (svc *Service, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	cfg.WithLogger(logger)

	s := &Service{cfg: cfg, logger: logger.With(slog.String("component", "coordinator"))}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	if s.db, err = badgerstore.Open(cfg.Storage); err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	s.onClose(func(context.Context) error { return s.db.Close() })

	dialer := o.dialer
	if dialer == nil {
		sqlDialer := sqlstore.NewDialer()
		s.onClose(func(context.Context) error { return sqlDialer.Close() })
		dialer = store.DriverDialers{
			"memory":   store.NewMemoryStructured().Dialer(),
			"sqlite3":  sqlDialer,
			"postgres": sqlDialer,
		}
	}
	if cfg.Pool.Credentials, err = cfg.Credentials.Seal(); err != nil {
		return nil, err
	}
	if s.pool, err = pool.New(ctx, cfg.Pool, dialer); err != nil {
		return nil, fmt.Errorf("start connection pool: %w", err)
	}
	s.onClose(s.pool.Close)

	primary := o.vectors
	if primary == nil {
		if primary, err = OpenVectorStore(ctx, cfg.Vector); err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	}
	s.onClose(func(context.Context) error { return primary.Close() })
	s.vectors = primary

	if cfg.Migration.Enabled {
		target := o.target
		if target == nil {
			if target, err = OpenVectorStore(ctx, cfg.Migration.Target); err != nil {
				return nil, fmt.Errorf("open migration target: %w", err)
			}
		}
		s.onClose(func(context.Context) error { return target.Close() })
		s.dual = migration.NewDualWriter(primary, target, logger)
		s.vectors = s.dual
		if s.migrator, err = migration.New(cfg.Migration.Config, primary, target, s.db, s.dual); err != nil {
			return nil, fmt.Errorf("create migration manager: %w", err)
		}
	}

	s.embedder = o.embedder
	if s.embedder == nil {
		s.embedder = store.NewHashEmbedder(cfg.Vector.Dimension)
	}

	if s.sync, err = syncmgr.New(cfg.Sync, s.db, s.pool, s.vectors, s.embedder); err != nil {
		return nil, fmt.Errorf("create sync manager: %w", err)
	}
	s.onClose(func(context.Context) error { return s.sync.Close() })
	if s.recovery, err = s.sync.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover wal: %w", err)
	}

	if s.locks, err = lock.New(cfg.Lock, s.db); err != nil {
		return nil, fmt.Errorf("create lock manager: %w", err)
	}
	s.onClose(func(context.Context) error { return s.locks.Close() })

	if s.merger, err = merge.New(cfg.Merge); err != nil {
		return nil, fmt.Errorf("create merge engine: %w", err)
	}

	s.sessions, err = session.New(cfg.Session, session.Deps{
		Store:  s.pool,
		Locks:  s.locks,
		Sync:   s.sync,
		Merger: s.merger,
		DB:     s.db,
	})
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}
	s.onClose(func(context.Context) error { return s.sessions.Shutdown() })

	if s.checker, err = consistency.New(cfg.Consistency, s.pool, s.vectors, s.embedder, s.sync); err != nil {
		return nil, fmt.Errorf("create consistency checker: %w", err)
	}
	s.onClose(func(context.Context) error {
		s.checker.Stop()
		return nil
	})

	s.logger.Info("coordinator ready",
		slog.String("pool_mode", string(cfg.Pool.Mode)),
		slog.String("vector_backend", cfg.Vector.Backend),
		slog.Bool("migration", cfg.Migration.Enabled),
		slog.Int("wal_replayed", s.recovery.Replayed))
	return s, nil
}

// OpenVectorStore opens the backend cfg selects.
func OpenVectorStore(ctx context.Context, cfg config.VectorConfig) (store.VectorStore, error) {
	switch cfg.Backend {
	case "", config.BackendMemory:
		return store.NewMemoryVector(), nil
	case config.BackendWeaviate:
		if cfg.Weaviate == nil {
			return nil, errors.New("weaviate backend needs a weaviate section")
		}
		ws, err := weaviatestore.New(*cfg.Weaviate)
		if err != nil {
			return nil, err
		}
		return ws, nil
	case config.BackendSQLiteVec:
		vs, err := vecstore.Open(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return vs, nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.Backend)
	}
}

func (s *Service) onClose(fn func(ctx context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Start launches the WAL retry and compaction loops, the consistency
// schedule and the filter feed. They stop on Close or when ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.sync.Start(ctx)
	if err := s.checker.Start(ctx); err != nil {
		return err
	}
	return nil
}

// ApplyConfig applies the runtime tunables of a reloaded configuration.
func (s *Service) ApplyConfig(old, updated *config.Config) {
	if old == nil || old.Consistency.RepairThreshold != updated.Consistency.RepairThreshold {
		s.checker.SetRepairThreshold(updated.Consistency.RepairThreshold)
	}
}

// Close stops background work and releases every resource. Running
// migrations are cancelled and checkpointed first.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.cancelMigration()
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.logger.Warn("coordinator closed with errors", slog.String("error", s.closeErr.Error()))
		} else {
			s.logger.Info("coordinator closed")
		}
	})
	return s.closeErr
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// Sessions returns the Session Manager.
func (s *Service) Sessions() *session.Manager { return s.sessions }

// Locks returns the Entity Lock Manager.
func (s *Service) Locks() *lock.Manager { return s.locks }

// Pool returns the Connection Manager.
func (s *Service) Pool() *pool.Pool { return s.pool }

// Sync returns the Sync Manager.
func (s *Service) Sync() *syncmgr.Manager { return s.sync }

// Checker returns the Consistency Checker.
func (s *Service) Checker() *consistency.Checker { return s.checker }

// Merger returns the Merge Engine.
func (s *Service) Merger() *merge.Engine { return s.merger }

// Vectors returns the vector store every component writes through.
func (s *Service) Vectors() store.VectorStore { return s.vectors }

// Recovery returns what WAL recovery did at start-up.
func (s *Service) Recovery() syncmgr.RecoveryReport { return s.recovery }

// Migrator returns the Migration Manager, or ErrMigrationDisabled.
func (s *Service) Migrator() (*migration.Manager, error) {
	if s.migrator == nil {
		return nil, ErrMigrationDisabled
	}
	return s.migrator, nil
}

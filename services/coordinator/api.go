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
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/consistency"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/migration"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/pool"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/session"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/syncmgr"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Serve runs the admin API on the configured address until ctx is done,
// then shuts the listener down gracefully.
func (s *Service) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.HTTP.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: s.cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Router builds the admin API.
//
// Routes:
//
//	GET  /v1/health
//	GET  /v1/pool/stats
//	GET  /v1/locks/stats
//	GET  /v1/sessions
//	GET  /v1/sessions/stats
//	GET  /v1/sessions/:id
//	GET  /v1/sessions/:id/locks
//	POST /v1/consistency/check
//	GET  /v1/consistency/report
//	GET  /v1/wal/stats
//	POST /v1/wal/replay
//	GET  /v1/migration/status
//	POST /v1/migration/start
//	POST /v1/migration/pause
//	POST /v1/migration/rollback
//	GET  /v1/events
//	GET  /metrics
func (s *Service) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(s.cfg.Telemetry.ServiceName))
	router.Use(requestLogger(s.logger))

	v1 := router.Group("/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/pool/stats", s.handlePoolStats)
		v1.GET("/locks/stats", s.handleLockStats)

		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/stats", s.handleSessionStats)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.GET("/sessions/:id/locks", s.handleSessionLocks)

		v1.POST("/consistency/check", s.handleCheck)
		v1.GET("/consistency/report", s.handleLastReport)

		v1.GET("/wal/stats", s.handleWALStats)
		v1.POST("/wal/replay", s.handleWALReplay)

		v1.GET("/migration/status", s.handleMigrationStatus)
		v1.POST("/migration/start", s.handleMigrationStart)
		v1.POST("/migration/pause", s.handleMigrationPause)
		v1.POST("/migration/rollback", s.handleMigrationRollback)

		v1.GET("/events", s.handleEvents)
	}
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// statusFor maps component errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, ErrMigrationDisabled):
		return http.StatusNotFound
	case errors.Is(err, consistency.ErrConsistencyDrift),
		errors.Is(err, migration.ErrMigrationRunning),
		errors.Is(err, migration.ErrNotRunning),
		errors.Is(err, migration.ErrCutOverDone):
		return http.StatusConflict
	case errors.Is(err, consistency.ErrCheckerStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Service) handleHealth(c *gin.Context) {
	state := s.pool.State()
	status := "ok"
	code := http.StatusOK
	switch state {
	case pool.StateCircuitOpen:
		status, code = "unavailable", http.StatusServiceUnavailable
	case pool.StateDegraded, pool.StateHalfOpen:
		status = "degraded"
	}
	walStats := s.sync.Stats()
	c.JSON(code, gin.H{
		"status":         status,
		"pool":           state.String(),
		"wal_incomplete": walStats.Incomplete,
		"watermark":      walStats.Watermark,
	})
}

func (s *Service) handlePoolStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.Stats())
}

func (s *Service) handleLockStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.locks.Stats())
}

func (s *Service) handleListSessions(c *gin.Context) {
	filter := session.ListFilter{
		AgentID: c.Query("agent"),
		State:   session.State(strings.ToUpper(c.Query("state"))),
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List(filter)})
}

func (s *Service) handleSessionStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.Stats())
}

func (s *Service) handleGetSession(c *gin.Context) {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Service) handleSessionLocks(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.sessions.Get(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": s.locks.Locks(id)})
}

// checkRequest scopes an on-demand consistency check.
type checkRequest struct {
	Namespace string `json:"namespace"`
	Prefix    string `json:"prefix"`
}

func (s *Service) handleCheck(c *gin.Context) {
	var req checkRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	report, err := s.checker.Check(c.Request.Context(), consistency.Scope{Namespace: req.Namespace, Prefix: req.Prefix})
	if err != nil {
		var drift *consistency.DriftError
		if errors.As(err, &drift) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "report": report})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Service) handleLastReport(c *gin.Context) {
	report := s.checker.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no consistency check has run yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Service) handleWALStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":    s.sync.Stats(),
		"recovery": s.recovery,
	})
}

func (s *Service) handleWALReplay(c *gin.Context) {
	report, err := s.sync.Replay(c.Request.Context())
	if err != nil {
		if errors.Is(err, syncmgr.ErrWalReplayFailure) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "report": report})
			return
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Service) handleMigrationStatus(c *gin.Context) {
	st, err := s.MigrationStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Service) handleMigrationStart(c *gin.Context) {
	if err := s.StartMigration(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Service) handleMigrationPause(c *gin.Context) {
	if err := s.PauseMigration(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pausing"})
}

func (s *Service) handleMigrationRollback(c *gin.Context) {
	if err := s.RollbackMigration(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rolled_back"})
}

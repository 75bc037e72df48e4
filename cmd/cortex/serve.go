// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCortex/pkg/logging"
	"github.com/AleutianAI/AleutianCortex/services/coordinator"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/config"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and its admin API until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Sealed credentials are wiped on every exit path.
	defer memguard.Purge()

	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)
	gin.SetMode(gin.ReleaseMode)

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
			log.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	svc, err := coordinator.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close(context.WithoutCancel(ctx))
	if err := svc.Start(ctx); err != nil {
		return err
	}

	watcher, err := config.NewWatcher(configPath, cfg, log)
	if err != nil {
		return err
	}
	defer watcher.Stop()
	watcher.OnChange(func(old, updated *config.Config) {
		if old.Logging.Level != updated.Logging.Level {
			if level, err := logging.ParseLevel(updated.Logging.Level); err == nil {
				logger.SetLevel(level)
				log.Info("log level changed", slog.String("level", level.String()))
			}
		}
		svc.ApplyConfig(old, updated)
	})
	go func() {
		if err := watcher.Start(ctx); err != nil {
			log.Warn("config hot reload disabled", slog.String("error", err.Error()))
		}
	}()

	if err := svc.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("coordinator stopping")
	return nil
}

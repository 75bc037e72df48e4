// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command cortex runs and maintains the knowledge store coordinator.
//
//	cortex serve                 run the coordinator and its admin API
//	cortex check                 verify the structured and vector stores agree
//	cortex migrate run           copy vectors to the configured target index
//	cortex wal status            show the write-ahead log
//	cortex wal replay            finish incomplete dual writes
//
// Every command except serve opens the local state directly, so the
// server must not be running against the same storage path.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCortex/pkg/logging"
	"github.com/AleutianAI/AleutianCortex/services/coordinator"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/config"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool

	rootCmd = &cobra.Command{
		Use:           "cortex",
		Short:         "Coordinate concurrent agents over a dual structured and vector store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to the YAML configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(serveCmd, checkCmd, migrateCmd, walCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads the configuration and builds the process logger.
func bootstrap() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadOrCreate(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	lc, err := cfg.Logging.Logger("cortex")
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(lc), nil
}

// openService runs fn against a service that is built but not started.
func openService(ctx context.Context, mutate func(cfg *config.Config), fn func(svc *coordinator.Service) error) error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Close()
	if mutate != nil {
		mutate(cfg)
	}

	svc, err := coordinator.New(ctx, cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer svc.Close(context.WithoutCancel(ctx))
	return fn(svc)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCortex/services/coordinator"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/config"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/migration"
)

var (
	migrateDryRun   bool
	migrateNoResume bool
	migrateWorkers  int
	migrateRate     float64

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Move vectors from the configured index to migration.target",
	}

	migrateRunCmd = &cobra.Command{
		Use:   "run",
		Short: "Copy, verify and cut over; interrupting saves a checkpoint",
		RunE:  runMigrate,
	}

	migrateStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the saved checkpoint",
		RunE:  runMigrateStatus,
	}

	migrateVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Compare the target with the source without copying",
		RunE:  runMigrateVerify,
	}

	migrateRollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Delete the target copy and the checkpoint",
		RunE:  runMigrateRollback,
	}
)

func init() {
	migrateRunCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "read and time batches without writing")
	migrateRunCmd.Flags().BoolVar(&migrateNoResume, "no-resume", false, "ignore a saved checkpoint and start over")
	migrateRunCmd.Flags().IntVar(&migrateWorkers, "workers", 0, "override migration.workers")
	migrateRunCmd.Flags().Float64Var(&migrateRate, "rate", 0, "override migration.rate_limit (records per second)")
	migrateCmd.AddCommand(migrateRunCmd, migrateStatusCmd, migrateVerifyCmd, migrateRollbackCmd)
}

func withMigration(mutate func(cfg *config.Config)) func(cfg *config.Config) {
	return func(cfg *config.Config) {
		cfg.Migration.Enabled = true
		if mutate != nil {
			mutate(cfg)
		}
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mutate := withMigration(func(cfg *config.Config) {
		cfg.Migration.DryRun = migrateDryRun
		if migrateNoResume {
			cfg.Migration.Resume = false
		}
		if migrateWorkers > 0 {
			cfg.Migration.Workers = migrateWorkers
		}
		if migrateRate > 0 {
			cfg.Migration.RateLimit = migrateRate
		}
	})
	return openService(ctx, mutate, func(svc *coordinator.Service) error {
		report, err := svc.RunMigration(ctx)
		if report != nil {
			if jsonOutput {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			} else {
				printMigration(cmd, report)
			}
		}
		return err
	})
}

func printMigration(cmd *cobra.Command, r *migration.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "migration %s: %s\n", r.Name, r.Status)
	fmt.Fprintf(out, "  migrated %d of %d in %d batches (%.1f/s)\n", r.Migrated, r.Total, r.Batches, r.Throughput)
	if r.Resumed > 0 {
		fmt.Fprintf(out, "  resumed with %d already copied\n", r.Resumed)
	}
	if v := r.Verification; v != nil {
		fmt.Fprintf(out, "  verified %d: %d correct, %d missing, %d mismatched\n",
			v.Verified, v.Correct, v.Missing, v.Mismatched)
	}
}

func runMigrateStatus(cmd *cobra.Command, _ []string) error {
	return openService(cmd.Context(), withMigration(nil), func(svc *coordinator.Service) error {
		st, err := svc.MigrationStatus(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}
		out := cmd.OutOrStdout()
		if st.Saved == nil {
			fmt.Fprintln(out, "no checkpoint saved")
			return nil
		}
		cp := st.Saved
		fmt.Fprintf(out, "migration %s: %s\n", cp.Name, cp.Status)
		fmt.Fprintf(out, "  batch %d, cursor %q, %d migrated, %d verified\n", cp.BatchNumber, cp.Cursor, cp.Migrated, cp.Verified)
		fmt.Fprintf(out, "  updated %s\n", cp.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	})
}

func runMigrateVerify(cmd *cobra.Command, _ []string) error {
	return openService(cmd.Context(), withMigration(nil), func(svc *coordinator.Service) error {
		m, err := svc.Migrator()
		if err != nil {
			return err
		}
		v, err := m.Verify(cmd.Context())
		if v != nil {
			if jsonOutput {
				if perr := printJSON(cmd.OutOrStdout(), v); perr != nil {
					return perr
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "verified %d: %d correct, %d missing, %d mismatched\n",
					v.Verified, v.Correct, v.Missing, v.Mismatched)
			}
		}
		return err
	})
}

func runMigrateRollback(cmd *cobra.Command, _ []string) error {
	return openService(cmd.Context(), withMigration(nil), func(svc *coordinator.Service) error {
		if err := svc.RollbackMigration(context.WithoutCancel(cmd.Context())); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "target copy and checkpoint removed")
		return nil
	})
}

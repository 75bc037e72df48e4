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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCortex/services/coordinator"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/syncmgr"
)

var (
	walShowAll bool

	walCmd = &cobra.Command{
		Use:   "wal",
		Short: "Inspect and replay the write-ahead log",
	}

	walStatusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show log sequence numbers and the records not yet in both stores",
		RunE:  runWALStatus,
	}

	walReplayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Apply every incomplete record to the stores it has not reached",
		RunE:  runWALReplay,
	}
)

func init() {
	walStatusCmd.Flags().BoolVar(&walShowAll, "all", false, "list complete records too")
	walCmd.AddCommand(walStatusCmd, walReplayCmd)
}

// walRecord is the printable form of a log record; content is omitted.
type walRecord struct {
	Seq        uint64 `json:"seq"`
	Op         string `json:"op"`
	Namespace  string `json:"namespace"`
	EntityID   string `json:"entity_id"`
	Structured bool   `json:"structured"`
	Vector     bool   `json:"vector"`
	Abandoned  bool   `json:"abandoned,omitempty"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
}

func runWALStatus(cmd *cobra.Command, _ []string) error {
	return openService(cmd.Context(), nil, func(svc *coordinator.Service) error {
		recs, err := svc.Sync().Records(cmd.Context())
		if err != nil {
			return err
		}
		var rows []walRecord
		for _, r := range recs {
			if !walShowAll && r.Complete() {
				continue
			}
			rows = append(rows, toWALRecord(r))
		}
		stats := svc.Sync().Stats()
		recovery := svc.Recovery()

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"stats":    stats,
				"recovery": recovery,
				"records":  rows,
			})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "last sequence: %d\n", stats.LastSequence)
		fmt.Fprintf(out, "floor:         %d\n", stats.Floor)
		fmt.Fprintf(out, "watermark:     %d\n", stats.Watermark)
		fmt.Fprintf(out, "recovered:     %d replayed, %d failed at open\n", recovery.Replayed, recovery.Failed)
		fmt.Fprintf(out, "abandoned:     %d awaiting replay\n", stats.Stranded)
		for _, r := range rows {
			fmt.Fprintf(out, "  #%-8d %-7s %s/%s structured=%t vector=%t attempts=%d %s\n",
				r.Seq, r.Op, r.Namespace, r.EntityID, r.Structured, r.Vector, r.Attempts, r.LastError)
		}
		return nil
	})
}

func runWALReplay(cmd *cobra.Command, _ []string) error {
	return openService(cmd.Context(), nil, func(svc *coordinator.Service) error {
		report, err := svc.Sync().Replay(cmd.Context())
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, replayed %d, failed %d, abandoned %d\n",
				report.Scanned, report.Replayed, report.Failed, report.Abandoned)
		}
		return err
	})
}

func toWALRecord(r *syncmgr.Record) walRecord {
	return walRecord{
		Seq:        r.Seq,
		Op:         r.Op.String(),
		Namespace:  r.Namespace,
		EntityID:   r.EntityID,
		Structured: r.CommittedStructured,
		Vector:     r.CommittedVector,
		Abandoned:  r.Abandoned,
		Attempts:   r.Attempts,
		LastError:  r.LastError,
	}
}

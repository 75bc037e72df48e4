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
	"github.com/AleutianAI/AleutianCortex/services/coordinator/config"
	"github.com/AleutianAI/AleutianCortex/services/coordinator/consistency"
)

var (
	checkNamespace string
	checkPrefix    string
	checkNoRepair  bool

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Verify the structured and vector stores agree and repair drift",
		RunE:  runCheck,
	}
)

func init() {
	checkCmd.Flags().StringVar(&checkNamespace, "namespace", "", "namespace to check (default main)")
	checkCmd.Flags().StringVar(&checkPrefix, "prefix", "", "only check entity ids with this prefix")
	checkCmd.Flags().BoolVar(&checkNoRepair, "no-repair", false, "report drift without repairing it")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	mutate := func(cfg *config.Config) {
		if checkNoRepair {
			cfg.Consistency.AutoRepair = false
		}
	}
	return openService(cmd.Context(), mutate, func(svc *coordinator.Service) error {
		report, err := svc.Checker().Check(cmd.Context(), consistency.Scope{Namespace: checkNamespace, Prefix: checkPrefix})
		if report != nil {
			if jsonOutput {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			} else {
				printReport(cmd, report)
			}
		}
		return err
	})
}

func printReport(cmd *cobra.Command, r *consistency.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scope:          %s\n", r.Scope)
	fmt.Fprintf(out, "checked:        %d in %s\n", r.Checked, r.Duration)
	fmt.Fprintf(out, "consistent:     %d\n", r.Consistent)
	fmt.Fprintf(out, "missing:        %d\n", r.MissingVectors)
	fmt.Fprintf(out, "orphans:        %d\n", r.OrphanVectors)
	fmt.Fprintf(out, "mismatches:     %d\n", r.Mismatches)
	fmt.Fprintf(out, "nodes compared: %d\n", r.NodesCompared)
	fmt.Fprintf(out, "digest root:    %s (vectors %s)\n", r.DigestRoot.Short(), r.VectorRoot.Short())
	for _, d := range r.Drift {
		fmt.Fprintf(out, "  %-16s %s\n", d.Status, d.EntityID)
	}
	if len(r.Repairs) > 0 {
		fmt.Fprintf(out, "repaired:       %d (%d failed)\n", r.Repaired, r.RepairFailed)
	}
	if r.Escalated {
		fmt.Fprintln(out, "drift exceeds the repair threshold; nothing was repaired")
	}
}

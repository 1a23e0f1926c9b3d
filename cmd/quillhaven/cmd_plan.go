// Copyright (C) 2025 Quillhaven AI (oss@quillhaven.ai)
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
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/QuillhavenAI/QuillhavenFOSS/cmd/quillhaven/config"
	quillctx "github.com/QuillhavenAI/QuillhavenFOSS/services/studio/context"
)

func runPlanCommand(cmd *cobra.Command, args []string) {
	hierarchy := quillctx.NewHierarchy()
	plan, warnings := hierarchy.SuggestBalancedAllocation(
		resolvePlanBudget(cmd.Flags().Changed("budget")))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tMIN\tDEFAULT\tMAX\tPLANNED")
	total := 0
	for _, tier := range quillctx.AllTiers() {
		cfg, err := hierarchy.ConfigFor(tier)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n",
			tier, cfg.MinTokens, cfg.DefaultTokens, cfg.MaxTokens, plan[tier])
		total += plan[tier]
	}
	fmt.Fprintf(w, "total\t\t\t\t%d\n", total)
	w.Flush()

	for _, warning := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
}

// resolvePlanBudget prefers an explicit --budget flag, then the config
// file's studio budget, then the flag default.
func resolvePlanBudget(explicit bool) int {
	if explicit {
		return planBudget
	}
	if budget := config.Global.Studio.TotalBudget; budget > 0 {
		return budget
	}
	return planBudget
}

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
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "quillhaven",
		Short: "A CLI for the Quillhaven creative-writing context engine",
		Long: `Quillhaven manages the token budget of an LLM creative-writing
assistant: layered context tiers, relevance-based selection, and
LLM-backed distillation when the story outgrows the window.`,
	}

	planCmd = &cobra.Command{
		Use:   "plan",
		Short: "Show the balanced per-tier token allocation for a budget",
		Run:   runPlanCommand,
	}
	planBudget int

	countCmd = &cobra.Command{
		Use:   "count [file]",
		Short: "Count tokens in a file or on stdin",
		Long: `Counts tokens with the cl100k_base encoding, applying the selected
counting strategy and the detected (or declared) content category.`,
		Args: cobra.MaximumNArgs(1),
		Run:  runCountCommand,
	}
	countStrategy string
	countCategory string

	distillCmd = &cobra.Command{
		Use:   "distill [file]",
		Short: "Summarize a file or stdin with the configured model backend",
		Long: `Distills the input with the content-type-aware summarization strategy,
calling the model backend named in ~/.quillhaven/quillhaven.yaml.
Requires OPENAI_API_KEY.`,
		Args: cobra.MaximumNArgs(1),
		Run:  runDistillCommand,
	}
)

func init() {
	planCmd.Flags().IntVar(&planBudget, "budget", 8000, "total token budget to distribute")
	countCmd.Flags().StringVar(&countStrategy, "strategy", "estimated",
		"counting strategy: exact, estimated, conservative, optimistic")
	countCmd.Flags().StringVar(&countCategory, "category", "",
		"declared content category (empty auto-detects)")

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(distillCmd)
}

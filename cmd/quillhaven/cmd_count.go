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
	"io"
	"os"

	"github.com/spf13/cobra"

	quillctx "github.com/QuillhavenAI/QuillhavenFOSS/services/studio/context"
)

func runCountCommand(cmd *cobra.Command, args []string) {
	var text []byte
	var err error
	if len(args) == 1 {
		text, err = os.ReadFile(args[0])
	} else {
		text, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: reading input: %v\n", err)
		os.Exit(1)
	}

	opts := []quillctx.CounterOption{}
	if tokenizer, tkErr := quillctx.NewTiktokenTokenizer(""); tkErr == nil {
		opts = append(opts, quillctx.WithTokenizer(tokenizer))
	} else {
		fmt.Fprintf(os.Stderr, "warning: tokenizer unavailable, falling back to estimate: %v\n", tkErr)
	}
	counter := quillctx.NewTokenCounter(opts...)

	category := quillctx.ContentCategory(countCategory)
	if countCategory == "" {
		category = quillctx.CategoryUnknown
	} else if !category.IsValid() {
		fmt.Fprintf(os.Stderr, "error: unknown category %q\n", countCategory)
		os.Exit(1)
	}

	result := counter.Count(string(text), category, parseStrategy(countStrategy))
	fmt.Printf("tokens: %d\ncategory: %s\nstrategy: %s\n",
		result.Tokens, result.Category, result.Strategy)
	if result.Heuristic {
		fmt.Println("estimate: character-based heuristic, not exact")
	}
}

func parseStrategy(s string) quillctx.CountStrategy {
	switch s {
	case "exact":
		return quillctx.StrategyExact
	case "conservative":
		return quillctx.StrategyConservative
	case "optimistic":
		return quillctx.StrategyOptimistic
	default:
		return quillctx.StrategyEstimated
	}
}

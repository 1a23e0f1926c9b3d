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

	"github.com/QuillhavenAI/QuillhavenFOSS/cmd/quillhaven/config"
	"github.com/QuillhavenAI/QuillhavenFOSS/services/llm"
	quillctx "github.com/QuillhavenAI/QuillhavenFOSS/services/studio/context"
)

func runDistillCommand(cmd *cobra.Command, args []string) {
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

	backend := config.Global.ModelBackend
	if backend.Type != "" && backend.Type != "openai" {
		fmt.Fprintf(os.Stderr, "error: unsupported model backend type %q\n", backend.Type)
		os.Exit(1)
	}
	client, err := llm.NewOpenAIClient(
		llm.WithModel(backend.Model),
		llm.WithBaseURL(backend.BaseURL),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	opts := []quillctx.CounterOption{}
	if tokenizer, tkErr := quillctx.NewTiktokenTokenizer(""); tkErr == nil {
		opts = append(opts, quillctx.WithTokenizer(tokenizer))
	} else {
		fmt.Fprintf(os.Stderr, "warning: tokenizer unavailable, falling back to estimate: %v\n", tkErr)
	}
	counter := quillctx.NewTokenCounter(opts...)

	distiller := quillctx.NewContextDistiller(client, counter, nil,
		quillctx.WithDistillerConfig(distillerConfigFromFile()))

	result := distiller.Distill(cmd.Context(), string(text), quillctx.TriggerManual, nil)
	if result.Failed {
		fmt.Fprintf(os.Stderr, "error: distillation failed: %s\n", result.FailureReason)
		os.Exit(1)
	}

	fmt.Println(result.Summary)
	fmt.Fprintf(os.Stderr, "tokens: %d -> %d (ratio %.2f, %s)\n",
		result.OriginalTokens, result.CompressedTokens,
		result.CompressionRatio, result.ContentType)
}

// distillerConfigFromFile overlays the config file's thresholds onto the
// distiller defaults. Partial or inconsistent values keep the defaults.
func distillerConfigFromFile() quillctx.DistillerConfig {
	cfg := quillctx.DefaultDistillerConfig()
	studio := config.Global.Studio
	if studio.RollingSummaryThreshold > 0 && studio.EmergencyThreshold >= studio.RollingSummaryThreshold {
		cfg.RollingSummaryThreshold = studio.RollingSummaryThreshold
		cfg.EmergencyThreshold = studio.EmergencyThreshold
	}
	if studio.LayerOverflowMargin > 0 {
		cfg.LayerOverflowMargin = studio.LayerOverflowMargin
	}
	return cfg
}

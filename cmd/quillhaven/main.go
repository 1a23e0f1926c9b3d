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

	"github.com/QuillhavenAI/QuillhavenFOSS/cmd/quillhaven/config"
	"github.com/QuillhavenAI/QuillhavenFOSS/pkg/logging"
)

func main() {
	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(config.Global.Logging.Level),
		LogDir:  config.Global.Logging.LogDir,
		Service: "cli",
	})
	defer logger.Close()

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

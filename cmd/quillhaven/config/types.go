// Copyright (C) 2025 Quillhaven AI (oss@quillhaven.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

type QuillhavenConfig struct {
	// Studio: context budgeting behavior
	Studio StudioConfig `yaml:"studio"`

	// ModelBackend: which provider serves distillation calls
	ModelBackend BackendConfig `yaml:"model_backend"`

	// Logging: log level and optional file output
	Logging LoggingConfig `yaml:"logging"`
}

type StudioConfig struct {
	TotalBudget             int     `yaml:"total_budget"`              // e.g. 8000
	RollingSummaryThreshold int     `yaml:"rolling_summary_threshold"` // e.g. 25000
	EmergencyThreshold      int     `yaml:"emergency_threshold"`       // e.g. 30000
	LayerOverflowMargin     float64 `yaml:"layer_overflow_margin"`     // e.g. 0.10
}

type BackendConfig struct {
	// Type can be "openai" or any OpenAI-compatible endpoint.
	Type    string `yaml:"type"`
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	LogDir string `yaml:"log_dir,omitempty"`
}

// DefaultConfig returns the config written on first run.
func DefaultConfig() QuillhavenConfig {
	return QuillhavenConfig{
		Studio: StudioConfig{
			TotalBudget:             8000,
			RollingSummaryThreshold: 25000,
			EmergencyThreshold:      30000,
			LayerOverflowMargin:     0.10,
		},
		ModelBackend: BackendConfig{
			Type:  "openai",
			Model: "gpt-4o-mini",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

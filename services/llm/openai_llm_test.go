// Copyright (C) 2025 Quillhaven AI (oss@quillhaven.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewOpenAIClient(); err == nil {
		t.Fatal("expected an error without OPENAI_API_KEY")
	}
}

func TestNewOpenAIClientOptionsOverrideEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("OPENAI_MODEL", "env-model")
	t.Setenv("OPENAI_BASE_URL", "http://env:1234/v1")

	c, err := NewOpenAIClient(
		WithModel("config-model"),
		WithBaseURL("http://config:8080/v1"),
	)
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	if c.model != "config-model" {
		t.Errorf("model = %q, want config-model", c.model)
	}
	if c.baseURL != "http://config:8080/v1" {
		t.Errorf("baseURL = %q, want the option value", c.baseURL)
	}
	if c.api == nil {
		t.Error("api client was not constructed")
	}
}

func TestNewOpenAIClientDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-key")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("OPENAI_BASE_URL", "")

	c, err := NewOpenAIClient(WithModel(""), WithBaseURL(""))
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	if c.model != DefaultOpenAIModel {
		t.Errorf("model = %q, want %q", c.model, DefaultOpenAIModel)
	}
	if c.baseURL != "" {
		t.Errorf("baseURL = %q, want empty", c.baseURL)
	}
}

func TestClassifyOpenAIError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, ErrRateLimited},
		{"server", &openai.APIError{HTTPStatusCode: 503}, ErrServerError},
		{"client", &openai.APIError{HTTPStatusCode: 400}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyOpenAIError(tt.in); !errors.Is(got, tt.want) {
				t.Errorf("classifyOpenAIError(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

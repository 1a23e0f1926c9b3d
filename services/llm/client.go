// Copyright (C) 2025 Quillhaven AI (oss@quillhaven.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the provider-neutral client interface the studio
// uses for generation, plus the OpenAI-backed implementation.
package llm

import (
	"context"
	"errors"
	"time"
)

// Generation defaults.
const (
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.3
	DefaultTimeout     = 60 * time.Second
)

// Sentinel errors for provider failures. Implementations wrap these so
// callers can branch with errors.Is regardless of provider.
var (
	// ErrEmptyPrompt is returned when the prompt is blank.
	ErrEmptyPrompt = errors.New("prompt is empty")

	// ErrRateLimited is returned when the provider throttles the request.
	ErrRateLimited = errors.New("rate limited by provider")

	// ErrTimeout is returned when the request deadline expires.
	ErrTimeout = errors.New("request timed out")

	// ErrServerError is returned for provider-side 5xx failures.
	ErrServerError = errors.New("provider server error")

	// ErrInvalidRequest is returned for provider-side 4xx failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// Response is the result of one generation call.
type Response struct {
	// Content is the generated text.
	Content string `json:"content"`

	// TokensUsed is the total token count billed for the call.
	TokensUsed int `json:"tokens_used"`

	// InputTokens is the prompt's token count.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the completion's token count.
	OutputTokens int `json:"output_tokens"`

	// FinishReason is the provider's stop reason (e.g. "stop", "length").
	FinishReason string `json:"finish_reason"`

	// Model is the model that served the request.
	Model string `json:"model"`
}

// Options are per-call generation parameters.
type Options struct {
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Option is a functional option for a generation call.
type Option func(*Options)

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Options) {
		if t >= 0 {
			o.Temperature = t
		}
	}
}

// WithTimeout bounds the call duration.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// DefaultOptions returns the default generation parameters.
func DefaultOptions() Options {
	return Options{
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		Timeout:     DefaultTimeout,
	}
}

// ApplyOptions folds opts over the defaults.
func ApplyOptions(opts ...Option) Options {
	resolved := DefaultOptions()
	for _, opt := range opts {
		opt(&resolved)
	}
	return resolved
}

// Client is the generation interface the studio consumes.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Client interface {
	// Generate produces a completion for the prompt.
	Generate(ctx context.Context, prompt string, opts ...Option) (*Response, error)

	// EstimateTokens cheaply estimates the token count of text without a
	// network call.
	EstimateTokens(text string) int
}

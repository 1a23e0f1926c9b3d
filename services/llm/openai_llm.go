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
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// Default OpenAI settings.
const (
	DefaultOpenAIModel = "gpt-4o-mini"

	// defaultRequestsPerSecond keeps a single studio instance well under
	// provider rate limits.
	defaultRequestsPerSecond = 5
	defaultBurst             = 10
)

// openAICompleter is the slice of the go-openai client we use; narrowed
// for testability.
type openAICompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements Client on top of the OpenAI chat completions
// API with client-side rate limiting.
//
// Thread Safety: Safe for concurrent use.
type OpenAIClient struct {
	api     openAICompleter
	model   string
	baseURL string
	limiter *rate.Limiter
}

// OpenAIOption configures the OpenAI client.
type OpenAIOption func(*OpenAIClient)

// WithModel overrides the model name.
func WithModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithRateLimit replaces the default client-side limiter.
func WithRateLimit(rps float64, burst int) OpenAIOption {
	return func(c *OpenAIClient) {
		if rps > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// NewOpenAIClient creates a client from the environment.
//
// Inputs:
//   - Reads OPENAI_API_KEY (required) and OPENAI_MODEL (optional,
//     defaults to DefaultOpenAIModel). OPENAI_BASE_URL switches the
//     endpoint for OpenAI-compatible local servers. Options override
//     the environment.
//
// Outputs:
//   - *OpenAIClient: The ready client.
//   - error: Non-nil when the API key is missing.
func NewOpenAIClient(opts ...OpenAIOption) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set")
	}

	c := &OpenAIClient{
		model:   DefaultOpenAIModel,
		baseURL: os.Getenv("OPENAI_BASE_URL"),
		limiter: rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), defaultBurst),
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		c.model = model
	}
	for _, opt := range opts {
		opt(c)
	}

	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	c.api = openai.NewClientWithConfig(cfg)
	return c, nil
}

// Generate produces a completion for the prompt.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, opts ...Option) (*Response, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	resolved := ApplyOptions(opts...)

	ctx, cancel := context.WithTimeout(ctx, resolved.Timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   resolved.MaxTokens,
		Temperature: float32(resolved.Temperature),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contained no choices", ErrServerError)
	}

	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		TokensUsed:   resp.Usage.TotalTokens,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		FinishReason: string(choice.FinishReason),
		Model:        resp.Model,
	}, nil
}

// EstimateTokens estimates at ~4 characters per token.
func (c *OpenAIClient) EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// classifyOpenAIError maps provider failures onto the package sentinels.
func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrServerError, err)
		case apiErr.HTTPStatusCode >= 400:
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return err
}

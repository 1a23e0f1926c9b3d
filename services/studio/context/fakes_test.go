// Copyright (C) 2025 Quillhaven AI (oss@quillhaven.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package context

import (
	stdctx "context"
	"strings"

	"github.com/QuillhavenAI/QuillhavenFOSS/services/llm"
)

// fakeLLM returns a canned response or error for every call.
type fakeLLM struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (f *fakeLLM) Generate(ctx stdctx.Context, prompt string, opts ...llm.Option) (*llm.Response, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{
		Content:      f.response,
		TokensUsed:   len(strings.Fields(prompt)) + len(strings.Fields(f.response)),
		FinishReason: "stop",
		Model:        "fake",
	}, nil
}

func (f *fakeLLM) EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

// wordTokenizer counts one token per whitespace-separated word, making
// test token arithmetic predictable.
type wordTokenizer struct{}

func (wordTokenizer) CountTokens(text string) int {
	return len(strings.Fields(text))
}

func (wordTokenizer) TruncateToTokenLimit(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ")
}

// exactWordCounter builds a TokenCounter whose counts equal word counts,
// with no strategy or category inflation.
func exactWordCounter() *TokenCounter {
	return NewTokenCounter(
		WithTokenizer(wordTokenizer{}),
		WithDefaultStrategy(StrategyExact),
	)
}

// wordsOfLength builds deterministic filler text with n words.
func wordsOfLength(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = "word"
	}
	return strings.Join(words, " ")
}

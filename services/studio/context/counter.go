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
	"fmt"
	"math"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used when none is specified.
const DefaultEncoding = "cl100k_base"

// CountStrategy selects how conservative the token estimate should be.
type CountStrategy int

const (
	// StrategyExact trusts the tokenizer output (multiplier 1.0).
	StrategyExact CountStrategy = iota

	// StrategyEstimated adds a 10% safety margin.
	StrategyEstimated

	// StrategyConservative adds a 25% safety margin.
	StrategyConservative

	// StrategyOptimistic shaves 5% for callers that tolerate overflow.
	StrategyOptimistic
)

// String returns the strategy name.
func (s CountStrategy) String() string {
	switch s {
	case StrategyExact:
		return "exact"
	case StrategyEstimated:
		return "estimated"
	case StrategyConservative:
		return "conservative"
	case StrategyOptimistic:
		return "optimistic"
	default:
		return "unknown"
	}
}

// Multiplier returns the overhead multiplier for the strategy.
func (s CountStrategy) Multiplier() float64 {
	switch s {
	case StrategyExact:
		return 1.0
	case StrategyEstimated:
		return 1.1
	case StrategyConservative:
		return 1.25
	case StrategyOptimistic:
		return 0.95
	default:
		return 1.0
	}
}

// categoryMultiplier returns the per-category token overhead. System
// prompts and metadata tokenize worse than prose because of their
// formatting; dialogue carries quote overhead.
func categoryMultiplier(c ContentCategory) float64 {
	switch c {
	case CategorySystemPrompt:
		return 1.15
	case CategoryMetadata:
		return 1.2
	case CategoryDialogue:
		return 1.05
	default:
		return 1.0
	}
}

// Tokenizer abstracts the external tokenizer dependency.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Tokenizer interface {
	// CountTokens returns the token count for text.
	CountTokens(text string) int

	// TruncateToTokenLimit returns text cut to at most n tokens.
	TruncateToTokenLimit(text string, n int) string
}

// TiktokenTokenizer counts tokens with a tiktoken encoding.
//
// The underlying encoding table is loaded once at construction and is
// read-only afterwards, so a single instance may be shared across sessions.
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenTokenizer loads a tiktoken encoding by name.
//
// Inputs:
//   - encodingName: Encoding identifier (e.g. "cl100k_base"). Empty uses
//     DefaultEncoding.
//
// Outputs:
//   - *TiktokenTokenizer: The ready tokenizer.
//   - error: Non-nil when the encoding cannot be loaded; callers should
//     fall back to the heuristic counter in that case.
func NewTiktokenTokenizer(encodingName string) (*TiktokenTokenizer, error) {
	if encodingName == "" {
		encodingName = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encodingName, err)
	}
	return &TiktokenTokenizer{encoding: enc}, nil
}

// CountTokens returns the exact token count for text.
func (t *TiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// TruncateToTokenLimit returns text cut to at most n tokens.
func (t *TiktokenTokenizer) TruncateToTokenLimit(text string, n int) string {
	if n <= 0 {
		return ""
	}
	tokens := t.encoding.Encode(text, nil, nil)
	if len(tokens) <= n {
		return text
	}
	return t.encoding.Decode(tokens[:n])
}

// heuristicCount estimates tokens at ~4 characters per token, rounding up
// so short non-empty text never counts as zero.
func heuristicCount(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// CountResult is the outcome of one counting operation.
type CountResult struct {
	// Tokens is the adjusted token count.
	Tokens int `json:"tokens"`

	// Category is the category used for the overhead multiplier
	// (supplied or detected).
	Category ContentCategory `json:"category"`

	// Strategy is the counting strategy applied.
	Strategy CountStrategy `json:"strategy"`

	// Heuristic is true when no tokenizer was available and the count
	// came from the chars-per-token fallback. Callers should treat
	// heuristic counts as lower-confidence.
	Heuristic bool `json:"heuristic"`
}

// BudgetCheck reports whether a set of items fits a budget.
type BudgetCheck struct {
	Fits      bool `json:"fits"`
	Total     int  `json:"total"`
	Remaining int  `json:"remaining"`
	Overflow  int  `json:"overflow"`
}

// TokenCounter converts text plus a declared-or-detected category into a
// token estimate.
//
// Thread Safety: Safe for concurrent use; all fields are read-only after
// construction.
type TokenCounter struct {
	tokenizer  Tokenizer
	classifier Classifier
	strategy   CountStrategy
}

// CounterOption is a functional option for configuring the counter.
type CounterOption func(*TokenCounter)

// WithTokenizer sets the tokenizer. Nil leaves the heuristic fallback.
func WithTokenizer(t Tokenizer) CounterOption {
	return func(c *TokenCounter) {
		c.tokenizer = t
	}
}

// WithCounterClassifier sets the classifier used for category detection.
func WithCounterClassifier(cl Classifier) CounterOption {
	return func(c *TokenCounter) {
		if cl != nil {
			c.classifier = cl
		}
	}
}

// WithDefaultStrategy sets the strategy used by CountTokens.
func WithDefaultStrategy(s CountStrategy) CounterOption {
	return func(c *TokenCounter) {
		c.strategy = s
	}
}

// NewTokenCounter creates a token counter. Without WithTokenizer the
// counter runs in degraded mode and flags every result as heuristic.
func NewTokenCounter(opts ...CounterOption) *TokenCounter {
	c := &TokenCounter{
		classifier: DefaultClassifier,
		strategy:   StrategyEstimated,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Count returns the token estimate for text.
//
// Description:
//
//	Counts base tokens with the configured tokenizer (or the chars-per-token
//	heuristic when none is available), then applies the strategy multiplier
//	and the per-category multiplier. When category is CategoryUnknown the
//	classifier detects it from textual signals, defaulting to narrative.
//
// Inputs:
//   - text: The content to count. Empty returns a zero result.
//   - category: The declared category, or CategoryUnknown to auto-detect.
//   - strategy: The counting strategy.
//
// Outputs:
//   - CountResult: The adjusted count, resolved category, and a Heuristic
//     flag when the fallback path was used.
func (c *TokenCounter) Count(text string, category ContentCategory, strategy CountStrategy) CountResult {
	result := CountResult{Category: category, Strategy: strategy}
	if text == "" {
		if category == CategoryUnknown {
			result.Category = CategoryNarrative
		}
		return result
	}

	if category == CategoryUnknown {
		result.Category = c.classifier.DetectCategory(text)
	}

	var base int
	if c.tokenizer != nil {
		base = c.tokenizer.CountTokens(text)
	} else {
		base = heuristicCount(text)
		result.Heuristic = true
	}

	adjusted := float64(base) * strategy.Multiplier() * categoryMultiplier(result.Category)
	result.Tokens = int(math.Ceil(adjusted))
	return result
}

// CountTokens returns the token estimate for text using the counter's
// default strategy and category auto-detection.
func (c *TokenCounter) CountTokens(text string) int {
	return c.Count(text, CategoryUnknown, c.strategy).Tokens
}

// CountItem counts an item's content using its declared category and
// caches the result on the item.
func (c *TokenCounter) CountItem(item *ContentItem) int {
	if item == nil {
		return 0
	}
	item.Tokens = c.Count(item.Content, item.Category, c.strategy).Tokens
	return item.Tokens
}

// Truncate cuts text to at most n tokens, using the tokenizer when
// available and a character estimate otherwise.
func (c *TokenCounter) Truncate(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if c.tokenizer != nil {
		return c.tokenizer.TruncateToTokenLimit(text, n)
	}
	maxChars := n * CharsPerToken
	if len(text) <= maxChars {
		return text
	}
	return text[:maxChars]
}

// ValidateBudget checks whether the items' combined count fits the budget.
func (c *TokenCounter) ValidateBudget(items []*ContentItem, budget int) BudgetCheck {
	total := 0
	for _, item := range items {
		if item == nil {
			continue
		}
		if item.Tokens == 0 {
			c.CountItem(item)
		}
		total += item.Tokens
	}

	check := BudgetCheck{Total: total}
	if total <= budget {
		check.Fits = true
		check.Remaining = budget - total
	} else {
		check.Overflow = total - budget
	}
	return check
}

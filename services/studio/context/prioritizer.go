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
	"sort"
	"time"
)

// Prioritizer defaults.
const (
	// DefaultMinScoreThreshold discards items scoring below it.
	DefaultMinScoreThreshold = 0.2

	// DefaultMaxItemsPerCategory caps how many items one category may
	// contribute during the category-fair pass.
	DefaultMaxItemsPerCategory = 10
)

// DefaultCategoryWeights is the budget share per category. Categories not
// listed compete only in the greedy fill pass.
func DefaultCategoryWeights() map[ContentCategory]float64 {
	return map[ContentCategory]float64{
		CategoryCharacter:     0.4,
		CategoryScene:         0.3,
		CategoryPlotPoint:     0.2,
		CategoryWorldBuilding: 0.1,
	}
}

// PrioritizerConfig configures selection behavior.
type PrioritizerConfig struct {
	// MinScoreThreshold filters out low-scoring items before selection.
	MinScoreThreshold float64

	// CategoryWeights is the per-category budget share.
	CategoryWeights map[ContentCategory]float64

	// MaxItemsPerCategory caps items per category in the fair pass.
	MaxItemsPerCategory int
}

// DefaultPrioritizerConfig returns production defaults.
func DefaultPrioritizerConfig() PrioritizerConfig {
	return PrioritizerConfig{
		MinScoreThreshold:   DefaultMinScoreThreshold,
		CategoryWeights:     DefaultCategoryWeights(),
		MaxItemsPerCategory: DefaultMaxItemsPerCategory,
	}
}

// SelectedItem is one item chosen by the prioritizer.
type SelectedItem struct {
	// Item is the selected content item.
	Item *ContentItem `json:"item"`

	// Score is the relevance score that earned selection.
	Score RelevanceScore `json:"score"`

	// PriorityRank is the item's 1-based rank in the final selection.
	PriorityRank int `json:"priority_rank"`
}

// Selection is the prioritizer's output.
type Selection struct {
	// Items are the selected items, sorted by score with sequential ranks.
	Items []SelectedItem `json:"items"`

	// TokensUsed is the combined token count of the selection.
	TokensUsed int `json:"tokens_used"`

	// TokenBudget is the budget the selection was made under.
	TokenBudget int `json:"token_budget"`

	// CandidateCount is how many items competed.
	CandidateCount int `json:"candidate_count"`

	// DroppedBelowThreshold is how many candidates fell under the
	// minimum score threshold.
	DroppedBelowThreshold int `json:"dropped_below_threshold"`
}

// LayeredPrioritizer selects a category-balanced, score-maximizing subset
// of content items under a token budget.
//
// Selection runs in two phases. Phase one gives each category a sub-budget
// proportional to its configured weight (renormalized over the categories
// actually present) and fills it highest-score-first. Phase two greedily
// spends any leftover budget on the best remaining items regardless of
// category. The split exists so one abundant category cannot starve a
// structurally important but sparse one, such as plot points.
//
// Thread Safety: Safe for concurrent use; read-only after construction.
type LayeredPrioritizer struct {
	counter *TokenCounter
	config  PrioritizerConfig
}

// PrioritizerOption is a functional option for the prioritizer.
type PrioritizerOption func(*LayeredPrioritizer)

// WithPrioritizerConfig replaces the default configuration.
func WithPrioritizerConfig(cfg PrioritizerConfig) PrioritizerOption {
	return func(p *LayeredPrioritizer) {
		if cfg.MaxItemsPerCategory > 0 && len(cfg.CategoryWeights) > 0 {
			p.config = cfg
		}
	}
}

// NewLayeredPrioritizer creates a prioritizer backed by the given counter.
func NewLayeredPrioritizer(counter *TokenCounter, opts ...PrioritizerOption) *LayeredPrioritizer {
	p := &LayeredPrioritizer{
		counter: counter,
		config:  DefaultPrioritizerConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prioritize selects the best-fitting subset of items for the budget.
//
// Inputs:
//   - items: Candidate content items. Empty input returns an empty
//     selection without error.
//   - uc: The usage context items are scored against.
//   - agent: The consuming agent; fixes the scoring weight preset.
//   - tokenBudget: The token budget. Must be positive.
//
// Outputs:
//   - *Selection: Selected items sorted by score, total within budget.
//   - error: ErrInvalidBudget for a non-positive budget.
func (p *LayeredPrioritizer) Prioritize(items []*ContentItem, uc UsageContext, agent AgentType, tokenBudget int) (*Selection, error) {
	if tokenBudget <= 0 {
		return nil, ErrInvalidBudget
	}

	selection := &Selection{TokenBudget: tokenBudget, CandidateCount: len(items)}
	if len(items) == 0 {
		return selection, nil
	}

	calc := NewRelevanceCalculator(WeightsForAgent(agent))
	scored := calc.BatchCalculateScores(items, uc, time.Now())

	// Filter below-threshold items and make sure every survivor has a
	// token count.
	eligible := make([]ScoredItem, 0, len(scored))
	for _, s := range scored {
		if s.Item == nil || s.Score.TotalScore < p.config.MinScoreThreshold {
			selection.DroppedBelowThreshold++
			continue
		}
		if s.Item.Tokens == 0 {
			p.counter.CountItem(s.Item)
		}
		eligible = append(eligible, s)
	}
	if len(eligible) == 0 {
		return selection, nil
	}

	byCategory := make(map[ContentCategory][]ScoredItem)
	for _, s := range eligible {
		byCategory[s.Item.Category] = append(byCategory[s.Item.Category], s)
	}

	budgets := p.categoryBudgets(byCategory, tokenBudget)

	// Phase one: category-fair selection.
	taken := make(map[string]bool)
	var picked []ScoredItem
	tokensUsed := 0
	for _, category := range sortedCategories(byCategory) {
		catBudget, ok := budgets[category]
		if !ok {
			continue
		}
		catTokens := 0
		catCount := 0
		for _, s := range byCategory[category] {
			if catCount >= p.config.MaxItemsPerCategory {
				break
			}
			if catTokens+s.Item.Tokens > catBudget {
				continue
			}
			picked = append(picked, s)
			taken[s.Item.ID] = true
			catTokens += s.Item.Tokens
			catCount++
		}
		tokensUsed += catTokens
	}

	// Phase two: greedy fill with whatever still fits, best score first,
	// regardless of category.
	for _, s := range eligible {
		if taken[s.Item.ID] {
			continue
		}
		if tokensUsed+s.Item.Tokens > tokenBudget {
			continue
		}
		picked = append(picked, s)
		taken[s.Item.ID] = true
		tokensUsed += s.Item.Tokens
	}

	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].Score.TotalScore > picked[j].Score.TotalScore
	})
	selection.Items = make([]SelectedItem, len(picked))
	for i, s := range picked {
		selection.Items[i] = SelectedItem{Item: s.Item, Score: s.Score, PriorityRank: i + 1}
	}
	selection.TokensUsed = tokensUsed
	return selection, nil
}

// categoryBudgets computes per-category sub-budgets proportional to the
// configured weights, renormalized over the categories actually present.
// Present categories without a configured weight get no fair-pass budget
// and compete only in the greedy fill.
func (p *LayeredPrioritizer) categoryBudgets(byCategory map[ContentCategory][]ScoredItem, tokenBudget int) map[ContentCategory]int {
	weightSum := 0.0
	for category := range byCategory {
		if w, ok := p.config.CategoryWeights[category]; ok {
			weightSum += w
		}
	}
	budgets := make(map[ContentCategory]int)
	if weightSum <= 0 {
		return budgets
	}
	for category := range byCategory {
		if w, ok := p.config.CategoryWeights[category]; ok {
			budgets[category] = int(float64(tokenBudget) * w / weightSum)
		}
	}
	return budgets
}

// sortedCategories returns the present categories in a deterministic
// order (by name).
func sortedCategories(byCategory map[ContentCategory][]ScoredItem) []ContentCategory {
	categories := make([]ContentCategory, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool {
		return categories[i] < categories[j]
	})
	return categories
}

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
	"sort"
)

// LayerTier identifies one level of the five-tier memory hierarchy.
// Rank 0 is the highest priority and least compressible tier.
type LayerTier int

const (
	// TierWorking holds the immediate task state (rank 0). Never compressed,
	// never lends.
	TierWorking LayerTier = iota

	// TierEpisodic holds recent scene and chapter history (rank 1).
	TierEpisodic

	// TierSemantic holds distilled story facts and worldbuilding (rank 2).
	TierSemantic

	// TierAgent holds agent-specific notes and preferences (rank 3).
	TierAgent

	// TierLongTerm holds archival summaries and cold history (rank 4).
	// Lends freely, never borrows.
	TierLongTerm
)

// TierCount is the number of tiers in the hierarchy.
const TierCount = 5

// String returns the human-readable tier name.
func (t LayerTier) String() string {
	switch t {
	case TierWorking:
		return "working"
	case TierEpisodic:
		return "episodic"
	case TierSemantic:
		return "semantic"
	case TierAgent:
		return "agent"
	case TierLongTerm:
		return "long_term"
	default:
		return "unknown"
	}
}

// Rank returns the tier's position in the chain (0 = highest priority).
func (t LayerTier) Rank() int {
	return int(t)
}

// IsValid returns true if the tier is one of the five defined tiers.
func (t LayerTier) IsValid() bool {
	return t >= TierWorking && t <= TierLongTerm
}

// AllTiers returns the tiers in rank order.
func AllTiers() []LayerTier {
	return []LayerTier{TierWorking, TierEpisodic, TierSemantic, TierAgent, TierLongTerm}
}

// TierConfig holds the token range and lending rules for one tier.
type TierConfig struct {
	// MinTokens is the floor the tier can never be driven below.
	MinTokens int `json:"min_tokens" yaml:"min_tokens"`

	// DefaultTokens is the starting allocation for a balanced split.
	DefaultTokens int `json:"default_tokens" yaml:"default_tokens"`

	// MaxTokens is the ceiling for the tier.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// Priority orders tiers for surplus, deficit, borrowing, and
	// compression decisions. Higher keeps its budget longer.
	Priority int `json:"priority" yaml:"priority"`

	// CanBorrow allows the tier to borrow from other tiers.
	CanBorrow bool `json:"can_borrow" yaml:"can_borrow"`

	// CanLend allows the tier to lend unused budget.
	CanLend bool `json:"can_lend" yaml:"can_lend"`
}

// defaultTierConfigs returns the canonical five-tier configuration.
func defaultTierConfigs() map[LayerTier]TierConfig {
	return map[LayerTier]TierConfig{
		TierWorking:  {MinTokens: 1000, DefaultTokens: 2000, MaxTokens: 4000, Priority: 10, CanBorrow: true, CanLend: false},
		TierEpisodic: {MinTokens: 500, DefaultTokens: 1500, MaxTokens: 3000, Priority: 8, CanBorrow: true, CanLend: true},
		TierSemantic: {MinTokens: 500, DefaultTokens: 1500, MaxTokens: 3000, Priority: 6, CanBorrow: true, CanLend: true},
		TierAgent:    {MinTokens: 250, DefaultTokens: 1000, MaxTokens: 2000, Priority: 4, CanBorrow: true, CanLend: true},
		TierLongTerm: {MinTokens: 250, DefaultTokens: 1000, MaxTokens: 2000, Priority: 2, CanBorrow: false, CanLend: true},
	}
}

// Hierarchy is the ordered set of memory tiers and their configurations.
// The tier graph is a single chain: each tier's parent is the tier one rank
// above it, and TierWorking is the root.
//
// Thread Safety: Read-only after construction; safe for concurrent use.
type Hierarchy struct {
	configs map[LayerTier]TierConfig
}

// NewHierarchy creates a hierarchy with the canonical tier configuration.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{configs: defaultTierConfigs()}
}

// NewHierarchyWithConfigs creates a hierarchy from custom tier configs.
//
// Inputs:
//   - configs: A config for every tier. Must cover all five tiers and
//     satisfy min <= default <= max for each.
//
// Outputs:
//   - *Hierarchy: The validated hierarchy.
//   - error: ErrInvalidHierarchy (wrapped) when a config is missing or
//     violates the token range invariant.
func NewHierarchyWithConfigs(configs map[LayerTier]TierConfig) (*Hierarchy, error) {
	for _, tier := range AllTiers() {
		cfg, ok := configs[tier]
		if !ok {
			return nil, fmt.Errorf("%w: missing config for tier %s", ErrInvalidHierarchy, tier)
		}
		if cfg.MinTokens < 0 || cfg.MinTokens > cfg.DefaultTokens || cfg.DefaultTokens > cfg.MaxTokens {
			return nil, fmt.Errorf("%w: tier %s requires 0 <= min <= default <= max, got %d/%d/%d",
				ErrInvalidHierarchy, tier, cfg.MinTokens, cfg.DefaultTokens, cfg.MaxTokens)
		}
	}
	// Copy to keep the hierarchy immutable after construction.
	owned := make(map[LayerTier]TierConfig, len(configs))
	for _, tier := range AllTiers() {
		owned[tier] = configs[tier]
	}
	return &Hierarchy{configs: owned}, nil
}

// ConfigFor returns the configuration for a tier.
func (h *Hierarchy) ConfigFor(tier LayerTier) (TierConfig, error) {
	cfg, ok := h.configs[tier]
	if !ok {
		return TierConfig{}, fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}
	return cfg, nil
}

// Parent returns the tier one rank above, or false for the root tier.
func (h *Hierarchy) Parent(tier LayerTier) (LayerTier, bool) {
	if tier <= TierWorking || !tier.IsValid() {
		return 0, false
	}
	return tier - 1, true
}

// Ancestors returns the tiers above the given tier, nearest first.
func (h *Hierarchy) Ancestors(tier LayerTier) []LayerTier {
	if !tier.IsValid() {
		return nil
	}
	ancestors := make([]LayerTier, 0, tier.Rank())
	for t := tier - 1; t >= TierWorking; t-- {
		ancestors = append(ancestors, t)
	}
	return ancestors
}

// Descendants returns the tiers below the given tier, nearest first.
func (h *Hierarchy) Descendants(tier LayerTier) []LayerTier {
	if !tier.IsValid() {
		return nil
	}
	descendants := make([]LayerTier, 0, TierCount-tier.Rank()-1)
	for t := tier + 1; t <= TierLongTerm; t++ {
		descendants = append(descendants, t)
	}
	return descendants
}

// SuggestBalancedAllocation distributes a total budget across the tiers.
//
// Description:
//
//	Starts every tier at its default allocation. A surplus over the sum of
//	defaults goes to higher-priority tiers first, up to each tier's max. A
//	deficit is taken from lower-priority tiers first, down to each tier's
//	min. A budget below the sum of all minimums pins every tier to its min
//	and reports the request as infeasible via a warning; the suggestion
//	never drops a tier below its configured minimum.
//
// Inputs:
//   - totalBudget: The session token budget to distribute.
//
// Outputs:
//   - map[LayerTier]int: Suggested tokens per tier.
//   - []string: Warnings (non-empty when the budget is infeasible).
func (h *Hierarchy) SuggestBalancedAllocation(totalBudget int) (map[LayerTier]int, []string) {
	allocation := make(map[LayerTier]int, TierCount)
	var warnings []string

	sumDefaults := 0
	sumMins := 0
	for _, tier := range AllTiers() {
		cfg := h.configs[tier]
		allocation[tier] = cfg.DefaultTokens
		sumDefaults += cfg.DefaultTokens
		sumMins += cfg.MinTokens
	}

	if totalBudget < sumMins {
		for _, tier := range AllTiers() {
			allocation[tier] = h.configs[tier].MinTokens
		}
		warnings = append(warnings, fmt.Sprintf(
			"budget %d is below the minimum feasible total %d; all tiers pinned to their minimums",
			totalBudget, sumMins))
		return allocation, warnings
	}

	switch {
	case totalBudget > sumDefaults:
		surplus := totalBudget - sumDefaults
		for _, tier := range h.tiersByPriority(true) {
			if surplus == 0 {
				break
			}
			cfg := h.configs[tier]
			headroom := cfg.MaxTokens - allocation[tier]
			grant := min(surplus, headroom)
			allocation[tier] += grant
			surplus -= grant
		}
	case totalBudget < sumDefaults:
		deficit := sumDefaults - totalBudget
		for _, tier := range h.tiersByPriority(false) {
			if deficit == 0 {
				break
			}
			cfg := h.configs[tier]
			slack := allocation[tier] - cfg.MinTokens
			take := min(deficit, slack)
			allocation[tier] -= take
			deficit -= take
		}
	}

	return allocation, warnings
}

// ValidationResult reports the outcome of validating an allocation map.
type ValidationResult struct {
	// Valid is false when any tier is below its configured minimum.
	Valid bool `json:"valid"`

	// Errors lists hard violations (below-minimum tiers, unknown tiers).
	Errors []string `json:"errors,omitempty"`

	// Warnings lists soft violations (above-maximum tiers).
	Warnings []string `json:"warnings,omitempty"`
}

// ValidateAllocation checks a per-tier allocation against the tier ranges.
// A tier below its minimum is an error; above its maximum is a warning only.
func (h *Hierarchy) ValidateAllocation(allocation map[LayerTier]int) ValidationResult {
	result := ValidationResult{Valid: true}
	for tier, tokens := range allocation {
		cfg, ok := h.configs[tier]
		if !ok {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("unknown tier %d", tier))
			continue
		}
		if tokens < cfg.MinTokens {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"tier %s allocated %d tokens, below minimum %d", tier, tokens, cfg.MinTokens))
		}
		if tokens > cfg.MaxTokens {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"tier %s allocated %d tokens, above maximum %d", tier, tokens, cfg.MaxTokens))
		}
	}
	return result
}

// MinimumTotal returns the sum of all tier minimums.
func (h *Hierarchy) MinimumTotal() int {
	total := 0
	for _, cfg := range h.configs {
		total += cfg.MinTokens
	}
	return total
}

// tiersByPriority returns the tiers sorted by priority. Descending order
// serves surplus distribution; ascending order serves deficit and lending.
func (h *Hierarchy) tiersByPriority(descending bool) []LayerTier {
	tiers := AllTiers()
	sort.SliceStable(tiers, func(i, j int) bool {
		pi := h.configs[tiers[i]].Priority
		pj := h.configs[tiers[j]].Priority
		if descending {
			return pi > pj
		}
		return pi < pj
	})
	return tiers
}

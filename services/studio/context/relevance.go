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
	"sort"
	"strings"
	"time"
)

// Relevance component sub-weights (fractions of the relevance axis).
const (
	characterOverlapWeight = 0.4
	locationOverlapWeight  = 0.3
	keywordOverlapWeight   = 0.2
	sceneTypeMatchWeight   = 0.1
)

// Importance tag boosts by tag tier.
const (
	highTierTagBoost = 0.3
	midTierTagBoost  = 0.2
	baseTagBoost     = 0.1
	agentMatchBoost  = 0.2
)

// highTierTags mark content whose loss would break the story.
var highTierTags = map[string]bool{
	"critical": true, "pivotal": true, "climax": true, "protagonist": true,
}

// midTierTags mark content that shapes an arc but is recoverable.
var midTierTags = map[string]bool{
	"major": true, "arc": true, "recurring": true, "antagonist": true,
}

// categoryImportance is the intrinsic base importance per category.
var categoryImportance = map[ContentCategory]float64{
	CategoryPlotPoint:     0.9,
	CategoryCharacter:     0.8,
	CategoryScene:         0.7,
	CategoryNarrative:     0.6,
	CategoryWorldBuilding: 0.6,
	CategoryDialogue:      0.5,
	CategoryMetadata:      0.3,
	CategorySystemPrompt:  0.9,
}

// ScoringWeights combines the four relevance components. Construct with
// NewScoringWeights so the weights normalize to sum to 1; relative rather
// than absolute weights may be supplied.
type ScoringWeights struct {
	Recency    float64 `json:"recency" yaml:"recency"`
	Relevance  float64 `json:"relevance" yaml:"relevance"`
	Importance float64 `json:"importance" yaml:"importance"`
	Frequency  float64 `json:"frequency" yaml:"frequency"`
}

// NewScoringWeights normalizes the supplied weights to sum to 1. All-zero
// (or negative-sum) input falls back to equal weights.
func NewScoringWeights(recency, relevance, importance, frequency float64) ScoringWeights {
	sum := recency + relevance + importance + frequency
	if sum <= 0 {
		return ScoringWeights{Recency: 0.25, Relevance: 0.25, Importance: 0.25, Frequency: 0.25}
	}
	return ScoringWeights{
		Recency:    recency / sum,
		Relevance:  relevance / sum,
		Importance: importance / sum,
		Frequency:  frequency / sum,
	}
}

// DefaultScoringWeights returns the balanced default weighting.
func DefaultScoringWeights() ScoringWeights {
	return NewScoringWeights(0.25, 0.35, 0.3, 0.1)
}

// WeightsForAgent returns the default weights for an agent type. Character
// agents lean on recency (staying in the moment), writers on relevance,
// raters on importance, editors on a relevance/importance balance.
func WeightsForAgent(agent AgentType) ScoringWeights {
	switch agent {
	case AgentWriter:
		return NewScoringWeights(0.2, 0.4, 0.3, 0.1)
	case AgentCharacter:
		return NewScoringWeights(0.4, 0.3, 0.2, 0.1)
	case AgentRater:
		return NewScoringWeights(0.1, 0.3, 0.5, 0.1)
	case AgentEditor:
		return NewScoringWeights(0.15, 0.35, 0.35, 0.15)
	default:
		return DefaultScoringWeights()
	}
}

// RelevanceCalculator scores content items against a usage context along
// four axes: recency, contextual relevance, intrinsic importance, and
// access frequency.
//
// Thread Safety: Safe for concurrent use; read-only after construction.
type RelevanceCalculator struct {
	weights  ScoringWeights
	halfLife time.Duration
}

// NewRelevanceCalculator creates a calculator with the given weights and
// the standard 7-day recency half-life.
func NewRelevanceCalculator(weights ScoringWeights) *RelevanceCalculator {
	return &RelevanceCalculator{weights: weights, halfLife: RecencyHalfLife}
}

// Weights returns the calculator's normalized weights.
func (r *RelevanceCalculator) Weights() ScoringWeights {
	return r.weights
}

// Score computes the relevance score for one item at the given instant.
//
// Inputs:
//   - item: The content item. Must not be nil.
//   - uc: The usage context snapshot.
//   - now: The scoring instant (passed explicitly for determinism).
//
// Outputs:
//   - RelevanceScore: Component scores in [0,1] and the weighted total.
//   - error: ErrNilItem when item is nil.
func (r *RelevanceCalculator) Score(item *ContentItem, uc UsageContext, now time.Time) (RelevanceScore, error) {
	if item == nil {
		return RelevanceScore{}, ErrNilItem
	}

	score := RelevanceScore{
		Recency:    r.recencyScore(item, now),
		Relevance:  r.relevanceScore(item, uc),
		Importance: r.importanceScore(item, uc),
		Frequency:  frequencyScore(item.AccessCount),
	}
	score.TotalScore = clamp01(r.weights.Recency*score.Recency +
		r.weights.Relevance*score.Relevance +
		r.weights.Importance*score.Importance +
		r.weights.Frequency*score.Frequency)
	score.Explanation = fmt.Sprintf(
		"recency=%.2f relevance=%.2f importance=%.2f frequency=%.2f (category=%s)",
		score.Recency, score.Relevance, score.Importance, score.Frequency, item.Category)
	return score, nil
}

// BatchCalculateScores scores every item and returns the results sorted by
// total score descending. An item whose scoring fails contributes a
// zero-score entry tagged with the error rather than aborting the batch.
func (r *RelevanceCalculator) BatchCalculateScores(items []*ContentItem, uc UsageContext, now time.Time) []ScoredItem {
	results := make([]ScoredItem, 0, len(items))
	for _, item := range items {
		score, err := r.Score(item, uc, now)
		if err != nil {
			results = append(results, ScoredItem{
				Item:  item,
				Score: RelevanceScore{Explanation: fmt.Sprintf("scoring failed: %v", err)},
			})
			continue
		}
		results = append(results, ScoredItem{Item: item, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score.TotalScore > results[j].Score.TotalScore
	})
	return results
}

// recencyScore decays exponentially from the item's last touch with the
// configured half-life. A future timestamp scores 1.
func (r *RelevanceCalculator) recencyScore(item *ContentItem, now time.Time) float64 {
	ref := item.CreatedAt
	if item.LastAccessed.After(ref) {
		ref = item.LastAccessed
	}
	age := now.Sub(ref)
	if age <= 0 {
		return 1.0
	}
	return clamp01(math.Exp2(-age.Hours() / r.halfLife.Hours()))
}

// relevanceScore measures weighted overlap with the active context: each
// sub-term is the matched fraction of the relevant context set.
func (r *RelevanceCalculator) relevanceScore(item *ContentItem, uc UsageContext) float64 {
	score := 0.0
	score += characterOverlapWeight * overlapFraction(item.CharacterNames, uc.ActiveCharacters)
	score += locationOverlapWeight * overlapFraction(item.LocationNames, uc.ActiveLocations)
	score += keywordOverlapWeight * keywordFraction(item.Content, uc.Keywords)
	if uc.SceneType != CategoryUnknown && item.Category == uc.SceneType {
		score += sceneTypeMatchWeight
	}
	return clamp01(score)
}

// importanceScore starts from the category base and adds tag and
// agent-alignment boosts.
func (r *RelevanceCalculator) importanceScore(item *ContentItem, uc UsageContext) float64 {
	base, ok := categoryImportance[item.Category]
	if !ok {
		base = categoryImportance[CategoryNarrative]
	}

	for _, tag := range item.ImportanceTags {
		switch {
		case highTierTags[strings.ToLower(tag)]:
			base += highTierTagBoost
		case midTierTags[strings.ToLower(tag)]:
			base += midTierTagBoost
		default:
			base += baseTagBoost
		}
	}

	if agentCategoryAligned(uc.AgentType, item.Category) {
		base += agentMatchBoost
	}
	return clamp01(base)
}

// agentCategoryAligned reports whether a category is the natural focus of
// an agent type.
func agentCategoryAligned(agent AgentType, category ContentCategory) bool {
	switch agent {
	case AgentCharacter:
		return category == CategoryCharacter || category == CategoryDialogue
	case AgentWriter:
		return category == CategoryScene || category == CategoryNarrative
	case AgentRater:
		return category == CategoryPlotPoint
	case AgentEditor:
		return category == CategoryNarrative
	default:
		return false
	}
}

// frequencyScore is log10(count+1) clamped to [0,1]; nine accesses
// saturate the axis.
func frequencyScore(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	return clamp01(math.Log10(float64(accessCount) + 1))
}

// overlapFraction returns the fraction of context entries matched by the
// item's entries (case-insensitive). Empty context scores 0.
func overlapFraction(itemNames, contextNames []string) float64 {
	if len(contextNames) == 0 || len(itemNames) == 0 {
		return 0
	}
	itemSet := make(map[string]bool, len(itemNames))
	for _, n := range itemNames {
		itemSet[strings.ToLower(n)] = true
	}
	matched := 0
	for _, n := range contextNames {
		if itemSet[strings.ToLower(n)] {
			matched++
		}
	}
	return float64(matched) / float64(len(contextNames))
}

// keywordFraction returns the fraction of context keywords present in the
// item's content.
func keywordFraction(content string, keywords []string) float64 {
	if len(keywords) == 0 || content == "" {
		return 0
	}
	words := wordSet(content)
	matched := 0
	for _, kw := range keywords {
		if words[strings.ToLower(kw)] {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

// clamp01 clamps v to the [0,1] range.
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

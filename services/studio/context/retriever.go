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
	"strings"
	"time"
)

// Retrieval boost values for name hits and exact-phrase containment.
const (
	exactPhraseBoost  = 0.3
	characterHitBoost = 0.2
	locationHitBoost  = 0.1
)

// DefaultMaxResults is the default retrieval result cap.
const DefaultMaxResults = 10

// RetrievalStrategy selects the narrowing algorithm.
type RetrievalStrategy int

const (
	// StrategyKeyword ranks by stopword-filtered token overlap.
	StrategyKeyword RetrievalStrategy = iota

	// StrategyEmbeddingProxy ranks by Jaccard similarity of keyword sets.
	// This is a lexical stand-in for true embeddings, not a neural one.
	StrategyEmbeddingProxy

	// StrategyHybrid interleaves keyword and embedding-proxy results.
	StrategyHybrid

	// StrategySemanticSearch blends entity, concept-tag, and live-context
	// overlap.
	StrategySemanticSearch
)

// String returns the strategy name.
func (s RetrievalStrategy) String() string {
	switch s {
	case StrategyKeyword:
		return "keyword"
	case StrategyEmbeddingProxy:
		return "embedding_proxy"
	case StrategyHybrid:
		return "hybrid"
	case StrategySemanticSearch:
		return "semantic_search"
	default:
		return "unknown"
	}
}

// RetrievalMode fixes the default target categories for a query.
type RetrievalMode int

const (
	// ModeBalanced targets all categories.
	ModeBalanced RetrievalMode = iota

	// ModeCharacterFocused targets character and dialogue content.
	ModeCharacterFocused

	// ModeSceneFocused targets scene and narrative content.
	ModeSceneFocused

	// ModePlotFocused targets plot points and narrative content.
	ModePlotFocused
)

// String returns the mode name.
func (m RetrievalMode) String() string {
	switch m {
	case ModeBalanced:
		return "balanced"
	case ModeCharacterFocused:
		return "character_focused"
	case ModeSceneFocused:
		return "scene_focused"
	case ModePlotFocused:
		return "plot_focused"
	default:
		return "unknown"
	}
}

// defaultCategories returns the target categories for the mode.
func (m RetrievalMode) defaultCategories() []ContentCategory {
	switch m {
	case ModeCharacterFocused:
		return []ContentCategory{CategoryCharacter, CategoryDialogue}
	case ModeSceneFocused:
		return []ContentCategory{CategoryScene, CategoryNarrative}
	case ModePlotFocused:
		return []ContentCategory{CategoryPlotPoint, CategoryNarrative}
	default:
		return nil // all categories
	}
}

// RetrievalQuery describes one narrowing request.
type RetrievalQuery struct {
	// Text is the free-text query. Must not be empty.
	Text string `json:"text"`

	// Strategy selects the retrieval algorithm.
	Strategy RetrievalStrategy `json:"strategy"`

	// Mode fixes the default target categories.
	Mode RetrievalMode `json:"mode"`

	// TargetCategories overrides the mode's default categories.
	TargetCategories []ContentCategory `json:"target_categories,omitempty"`

	// MaxResults caps the result set (default DefaultMaxResults).
	MaxResults int `json:"max_results"`

	// MinRelevanceScore filters results via the relevance calculator.
	MinRelevanceScore float64 `json:"min_relevance_score"`
}

// RetrievalResult is the narrowed candidate set.
type RetrievalResult struct {
	// Items are the retrieved items, best match first.
	Items []*ContentItem `json:"items"`

	// Scores maps item ID to the strategy's match score.
	Scores map[string]float64 `json:"scores"`

	// Strategy is the strategy that produced the result.
	Strategy RetrievalStrategy `json:"strategy"`

	// PoolSize is how many items were considered before filtering.
	PoolSize int `json:"pool_size"`
}

// RAGRetriever narrows a large content pool to a small candidate set
// before prioritization.
//
// Thread Safety: Safe for concurrent use; read-only after construction.
type RAGRetriever struct {
	calc       *RelevanceCalculator
	classifier Classifier
}

// NewRAGRetriever creates a retriever. A nil classifier uses the default
// lexical classifier.
func NewRAGRetriever(calc *RelevanceCalculator, classifier Classifier) *RAGRetriever {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	if calc == nil {
		calc = NewRelevanceCalculator(DefaultScoringWeights())
	}
	return &RAGRetriever{calc: calc, classifier: classifier}
}

// Retrieve narrows the pool to the best matches for the query.
//
// Description:
//
//	Filters the pool to the query's target categories, scores the
//	survivors with the selected strategy, applies the minimum relevance
//	score via the relevance calculator, sorts descending, and truncates to
//	MaxResults. An empty pool returns an empty, non-error result.
//
// Inputs:
//   - query: The retrieval query. Text must not be empty.
//   - pool: Candidate items.
//   - uc: The live usage context (used for relevance filtering and by the
//     semantic-search strategy).
//
// Outputs:
//   - *RetrievalResult: The narrowed set, best match first.
//   - error: ErrEmptyQuery when the query text is blank.
func (r *RAGRetriever) Retrieve(query RetrievalQuery, pool []*ContentItem, uc UsageContext) (*RetrievalResult, error) {
	if strings.TrimSpace(query.Text) == "" {
		return nil, ErrEmptyQuery
	}

	result := &RetrievalResult{
		Scores:   make(map[string]float64),
		Strategy: query.Strategy,
		PoolSize: len(pool),
	}
	if len(pool) == 0 {
		return result, nil
	}

	maxResults := query.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}

	candidates := filterByCategory(pool, query.targetCategories())

	var ranked []scoredMatch
	switch query.Strategy {
	case StrategyEmbeddingProxy:
		ranked = r.rankEmbeddingProxy(query.Text, candidates)
	case StrategyHybrid:
		ranked = r.rankHybrid(query.Text, candidates, maxResults)
	case StrategySemanticSearch:
		ranked = r.rankSemantic(query.Text, candidates, uc)
	default:
		ranked = r.rankKeyword(query.Text, candidates)
	}

	// Apply the relevance-score floor via the calculator.
	now := time.Now()
	filtered := ranked[:0]
	for _, m := range ranked {
		if query.MinRelevanceScore > 0 {
			rel, err := r.calc.Score(m.item, uc, now)
			if err != nil || rel.TotalScore < query.MinRelevanceScore {
				continue
			}
		}
		filtered = append(filtered, m)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].score > filtered[j].score
	})
	if len(filtered) > maxResults {
		filtered = filtered[:maxResults]
	}

	for _, m := range filtered {
		result.Items = append(result.Items, m.item)
		result.Scores[m.item.ID] = m.score
	}
	return result, nil
}

// targetCategories resolves the query's effective category filter.
func (q RetrievalQuery) targetCategories() []ContentCategory {
	if len(q.TargetCategories) > 0 {
		return q.TargetCategories
	}
	return q.Mode.defaultCategories()
}

type scoredMatch struct {
	item  *ContentItem
	score float64
}

// rankKeyword scores by stopword-filtered token overlap, boosted for
// exact-phrase containment and character/location name hits.
func (r *RAGRetriever) rankKeyword(queryText string, pool []*ContentItem) []scoredMatch {
	queryWords := tokenizeWords(queryText)
	queryLower := strings.ToLower(strings.TrimSpace(queryText))

	matches := make([]scoredMatch, 0, len(pool))
	for _, item := range pool {
		if item == nil {
			continue
		}
		score := 0.0
		if len(queryWords) > 0 {
			content := wordSet(item.Content)
			hits := 0
			for _, w := range queryWords {
				if content[w] {
					hits++
				}
			}
			score = float64(hits) / float64(len(queryWords))
		}
		if strings.Contains(strings.ToLower(item.Content), queryLower) {
			score += exactPhraseBoost
		}
		score += nameHitBoost(queryLower, item)
		if score > 0 {
			matches = append(matches, scoredMatch{item: item, score: score})
		}
	}
	return matches
}

// rankEmbeddingProxy scores by Jaccard similarity of the query and item
// keyword sets. A lexical approximation of embedding distance, with the
// same name-hit boosts as the keyword strategy.
func (r *RAGRetriever) rankEmbeddingProxy(queryText string, pool []*ContentItem) []scoredMatch {
	querySet := wordSet(queryText)
	queryLower := strings.ToLower(strings.TrimSpace(queryText))

	matches := make([]scoredMatch, 0, len(pool))
	for _, item := range pool {
		if item == nil {
			continue
		}
		score := jaccard(querySet, wordSet(item.Content))
		score += nameHitBoost(queryLower, item)
		if score > 0 {
			matches = append(matches, scoredMatch{item: item, score: score})
		}
	}
	return matches
}

// rankHybrid interleaves the top keyword and embedding-proxy results,
// deduplicated by item ID.
func (r *RAGRetriever) rankHybrid(queryText string, pool []*ContentItem, maxResults int) []scoredMatch {
	keyword := r.rankKeyword(queryText, pool)
	proxy := r.rankEmbeddingProxy(queryText, pool)
	sort.SliceStable(keyword, func(i, j int) bool { return keyword[i].score > keyword[j].score })
	sort.SliceStable(proxy, func(i, j int) bool { return proxy[i].score > proxy[j].score })

	seen := make(map[string]bool)
	merged := make([]scoredMatch, 0, min(len(keyword)+len(proxy), 2*maxResults))
	for i := 0; i < len(keyword) || i < len(proxy); i++ {
		for _, src := range [][]scoredMatch{keyword, proxy} {
			if i >= len(src) {
				continue
			}
			m := src[i]
			if seen[m.item.ID] {
				continue
			}
			seen[m.item.ID] = true
			merged = append(merged, m)
		}
	}
	return merged
}

// Semantic-search blend weights: entity, concept, and live-context overlap.
const (
	semanticEntityWeight  = 0.4
	semanticConceptWeight = 0.4
	semanticContextWeight = 0.2
)

// rankSemantic blends entity overlap, concept-tag overlap, and overlap
// with the live usage context.
func (r *RAGRetriever) rankSemantic(queryText string, pool []*ContentItem, uc UsageContext) []scoredMatch {
	queryChars, queryLocs := r.classifier.ExtractEntities(queryText)
	queryConcepts := toSet(r.classifier.ConceptTags(queryText))

	matches := make([]scoredMatch, 0, len(pool))
	for _, item := range pool {
		if item == nil {
			continue
		}

		entityScore := 0.0
		if n := len(queryChars) + len(queryLocs); n > 0 {
			hits := countOverlap(queryChars, item.CharacterNames) +
				countOverlap(queryLocs, item.LocationNames)
			entityScore = float64(hits) / float64(n)
		}

		conceptScore := jaccard(queryConcepts, toSet(r.classifier.ConceptTags(item.Content)))

		contextScore := 0.0
		if n := len(uc.ActiveCharacters) + len(uc.ActiveLocations); n > 0 {
			hits := countOverlap(uc.ActiveCharacters, item.CharacterNames) +
				countOverlap(uc.ActiveLocations, item.LocationNames)
			contextScore = float64(hits) / float64(n)
		}

		score := semanticEntityWeight*entityScore +
			semanticConceptWeight*conceptScore +
			semanticContextWeight*contextScore
		if score > 0 {
			matches = append(matches, scoredMatch{item: item, score: score})
		}
	}
	return matches
}

// nameHitBoost adds boosts when the query mentions the item's character or
// location names.
func nameHitBoost(queryLower string, item *ContentItem) float64 {
	boost := 0.0
	for _, name := range item.CharacterNames {
		if strings.Contains(queryLower, strings.ToLower(name)) {
			boost += characterHitBoost
			break
		}
	}
	for _, name := range item.LocationNames {
		if strings.Contains(queryLower, strings.ToLower(name)) {
			boost += locationHitBoost
			break
		}
	}
	return boost
}

// filterByCategory keeps only items in the target categories. A nil
// target list keeps everything.
func filterByCategory(pool []*ContentItem, targets []ContentCategory) []*ContentItem {
	if len(targets) == 0 {
		return pool
	}
	targetSet := make(map[ContentCategory]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}
	filtered := make([]*ContentItem, 0, len(pool))
	for _, item := range pool {
		if item != nil && targetSet[item.Category] {
			filtered = append(filtered, item)
		}
	}
	return filtered
}

// jaccard computes |a ∩ b| / |a ∪ b| for two word sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// countOverlap counts case-insensitive matches between two name lists.
func countOverlap(queryNames, itemNames []string) int {
	if len(queryNames) == 0 || len(itemNames) == 0 {
		return 0
	}
	itemSet := make(map[string]bool, len(itemNames))
	for _, n := range itemNames {
		itemSet[strings.ToLower(n)] = true
	}
	hits := 0
	for _, n := range queryNames {
		if itemSet[strings.ToLower(n)] {
			hits++
		}
	}
	return hits
}

// toSet converts a string slice to a lowercase set.
func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = true
	}
	return set
}

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sizedItem(category ContentCategory, tokens int) *ContentItem {
	item := NewContentItem(wordsOfLength(tokens), category, TierEpisodic)
	item.Tokens = tokens
	item.ImportanceTags = []string{"major"}
	return item
}

func TestPrioritizeInvalidBudget(t *testing.T) {
	p := NewLayeredPrioritizer(exactWordCounter())
	_, err := p.Prioritize(nil, UsageContext{}, AgentWriter, 0)
	assert.ErrorIs(t, err, ErrInvalidBudget)
	_, err = p.Prioritize(nil, UsageContext{}, AgentWriter, -5)
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestPrioritizeEmptyInput(t *testing.T) {
	p := NewLayeredPrioritizer(exactWordCounter())
	selection, err := p.Prioritize(nil, UsageContext{}, AgentWriter, 1000)
	require.NoError(t, err)
	assert.Empty(t, selection.Items)
	assert.Equal(t, 0, selection.TokensUsed)
	assert.Equal(t, 1000, selection.TokenBudget)
}

func TestPrioritizeStaysWithinBudget(t *testing.T) {
	p := NewLayeredPrioritizer(exactWordCounter())
	var items []*ContentItem
	for i := 0; i < 20; i++ {
		items = append(items, sizedItem(CategoryCharacter, 100))
	}

	selection, err := p.Prioritize(items, UsageContext{}, AgentWriter, 500)
	require.NoError(t, err)
	assert.LessOrEqual(t, selection.TokensUsed, 500)
	assert.NotEmpty(t, selection.Items)
	assert.Equal(t, 20, selection.CandidateCount)
}

// An abundant character pool must not starve the sparse plot items.
func TestPrioritizeCategoryBalance(t *testing.T) {
	p := NewLayeredPrioritizer(exactWordCounter())
	items := []*ContentItem{
		sizedItem(CategoryCharacter, 300),
		sizedItem(CategoryCharacter, 300),
		sizedItem(CategoryCharacter, 300),
		sizedItem(CategoryPlotPoint, 150),
		sizedItem(CategoryPlotPoint, 150),
	}

	selection, err := p.Prioritize(items, UsageContext{}, AgentWriter, 1000)
	require.NoError(t, err)
	assert.LessOrEqual(t, selection.TokensUsed, 1000)

	plotCount := 0
	for _, sel := range selection.Items {
		if sel.Item.Category == CategoryPlotPoint {
			plotCount++
		}
	}
	assert.Equal(t, 2, plotCount, "both plot points must survive the character flood")
}

func TestPrioritizeThresholdFiltering(t *testing.T) {
	cfg := DefaultPrioritizerConfig()
	cfg.MinScoreThreshold = 0.99
	p := NewLayeredPrioritizer(exactWordCounter(), WithPrioritizerConfig(cfg))

	items := []*ContentItem{sizedItem(CategoryCharacter, 50)}
	selection, err := p.Prioritize(items, UsageContext{}, AgentWriter, 1000)
	require.NoError(t, err)
	assert.Empty(t, selection.Items)
	assert.Equal(t, 1, selection.DroppedBelowThreshold)
}

func TestPrioritizeRanksSequential(t *testing.T) {
	p := NewLayeredPrioritizer(exactWordCounter())
	items := []*ContentItem{
		sizedItem(CategoryCharacter, 50),
		sizedItem(CategoryPlotPoint, 50),
		sizedItem(CategoryScene, 50),
	}

	selection, err := p.Prioritize(items, UsageContext{}, AgentWriter, 1000)
	require.NoError(t, err)
	require.Len(t, selection.Items, 3)
	for i, sel := range selection.Items {
		assert.Equal(t, i+1, sel.PriorityRank)
		if i > 0 {
			assert.GreaterOrEqual(t,
				selection.Items[i-1].Score.TotalScore, sel.Score.TotalScore,
				"selection must be sorted by score")
		}
	}
}

func TestPrioritizeCountsUncountedItems(t *testing.T) {
	p := NewLayeredPrioritizer(exactWordCounter())
	item := NewContentItem(wordsOfLength(40), CategoryCharacter, TierEpisodic)
	item.ImportanceTags = []string{"major"}
	require.Equal(t, 0, item.Tokens)

	selection, err := p.Prioritize([]*ContentItem{item}, UsageContext{}, AgentWriter, 1000)
	require.NoError(t, err)
	require.Len(t, selection.Items, 1)
	assert.Equal(t, 40, item.Tokens, "token count must be cached on the item")
	assert.Equal(t, 40, selection.TokensUsed)
}

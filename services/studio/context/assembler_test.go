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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func layeredItem(layer LayerTier, category ContentCategory, tokens int) *ContentItem {
	item := NewContentItem(wordsOfLength(tokens), category, layer)
	item.Tokens = tokens
	item.ImportanceTags = []string{"major"}
	return item
}

func TestNewAssemblerRequiresCounter(t *testing.T) {
	_, err := NewAssembler(nil, nil)
	assert.Error(t, err)
}

func TestAssembleEmptyPool(t *testing.T) {
	a, err := NewAssembler(nil, exactWordCounter())
	require.NoError(t, err)

	assembled, err := a.Assemble(stdctx.Background(), nil, UsageContext{}, AgentWriter)
	require.NoError(t, err)
	assert.Len(t, assembled.Sections, TierCount)
	assert.Equal(t, 0, assembled.TotalTokens)
	assert.Equal(t, DefaultTokenBudget, assembled.TokenBudget)
}

func TestAssembleSelectsPerTier(t *testing.T) {
	a, err := NewAssembler(&fakeLLM{response: wordsOfLength(10)}, exactWordCounter(),
		WithTotalBudget(7000))
	require.NoError(t, err)

	pool := []*ContentItem{
		layeredItem(TierWorking, CategoryDialogue, 200),
		layeredItem(TierWorking, CategoryDialogue, 200),
		layeredItem(TierEpisodic, CategoryScene, 300),
		layeredItem(TierSemantic, CategoryCharacter, 250),
		layeredItem(TierLongTerm, CategoryWorldBuilding, 150),
		nil,
	}

	assembled, err := a.Assemble(stdctx.Background(), pool, UsageContext{}, AgentWriter)
	require.NoError(t, err)

	require.Len(t, assembled.Sections, TierCount)
	assert.Equal(t, TierWorking, assembled.Sections[0].Tier, "sections emitted in tier order")

	byTier := map[LayerTier]AssembledSection{}
	for _, section := range assembled.Sections {
		byTier[section.Tier] = section
		assert.LessOrEqual(t, section.TokensUsed, section.TokensAllocated,
			"tier %s stays within its share", section.Tier)
	}
	assert.Len(t, byTier[TierWorking].Items, 2)
	assert.Len(t, byTier[TierEpisodic].Items, 1)
	assert.Len(t, byTier[TierAgent].Items, 0)
	assert.Equal(t, 400+300+250+150, assembled.TotalTokens)
	assert.Empty(t, assembled.Distillations, "small pool needs no compression")
	assert.Greater(t, assembled.Duration.Nanoseconds(), int64(0))
}

func TestAssembleInvalidBudget(t *testing.T) {
	a, err := NewAssembler(nil, exactWordCounter())
	require.NoError(t, err)
	a.totalBudget = 0

	_, err = a.Assemble(stdctx.Background(), nil, UsageContext{}, AgentWriter)
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestAssembleWithRetrieverNarrowsPool(t *testing.T) {
	retriever := NewRAGRetriever(nil, nil)
	a, err := NewAssembler(nil, exactWordCounter(),
		WithTotalBudget(7000), WithRetriever(retriever))
	require.NoError(t, err)

	onTopic := layeredItem(TierEpisodic, CategoryScene, 100)
	onTopic.Content = "The dragon circled the tower at dusk."
	offTopic := layeredItem(TierEpisodic, CategoryScene, 100)
	offTopic.Content = "Laundry day at the inn."

	assembled, err := a.Assemble(stdctx.Background(),
		[]*ContentItem{onTopic, offTopic},
		UsageContext{Keywords: []string{"dragon", "tower"}}, AgentWriter)
	require.NoError(t, err)

	var episodic AssembledSection
	for _, section := range assembled.Sections {
		if section.Tier == TierEpisodic {
			episodic = section
		}
	}
	require.Len(t, episodic.Items, 1, "retriever drops the off-topic item")
	assert.Equal(t, onTopic.ID, episodic.Items[0].Item.ID)
}

func TestAssembleDistillsWhenOverThreshold(t *testing.T) {
	counter := exactWordCounter()
	a, err := NewAssembler(&fakeLLM{response: wordsOfLength(20)}, counter,
		WithTotalBudget(7000))
	require.NoError(t, err)
	// Shrink the distiller thresholds so the small test pool overflows.
	a.distiller.config.RollingSummaryThreshold = 500
	a.distiller.config.EmergencyThreshold = 600

	pool := []*ContentItem{
		layeredItem(TierWorking, CategoryDialogue, 0),
		layeredItem(TierEpisodic, CategoryScene, 0),
		layeredItem(TierLongTerm, CategoryWorldBuilding, 0),
	}
	pool[0].Content = wordsOfLength(300)
	pool[1].Content = wordsOfLength(200)
	pool[2].Content = wordsOfLength(200)

	assembled, err := a.Assemble(stdctx.Background(), pool, UsageContext{}, AgentWriter)
	require.NoError(t, err)

	require.NotEmpty(t, assembled.Distillations)
	for _, res := range assembled.Distillations {
		require.NotNil(t, res.Layer)
		assert.NotEqual(t, TierWorking, *res.Layer, "working tier content stays verbatim")
		assert.False(t, res.Failed)
	}
	assert.Less(t, assembled.TotalTokens, 700, "compression shrank the context")
}

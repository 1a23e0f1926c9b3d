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
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScoringWeightsNormalizes(t *testing.T) {
	w := NewScoringWeights(2, 2, 2, 2)
	assert.InDelta(t, 0.25, w.Recency, 1e-9)
	assert.InDelta(t, 1.0, w.Recency+w.Relevance+w.Importance+w.Frequency, 1e-9)

	w = NewScoringWeights(0, 0, 0, 0)
	assert.InDelta(t, 0.25, w.Importance, 1e-9, "zero sum falls back to equal weights")

	for _, agent := range []AgentType{AgentWriter, AgentCharacter, AgentRater, AgentEditor} {
		w := WeightsForAgent(agent)
		assert.InDelta(t, 1.0, w.Recency+w.Relevance+w.Importance+w.Frequency, 1e-9,
			"agent %s", agent)
	}
}

func TestScoreNilItem(t *testing.T) {
	calc := NewRelevanceCalculator(DefaultScoringWeights())
	_, err := calc.Score(nil, UsageContext{}, time.Now())
	assert.ErrorIs(t, err, ErrNilItem)
}

func TestScoreComponentsBounded(t *testing.T) {
	calc := NewRelevanceCalculator(DefaultScoringWeights())
	now := time.Now()

	item := NewContentItem("Mira confronted the betrayal at the climax.", CategoryPlotPoint, TierEpisodic)
	item.CharacterNames = []string{"Mira"}
	item.ImportanceTags = []string{"critical", "pivotal", "climax", "extra"}
	item.AccessCount = 1000

	score, err := calc.Score(item, UsageContext{
		ActiveCharacters: []string{"Mira"},
		Keywords:         []string{"betrayal", "climax"},
		SceneType:        CategoryPlotPoint,
		AgentType:        AgentRater,
	}, now)
	require.NoError(t, err)

	for name, v := range map[string]float64{
		"recency":    score.Recency,
		"relevance":  score.Relevance,
		"importance": score.Importance,
		"frequency":  score.Frequency,
		"total":      score.TotalScore,
	} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 1.0, name)
	}
	assert.NotEmpty(t, score.Explanation)
}

func TestRecencyHalfLife(t *testing.T) {
	calc := NewRelevanceCalculator(DefaultScoringWeights())
	now := time.Now()

	fresh := NewContentItem("x", CategoryNarrative, TierWorking)
	weekOld := NewContentItem("x", CategoryNarrative, TierWorking)
	weekOld.CreatedAt = now.Add(-RecencyHalfLife)
	weekOld.LastAccessed = weekOld.CreatedAt
	stale := NewContentItem("x", CategoryNarrative, TierWorking)
	stale.CreatedAt = now.Add(-10 * RecencyHalfLife)
	stale.LastAccessed = stale.CreatedAt

	freshScore, _ := calc.Score(fresh, UsageContext{}, now)
	weekScore, _ := calc.Score(weekOld, UsageContext{}, now)
	staleScore, _ := calc.Score(stale, UsageContext{}, now)

	assert.InDelta(t, 1.0, freshScore.Recency, 0.01)
	assert.InDelta(t, 0.5, weekScore.Recency, 0.01, "one half-life halves recency")
	assert.Less(t, staleScore.Recency, 0.01)

	// Touching an old item restores its recency.
	weekOld.Touch()
	touched, _ := calc.Score(weekOld, UsageContext{}, now)
	assert.Greater(t, touched.Recency, weekScore.Recency)
}

func TestRelevanceOverlap(t *testing.T) {
	calc := NewRelevanceCalculator(DefaultScoringWeights())
	now := time.Now()
	uc := UsageContext{
		ActiveCharacters: []string{"Mira", "Joren"},
		ActiveLocations:  []string{"Harrowgate"},
	}

	onScene := NewContentItem("Mira waited at the gate.", CategoryScene, TierEpisodic)
	onScene.CharacterNames = []string{"Mira", "Joren"}
	onScene.LocationNames = []string{"Harrowgate"}

	offScene := NewContentItem("A merchant counted coins.", CategoryScene, TierEpisodic)
	offScene.CharacterNames = []string{"Tobias"}

	on, _ := calc.Score(onScene, uc, now)
	off, _ := calc.Score(offScene, uc, now)
	assert.Greater(t, on.Relevance, off.Relevance)
	assert.Equal(t, 0.0, off.Relevance)
}

func TestImportanceTagBoosts(t *testing.T) {
	calc := NewRelevanceCalculator(DefaultScoringWeights())
	now := time.Now()

	plain := NewContentItem("x", CategoryDialogue, TierEpisodic)
	tagged := NewContentItem("x", CategoryDialogue, TierEpisodic)
	tagged.ImportanceTags = []string{"critical"}

	plainScore, _ := calc.Score(plain, UsageContext{}, now)
	taggedScore, _ := calc.Score(tagged, UsageContext{}, now)
	assert.InDelta(t, 0.3, taggedScore.Importance-plainScore.Importance, 1e-9)
}

func TestFrequencyScore(t *testing.T) {
	assert.Equal(t, 0.0, frequencyScore(0))
	assert.InDelta(t, math.Log10(2), frequencyScore(1), 1e-9)
	assert.Equal(t, 1.0, frequencyScore(9), "nine accesses saturate")
	assert.Equal(t, 1.0, frequencyScore(10000))
}

func TestBatchCalculateScores(t *testing.T) {
	calc := NewRelevanceCalculator(DefaultScoringWeights())
	now := time.Now()

	high := NewContentItem("The climax reveals the betrayal.", CategoryPlotPoint, TierEpisodic)
	high.ImportanceTags = []string{"critical"}
	low := NewContentItem("Weather report.", CategoryMetadata, TierLongTerm)
	low.CreatedAt = now.Add(-30 * 24 * time.Hour)
	low.LastAccessed = low.CreatedAt

	scored := calc.BatchCalculateScores([]*ContentItem{low, nil, high}, UsageContext{}, now)
	require.Len(t, scored, 3)

	// Sorted descending; the nil item lands last with a zero score.
	assert.Equal(t, high.ID, scored[0].Item.ID)
	assert.GreaterOrEqual(t, scored[0].Score.TotalScore, scored[1].Score.TotalScore)
	assert.Nil(t, scored[2].Item)
	assert.Equal(t, 0.0, scored[2].Score.TotalScore)
	assert.Contains(t, scored[2].Score.Explanation, "scoring failed")
}

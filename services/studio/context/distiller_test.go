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
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallThresholdConfig keeps test content sizes manageable.
func smallThresholdConfig() DistillerConfig {
	cfg := DefaultDistillerConfig()
	cfg.RollingSummaryThreshold = 1000
	cfg.EmergencyThreshold = 1200
	return cfg
}

func TestCheckNeededTokenThreshold(t *testing.T) {
	d := NewContextDistiller(nil, exactWordCounter(), nil,
		WithDistillerConfig(smallThresholdConfig()))

	// Five tiers at 240 tokens each total 1200, over the 1000 threshold.
	layerTokens := map[LayerTier]int{}
	for _, tier := range AllTiers() {
		layerTokens[tier] = 240
	}

	needed, trigger, layer := d.CheckNeeded(layerTokens, nil)
	assert.True(t, needed)
	assert.Equal(t, TriggerTokenThreshold, trigger)
	assert.Nil(t, layer, "threshold trigger is not tier-scoped")
}

func TestCheckNeededLayerOverflow(t *testing.T) {
	d := NewContextDistiller(nil, exactWordCounter(), nil,
		WithDistillerConfig(smallThresholdConfig()))

	allocations := map[LayerTier]LayerAllocation{
		TierEpisodic: {Allocated: 100},
	}

	// 10% over allocation is tolerated.
	needed, _, _ := d.CheckNeeded(map[LayerTier]int{TierEpisodic: 110}, allocations)
	assert.False(t, needed)

	// Past the margin triggers a tier-scoped distillation.
	needed, trigger, layer := d.CheckNeeded(map[LayerTier]int{TierEpisodic: 111}, allocations)
	assert.True(t, needed)
	assert.Equal(t, TriggerLayerOverflow, trigger)
	require.NotNil(t, layer)
	assert.Equal(t, TierEpisodic, *layer)
}

func TestCheckNeededBelowThresholds(t *testing.T) {
	d := NewContextDistiller(nil, exactWordCounter(), nil,
		WithDistillerConfig(smallThresholdConfig()))
	needed, _, _ := d.CheckNeeded(map[LayerTier]int{TierWorking: 500}, nil)
	assert.False(t, needed)
}

func TestDistillSuccess(t *testing.T) {
	client := &fakeLLM{response: wordsOfLength(30)}
	d := NewContextDistiller(client, exactWordCounter(), nil)

	result := d.Distill(stdctx.Background(), wordsOfLength(100), TriggerManual, nil)

	require.False(t, result.Failed)
	assert.Equal(t, 100, result.OriginalTokens)
	assert.Equal(t, 30, result.CompressedTokens)
	assert.InDelta(t, 0.3, result.CompressionRatio, 1e-9)
	assert.Equal(t, TriggerManual, result.Trigger)
	assert.NotEmpty(t, result.Summary)
}

func TestDistillFailurePreservesOriginal(t *testing.T) {
	client := &fakeLLM{err: errors.New("rate limited")}
	d := NewContextDistiller(client, exactWordCounter(), nil)

	original := wordsOfLength(80)
	result := d.Distill(stdctx.Background(), original, TriggerTokenThreshold, nil)

	assert.True(t, result.Failed)
	assert.Contains(t, result.FailureReason, "rate limited")
	assert.Empty(t, result.Summary)
	assert.Equal(t, result.OriginalTokens, result.CompressedTokens,
		"a failed pass must not lose tokens")
	assert.Equal(t, 1.0, result.CompressionRatio)
}

func TestDistillRejectsInflation(t *testing.T) {
	// The model returns more text than it was given.
	client := &fakeLLM{response: wordsOfLength(200)}
	d := NewContextDistiller(client, exactWordCounter(), nil)

	result := d.Distill(stdctx.Background(), wordsOfLength(50), TriggerManual, nil)

	assert.True(t, result.Failed)
	assert.Contains(t, result.FailureReason, "did not compress")
	assert.Equal(t, result.OriginalTokens, result.CompressedTokens)
}

func TestDistillUsesContentTypeTargetRatio(t *testing.T) {
	content := strings.Join([]string{
		`"We leave at dawn and we do not look back this time," she said.`,
		`"Then we go without the horses and without the wagons," he said.`,
		`"The horses stay behind with the grain and the carts," she said.`,
	}, " ")

	client := &fakeLLM{response: "They argue over leaving the horses behind."}
	counter := exactWordCounter()
	d := NewContextDistiller(client, counter, nil)

	result := d.Distill(stdctx.Background(), content, TriggerManual, nil)
	require.Equal(t, ContentTypeDialogue, result.ContentType)

	original := counter.Count(content, CategoryUnknown, StrategyExact).Tokens
	want := int(math.Round(float64(original) * ContentTypeDialogue.TargetRatio()))
	floored := int(math.Round(float64(original) * 0.30))
	require.NotEqual(t, want, floored)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], fmt.Sprintf("roughly %d tokens", want),
		"dialogue targets its own 0.20 ratio")
	assert.NotContains(t, client.prompts[0], fmt.Sprintf("roughly %d tokens", floored))
}

func TestDistillEmptyContent(t *testing.T) {
	d := NewContextDistiller(&fakeLLM{response: "x"}, exactWordCounter(), nil)
	result := d.Distill(stdctx.Background(), "  ", TriggerManual, nil)
	assert.True(t, result.Failed)
}

func TestHandleOverflowSkipsWorkingTier(t *testing.T) {
	client := &fakeLLM{response: wordsOfLength(10)}
	d := NewContextDistiller(client, exactWordCounter(), nil)

	contents := map[LayerTier][]string{
		TierWorking: {wordsOfLength(100)},
	}
	results, shortfall := d.HandleOverflow(stdctx.Background(), contents, 50)

	assert.Empty(t, results, "active conversation is never compressed")
	assert.Equal(t, 50, shortfall)
	assert.Equal(t, 0, client.calls)
}

func TestHandleOverflowLowestPriorityFirst(t *testing.T) {
	client := &fakeLLM{response: wordsOfLength(10)}
	d := NewContextDistiller(client, exactWordCounter(), nil)

	contents := map[LayerTier][]string{
		TierEpisodic: {wordsOfLength(100)},
		TierLongTerm: {wordsOfLength(100)},
	}

	// Each pass frees 90 tokens; freeing 50 must touch only LongTerm.
	results, shortfall := d.HandleOverflow(stdctx.Background(), contents, 50)

	require.Len(t, results, 1)
	require.NotNil(t, results[0].Layer)
	assert.Equal(t, TierLongTerm, *results[0].Layer)
	assert.Equal(t, 0, shortfall)
}

func TestHandleOverflowReportsShortfall(t *testing.T) {
	client := &fakeLLM{err: errors.New("backend down")}
	d := NewContextDistiller(client, exactWordCounter(), nil)

	contents := map[LayerTier][]string{
		TierLongTerm: {wordsOfLength(100)},
	}
	results, shortfall := d.HandleOverflow(stdctx.Background(), contents, 60)

	require.Len(t, results, 1)
	assert.True(t, results[0].Failed)
	assert.Equal(t, 60, shortfall, "failed passes free nothing")
}

func TestHandleOverflowCapsRemovalPerLayer(t *testing.T) {
	// Each pass shrinks a 100-token item to 1 token, freeing 99. The
	// layer holds 400 tokens, so the 70% removal cap stops the fourth
	// item: three passes free 297, past the cap.
	client := &fakeLLM{response: wordsOfLength(1)}
	d := NewContextDistiller(client, exactWordCounter(), nil)

	contents := map[LayerTier][]string{
		TierLongTerm: {
			wordsOfLength(100), wordsOfLength(100),
			wordsOfLength(100), wordsOfLength(100),
		},
	}
	results, shortfall := d.HandleOverflow(stdctx.Background(), contents, 400)

	require.Len(t, results, 3)
	assert.Equal(t, 400-3*99, shortfall)
}

func TestHandleOverflowEmergencyWaivesRemovalCap(t *testing.T) {
	cfg := DefaultDistillerConfig()
	cfg.RollingSummaryThreshold = 300
	cfg.EmergencyThreshold = 400

	client := &fakeLLM{response: wordsOfLength(1)}
	d := NewContextDistiller(client, exactWordCounter(), nil,
		WithDistillerConfig(cfg))

	// 400 tokens on hand reaches the emergency threshold, so all four
	// items are compressed despite the per-layer cap.
	contents := map[LayerTier][]string{
		TierLongTerm: {
			wordsOfLength(100), wordsOfLength(100),
			wordsOfLength(100), wordsOfLength(100),
		},
	}
	results, shortfall := d.HandleOverflow(stdctx.Background(), contents, 400)

	require.Len(t, results, 4)
	assert.Equal(t, 400-4*99, shortfall)
}

func TestCreateSummaryOfSummaries(t *testing.T) {
	client := &fakeLLM{response: wordsOfLength(20)}
	d := NewContextDistiller(client, exactWordCounter(), nil)

	result, err := d.CreateSummaryOfSummaries(stdctx.Background(),
		[]string{wordsOfLength(40), "", wordsOfLength(40)}, 0)
	require.NoError(t, err)
	require.False(t, result.Failed)
	assert.Equal(t, 80, result.OriginalTokens)
	assert.Equal(t, 20, result.CompressedTokens)

	_, err = d.CreateSummaryOfSummaries(stdctx.Background(), []string{"", "  "}, 0)
	assert.ErrorIs(t, err, ErrNoSummaries)
}

func TestDistillerStats(t *testing.T) {
	client := &fakeLLM{response: wordsOfLength(25)}
	d := NewContextDistiller(client, exactWordCounter(), nil)

	d.Distill(stdctx.Background(), wordsOfLength(100), TriggerManual, nil)
	client.err = errors.New("boom")
	d.Distill(stdctx.Background(), wordsOfLength(100), TriggerManual, nil)

	stats := d.Stats()
	assert.Equal(t, 2, stats.Passes)
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 75, stats.TokensRemoved)
	assert.InDelta(t, 0.25, stats.AverageRatio, 1e-9)

	history := d.History()
	assert.Len(t, history, 2)
}

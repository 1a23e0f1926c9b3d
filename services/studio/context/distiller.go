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
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/QuillhavenAI/QuillhavenFOSS/services/llm"
)

// Distiller thresholds.
const (
	// DefaultRollingSummaryThreshold triggers routine distillation.
	DefaultRollingSummaryThreshold = 25000

	// DefaultEmergencyThreshold is the total-token level past which
	// overflow handling waives the per-layer removal cap.
	DefaultEmergencyThreshold = 30000

	// DefaultLayerOverflowMargin is how far past its allocation a single
	// tier may run before triggering a layer-overflow distillation.
	DefaultLayerOverflowMargin = 0.10

	// DefaultMaxPassCompression caps the fraction of a layer's tokens one
	// overflow pass may remove. Freeing more takes another pass, unless
	// the emergency threshold has been crossed.
	DefaultMaxPassCompression = 0.70

	// DefaultMetaSummaryRatio is the target size of a summary-of-summaries
	// relative to its combined inputs.
	DefaultMetaSummaryRatio = 0.50
)

// DistillTrigger identifies why a distillation ran.
type DistillTrigger int

const (
	// TriggerTokenThreshold fires when total context crosses a threshold.
	TriggerTokenThreshold DistillTrigger = iota

	// TriggerLayerOverflow fires when a single tier exceeds its
	// allocation by more than the overflow margin.
	TriggerLayerOverflow

	// TriggerManual is a caller-initiated distillation.
	TriggerManual
)

// String returns the trigger name.
func (t DistillTrigger) String() string {
	switch t {
	case TriggerTokenThreshold:
		return "token_threshold"
	case TriggerLayerOverflow:
		return "layer_overflow"
	case TriggerManual:
		return "manual"
	default:
		return "unknown"
	}
}

// DistillerConfig tunes distillation behavior.
type DistillerConfig struct {
	// RollingSummaryThreshold is the total-token level that starts
	// routine distillation.
	RollingSummaryThreshold int `json:"rolling_summary_threshold" yaml:"rolling_summary_threshold"`

	// EmergencyThreshold is the total-token level past which overflow
	// handling removes without the per-layer cap.
	EmergencyThreshold int `json:"emergency_threshold" yaml:"emergency_threshold"`

	// LayerOverflowMargin is the per-tier overshoot fraction tolerated
	// before a layer-overflow distillation.
	LayerOverflowMargin float64 `json:"layer_overflow_margin" yaml:"layer_overflow_margin"`

	// MaxPassCompression caps the fraction of a layer's tokens removed
	// in one overflow pass.
	MaxPassCompression float64 `json:"max_pass_compression" yaml:"max_pass_compression"`
}

// DefaultDistillerConfig returns production defaults.
func DefaultDistillerConfig() DistillerConfig {
	return DistillerConfig{
		RollingSummaryThreshold: DefaultRollingSummaryThreshold,
		EmergencyThreshold:      DefaultEmergencyThreshold,
		LayerOverflowMargin:     DefaultLayerOverflowMargin,
		MaxPassCompression:      DefaultMaxPassCompression,
	}
}

// DistillationResult records one distillation pass.
type DistillationResult struct {
	// OriginalTokens is the input size.
	OriginalTokens int `json:"original_tokens"`

	// CompressedTokens is the output size. Equals OriginalTokens when
	// the pass failed and the original was kept.
	CompressedTokens int `json:"compressed_tokens"`

	// CompressionRatio is compressed/original.
	CompressionRatio float64 `json:"compression_ratio"`

	// ContentType is the detected narrative shape.
	ContentType ContentType `json:"content_type"`

	// Trigger is why the pass ran.
	Trigger DistillTrigger `json:"trigger"`

	// Layer is the affected tier, when the pass was tier-scoped.
	Layer *LayerTier `json:"layer,omitempty"`

	// Summary is the compressed text. Empty when the pass failed.
	Summary string `json:"summary"`

	// PreservedKeyInfo is what the strategy kept verbatim.
	PreservedKeyInfo []string `json:"preserved_key_info,omitempty"`

	// QualityScore is the strategy's quality estimate.
	QualityScore float64 `json:"quality_score"`

	// Failed is true when the pass produced no usable summary. The
	// original content is preserved in that case.
	Failed bool `json:"failed"`

	// FailureReason explains a failed pass.
	FailureReason string `json:"failure_reason,omitempty"`

	// Duration is the wall time of the pass.
	Duration time.Duration `json:"duration"`
}

// CompressionStats aggregates distillation activity.
type CompressionStats struct {
	// Passes counts distillation attempts.
	Passes int `json:"passes"`

	// Failures counts failed attempts.
	Failures int `json:"failures"`

	// TokensRemoved is the cumulative token savings.
	TokensRemoved int `json:"tokens_removed"`

	// AverageRatio is the mean compression ratio over successful passes.
	AverageRatio float64 `json:"average_ratio"`

	// AverageQuality is the mean quality score over successful passes.
	AverageQuality float64 `json:"average_quality"`
}

// ContextDistiller compresses context content via type-specific LLM
// summarization strategies.
//
// Description:
//
//	The distiller decides when compression is needed (total-token
//	thresholds or per-tier overflow), picks the strategy matching the
//	content's detected type, and applies per-pass compression limits.
//	A failed pass never loses content: the original text survives and
//	the failure is reported in the result.
//
// Thread Safety: NOT safe for concurrent use. One distiller serves one
// session's assembly at a time.
type ContextDistiller struct {
	client     llm.Client
	counter    *TokenCounter
	hierarchy  *Hierarchy
	classifier Classifier
	config     DistillerConfig
	strategies map[ContentType]SummarizationStrategy
	history    []DistillationResult
}

// DistillerOption is a functional option for the distiller.
type DistillerOption func(*ContextDistiller)

// WithDistillerConfig replaces the default configuration. Invalid
// configurations (non-positive thresholds, emergency below rolling, a
// removal cap outside (0,1)) are ignored.
func WithDistillerConfig(cfg DistillerConfig) DistillerOption {
	return func(d *ContextDistiller) {
		if cfg.RollingSummaryThreshold <= 0 || cfg.EmergencyThreshold < cfg.RollingSummaryThreshold {
			return
		}
		if cfg.MaxPassCompression <= 0 || cfg.MaxPassCompression >= 1 || cfg.LayerOverflowMargin < 0 {
			return
		}
		d.config = cfg
	}
}

// WithDistillerClassifier replaces the default lexical classifier.
func WithDistillerClassifier(cl Classifier) DistillerOption {
	return func(d *ContextDistiller) {
		if cl != nil {
			d.classifier = cl
		}
	}
}

// WithStrategy overrides the strategy for one content type.
func WithStrategy(s SummarizationStrategy) DistillerOption {
	return func(d *ContextDistiller) {
		if s != nil {
			d.strategies[s.ContentType()] = s
		}
	}
}

// NewContextDistiller creates a distiller.
//
// Inputs:
//   - client: The LLM client used for summarization. May be nil, in which
//     case every pass fails gracefully and originals are kept.
//   - counter: The token counter. Must not be nil.
//   - hierarchy: The tier hierarchy. Nil uses the canonical hierarchy.
func NewContextDistiller(client llm.Client, counter *TokenCounter, hierarchy *Hierarchy, opts ...DistillerOption) *ContextDistiller {
	if hierarchy == nil {
		hierarchy = NewHierarchy()
	}
	d := &ContextDistiller{
		client:     client,
		counter:    counter,
		hierarchy:  hierarchy,
		classifier: DefaultClassifier,
		config:     DefaultDistillerConfig(),
		strategies: defaultStrategies(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CheckNeeded decides whether distillation should run now.
//
// Inputs:
//   - layerTokens: Current token usage per tier.
//   - allocations: Current allocation state per tier (from the allocator).
//
// Outputs:
//   - bool: True when distillation is needed.
//   - DistillTrigger: Why. Meaningful only when needed.
//   - *LayerTier: The overflowing tier for TriggerLayerOverflow, nil for
//     threshold triggers.
func (d *ContextDistiller) CheckNeeded(layerTokens map[LayerTier]int, allocations map[LayerTier]LayerAllocation) (bool, DistillTrigger, *LayerTier) {
	total := 0
	for _, tokens := range layerTokens {
		total += tokens
	}
	if total >= d.config.RollingSummaryThreshold {
		return true, TriggerTokenThreshold, nil
	}

	for _, tier := range AllTiers() {
		alloc, ok := allocations[tier]
		if !ok || alloc.Allocated <= 0 {
			continue
		}
		limit := float64(alloc.Allocated) * (1.0 + d.config.LayerOverflowMargin)
		if float64(layerTokens[tier]) > limit {
			overflowed := tier
			return true, TriggerLayerOverflow, &overflowed
		}
	}
	return false, TriggerManual, nil
}

// Distill compresses one piece of content.
//
// The target size is the detected type's target ratio. A failed pass
// (LLM error, empty output, or a summary larger than the original)
// returns a failed result with the original token count intact; the
// caller keeps the original text.
func (d *ContextDistiller) Distill(ctx stdctx.Context, content string, trigger DistillTrigger, layer *LayerTier) *DistillationResult {
	started := time.Now()

	originalTokens := d.counter.Count(content, CategoryUnknown, StrategyExact).Tokens
	contentType := d.classifier.DetectContentType(content)

	result := &DistillationResult{
		OriginalTokens:   originalTokens,
		CompressedTokens: originalTokens,
		CompressionRatio: 1.0,
		ContentType:      contentType,
		Trigger:          trigger,
		Layer:            layer,
	}

	if strings.TrimSpace(content) == "" {
		result.Failed = true
		result.FailureReason = "content is empty"
		result.Duration = time.Since(started)
		return result
	}

	target := int(math.Round(float64(originalTokens) * contentType.TargetRatio()))
	if target < 1 {
		target = 1
	}

	strategy := d.strategyFor(contentType)
	sum := strategy.Summarize(ctx, d.client, d.counter, SummarizationRequest{
		Content:      content,
		TargetTokens: target,
	})

	if sum.Failed() {
		result.Failed = true
		result.FailureReason = strings.Join(sum.Warnings, "; ")
		result.Duration = time.Since(started)
		d.record(result)
		return result
	}

	compressedTokens := d.counter.Count(sum.Summary, CategoryUnknown, StrategyExact).Tokens
	if compressedTokens >= originalTokens {
		result.Failed = true
		result.FailureReason = fmt.Sprintf(
			"summary did not compress: %d tokens vs %d original", compressedTokens, originalTokens)
		result.Duration = time.Since(started)
		d.record(result)
		return result
	}

	result.Summary = sum.Summary
	result.CompressedTokens = compressedTokens
	result.CompressionRatio = float64(compressedTokens) / float64(originalTokens)
	result.PreservedKeyInfo = sum.KeyInformation
	result.QualityScore = sum.QualityScore
	result.Duration = time.Since(started)
	d.record(result)
	return result
}

// HandleOverflow compresses tier contents until tokensToFree is recovered,
// visiting lowest-priority tiers first. The working tier is never
// compressed; active conversation must stay verbatim. One pass removes at
// most MaxPassCompression of a layer's tokens; past the emergency
// threshold that cap is waived.
//
// Outputs:
//   - []*DistillationResult: One result per compressed item.
//   - int: The shortfall still outstanding (0 when enough was freed).
func (d *ContextDistiller) HandleOverflow(ctx stdctx.Context, layerContents map[LayerTier][]string, tokensToFree int) ([]*DistillationResult, int) {
	layerTotals := make(map[LayerTier]int, len(layerContents))
	combined := 0
	for tier, contents := range layerContents {
		for _, content := range contents {
			layerTotals[tier] += d.counter.Count(content, CategoryUnknown, StrategyExact).Tokens
		}
		combined += layerTotals[tier]
	}
	emergency := combined >= d.config.EmergencyThreshold

	var results []*DistillationResult
	remaining := tokensToFree

	for _, tier := range d.tiersLowestPriorityFirst() {
		if remaining <= 0 {
			break
		}
		if tier == TierWorking {
			continue
		}
		removalCap := int(float64(layerTotals[tier]) * d.config.MaxPassCompression)
		removed := 0
		for _, content := range layerContents[tier] {
			if remaining <= 0 {
				break
			}
			if !emergency && removed >= removalCap {
				break
			}
			affected := tier
			res := d.Distill(ctx, content, TriggerLayerOverflow, &affected)
			results = append(results, res)
			if !res.Failed {
				freed := res.OriginalTokens - res.CompressedTokens
				removed += freed
				remaining -= freed
			}
		}
	}
	return results, max(remaining, 0)
}

// CreateSummaryOfSummaries collapses accumulated summaries into one
// meta-summary targeting half their combined size.
func (d *ContextDistiller) CreateSummaryOfSummaries(ctx stdctx.Context, summaries []string, targetTokens int) (*DistillationResult, error) {
	var nonEmpty []string
	for _, s := range summaries {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, ErrNoSummaries
	}

	combined := strings.Join(nonEmpty, "\n\n")
	originalTokens := d.counter.Count(combined, CategoryUnknown, StrategyExact).Tokens
	if targetTokens <= 0 {
		targetTokens = int(float64(originalTokens) * DefaultMetaSummaryRatio)
	}

	started := time.Now()
	strategy := d.strategyFor(ContentTypeMixed)
	sum := strategy.Summarize(ctx, d.client, d.counter, SummarizationRequest{
		Content:      combined,
		TargetTokens: targetTokens,
		MetaSummary:  true,
	})

	result := &DistillationResult{
		OriginalTokens:   originalTokens,
		CompressedTokens: originalTokens,
		CompressionRatio: 1.0,
		ContentType:      ContentTypeMixed,
		Trigger:          TriggerTokenThreshold,
		Duration:         time.Since(started),
	}
	if sum.Failed() {
		result.Failed = true
		result.FailureReason = strings.Join(sum.Warnings, "; ")
		d.record(result)
		return result, nil
	}

	result.Summary = sum.Summary
	result.CompressedTokens = d.counter.Count(sum.Summary, CategoryUnknown, StrategyExact).Tokens
	if result.OriginalTokens > 0 {
		result.CompressionRatio = float64(result.CompressedTokens) / float64(result.OriginalTokens)
	}
	result.PreservedKeyInfo = sum.KeyInformation
	result.QualityScore = sum.QualityScore
	d.record(result)
	return result, nil
}

// Stats returns aggregated distillation statistics.
func (d *ContextDistiller) Stats() CompressionStats {
	stats := CompressionStats{Passes: len(d.history)}
	ratioSum, qualitySum := 0.0, 0.0
	successes := 0
	for _, res := range d.history {
		if res.Failed {
			stats.Failures++
			continue
		}
		successes++
		stats.TokensRemoved += res.OriginalTokens - res.CompressedTokens
		ratioSum += res.CompressionRatio
		qualitySum += res.QualityScore
	}
	if successes > 0 {
		stats.AverageRatio = ratioSum / float64(successes)
		stats.AverageQuality = qualitySum / float64(successes)
	}
	return stats
}

// History returns a copy of the pass history.
func (d *ContextDistiller) History() []DistillationResult {
	out := make([]DistillationResult, len(d.history))
	copy(out, d.history)
	return out
}

func (d *ContextDistiller) strategyFor(t ContentType) SummarizationStrategy {
	if s, ok := d.strategies[t]; ok {
		return s
	}
	return d.strategies[ContentTypeMixed]
}

func (d *ContextDistiller) tiersLowestPriorityFirst() []LayerTier {
	return d.hierarchy.tiersByPriority(false)
}

func (d *ContextDistiller) record(res *DistillationResult) {
	if res.Failed {
		slog.Warn("distillation pass failed, keeping original content",
			"trigger", res.Trigger.String(),
			"content_type", res.ContentType.String(),
			"reason", res.FailureReason)
	}
	d.history = append(d.history, *res)
}

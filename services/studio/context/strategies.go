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
	"math"
	"regexp"
	"strings"

	"github.com/QuillhavenAI/QuillhavenFOSS/services/llm"
)

// ContentType is the narrative shape of a piece of content, used to pick
// a summarization strategy and target compression ratio.
type ContentType int

const (
	ContentTypePlot ContentType = iota
	ContentTypeCharacterDev
	ContentTypeDialogue
	ContentTypeEventSequence
	ContentTypeEmotionalMoment
	ContentTypeWorldBuilding
	ContentTypeMixed
)

// String returns the content type name.
func (t ContentType) String() string {
	switch t {
	case ContentTypePlot:
		return "plot"
	case ContentTypeCharacterDev:
		return "character_development"
	case ContentTypeDialogue:
		return "dialogue"
	case ContentTypeEventSequence:
		return "event_sequence"
	case ContentTypeEmotionalMoment:
		return "emotional_moment"
	case ContentTypeWorldBuilding:
		return "world_building"
	case ContentTypeMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// TargetRatio returns the target compressed/original token ratio for the
// content type. Dialogue compresses hardest because most lines are filler
// around a few load-bearing exchanges; emotional moments compress least
// because paraphrase destroys their effect.
func (t ContentType) TargetRatio() float64 {
	switch t {
	case ContentTypePlot:
		return 0.30
	case ContentTypeCharacterDev:
		return 0.40
	case ContentTypeDialogue:
		return 0.20
	case ContentTypeEventSequence:
		return 0.35
	case ContentTypeEmotionalMoment:
		return 0.50
	case ContentTypeWorldBuilding:
		return 0.40
	default:
		return 0.35
	}
}

// SummarizationRequest carries one piece of content to compress.
type SummarizationRequest struct {
	// Content is the text to summarize.
	Content string `json:"content"`

	// TargetTokens is the desired summary length.
	TargetTokens int `json:"target_tokens"`

	// Context is optional surrounding-story context for the model.
	Context string `json:"context,omitempty"`

	// PreserveKeyInfo lists facts the summary must keep verbatim.
	PreserveKeyInfo []string `json:"preserve_key_info,omitempty"`

	// MetaSummary marks a summary-of-summaries pass, which biases the
	// prompt toward continuity over detail.
	MetaSummary bool `json:"meta_summary,omitempty"`
}

// SummarizationResult is the outcome of one strategy invocation. Failure
// is signaled in-band: an empty Summary with non-empty Warnings. The
// caller keeps the original content in that case.
type SummarizationResult struct {
	// Summary is the compressed text. Empty means the pass failed.
	Summary string `json:"summary"`

	// KeyInformation is what the strategy identified as load-bearing.
	KeyInformation []string `json:"key_information,omitempty"`

	// QualityScore estimates summary quality in [0,1] from target-length
	// adherence and compression ratio.
	QualityScore float64 `json:"quality_score"`

	// Metadata carries strategy-specific details.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Warnings lists problems encountered, including the failure reason
	// when Summary is empty.
	Warnings []string `json:"warnings,omitempty"`
}

// Failed reports whether the pass produced no usable summary.
func (r *SummarizationResult) Failed() bool {
	return r == nil || strings.TrimSpace(r.Summary) == ""
}

// SummarizationStrategy compresses one kind of narrative content.
//
// Strategies never return an error: failures surface as a result with an
// empty summary and a warning, so a batch pass can continue past a single
// bad item.
type SummarizationStrategy interface {
	// Name identifies the strategy in logs and metadata.
	Name() string

	// ContentType returns the content type this strategy handles.
	ContentType() ContentType

	// Summarize compresses the request's content to near TargetTokens.
	Summarize(ctx stdctx.Context, client llm.Client, counter *TokenCounter, req SummarizationRequest) *SummarizationResult
}

// baseStrategy carries the shared prompt/scoring machinery. Each concrete
// strategy supplies its focus line and key-info extractor.
type baseStrategy struct {
	name        string
	contentType ContentType

	// focus is the type-specific instruction injected into the prompt.
	focus string

	// temperature for the generation call.
	temperature float64

	// extractKeyInfo pulls the load-bearing facts from the original text.
	extractKeyInfo func(content string) []string
}

func (b *baseStrategy) Name() string             { return b.name }
func (b *baseStrategy) ContentType() ContentType { return b.contentType }

// Summarize runs the shared summarize pipeline: extract key info, build
// the prompt, call the model, score the output.
func (b *baseStrategy) Summarize(ctx stdctx.Context, client llm.Client, counter *TokenCounter, req SummarizationRequest) *SummarizationResult {
	result := &SummarizationResult{
		Metadata: map[string]string{"strategy": b.name},
	}
	if strings.TrimSpace(req.Content) == "" {
		result.Warnings = append(result.Warnings, "content is empty")
		return result
	}
	if client == nil {
		result.Warnings = append(result.Warnings, "no llm client configured")
		return result
	}

	keyInfo := req.PreserveKeyInfo
	if b.extractKeyInfo != nil {
		keyInfo = append(keyInfo, b.extractKeyInfo(req.Content)...)
	}
	result.KeyInformation = dedupeStrings(keyInfo)

	prompt := b.buildPrompt(req, result.KeyInformation)
	resp, err := client.Generate(ctx, prompt,
		llm.WithTemperature(b.temperature),
		llm.WithMaxTokens(max(req.TargetTokens*2, 256)),
	)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("generation failed: %v", err))
		return result
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		result.Warnings = append(result.Warnings, "model returned an empty summary")
		return result
	}

	result.Summary = summary
	result.QualityScore = summaryQuality(counter, req, summary)
	result.Metadata["model"] = resp.Model
	return result
}

// buildPrompt assembles the summarization prompt. The target length is
// stated in both tokens and approximate words because models follow word
// counts more reliably.
func (b *baseStrategy) buildPrompt(req SummarizationRequest, keyInfo []string) string {
	var sb strings.Builder
	if req.MetaSummary {
		sb.WriteString("Combine the following summaries into a single coherent summary. ")
		sb.WriteString("Favor story continuity over individual detail. ")
	} else {
		sb.WriteString("Summarize the following passage from a work of fiction. ")
	}
	sb.WriteString(b.focus)
	fmt.Fprintf(&sb, " Aim for roughly %d tokens (about %d words).\n",
		req.TargetTokens, req.TargetTokens*3/4)

	if len(keyInfo) > 0 {
		sb.WriteString("\nYou must preserve these facts:\n")
		for _, info := range keyInfo {
			fmt.Fprintf(&sb, "- %s\n", info)
		}
	}
	if req.Context != "" {
		fmt.Fprintf(&sb, "\nStory context:\n%s\n", req.Context)
	}
	fmt.Fprintf(&sb, "\nPassage:\n%s\n\nSummary:", req.Content)
	return sb.String()
}

// summaryQuality scores the summary on target-length adherence plus a
// bonus for landing in the healthy 20-60% compression band. Deviating
// from the target by more than half the target is heavily penalized.
func summaryQuality(counter *TokenCounter, req SummarizationRequest, summary string) float64 {
	if counter == nil || req.TargetTokens <= 0 {
		return 0.5
	}
	summaryTokens := counter.Count(summary, CategoryUnknown, StrategyExact).Tokens
	originalTokens := counter.Count(req.Content, CategoryUnknown, StrategyExact).Tokens

	deviation := math.Abs(float64(summaryTokens-req.TargetTokens)) / float64(req.TargetTokens)
	adherence := clamp01(1.0 - deviation)
	if deviation > 0.5 {
		adherence *= 0.5
	}

	quality := adherence
	if originalTokens > 0 {
		ratio := float64(summaryTokens) / float64(originalTokens)
		if ratio >= 0.2 && ratio <= 0.6 {
			quality += 0.2
		}
	}
	return clamp01(quality)
}

// plotKeyInfo surfaces sentences carrying plot-structure keywords,
// preferring the opening, turning point, and resolution.
func plotKeyInfo(content string) []string {
	markers := []string{"decide", "reveal", "discover", "betray", "confront", "die", "escape", "arrive", "plan", "secret"}
	return sentencesMatching(content, markers, 5)
}

func characterKeyInfo(content string) []string {
	markers := []string{"realize", "change", "believe", "fear", "want", "vow", "remember", "trust", "grow"}
	return sentencesMatching(content, markers, 5)
}

var quotedSpanRegex = regexp.MustCompile(`"[^"]+"|“[^”]+”`)

// dialogueKeyInfo keeps the quoted lines with the highest word counts;
// longer exchanges tend to carry the scene's substance.
func dialogueKeyInfo(content string) []string {
	quotes := quotedSpanRegex.FindAllString(content, -1)
	var kept []string
	for _, q := range quotes {
		if len(strings.Fields(q)) >= 5 {
			kept = append(kept, q)
		}
		if len(kept) >= 5 {
			break
		}
	}
	return kept
}

func eventKeyInfo(content string) []string {
	markers := []string{"then", "after", "before", "when", "finally", "first", "next", "suddenly"}
	return sentencesMatching(content, markers, 6)
}

func emotionalKeyInfo(content string) []string {
	var markers []string
	for w := range emotionWords {
		markers = append(markers, w)
	}
	return sentencesMatching(content, markers, 4)
}

func worldKeyInfo(content string) []string {
	markers := []string{"kingdom", "city", "land", "magic", "law", "custom", "history", "ancient", "realm", "border"}
	return sentencesMatching(content, markers, 5)
}

// sentencesMatching returns up to limit sentences containing any marker,
// in document order.
func sentencesMatching(content string, markers []string, limit int) []string {
	var matched []string
	for _, sentence := range splitSentences(content) {
		lower := strings.ToLower(sentence)
		for _, m := range markers {
			if strings.Contains(lower, m) {
				matched = append(matched, strings.TrimSpace(sentence))
				break
			}
		}
		if len(matched) >= limit {
			break
		}
	}
	return matched
}

// splitSentences is a rough sentence splitter; good enough for key-info
// extraction, not for display.
func splitSentences(content string) []string {
	var sentences []string
	start := 0
	for i, r := range content {
		if r == '.' || r == '!' || r == '?' {
			s := strings.TrimSpace(content[start : i+1])
			if len(s) > 3 {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if tail := strings.TrimSpace(content[start:]); len(tail) > 3 {
		sentences = append(sentences, tail)
	}
	return sentences
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// Concrete strategies.

// NewPlotSummarizationStrategy compresses plot content, preserving causal
// chain and stakes.
func NewPlotSummarizationStrategy() SummarizationStrategy {
	return &baseStrategy{
		name:           "plot",
		contentType:    ContentTypePlot,
		focus:          "Preserve the causal chain of events, character goals, and what is at stake. Drop description and atmosphere.",
		temperature:    llm.DefaultTemperature,
		extractKeyInfo: plotKeyInfo,
	}
}

// NewCharacterDevSummarizationStrategy compresses character development,
// preserving internal change.
func NewCharacterDevSummarizationStrategy() SummarizationStrategy {
	return &baseStrategy{
		name:           "character_development",
		contentType:    ContentTypeCharacterDev,
		focus:          "Preserve how each character changes: beliefs, motivations, relationships, and decisions. Drop plot mechanics unless they drive the change.",
		temperature:    llm.DefaultTemperature,
		extractKeyInfo: characterKeyInfo,
	}
}

// NewDialogueSummarizationStrategy compresses dialogue to its essential
// exchanges.
func NewDialogueSummarizationStrategy() SummarizationStrategy {
	return &baseStrategy{
		name:           "dialogue",
		contentType:    ContentTypeDialogue,
		focus:          "Keep the few exchanges that move the story or reveal character, quoting them directly. Summarize the rest as narration.",
		temperature:    llm.DefaultTemperature,
		extractKeyInfo: dialogueKeyInfo,
	}
}

// NewEventSequenceSummarizationStrategy compresses event sequences while
// keeping order intact.
func NewEventSequenceSummarizationStrategy() SummarizationStrategy {
	return &baseStrategy{
		name:           "event_sequence",
		contentType:    ContentTypeEventSequence,
		focus:          "Preserve the order of events exactly. Compress each event to one clause.",
		temperature:    llm.DefaultTemperature,
		extractKeyInfo: eventKeyInfo,
	}
}

// NewEmotionalMomentSummarizationStrategy compresses emotional beats
// gently; the higher temperature keeps the register from flattening.
func NewEmotionalMomentSummarizationStrategy() SummarizationStrategy {
	return &baseStrategy{
		name:           "emotional_moment",
		contentType:    ContentTypeEmotionalMoment,
		focus:          "Preserve the emotional register and its cause. Keep the strongest images and lines; compress everything around them.",
		temperature:    0.4,
		extractKeyInfo: emotionalKeyInfo,
	}
}

// NewWorldBuildingSummarizationStrategy compresses world building into
// retrievable facts.
func NewWorldBuildingSummarizationStrategy() SummarizationStrategy {
	return &baseStrategy{
		name:           "world_building",
		contentType:    ContentTypeWorldBuilding,
		focus:          "Preserve concrete facts about places, rules, history, and customs as plain statements. Drop travelogue prose.",
		temperature:    llm.DefaultTemperature,
		extractKeyInfo: worldKeyInfo,
	}
}

// NewMixedSummarizationStrategy handles content with no dominant shape.
func NewMixedSummarizationStrategy() SummarizationStrategy {
	return &baseStrategy{
		name:           "mixed",
		contentType:    ContentTypeMixed,
		focus:          "Preserve plot developments first, character changes second, setting detail last.",
		temperature:    llm.DefaultTemperature,
		extractKeyInfo: plotKeyInfo,
	}
}

// defaultStrategies maps every content type to its strategy.
func defaultStrategies() map[ContentType]SummarizationStrategy {
	return map[ContentType]SummarizationStrategy{
		ContentTypePlot:            NewPlotSummarizationStrategy(),
		ContentTypeCharacterDev:    NewCharacterDevSummarizationStrategy(),
		ContentTypeDialogue:        NewDialogueSummarizationStrategy(),
		ContentTypeEventSequence:   NewEventSequenceSummarizationStrategy(),
		ContentTypeEmotionalMoment: NewEmotionalMomentSummarizationStrategy(),
		ContentTypeWorldBuilding:   NewWorldBuildingSummarizationStrategy(),
		ContentTypeMixed:           NewMixedSummarizationStrategy(),
	}
}

// Copyright (C) 2025 Quillhaven AI (oss@quillhaven.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package context provides the context-budgeting core for the Quillhaven
// writing assistant.
//
// For every generation request the core decides which pieces of story state
// (system prompts, worldbuilding, characters, outline, chapters, feedback)
// fit inside a fixed token window, in what form, and with what loss of
// fidelity. It is built from four cooperating parts:
//
//   - a layer hierarchy that partitions context into five ordered memory
//     tiers with independent token budgets
//   - a token allocator that grants, truncates, borrows, and reallocates
//     budget across tiers
//   - a relevance/prioritization engine that ranks candidate content before
//     it competes for budget
//   - a context distiller that compresses over-budget content through
//     type-specific LLM summarization
//
// Design principles:
//   - Respect token budgets strictly (never exceed)
//   - Failures are values: budget rejections and summarization failures are
//     reported in result types, never as panics
//   - One session owns one allocator; nothing is shared across sessions
package context

import (
	"time"

	"github.com/google/uuid"
)

// Default configuration values.
const (
	// DefaultTokenBudget is the default total token budget for a session.
	DefaultTokenBudget = 8000

	// RecencyHalfLife is the half-life used for recency decay scoring.
	RecencyHalfLife = 7 * 24 * time.Hour

	// CharsPerToken is the approximation ratio used when no tokenizer is
	// available. Most tokenizers produce ~1 token per 4 chars of prose.
	CharsPerToken = 4
)

// ContentCategory classifies a piece of story content.
type ContentCategory string

const (
	// CategoryUnknown means the category was not supplied and should be
	// auto-detected.
	CategoryUnknown ContentCategory = ""

	// CategoryCharacter is character sheets, arcs, and voice notes.
	CategoryCharacter ContentCategory = "character"

	// CategoryScene is scene descriptions and drafts.
	CategoryScene ContentCategory = "scene"

	// CategoryPlotPoint is outline beats and plot points.
	CategoryPlotPoint ContentCategory = "plot_point"

	// CategoryWorldBuilding is setting, lore, and rules of the world.
	CategoryWorldBuilding ContentCategory = "world_building"

	// CategoryDialogue is quoted conversation.
	CategoryDialogue ContentCategory = "dialogue"

	// CategoryNarrative is general prose that fits no finer bucket.
	CategoryNarrative ContentCategory = "narrative"

	// CategoryMetadata is structured key/value annotations.
	CategoryMetadata ContentCategory = "metadata"

	// CategorySystemPrompt is instruction text addressed to the model.
	CategorySystemPrompt ContentCategory = "system_prompt"
)

// String returns the string representation of the category.
func (c ContentCategory) String() string {
	if c == CategoryUnknown {
		return "unknown"
	}
	return string(c)
}

// IsValid returns true if the category is one of the known values.
func (c ContentCategory) IsValid() bool {
	switch c {
	case CategoryCharacter, CategoryScene, CategoryPlotPoint,
		CategoryWorldBuilding, CategoryDialogue, CategoryNarrative,
		CategoryMetadata, CategorySystemPrompt:
		return true
	default:
		return false
	}
}

// AgentType identifies which agent is consuming the assembled context.
// Each agent carries distinct default scoring weights because agents
// consume context differently (a character agent cares about recency far
// more than a rater does).
type AgentType int

const (
	// AgentWriter drafts new prose.
	AgentWriter AgentType = iota

	// AgentCharacter speaks in a character's voice.
	AgentCharacter

	// AgentRater evaluates drafts against the outline.
	AgentRater

	// AgentEditor revises existing prose.
	AgentEditor
)

// String returns the human-readable name for the agent type.
func (a AgentType) String() string {
	switch a {
	case AgentWriter:
		return "writer"
	case AgentCharacter:
		return "character"
	case AgentRater:
		return "rater"
	case AgentEditor:
		return "editor"
	default:
		return "unknown"
	}
}

// ContentItem is one candidate piece of story state competing for budget.
//
// Items are created by callers per request, scored, and possibly discarded
// on every call; the core does not persist them.
type ContentItem struct {
	// ID uniquely identifies the item.
	ID string `json:"id"`

	// Content is the text payload.
	Content string `json:"content"`

	// Category classifies the content.
	Category ContentCategory `json:"category"`

	// Layer is the memory tier the caller tagged this item with.
	Layer LayerTier `json:"layer"`

	// CreatedAt is when the item was created.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessed is when the item was last read.
	LastAccessed time.Time `json:"last_accessed"`

	// AccessCount is how many times the item has been read.
	AccessCount int `json:"access_count"`

	// ImportanceTags are free-form tags that boost intrinsic importance
	// (e.g. "critical", "major_arc").
	ImportanceTags []string `json:"importance_tags,omitempty"`

	// CharacterNames are character names mentioned, for relevance matching.
	CharacterNames []string `json:"character_names,omitempty"`

	// LocationNames are location names mentioned, for relevance matching.
	LocationNames []string `json:"location_names,omitempty"`

	// Metadata carries free-form caller annotations.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Tokens is the cached token count. Zero until counted.
	Tokens int `json:"tokens"`
}

// NewContentItem creates a content item with a fresh ID and timestamps.
func NewContentItem(content string, category ContentCategory, layer LayerTier) *ContentItem {
	now := time.Now()
	return &ContentItem{
		ID:           uuid.NewString(),
		Content:      content,
		Category:     category,
		Layer:        layer,
		CreatedAt:    now,
		LastAccessed: now,
	}
}

// Touch records an access, updating LastAccessed and AccessCount.
func (c *ContentItem) Touch() {
	c.LastAccessed = time.Now()
	c.AccessCount++
}

// HasTag returns true if the item carries the given importance tag.
func (c *ContentItem) HasTag(tag string) bool {
	for _, t := range c.ImportanceTags {
		if t == tag {
			return true
		}
	}
	return false
}

// UsageContext is a snapshot of the story situation a request is scored
// against. It is immutable for the duration of one scoring pass.
type UsageContext struct {
	// ActiveCharacters are characters present in the current scene.
	ActiveCharacters []string `json:"active_characters,omitempty"`

	// ActiveLocations are locations relevant to the current scene.
	ActiveLocations []string `json:"active_locations,omitempty"`

	// Keywords are free-text terms describing the current request.
	Keywords []string `json:"keywords,omitempty"`

	// SceneType is the kind of scene being generated (matched against
	// item categories, e.g. a "dialogue" scene favors dialogue items).
	SceneType ContentCategory `json:"scene_type,omitempty"`

	// AgentType is the consuming agent.
	AgentType AgentType `json:"agent_type"`
}

// RelevanceScore is the immutable result of scoring one content item
// against one context snapshot. All components are in [0, 1].
type RelevanceScore struct {
	// Recency decays exponentially from the last touch (half-life 7 days).
	Recency float64 `json:"recency"`

	// Relevance is the weighted name/keyword/scene overlap.
	Relevance float64 `json:"relevance"`

	// Importance is the intrinsic category base plus tag boosts.
	Importance float64 `json:"importance"`

	// Frequency is log-scaled access frequency.
	Frequency float64 `json:"frequency"`

	// TotalScore is the weighted combination of the four components.
	TotalScore float64 `json:"total_score"`

	// Explanation describes how the score was derived, or why scoring
	// failed for zero-score error entries.
	Explanation string `json:"explanation,omitempty"`
}

// ScoredItem pairs a content item with its relevance score.
type ScoredItem struct {
	// Item is the scored content item.
	Item *ContentItem `json:"item"`

	// Score is the relevance score. Zero-valued with an error explanation
	// when scoring the item failed.
	Score RelevanceScore `json:"score"`
}

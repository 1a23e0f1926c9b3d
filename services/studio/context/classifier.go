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
	"regexp"
	"strings"
)

// Classifier extracts lexical signals from story text. It is the pluggable
// seam for NLP: the default implementation is purely lexical, and an
// embedding-backed implementation can be substituted without touching
// allocator or distiller logic.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Classifier interface {
	// DetectCategory infers the content category from textual signals.
	//
	// Inputs:
	//   - text: The content to classify.
	//
	// Outputs:
	//   - ContentCategory: The detected category. CategoryNarrative when
	//     no stronger signal matches.
	DetectCategory(text string) ContentCategory

	// DetectContentType infers the summarization content type used by the
	// distiller to pick a compression strategy.
	DetectContentType(text string) ContentType

	// ExtractEntities returns probable character and location names.
	ExtractEntities(text string) (characters, locations []string)

	// ConceptTags returns coarse concept tags (emotion, action, scene)
	// present in the text.
	ConceptTags(text string) []string
}

// LexicalClassifier classifies text with regexes and keyword lexicons.
//
// Thread Safety: Safe for concurrent use (stateless after init).
type LexicalClassifier struct {
	quoteRegex     *regexp.Regexp
	systemRegex    *regexp.Regexp
	keyValueRegex  *regexp.Regexp
	properNameRe   *regexp.Regexp
	locationHintRe *regexp.Regexp
}

// NewLexicalClassifier creates the default lexical classifier.
func NewLexicalClassifier() *LexicalClassifier {
	return &LexicalClassifier{
		quoteRegex:    regexp.MustCompile(`"[^"]+"|“[^”]+”`),
		systemRegex:   regexp.MustCompile(`(?i)^\s*(you are|act as|your task is|you must)\b`),
		keyValueRegex: regexp.MustCompile(`(?m)^\s*[A-Za-z][\w -]*:\s+\S`),
		properNameRe:  regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`),
		locationHintRe: regexp.MustCompile(
			`(?i)\b(?:in|at|near|to|from)\s+(?:the\s+)?([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`),
	}
}

// DetectCategory infers the content category from lightweight signals:
// quoted speech density marks dialogue, imperative "You are"/"Act as"
// phrasing marks a system prompt, structured key:value lines mark metadata.
// Everything else defaults to narrative.
func (c *LexicalClassifier) DetectCategory(text string) ContentCategory {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return CategoryNarrative
	}

	if c.systemRegex.MatchString(trimmed) {
		return CategorySystemPrompt
	}

	// Metadata: a majority of non-empty lines are key: value pairs.
	lines := nonEmptyLines(trimmed)
	if len(lines) > 0 {
		kvMatches := c.keyValueRegex.FindAllString(trimmed, -1)
		if float64(len(kvMatches)) >= 0.5*float64(len(lines)) && len(kvMatches) >= 2 {
			return CategoryMetadata
		}
	}

	// Dialogue: quoted speech covers a meaningful share of the text.
	if quoted := c.quoteRegex.FindAllString(trimmed, -1); len(quoted) > 0 {
		quotedLen := 0
		for _, q := range quoted {
			quotedLen += len(q)
		}
		if float64(quotedLen) >= 0.3*float64(len(trimmed)) {
			return CategoryDialogue
		}
	}

	return CategoryNarrative
}

// DetectContentType classifies text for the distiller's strategy selection
// using keyword density over the domain lexicons.
func (c *LexicalClassifier) DetectContentType(text string) ContentType {
	words := tokenizeWords(text)
	if len(words) == 0 {
		return ContentTypeMixed
	}

	counts := map[ContentType]int{}
	for _, w := range words {
		switch {
		case plotWords[w]:
			counts[ContentTypePlot]++
		case characterWords[w]:
			counts[ContentTypeCharacterDev]++
		case worldWords[w]:
			counts[ContentTypeWorldBuilding]++
		case emotionWords[w]:
			counts[ContentTypeEmotionalMoment]++
		case actionWords[w]:
			counts[ContentTypeEventSequence]++
		}
	}

	// Quote density trumps lexicon hits: conversation-heavy text goes to
	// the dialogue strategy regardless of topic.
	if quoted := c.quoteRegex.FindAllString(text, -1); len(quoted) >= 3 {
		quotedLen := 0
		for _, q := range quoted {
			quotedLen += len(q)
		}
		if float64(quotedLen) >= 0.25*float64(len(text)) {
			return ContentTypeDialogue
		}
	}

	best := ContentTypeMixed
	bestCount := 0
	// Fixed iteration order keeps classification deterministic on ties.
	for _, ct := range []ContentType{
		ContentTypePlot, ContentTypeCharacterDev, ContentTypeWorldBuilding,
		ContentTypeEmotionalMoment, ContentTypeEventSequence,
	} {
		if counts[ct] > bestCount {
			best = ct
			bestCount = counts[ct]
		}
	}
	if bestCount < 2 {
		return ContentTypeMixed
	}
	return best
}

// ExtractEntities returns probable character and location names found in
// the text. Locations are capitalized names following a preposition;
// remaining capitalized names are treated as characters.
func (c *LexicalClassifier) ExtractEntities(text string) (characters, locations []string) {
	locationSet := map[string]bool{}
	for _, m := range c.locationHintRe.FindAllStringSubmatch(text, -1) {
		if len(m) > 1 {
			locationSet[m[1]] = true
		}
	}

	charSet := map[string]bool{}
	for _, name := range c.properNameRe.FindAllString(text, -1) {
		if locationSet[name] || stopwords[strings.ToLower(name)] {
			continue
		}
		// Sentence-initial common words slip through the capital check;
		// require the name to appear again or be multi-word.
		if strings.Contains(name, " ") || strings.Count(text, name) > 1 {
			charSet[name] = true
		}
	}

	for name := range charSet {
		characters = append(characters, name)
	}
	for name := range locationSet {
		locations = append(locations, name)
	}
	return characters, locations
}

// ConceptTags returns the coarse concept tags present in the text.
func (c *LexicalClassifier) ConceptTags(text string) []string {
	var tags []string
	hasEmotion, hasAction := false, false
	for _, w := range tokenizeWords(text) {
		if emotionWords[w] {
			hasEmotion = true
		}
		if actionWords[w] {
			hasAction = true
		}
	}
	if hasEmotion {
		tags = append(tags, "emotion")
	}
	if hasAction {
		tags = append(tags, "action")
	}
	if c.quoteRegex.MatchString(text) {
		tags = append(tags, "dialogue")
	}
	if len(nonEmptyLines(text)) > 1 {
		tags = append(tags, "scene")
	}
	return tags
}

// nonEmptyLines splits text into lines, dropping blank ones.
func nonEmptyLines(text string) []string {
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// DefaultClassifier is the package default lexical classifier.
var DefaultClassifier Classifier = NewLexicalClassifier()

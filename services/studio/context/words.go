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

import "strings"

// stopwords are common English words excluded from keyword matching.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "he": true, "her": true,
	"his": true, "i": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "she": true, "that": true,
	"the": true, "their": true, "them": true, "then": true, "there": true,
	"they": true, "this": true, "to": true, "was": true, "were": true,
	"with": true, "you": true, "your": true, "not": true, "so": true,
	"we": true, "what": true, "when": true, "who": true, "will": true,
}

// emotionWords signal emotionally charged prose.
var emotionWords = map[string]bool{
	"love": true, "hate": true, "fear": true, "afraid": true, "terror": true,
	"joy": true, "grief": true, "rage": true, "anger": true, "angry": true,
	"despair": true, "hope": true, "longing": true, "sorrow": true,
	"tears": true, "wept": true, "cried": true, "trembled": true,
	"heartbroken": true, "ecstatic": true, "furious": true, "anguish": true,
	"jealous": true, "ashamed": true, "guilt": true, "relief": true,
}

// actionWords signal event-driven prose.
var actionWords = map[string]bool{
	"ran": true, "fought": true, "attacked": true, "escaped": true,
	"chased": true, "grabbed": true, "struck": true, "fled": true,
	"jumped": true, "crashed": true, "exploded": true, "raced": true,
	"battle": true, "fight": true, "chase": true, "ambush": true,
}

// plotWords signal outline and structural beats.
var plotWords = map[string]bool{
	"plot": true, "twist": true, "reveal": true, "climax": true,
	"resolution": true, "conflict": true, "foreshadow": true, "setup": true,
	"payoff": true, "turning": true, "stakes": true, "betrayal": true,
	"beginning": true, "ending": true, "arc": true,
}

// worldWords signal setting and lore content.
var worldWords = map[string]bool{
	"kingdom": true, "city": true, "village": true, "realm": true,
	"magic": true, "history": true, "culture": true, "religion": true,
	"geography": true, "empire": true, "law": true, "custom": true,
	"legend": true, "lore": true, "map": true, "world": true,
}

// characterWords signal character-development content.
var characterWords = map[string]bool{
	"character": true, "personality": true, "motivation": true,
	"backstory": true, "flaw": true, "desire": true, "wound": true,
	"growth": true, "relationship": true, "trait": true, "voice": true,
	"appearance": true, "mannerism": true, "secret": true,
}

// tokenizeWords splits text into lowercase words, dropping punctuation
// and stopwords.
func tokenizeWords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] {
			continue
		}
		words = append(words, f)
	}
	return words
}

// wordSet returns the distinct words of text as a set.
func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range tokenizeWords(text) {
		set[w] = true
	}
	return set
}

func isWordRune(r rune) bool {
	return r == '\'' || r == '-' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

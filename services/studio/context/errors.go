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

import "errors"

// Sentinel errors for the context-budgeting core.
var (
	// ErrInvalidBudget indicates a non-positive token budget.
	ErrInvalidBudget = errors.New("token budget must be positive")

	// ErrUnknownTier indicates a tier outside the five-tier hierarchy.
	ErrUnknownTier = errors.New("unknown layer tier")

	// ErrNilItem indicates a nil content item was passed for scoring.
	ErrNilItem = errors.New("content item is nil")

	// ErrReleaseExceedsUsed indicates a release larger than current usage.
	ErrReleaseExceedsUsed = errors.New("release exceeds used tokens")

	// ErrInsufficientTokens indicates a reservation or allocation that
	// cannot be satisfied from the tier's available tokens.
	ErrInsufficientTokens = errors.New("insufficient tokens")

	// ErrNoSummaries indicates an empty input to summary-of-summaries.
	ErrNoSummaries = errors.New("no summaries provided")

	// ErrUnknownContentType indicates no strategy exists for a content type.
	ErrUnknownContentType = errors.New("no summarization strategy for content type")

	// ErrEmptyQuery indicates an empty retrieval query.
	ErrEmptyQuery = errors.New("query must not be empty")

	// ErrInvalidHierarchy indicates tier configs that violate the
	// min <= default <= max invariant or break the single parent chain.
	ErrInvalidHierarchy = errors.New("invalid hierarchy configuration")
)

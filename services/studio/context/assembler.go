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
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/QuillhavenAI/QuillhavenFOSS/services/llm"
)

// AssembledSection is the selected content for one tier.
type AssembledSection struct {
	// Tier is the section's layer.
	Tier LayerTier `json:"tier"`

	// Items are the selected items, best score first.
	Items []SelectedItem `json:"items"`

	// TokensUsed is the section's committed token count.
	TokensUsed int `json:"tokens_used"`

	// TokensAllocated is the tier's budget for this assembly.
	TokensAllocated int `json:"tokens_allocated"`
}

// AssembledContext is the output of one assembly: per-tier sections
// within a total budget, plus whatever distillation ran to get there.
type AssembledContext struct {
	// Sections holds one section per tier, ordered working-first.
	Sections []AssembledSection `json:"sections"`

	// TotalTokens is the combined token count of all sections.
	TotalTokens int `json:"total_tokens"`

	// TokenBudget is the budget the assembly ran under.
	TokenBudget int `json:"token_budget"`

	// Distillations lists the compression passes performed.
	Distillations []*DistillationResult `json:"distillations,omitempty"`

	// Warnings carries non-fatal problems (infeasible budgets, failed
	// distillation passes).
	Warnings []string `json:"warnings,omitempty"`

	// Duration is the assembly wall time.
	Duration time.Duration `json:"duration"`
}

// Assembler is the session facade: it turns a pool of content items into
// a budgeted, prioritized, and (when necessary) distilled context.
//
// Description:
//
//	Assembly runs in four stages. First the hierarchy splits the total
//	budget across tiers. Then each tier's candidate items are scored and
//	selected against the tier's share via the prioritizer, with the
//	allocator tracking commitment and resolving overflow. If the result
//	still breaches the distiller's thresholds, low-priority sections are
//	compressed until it fits. Finally the sections are emitted in tier
//	order with full accounting.
//
// Thread Safety: NOT safe for concurrent use. Create one assembler per
// session, or guard externally.
type Assembler struct {
	hierarchy   *Hierarchy
	counter     *TokenCounter
	prioritizer *LayeredPrioritizer
	distiller   *ContextDistiller
	retriever   *RAGRetriever

	totalBudget int
	strategy    OverflowStrategy
}

// AssemblerOption is a functional option for the assembler.
type AssemblerOption func(*Assembler)

// WithTotalBudget sets the session token budget.
func WithTotalBudget(budget int) AssemblerOption {
	return func(a *Assembler) {
		if budget > 0 {
			a.totalBudget = budget
		}
	}
}

// WithAssemblerOverflowStrategy sets the allocator overflow strategy.
func WithAssemblerOverflowStrategy(s OverflowStrategy) AssemblerOption {
	return func(a *Assembler) {
		a.strategy = s
	}
}

// WithAssemblerHierarchy replaces the canonical tier hierarchy.
func WithAssemblerHierarchy(h *Hierarchy) AssemblerOption {
	return func(a *Assembler) {
		if h != nil {
			a.hierarchy = h
		}
	}
}

// WithRetriever enables retrieval-based candidate narrowing.
func WithRetriever(r *RAGRetriever) AssemblerOption {
	return func(a *Assembler) {
		a.retriever = r
	}
}

// NewAssembler creates an assembler.
//
// Inputs:
//   - client: The LLM client used for distillation. May be nil; assembly
//     then proceeds without compression and reports failed passes.
//   - counter: The token counter. Must not be nil.
func NewAssembler(client llm.Client, counter *TokenCounter, opts ...AssemblerOption) (*Assembler, error) {
	if counter == nil {
		return nil, fmt.Errorf("token counter is required")
	}
	a := &Assembler{
		hierarchy:   NewHierarchy(),
		counter:     counter,
		totalBudget: DefaultTokenBudget,
		strategy:    OverflowBorrow,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.prioritizer = NewLayeredPrioritizer(counter)
	a.distiller = NewContextDistiller(client, counter, a.hierarchy)
	return a, nil
}

// Assemble builds the context for one generation call.
//
// Inputs:
//   - ctx: Cancels in-flight distillation calls.
//   - pool: Candidate items, each tagged with its tier.
//   - uc: The usage context items are scored against.
//   - agent: The consuming agent.
//
// Outputs:
//   - *AssembledContext: The budgeted context.
//   - error: ErrInvalidBudget, or a fatal assembly failure. Distillation
//     failures are warnings, not errors.
func (a *Assembler) Assemble(ctx stdctx.Context, pool []*ContentItem, uc UsageContext, agent AgentType) (*AssembledContext, error) {
	started := time.Now()
	ctx, span := startSpan(ctx, "context.assemble",
		attribute.Int("budget", a.totalBudget),
		attribute.Int("pool_size", len(pool)),
		attribute.String("agent", agent.String()),
	)
	defer span.End()

	if a.totalBudget <= 0 {
		return nil, ErrInvalidBudget
	}

	assembled := &AssembledContext{TokenBudget: a.totalBudget}

	pool = a.narrowPool(pool, uc)

	allocator, err := NewTokenAllocator(a.hierarchy, a.totalBudget, WithOverflowStrategy(a.strategy))
	if err != nil {
		return nil, err
	}
	if _, warnings := a.hierarchy.SuggestBalancedAllocation(a.totalBudget); len(warnings) > 0 {
		assembled.Warnings = append(assembled.Warnings, warnings...)
	}

	byTier := make(map[LayerTier][]*ContentItem)
	for _, item := range pool {
		if item == nil {
			continue
		}
		byTier[item.Layer] = append(byTier[item.Layer], item)
	}

	// Select per tier within the tier's allocated share.
	layerTokens := make(map[LayerTier]int, TierCount)
	sections := make(map[LayerTier]*AssembledSection, TierCount)
	for _, tier := range AllTiers() {
		alloc, err := allocator.Allocation(tier)
		if err != nil {
			return nil, err
		}
		section := &AssembledSection{Tier: tier, TokensAllocated: alloc.Allocated}
		sections[tier] = section

		candidates := byTier[tier]
		if len(candidates) == 0 {
			continue
		}
		selection, err := a.prioritizer.Prioritize(candidates, uc, agent, alloc.Allocated)
		if err != nil {
			return nil, fmt.Errorf("prioritize tier %s: %w", tier, err)
		}
		if selection.TokensUsed > 0 {
			result := allocator.Allocate(AllocationRequest{
				Layer:           tier,
				RequestedTokens: selection.TokensUsed,
				CanBeTruncated:  false,
			})
			recordAllocation(ctx, result)
			if !result.Success {
				assembled.Warnings = append(assembled.Warnings,
					fmt.Sprintf("tier %s: allocation failed: %s", tier, result.Reason))
				continue
			}
		}
		section.Items = selection.Items
		section.TokensUsed = selection.TokensUsed
		layerTokens[tier] = selection.TokensUsed
	}

	// Distill if the selection still breaches global or per-tier limits.
	if needed, trigger, overflowed := a.distiller.CheckNeeded(layerTokens, allocator.Allocations()); needed {
		a.distillSections(ctx, sections, layerTokens, trigger, overflowed, assembled)
	}

	for _, tier := range AllTiers() {
		section := sections[tier]
		assembled.Sections = append(assembled.Sections, *section)
		assembled.TotalTokens += section.TokensUsed
	}
	assembled.Duration = time.Since(started)
	recordAssembly(ctx, assembled.Duration, assembled.TotalTokens)
	return assembled, nil
}

// narrowPool optionally filters the pool through the retriever so only
// contextually relevant items compete for budget.
func (a *Assembler) narrowPool(pool []*ContentItem, uc UsageContext) []*ContentItem {
	if a.retriever == nil || len(uc.Keywords) == 0 || len(pool) == 0 {
		return pool
	}
	result, err := a.retriever.Retrieve(RetrievalQuery{
		Text:       strings.Join(uc.Keywords, " "),
		Strategy:   StrategyHybrid,
		MaxResults: len(pool),
	}, pool, uc)
	if err != nil {
		slog.Warn("retrieval narrowing failed, using full pool", "error", err)
		return pool
	}
	if len(result.Items) == 0 {
		return pool
	}
	return result.Items
}

// distillSections compresses sections lowest-priority-first, skipping the
// working tier, until the distiller reports no further need.
func (a *Assembler) distillSections(ctx stdctx.Context, sections map[LayerTier]*AssembledSection, layerTokens map[LayerTier]int, trigger DistillTrigger, overflowed *LayerTier, assembled *AssembledContext) {
	for _, tier := range a.hierarchy.tiersByPriority(false) {
		if tier == TierWorking {
			continue
		}
		if overflowed != nil && tier != *overflowed {
			continue
		}
		section := sections[tier]
		for i := range section.Items {
			item := section.Items[i].Item
			affected := tier
			res := a.distiller.Distill(ctx, item.Content, trigger, &affected)
			recordDistillation(ctx, res)
			assembled.Distillations = append(assembled.Distillations, res)
			if res.Failed {
				assembled.Warnings = append(assembled.Warnings,
					fmt.Sprintf("tier %s: distillation failed: %s", tier, res.FailureReason))
				continue
			}
			item.Content = res.Summary
			item.Tokens = res.CompressedTokens
			section.TokensUsed -= res.OriginalTokens - res.CompressedTokens
			layerTokens[tier] = section.TokensUsed
		}
		if needed, _, _ := a.distiller.CheckNeeded(layerTokens, nil); !needed {
			return
		}
	}
}

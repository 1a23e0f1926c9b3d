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
	"fmt"
	"sort"
	"time"
)

// Allocator tuning constants.
const (
	// MaxLendFraction caps what one tier may lend at 30% of its own
	// allocated tokens.
	MaxLendFraction = 0.30

	// ReallocationTriggerUtilization starts dynamic reallocation when
	// overall utilization crosses this threshold.
	ReallocationTriggerUtilization = 0.80

	// ReallocationDonorUtilization marks tiers below this utilization as
	// reallocation donors.
	ReallocationDonorUtilization = 0.50
)

// OverflowStrategy selects how an unsatisfiable request is resolved.
type OverflowStrategy int

const (
	// OverflowReject fails the request without state change.
	OverflowReject OverflowStrategy = iota

	// OverflowTruncate grants whatever is available when the request is
	// truncatable.
	OverflowTruncate

	// OverflowBorrow borrows the shortfall from other tiers.
	OverflowBorrow

	// OverflowReallocate runs dynamic reallocation once, then retries,
	// falling back to borrowing.
	OverflowReallocate
)

// String returns the strategy name.
func (s OverflowStrategy) String() string {
	switch s {
	case OverflowReject:
		return "reject"
	case OverflowTruncate:
		return "truncate"
	case OverflowBorrow:
		return "borrow"
	case OverflowReallocate:
		return "reallocate"
	default:
		return "unknown"
	}
}

// LayerAllocation is the live budget state for one tier in one session.
type LayerAllocation struct {
	// Allocated is the tier's granted base budget.
	Allocated int `json:"allocated"`

	// Used is committed usage.
	Used int `json:"used"`

	// Reserved is set aside but not yet committed.
	Reserved int `json:"reserved"`

	// Borrowed is budget taken from other tiers.
	Borrowed int `json:"borrowed"`

	// Lent is budget given to other tiers.
	Lent int `json:"lent"`
}

// Available returns the tokens still grantable from this tier.
func (a *LayerAllocation) Available() int {
	return a.Allocated + a.Borrowed - a.Used - a.Reserved - a.Lent
}

// Utilization returns (used+reserved+lent)/(allocated+borrowed), or 0 for
// an empty tier.
func (a *LayerAllocation) Utilization() float64 {
	capacity := a.Allocated + a.Borrowed
	if capacity <= 0 {
		return 0
	}
	return float64(a.Used+a.Reserved+a.Lent) / float64(capacity)
}

// AllocationRequest asks for tokens from one tier.
type AllocationRequest struct {
	// Layer is the tier to allocate from.
	Layer LayerTier `json:"layer"`

	// RequestedTokens is the amount requested. Must be positive.
	RequestedTokens int `json:"requested_tokens"`

	// Priority is the caller's priority for this request (informational,
	// recorded in the allocation history).
	Priority int `json:"priority"`

	// CanBeTruncated permits a partial grant.
	CanBeTruncated bool `json:"can_be_truncated"`
}

// AllocationResult reports the outcome of one allocation request.
// Failures are reported here, never as panics: Success is false and
// Reason carries the human-readable cause.
type AllocationResult struct {
	// GrantedTokens is the number of tokens committed.
	GrantedTokens int `json:"granted_tokens"`

	// Success is true when any tokens were granted (a zero-token
	// truncated grant is a valid, if degenerate, success).
	Success bool `json:"success"`

	// Truncated is true when the grant is smaller than the request.
	Truncated bool `json:"truncated"`

	// BorrowedTokens is how many of the granted tokens were borrowed.
	BorrowedTokens int `json:"borrowed_tokens"`

	// Reason is the failure reason when Success is false.
	Reason string `json:"reason,omitempty"`
}

// AllocatorStats aggregates allocation activity for one session.
type AllocatorStats struct {
	// TotalRequests counts all allocation attempts.
	TotalRequests int `json:"total_requests"`

	// Successful counts granted requests (including truncated grants).
	Successful int `json:"successful"`

	// Rejected counts failed requests.
	Rejected int `json:"rejected"`

	// Truncated counts partially granted requests.
	Truncated int `json:"truncated"`

	// BorrowedTokens is the cumulative borrowed amount.
	BorrowedTokens int `json:"borrowed_tokens"`

	// AverageWaitTime is the rolling mean time spent inside Allocate.
	AverageWaitTime time.Duration `json:"average_wait_time"`

	// PeakUtilization is the highest overall utilization observed.
	PeakUtilization float64 `json:"peak_utilization"`

	// OverflowEvents counts requests that exceeded direct availability.
	OverflowEvents int `json:"overflow_events"`
}

// allocationRecord is one entry in the session's allocation history.
type allocationRecord struct {
	layer    LayerTier
	request  int
	granted  int
	borrowed int
	success  bool
	priority int
	at       time.Time
}

// TokenAllocator owns the live per-tier budget state for one session.
//
// Description:
//
//	Grants allocation requests against per-tier budgets seeded from the
//	hierarchy's balanced allocation, resolves overflow via the configured
//	strategy, and runs dynamic reallocation when overall utilization
//	crosses the trigger threshold. Borrowing and lending are accounted
//	within a single Allocate call; partial borrow states are never
//	externally observable.
//
// Thread Safety: NOT safe for concurrent use. One allocator owns the
// state for exactly one in-flight context assembly; callers needing
// parallel sessions must create one allocator per session.
type TokenAllocator struct {
	hierarchy   *Hierarchy
	allocations map[LayerTier]*LayerAllocation
	strategy    OverflowStrategy
	dynamic     bool
	stats       AllocatorStats
	history     []allocationRecord
	totalWait   time.Duration
}

// AllocatorOption is a functional option for the allocator.
type AllocatorOption func(*TokenAllocator)

// WithOverflowStrategy sets the overflow resolution strategy.
func WithOverflowStrategy(s OverflowStrategy) AllocatorOption {
	return func(a *TokenAllocator) {
		a.strategy = s
	}
}

// WithDynamicReallocation enables automatic reallocation when overall
// utilization exceeds ReallocationTriggerUtilization.
func WithDynamicReallocation(enabled bool) AllocatorOption {
	return func(a *TokenAllocator) {
		a.dynamic = enabled
	}
}

// NewTokenAllocator creates an allocator for one session.
//
// Inputs:
//   - hierarchy: The tier hierarchy. Nil uses the canonical hierarchy.
//   - totalBudget: The session budget, distributed via
//     SuggestBalancedAllocation. Must be positive.
//
// Outputs:
//   - *TokenAllocator: The session allocator.
//   - error: ErrInvalidBudget for a non-positive budget.
func NewTokenAllocator(hierarchy *Hierarchy, totalBudget int, opts ...AllocatorOption) (*TokenAllocator, error) {
	if totalBudget <= 0 {
		return nil, ErrInvalidBudget
	}
	if hierarchy == nil {
		hierarchy = NewHierarchy()
	}

	suggested, _ := hierarchy.SuggestBalancedAllocation(totalBudget)
	allocations := make(map[LayerTier]*LayerAllocation, TierCount)
	for tier, tokens := range suggested {
		allocations[tier] = &LayerAllocation{Allocated: tokens}
	}

	a := &TokenAllocator{
		hierarchy:   hierarchy,
		allocations: allocations,
		strategy:    OverflowBorrow,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Allocate processes one allocation request.
//
// The request moves through the state machine
// requested -> {granted-direct | granted-truncated | granted-borrowed | rejected}
// according to tier availability and the configured overflow strategy.
func (a *TokenAllocator) Allocate(req AllocationRequest) AllocationResult {
	started := time.Now()
	result := a.allocate(req)
	a.record(req, result, time.Since(started))
	return result
}

func (a *TokenAllocator) allocate(req AllocationRequest) AllocationResult {
	alloc, ok := a.allocations[req.Layer]
	if !ok {
		return AllocationResult{Reason: fmt.Sprintf("unknown tier %d", req.Layer)}
	}
	if req.RequestedTokens <= 0 {
		return AllocationResult{Reason: "requested tokens must be positive"}
	}

	// Dynamic mode rebalances before the grant when the session runs hot.
	if a.dynamic && a.OverallUtilization() > ReallocationTriggerUtilization {
		a.Reallocate()
	}

	if alloc.Available() >= req.RequestedTokens {
		alloc.Used += req.RequestedTokens
		return AllocationResult{GrantedTokens: req.RequestedTokens, Success: true}
	}

	a.stats.OverflowEvents++

	switch a.strategy {
	case OverflowReject:
		return AllocationResult{Reason: "insufficient tokens"}
	case OverflowTruncate:
		return a.truncateGrant(req, alloc)
	case OverflowReallocate:
		a.Reallocate()
		if alloc.Available() >= req.RequestedTokens {
			alloc.Used += req.RequestedTokens
			return AllocationResult{GrantedTokens: req.RequestedTokens, Success: true}
		}
		return a.borrowGrant(req, alloc)
	default: // OverflowBorrow
		return a.borrowGrant(req, alloc)
	}
}

// truncateGrant grants whatever the tier has. Zero is a valid grant.
func (a *TokenAllocator) truncateGrant(req AllocationRequest, alloc *LayerAllocation) AllocationResult {
	if !req.CanBeTruncated {
		return AllocationResult{Reason: "insufficient tokens and request is not truncatable"}
	}
	granted := max(alloc.Available(), 0)
	alloc.Used += granted
	return AllocationResult{GrantedTokens: granted, Success: true, Truncated: true}
}

// borrowGrant covers the shortfall from other tiers, preferring siblings,
// then ancestors, then descendants, with lower-priority tiers lending
// first within each group.
func (a *TokenAllocator) borrowGrant(req AllocationRequest, alloc *LayerAllocation) AllocationResult {
	cfg, err := a.hierarchy.ConfigFor(req.Layer)
	if err != nil || !cfg.CanBorrow {
		return AllocationResult{Reason: fmt.Sprintf("tier %s cannot borrow", req.Layer)}
	}

	available := max(alloc.Available(), 0)
	needed := req.RequestedTokens - available

	// Plan the borrow fully before committing so a shortfall leaves no
	// partial state behind.
	type plannedLoan struct {
		lender *LayerAllocation
		amount int
	}
	var plan []plannedLoan
	planned := 0
	for _, tier := range a.borrowCandidates(req.Layer) {
		if planned >= needed {
			break
		}
		lender := a.allocations[tier]
		lendable := a.lendableTokens(tier, lender)
		if lendable <= 0 {
			continue
		}
		amount := min(lendable, needed-planned)
		plan = append(plan, plannedLoan{lender: lender, amount: amount})
		planned += amount
	}

	if planned < needed {
		if !req.CanBeTruncated {
			return AllocationResult{Reason: fmt.Sprintf(
				"insufficient tokens: need %d more, only %d borrowable", needed, planned)}
		}
		// Truncatable: grant what exists plus what can be borrowed.
		for _, loan := range plan {
			loan.lender.Lent += loan.amount
		}
		alloc.Borrowed += planned
		granted := available + planned
		alloc.Used += granted
		return AllocationResult{
			GrantedTokens:  granted,
			Success:        true,
			Truncated:      true,
			BorrowedTokens: planned,
		}
	}

	for _, loan := range plan {
		loan.lender.Lent += loan.amount
	}
	alloc.Borrowed += needed
	alloc.Used += req.RequestedTokens
	return AllocationResult{
		GrantedTokens:  req.RequestedTokens,
		Success:        true,
		BorrowedTokens: needed,
	}
}

// borrowCandidates returns lender tiers in preference order: siblings of
// the same parent first, then ancestors, then descendants, each group
// sorted by ascending priority so low-priority tiers lend first.
func (a *TokenAllocator) borrowCandidates(borrower LayerTier) []LayerTier {
	var siblings, ancestors, descendants []LayerTier

	borrowerParent, hasParent := a.hierarchy.Parent(borrower)
	for _, tier := range AllTiers() {
		if tier == borrower {
			continue
		}
		parent, ok := a.hierarchy.Parent(tier)
		if hasParent && ok && parent == borrowerParent {
			siblings = append(siblings, tier)
		}
	}
	ancestors = a.hierarchy.Ancestors(borrower)
	descendants = a.hierarchy.Descendants(borrower)

	candidates := make([]LayerTier, 0, TierCount)
	seen := map[LayerTier]bool{borrower: true}
	for _, group := range [][]LayerTier{siblings, ancestors, descendants} {
		group = a.sortByAscendingPriority(group)
		for _, tier := range group {
			if !seen[tier] {
				seen[tier] = true
				candidates = append(candidates, tier)
			}
		}
	}
	return candidates
}

func (a *TokenAllocator) sortByAscendingPriority(tiers []LayerTier) []LayerTier {
	sorted := make([]LayerTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		ci, _ := a.hierarchy.ConfigFor(sorted[i])
		cj, _ := a.hierarchy.ConfigFor(sorted[j])
		return ci.Priority < cj.Priority
	})
	return sorted
}

// lendableTokens returns how much a tier may lend right now: at most 30%
// of its allocated tokens, never more than its available tokens, and
// never driving its unlent capacity below the configured minimum.
func (a *TokenAllocator) lendableTokens(tier LayerTier, lender *LayerAllocation) int {
	cfg, err := a.hierarchy.ConfigFor(tier)
	if err != nil || !cfg.CanLend {
		return 0
	}
	byFraction := int(float64(lender.Allocated)*MaxLendFraction) - lender.Lent
	byAvailability := lender.Available()
	byMinimum := lender.Allocated - lender.Lent - cfg.MinTokens
	return max(0, min(byFraction, min(byAvailability, byMinimum)))
}

// Release returns tokens to a tier's budget.
func (a *TokenAllocator) Release(tier LayerTier, tokens int) error {
	alloc, ok := a.allocations[tier]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}
	if tokens < 0 {
		return fmt.Errorf("release amount must not be negative, got %d", tokens)
	}
	if tokens > alloc.Used {
		return fmt.Errorf("%w: releasing %d, used %d", ErrReleaseExceedsUsed, tokens, alloc.Used)
	}
	alloc.Used -= tokens
	return nil
}

// Reserve sets tokens aside without committing them.
func (a *TokenAllocator) Reserve(tier LayerTier, tokens int) error {
	alloc, ok := a.allocations[tier]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}
	if tokens <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", tokens)
	}
	if alloc.Available() < tokens {
		return fmt.Errorf("%w: reserving %d, available %d", ErrInsufficientTokens, tokens, alloc.Available())
	}
	alloc.Reserved += tokens
	return nil
}

// Reallocate shifts allocated (not used) budget from cold tiers to hot
// ones. Tiers above the trigger utilization pull from tiers below the
// donor threshold; transfers respect every tier's min and max.
func (a *TokenAllocator) Reallocate() {
	var hot, cold []LayerTier
	for _, tier := range AllTiers() {
		alloc := a.allocations[tier]
		switch {
		case alloc.Utilization() > ReallocationTriggerUtilization:
			hot = append(hot, tier)
		case alloc.Utilization() < ReallocationDonorUtilization:
			cold = append(cold, tier)
		}
	}

	for _, hotTier := range hot {
		hotAlloc := a.allocations[hotTier]
		hotCfg, _ := a.hierarchy.ConfigFor(hotTier)
		for _, coldTier := range cold {
			coldAlloc := a.allocations[coldTier]
			coldCfg, _ := a.hierarchy.ConfigFor(coldTier)

			headroom := hotCfg.MaxTokens - hotAlloc.Allocated
			slack := coldAlloc.Allocated - coldCfg.MinTokens
			transfer := min(slack, min(headroom, coldAlloc.Available()))
			if transfer <= 0 {
				continue
			}
			coldAlloc.Allocated -= transfer
			hotAlloc.Allocated += transfer
		}
	}
}

// OverallUtilization returns the whole session's utilization.
func (a *TokenAllocator) OverallUtilization() float64 {
	usage, capacity := 0, 0
	for _, alloc := range a.allocations {
		usage += alloc.Used + alloc.Reserved + alloc.Lent
		capacity += alloc.Allocated + alloc.Borrowed
	}
	if capacity <= 0 {
		return 0
	}
	return float64(usage) / float64(capacity)
}

// Allocation returns a copy of one tier's live allocation state.
func (a *TokenAllocator) Allocation(tier LayerTier) (LayerAllocation, error) {
	alloc, ok := a.allocations[tier]
	if !ok {
		return LayerAllocation{}, fmt.Errorf("%w: %d", ErrUnknownTier, tier)
	}
	return *alloc, nil
}

// Allocations returns a copy of all tiers' live allocation state.
func (a *TokenAllocator) Allocations() map[LayerTier]LayerAllocation {
	snapshot := make(map[LayerTier]LayerAllocation, len(a.allocations))
	for tier, alloc := range a.allocations {
		snapshot[tier] = *alloc
	}
	return snapshot
}

// AllocationStats returns the session's aggregated allocation statistics.
func (a *TokenAllocator) AllocationStats() AllocatorStats {
	return a.stats
}

// UsageSnapshot summarizes current usage for introspection.
type UsageSnapshot struct {
	// Allocations is the per-tier state.
	Allocations map[LayerTier]LayerAllocation `json:"allocations"`

	// OverallUtilization is the session-wide utilization.
	OverallUtilization float64 `json:"overall_utilization"`

	// TotalAllocated is the summed base budget.
	TotalAllocated int `json:"total_allocated"`

	// TotalUsed is the summed committed usage.
	TotalUsed int `json:"total_used"`
}

// UsageStats returns a read-only snapshot of current usage.
func (a *TokenAllocator) UsageStats() UsageSnapshot {
	snapshot := UsageSnapshot{
		Allocations:        a.Allocations(),
		OverallUtilization: a.OverallUtilization(),
	}
	for _, alloc := range a.allocations {
		snapshot.TotalAllocated += alloc.Allocated
		snapshot.TotalUsed += alloc.Used
	}
	return snapshot
}

// record appends the attempt to the history and updates statistics.
func (a *TokenAllocator) record(req AllocationRequest, result AllocationResult, wait time.Duration) {
	a.history = append(a.history, allocationRecord{
		layer:    req.Layer,
		request:  req.RequestedTokens,
		granted:  result.GrantedTokens,
		borrowed: result.BorrowedTokens,
		success:  result.Success,
		priority: req.Priority,
		at:       time.Now(),
	})

	a.stats.TotalRequests++
	a.totalWait += wait
	a.stats.AverageWaitTime = a.totalWait / time.Duration(a.stats.TotalRequests)
	if result.Success {
		a.stats.Successful++
	} else {
		a.stats.Rejected++
	}
	if result.Truncated {
		a.stats.Truncated++
	}
	a.stats.BorrowedTokens += result.BorrowedTokens
	if u := a.OverallUtilization(); u > a.stats.PeakUtilization {
		a.stats.PeakUtilization = u
	}
}

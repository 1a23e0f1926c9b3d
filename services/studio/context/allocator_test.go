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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newDefaultAllocator returns an allocator whose tiers sit exactly at
// their default allocations (budget equals the sum of defaults).
func newDefaultAllocator(t *testing.T, opts ...AllocatorOption) *TokenAllocator {
	t.Helper()
	a, err := NewTokenAllocator(NewHierarchy(), 7000, opts...)
	require.NoError(t, err)
	return a
}

func TestNewTokenAllocatorInvalidBudget(t *testing.T) {
	_, err := NewTokenAllocator(NewHierarchy(), 0)
	assert.ErrorIs(t, err, ErrInvalidBudget)
	_, err = NewTokenAllocator(nil, -100)
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestAllocateDirectGrant(t *testing.T) {
	a := newDefaultAllocator(t)
	result := a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 500})

	assert.True(t, result.Success)
	assert.Equal(t, 500, result.GrantedTokens)
	assert.False(t, result.Truncated)
	assert.Equal(t, 0, result.BorrowedTokens)

	alloc, err := a.Allocation(TierWorking)
	require.NoError(t, err)
	assert.Equal(t, 500, alloc.Used)
	assert.Equal(t, 1500, alloc.Available())
}

func TestAllocateInvalidRequests(t *testing.T) {
	a := newDefaultAllocator(t)

	result := a.Allocate(AllocationRequest{Layer: LayerTier(42), RequestedTokens: 10})
	assert.False(t, result.Success)

	result = a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 0})
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.GrantedTokens)
}

func TestAllocateRejectStrategy(t *testing.T) {
	a := newDefaultAllocator(t, WithOverflowStrategy(OverflowReject))
	result := a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 5000})

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Reason)

	// Rejection must leave no state behind.
	alloc, _ := a.Allocation(TierWorking)
	assert.Equal(t, 0, alloc.Used)
	assert.Equal(t, 0, alloc.Borrowed)
}

func TestAllocateTruncateStrategy(t *testing.T) {
	a := newDefaultAllocator(t, WithOverflowStrategy(OverflowTruncate))

	result := a.Allocate(AllocationRequest{
		Layer: TierWorking, RequestedTokens: 5000, CanBeTruncated: true,
	})
	assert.True(t, result.Success)
	assert.True(t, result.Truncated)
	assert.Equal(t, 2000, result.GrantedTokens, "grants everything available")

	// A second truncated grant on the exhausted tier yields zero, which
	// is still a success.
	result = a.Allocate(AllocationRequest{
		Layer: TierWorking, RequestedTokens: 100, CanBeTruncated: true,
	})
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.GrantedTokens)

	// Not truncatable: rejected.
	result = a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 100})
	assert.False(t, result.Success)
}

func TestAllocateBorrow(t *testing.T) {
	a := newDefaultAllocator(t)

	// Working holds 2000 and has 1950 committed; the next request must
	// borrow the 50-token shortfall from a lightly used lender.
	workingAlloc := a.allocations[TierWorking]
	workingAlloc.Used = 1950

	result := a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 100})
	require.True(t, result.Success, "reason: %s", result.Reason)
	assert.Equal(t, 100, result.GrantedTokens)
	assert.Equal(t, 50, result.BorrowedTokens)
	assert.False(t, result.Truncated)

	assert.Equal(t, 50, workingAlloc.Borrowed)
	assert.Equal(t, 2050, workingAlloc.Used)

	// Lowest-priority lender lends first.
	longTerm, _ := a.Allocation(TierLongTerm)
	assert.Equal(t, 50, longTerm.Lent)
}

func TestBorrowLendBalance(t *testing.T) {
	a := newDefaultAllocator(t)
	a.allocations[TierWorking].Used = 1990
	a.allocations[TierEpisodic].Used = 1490

	a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 200})
	a.Allocate(AllocationRequest{Layer: TierEpisodic, RequestedTokens: 150})

	totalBorrowed, totalLent, totalAllocated := 0, 0, 0
	for _, alloc := range a.Allocations() {
		totalBorrowed += alloc.Borrowed
		totalLent += alloc.Lent
		totalAllocated += alloc.Allocated
	}
	assert.Equal(t, totalLent, totalBorrowed, "every borrowed token has a lender")
	assert.Equal(t, 7000, totalAllocated, "borrowing never changes base allocations")
}

func TestBorrowRespectsLendCap(t *testing.T) {
	a := newDefaultAllocator(t)

	// Demand far beyond the 30% lend caps of all lenders combined.
	a.allocations[TierWorking].Used = 2000
	result := a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 4000})
	assert.False(t, result.Success, "lend caps bound total borrowable")

	// No partial state after the failed borrow.
	for tier, alloc := range a.Allocations() {
		assert.Equal(t, 0, alloc.Lent, "tier %s", tier)
		assert.Equal(t, 0, alloc.Borrowed, "tier %s", tier)
	}
}

func TestBorrowPartialWithTruncation(t *testing.T) {
	a := newDefaultAllocator(t)
	a.allocations[TierWorking].Used = 2000

	result := a.Allocate(AllocationRequest{
		Layer: TierWorking, RequestedTokens: 4000, CanBeTruncated: true,
	})
	require.True(t, result.Success)
	assert.True(t, result.Truncated)
	assert.Greater(t, result.BorrowedTokens, 0)
	assert.Less(t, result.GrantedTokens, 4000)
	assert.Equal(t, result.BorrowedTokens, result.GrantedTokens,
		"nothing was available locally, so the whole grant is borrowed")
}

func TestLongTermCannotBorrow(t *testing.T) {
	a := newDefaultAllocator(t)
	a.allocations[TierLongTerm].Used = 1000

	result := a.Allocate(AllocationRequest{Layer: TierLongTerm, RequestedTokens: 100})
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "cannot borrow")
}

func TestWorkingCannotLend(t *testing.T) {
	a := newDefaultAllocator(t)
	// Exhaust every tier that can lend, then check Working stays intact.
	for _, tier := range []LayerTier{TierEpisodic, TierSemantic, TierAgent, TierLongTerm} {
		a.allocations[tier].Used = a.allocations[tier].Allocated
	}
	a.allocations[TierEpisodic].Used = 1500

	a.allocations[TierSemantic].Used = 1400
	result := a.Allocate(AllocationRequest{Layer: TierSemantic, RequestedTokens: 200})
	assert.False(t, result.Success, "only Working has slack and Working cannot lend")

	working, _ := a.Allocation(TierWorking)
	assert.Equal(t, 0, working.Lent)
}

func TestReleaseAndReserve(t *testing.T) {
	a := newDefaultAllocator(t)
	a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 500})

	require.NoError(t, a.Release(TierWorking, 200))
	alloc, _ := a.Allocation(TierWorking)
	assert.Equal(t, 300, alloc.Used)

	err := a.Release(TierWorking, 1000)
	assert.ErrorIs(t, err, ErrReleaseExceedsUsed)

	require.NoError(t, a.Reserve(TierWorking, 1700))
	alloc, _ = a.Allocation(TierWorking)
	assert.Equal(t, 1700, alloc.Reserved)
	assert.Equal(t, 0, alloc.Available())

	err = a.Reserve(TierWorking, 1)
	assert.ErrorIs(t, err, ErrInsufficientTokens)

	err = a.Release(LayerTier(42), 1)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

func TestReallocateMovesColdBudgetToHotTiers(t *testing.T) {
	a := newDefaultAllocator(t)
	a.allocations[TierWorking].Used = 1900 // 95% hot
	// LongTerm and Agent are untouched (0% cold).

	a.Reallocate()

	working, _ := a.Allocation(TierWorking)
	assert.Greater(t, working.Allocated, 2000, "hot tier gains budget")
	cfg, _ := a.hierarchy.ConfigFor(TierWorking)
	assert.LessOrEqual(t, working.Allocated, cfg.MaxTokens)

	total := 0
	for tier, alloc := range a.Allocations() {
		tierCfg, _ := a.hierarchy.ConfigFor(tier)
		assert.GreaterOrEqual(t, alloc.Allocated, tierCfg.MinTokens, "tier %s", tier)
		total += alloc.Allocated
	}
	assert.Equal(t, 7000, total, "reallocation conserves the budget")
}

func TestDynamicReallocationOnAllocate(t *testing.T) {
	a := newDefaultAllocator(t, WithDynamicReallocation(true))
	// Push overall utilization past the trigger.
	a.allocations[TierWorking].Used = 2000
	a.allocations[TierEpisodic].Used = 1500
	a.allocations[TierSemantic].Used = 1500
	a.allocations[TierAgent].Used = 900

	// Working is out of budget; dynamic mode rebalances from the cold
	// LongTerm tier before falling back to borrowing.
	result := a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 300})
	assert.True(t, result.Success, "reason: %s", result.Reason)
}

func TestAllocatorStats(t *testing.T) {
	a := newDefaultAllocator(t, WithOverflowStrategy(OverflowReject))

	a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 500})
	a.Allocate(AllocationRequest{Layer: TierWorking, RequestedTokens: 5000})

	stats := a.AllocationStats()
	assert.Equal(t, 2, stats.TotalRequests)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.OverflowEvents)
	assert.Greater(t, stats.PeakUtilization, 0.0)

	usage := a.UsageStats()
	assert.Equal(t, 7000, usage.TotalAllocated)
	assert.Equal(t, 500, usage.TotalUsed)
	assert.InDelta(t, 500.0/7000.0, usage.OverallUtilization, 1e-9)
}

func TestAllocationsSnapshotIsCopy(t *testing.T) {
	a := newDefaultAllocator(t)
	snapshot := a.Allocations()
	entry := snapshot[TierWorking]
	entry.Used = 9999
	snapshot[TierWorking] = entry

	alloc, _ := a.Allocation(TierWorking)
	assert.Equal(t, 0, alloc.Used, "mutating the snapshot must not touch live state")
}

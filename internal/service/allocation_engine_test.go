package service

import (
	"context"
	"errors"
	"testing"

	"payout-ledger/internal/ledger"
	"payout-ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openCycle(t *testing.T, env *testEnv, month string) *models.Cycle {
	t.Helper()
	cycle, err := env.store.CreateCycle(context.Background(), month)
	require.NoError(t, err)
	return cycle
}

func fund(t *testing.T, env *testEnv, userID int64, month string, cents int64) {
	t.Helper()
	_, err := env.balances.ApplySubscriptionFunding(context.Background(), userID, month, cents)
	require.NoError(t, err)
}

func TestSetAllocationDeltaSemantics(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	openCycle(t, env, "2026-08")
	fund(t, env, 1, "2026-08", 10000)

	result, err := env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), result.Allocation.AmountCents)
	assert.Equal(t, int64(9500), result.AvailableCents)

	// A second delta adds to the stored amount rather than replacing it.
	result, err = env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), result.Allocation.AmountCents)
	assert.Equal(t, int64(9000), result.AvailableCents)

	// Negative delta shrinks it.
	result, err = env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, -300)
	require.NoError(t, err)
	assert.Equal(t, int64(700), result.Allocation.AmountCents)
}

func TestSetAllocationRejectsNegativeResult(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	openCycle(t, env, "2026-08")
	fund(t, env, 1, "2026-08", 10000)

	_, err := env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, 500)
	require.NoError(t, err)

	_, err = env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, -501)
	assert.True(t, errors.Is(err, ledger.ErrInvalidAmount))
}

func TestSetAllocationRejectsBeyondOverspendFloor(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	openCycle(t, env, "2026-08")
	fund(t, env, 1, "2026-08", 10000)

	// Floor is 20% of the funded total: 12000 allocated is reachable,
	// 12001 is not.
	_, err := env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, 12001)
	assert.True(t, errors.Is(err, ledger.ErrBudgetExceeded))

	result, err := env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, 12000)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), result.OverspentCents)
}

func TestSetAllocationRejectsInvalidResourceType(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	openCycle(t, env, "2026-08")

	_, err := env.engine.SetAllocation(ctx, 1, 100, 7, "channel", 500)
	assert.True(t, errors.Is(err, ledger.ErrInvalidResourceType))
}

func TestSetAllocationRejectsWhileCycleNotOpen(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	cycle := openCycle(t, env, "2026-08")
	fund(t, env, 1, "2026-08", 10000)

	_, err := env.store.AdvanceCycleStatus(ctx, cycle.ID, cycle.Version, models.CycleStatusLocking)
	require.NoError(t, err)

	_, err = env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, 500)
	assert.True(t, errors.Is(err, ledger.ErrCycleLocked))
}

func TestSetAllocationThresholdEventFiresOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	openCycle(t, env, "2026-08")
	fund(t, env, 1, "2026-08", 10000)

	_, err := env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, 9999)
	require.NoError(t, err)
	assert.Len(t, env.publisher.thresholds, 0)

	// Crossing the 100% threshold fires the event.
	_, err = env.engine.SetAllocation(ctx, 1, 101, 8, models.ResourceTypeUser, 1)
	require.NoError(t, err)
	require.Len(t, env.publisher.thresholds, 1)
	assert.Equal(t, 2, env.publisher.thresholds[0].AllocationCount)

	// Further writes above the threshold do not fire it again.
	_, err = env.engine.SetAllocation(ctx, 1, 101, 8, models.ResourceTypeUser, 100)
	require.NoError(t, err)
	assert.Len(t, env.publisher.thresholds, 1)
	assert.Len(t, env.publisher.overspends, 1)
}

func TestBackfillMonthIdempotent(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	openCycle(t, env, "2026-08")
	fund(t, env, 1, "2026-08", 10000)

	_, err := env.engine.SetAllocation(ctx, 1, 100, 7, models.ResourceTypePage, 2000)
	require.NoError(t, err)
	_, err = env.engine.SetAllocation(ctx, 1, 200, 9, models.ResourceTypeGroup, 1000)
	require.NoError(t, err)

	// The copy source is the finalized snapshot of the previous month.
	_, err = env.store.LockMonthAllocations(ctx, "2026-08")
	require.NoError(t, err)

	copied, err := env.engine.BackfillMonth(ctx, "2026-08", "2026-09")
	require.NoError(t, err)
	assert.Equal(t, int64(2), copied)

	copied, err = env.engine.BackfillMonth(ctx, "2026-08", "2026-09")
	require.NoError(t, err)
	assert.Equal(t, int64(0), copied)

	allocs, err := env.store.GetActiveAllocations(ctx, 1, "2026-09")
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	var total int64
	for _, a := range allocs {
		total += a.AmountCents
	}
	assert.Equal(t, int64(3000), total)

	// The projection for the new month reflects the copied rows.
	balance, err := env.store.GetBalance(ctx, 1, "2026-09")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), balance.AllocatedCents)
}

package service

import (
	"context"
	"testing"

	"payout-ledger/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolSum(t *testing.T, env *testEnv) int64 {
	t.Helper()
	var sum int64
	for _, name := range []string{models.PoolCreatorObligation, models.PoolPlatformRevenue, models.PoolExternal} {
		balance, err := env.escrow.PoolBalance(context.Background(), name)
		require.NoError(t, err)
		sum += balance
	}
	return sum
}

func TestRouteConservesPoolSum(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	kinds := []string{
		models.MovementSubscriptionPayment,
		models.MovementAllocationLock,
		models.MovementUnallocatedRelease,
		models.MovementCreatorPayout,
		models.MovementPlatformFee,
	}
	for _, kind := range kinds {
		_, err := env.escrow.Route(ctx, 1234, kind, "ref-"+kind)
		require.NoError(t, err)
		assert.Equal(t, int64(0), poolSum(t, env), "after %s", kind)
	}
}

func TestRouteMovements(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.escrow.Route(ctx, 5000, models.MovementSubscriptionPayment, "funding:1")
	require.NoError(t, err)

	revenue, err := env.escrow.PoolBalance(ctx, models.PoolPlatformRevenue)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), revenue)

	_, err = env.escrow.Route(ctx, 3000, models.MovementAllocationLock, "earn:1:9")
	require.NoError(t, err)

	obligation, err := env.escrow.PoolBalance(ctx, models.PoolCreatorObligation)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), obligation)

	revenue, err = env.escrow.PoolBalance(ctx, models.PoolPlatformRevenue)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), revenue)
}

func TestUnallocatedReleaseRecordsWithoutMoving(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.escrow.Route(ctx, 5000, models.MovementSubscriptionPayment, "funding:1")
	require.NoError(t, err)
	before, err := env.escrow.PoolBalance(ctx, models.PoolPlatformRevenue)
	require.NoError(t, err)

	transfer, err := env.escrow.Route(ctx, 2000, models.MovementUnallocatedRelease, "leftover:1:1")
	require.NoError(t, err)
	assert.Equal(t, transfer.SourcePool, transfer.DestPool)

	after, err := env.escrow.PoolBalance(ctx, models.PoolPlatformRevenue)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The movement is still on the books for reconciliation.
	assert.Equal(t, models.MovementUnallocatedRelease, env.store.transfers[len(env.store.transfers)-1].Kind)
}

func TestReverseRestoresPools(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.escrow.Route(ctx, 9300, models.MovementCreatorPayout, "payout:1")
	require.NoError(t, err)
	transfer, err := env.escrow.Reverse(ctx, 9300, models.MovementCreatorPayout, "payout:1")
	require.NoError(t, err)
	assert.Equal(t, "creator_payout:reversal", transfer.Kind)

	obligation, err := env.escrow.PoolBalance(ctx, models.PoolCreatorObligation)
	require.NoError(t, err)
	assert.Equal(t, int64(0), obligation)
	external, err := env.escrow.PoolBalance(ctx, models.PoolExternal)
	require.NoError(t, err)
	assert.Equal(t, int64(0), external)
}

func TestRouteRejectsUnknownKind(t *testing.T) {
	env := newTestEnv()

	_, err := env.escrow.Route(context.Background(), 100, "mystery_movement", "ref")
	assert.Error(t, err)
}

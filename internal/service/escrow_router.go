package service

import (
	"context"
	"fmt"

	"payout-ledger/internal/models"
	"payout-ledger/internal/util"

	"go.uber.org/zap"
)

// PoolStore is the escrow storage surface. *store.Store satisfies it.
type PoolStore interface {
	TransferPools(ctx context.Context, source, dest string, amountCents int64, kind, reference string) (*models.EscrowTransfer, error)
	GetPool(ctx context.Context, name string) (*models.EscrowPool, error)
}

// FundMover is the external processor's fund-movement primitive.
type FundMover interface {
	MoveFunds(ctx context.Context, sourcePool, destPool string, amountCents int64) error
}

// EscrowRouter decides which holding pool every fund movement belongs in and
// records the double-entry transfer. The external pool stands in for money
// entering or leaving the platform so pool sums stay conserved.
type EscrowRouter struct {
	store  PoolStore
	mover  FundMover
	logger *zap.Logger
}

// NewEscrowRouter creates a new escrow router
func NewEscrowRouter(store PoolStore, mover FundMover) *EscrowRouter {
	return &EscrowRouter{
		store:  store,
		mover:  mover,
		logger: util.GetLogger(),
	}
}

// poolsForKind maps a movement kind to its (source, destination) pools.
func poolsForKind(kind string) (string, string, error) {
	switch kind {
	case models.MovementSubscriptionPayment:
		return models.PoolExternal, models.PoolPlatformRevenue, nil
	case models.MovementAllocationLock:
		return models.PoolPlatformRevenue, models.PoolCreatorObligation, nil
	case models.MovementUnallocatedRelease:
		// Unallocated funds stay in platform revenue; the transfer row is
		// still recorded so reconciliation sees the month-end decision.
		return models.PoolPlatformRevenue, models.PoolPlatformRevenue, nil
	case models.MovementCreatorPayout:
		return models.PoolCreatorObligation, models.PoolExternal, nil
	case models.MovementPlatformFee:
		return models.PoolCreatorObligation, models.PoolPlatformRevenue, nil
	}
	return "", "", fmt.Errorf("unknown movement kind: %s", kind)
}

// Route records the double-entry transfer for a fund movement and issues the
// matching instruction to the external processor. The internal transfer row
// is the source of truth; a failed external instruction is logged and left
// to reconciliation.
func (er *EscrowRouter) Route(ctx context.Context, amountCents int64, kind, reference string) (*models.EscrowTransfer, error) {
	source, dest, err := poolsForKind(kind)
	if err != nil {
		return nil, err
	}
	return er.route(ctx, source, dest, amountCents, kind, reference)
}

// Reverse undoes a previous movement of the given kind by swapping source
// and destination, used when a payout fails after its funds were routed.
func (er *EscrowRouter) Reverse(ctx context.Context, amountCents int64, kind, reference string) (*models.EscrowTransfer, error) {
	source, dest, err := poolsForKind(kind)
	if err != nil {
		return nil, err
	}
	return er.route(ctx, dest, source, amountCents, kind+":reversal", reference)
}

func (er *EscrowRouter) route(ctx context.Context, source, dest string, amountCents int64, kind, reference string) (*models.EscrowTransfer, error) {
	transfer, err := er.store.TransferPools(ctx, source, dest, amountCents, kind, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to record escrow transfer: %w", err)
	}

	if er.mover != nil && source != dest {
		if err := er.mover.MoveFunds(ctx, source, dest, amountCents); err != nil {
			er.logger.Error("Failed to issue external fund movement",
				zap.String("kind", kind),
				zap.String("source", source),
				zap.String("dest", dest),
				zap.Int64("amount_cents", amountCents),
				zap.Error(err))
		}
	}

	er.logger.Info("Escrow movement routed",
		zap.String("kind", kind),
		zap.String("source", source),
		zap.String("dest", dest),
		zap.Int64("amount_cents", amountCents),
		zap.String("reference", reference))
	return transfer, nil
}

// PoolBalance returns the current balance of a named pool
func (er *EscrowRouter) PoolBalance(ctx context.Context, name string) (int64, error) {
	pool, err := er.store.GetPool(ctx, name)
	if err != nil {
		return 0, err
	}
	return pool.BalanceCents, nil
}

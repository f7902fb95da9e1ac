package ledger

import (
	"context"
	"fmt"

	"payout-ledger/internal/models"
	"payout-ledger/internal/util"

	"go.uber.org/zap"
)

// BalanceStore is the storage surface the ledger mutates. *store.Store
// satisfies it; tests use in-memory fakes.
type BalanceStore interface {
	GetBalance(ctx context.Context, userID int64, month string) (*models.Balance, error)
	AddFunding(ctx context.Context, userID int64, month string, cents int64) (*models.Balance, error)
	ApplyAllocationDelta(ctx context.Context, userID int64, month string, deltaCents, floorCents int64) (*models.Balance, error)
	GetCreatorBalance(ctx context.Context, creatorID int64) (*models.CreatorBalance, error)
	CreditCreatorPending(ctx context.Context, creatorID, cents int64) (*models.CreatorBalance, error)
	ReleaseCreatorPending(ctx context.Context, creatorID, cents int64) (*models.CreatorBalance, error)
	DebitCreatorForPayout(ctx context.Context, creatorID, grossCents int64) (*models.CreatorBalance, error)
	RefundCreatorPayout(ctx context.Context, creatorID, grossCents int64) (*models.CreatorBalance, error)
	CreateTransferIntent(ctx context.Context, intent *models.TransferIntent) (bool, error)
	SumCreatorEarnings(ctx context.Context, creatorID int64) (int64, error)
	SumPayoutsByCreator(ctx context.Context, creatorID int64) (int64, error)
}

// EscrowMover routes fund movements between escrow pools.
// service.EscrowRouter satisfies it.
type EscrowMover interface {
	Route(ctx context.Context, amountCents int64, kind, reference string) (*models.EscrowTransfer, error)
}

// Ledger owns all Balance and CreatorBalance mutations. No component outside
// it may write these rows directly.
type Ledger struct {
	store             BalanceStore
	escrow            EscrowMover
	overspendFloorBps int64
	logger            *zap.Logger
}

// NewLedger creates the balance ledger service
func NewLedger(store BalanceStore, escrow EscrowMover, overspendFloorBps int64) *Ledger {
	return &Ledger{
		store:             store,
		escrow:            escrow,
		overspendFloorBps: overspendFloorBps,
		logger:            util.GetLogger(),
	}
}

// ApplySubscriptionFunding increases a subscriber's funded total for the
// month and records the incoming money in the platform_revenue pool.
// Funds only move to creator_obligation once actually allocated, at
// finalization.
func (l *Ledger) ApplySubscriptionFunding(ctx context.Context, userID int64, month string, cents int64) (*models.Balance, error) {
	if cents <= 0 {
		return nil, fmt.Errorf("funding must be positive: %w", ErrInvalidAmount)
	}

	balance, err := l.store.AddFunding(ctx, userID, month, cents)
	if err != nil {
		return nil, err
	}

	reference := fmt.Sprintf("funding:%d:%s", userID, month)
	if _, err := l.escrow.Route(ctx, cents, models.MovementSubscriptionPayment, reference); err != nil {
		l.logger.Error("Failed to route subscription funding to escrow",
			zap.Int64("user_id", userID),
			zap.Error(err))
	}

	l.logger.Info("Subscription funding applied",
		zap.Int64("user_id", userID),
		zap.String("month", month),
		zap.Int64("cents", cents))
	return balance, nil
}

// ApplyAllocationDelta adjusts a subscriber's allocated cents. Available may
// go negative down to the overspend floor (a share of the funded total);
// beyond that the store rejects with ErrBudgetExceeded and nothing changes.
func (l *Ledger) ApplyAllocationDelta(ctx context.Context, userID int64, month string, deltaCents int64) (*models.Balance, error) {
	current, err := l.store.GetBalance(ctx, userID, month)
	if err != nil {
		return nil, err
	}

	var floorCents int64
	if current != nil {
		floorCents = roundBps(current.TotalCents, l.overspendFloorBps)
	}

	balance, err := l.store.ApplyAllocationDelta(ctx, userID, month, deltaCents, floorCents)
	if err != nil {
		return nil, err
	}

	if balance.OverspentCents > 0 {
		util.OverspendFlaggedTotal.Inc()
		l.logger.Warn("Subscriber balance overspent",
			zap.Int64("user_id", userID),
			zap.Int64("overspent_cents", balance.OverspentCents))
	}
	return balance, nil
}

// CreditCreator moves cents into a creator's pending balance. The intentID
// is the idempotency key for the cross-entity write: retries after a partial
// failure find the intent already recorded and skip the credit.
func (l *Ledger) CreditCreator(ctx context.Context, intentID string, creatorID, cents int64) (*models.CreatorBalance, error) {
	if cents <= 0 {
		return nil, fmt.Errorf("credit must be positive: %w", ErrInvalidAmount)
	}

	created, err := l.store.CreateTransferIntent(ctx, &models.TransferIntent{
		IntentID:    intentID,
		Kind:        "creator_credit",
		CreatorID:   creatorID,
		AmountCents: cents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record transfer intent: %w", err)
	}
	if !created {
		l.logger.Info("Creator credit already applied",
			zap.String("intent_id", intentID),
			zap.Int64("creator_id", creatorID))
		return l.store.GetCreatorBalance(ctx, creatorID)
	}

	return l.store.CreditCreatorPending(ctx, creatorID, cents)
}

// ReleaseCreatorFunds moves cents from pending to available. Fees are not
// deducted here; they are computed and routed at payout time.
func (l *Ledger) ReleaseCreatorFunds(ctx context.Context, creatorID, cents int64) (*models.CreatorBalance, error) {
	if cents <= 0 {
		return nil, fmt.Errorf("release must be positive: %w", ErrInvalidAmount)
	}
	return l.store.ReleaseCreatorPending(ctx, creatorID, cents)
}

// ReleaseCreatorFundsIdempotent is ReleaseCreatorFunds guarded by a transfer
// intent, for batch callers that may rerun after a crash.
func (l *Ledger) ReleaseCreatorFundsIdempotent(ctx context.Context, intentID string, creatorID, cents int64) (*models.CreatorBalance, error) {
	created, err := l.store.CreateTransferIntent(ctx, &models.TransferIntent{
		IntentID:    intentID,
		Kind:        "creator_release",
		CreatorID:   creatorID,
		AmountCents: cents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record transfer intent: %w", err)
	}
	if !created {
		return l.store.GetCreatorBalance(ctx, creatorID)
	}
	return l.ReleaseCreatorFunds(ctx, creatorID, cents)
}

// DebitForPayout moves gross cents from available to paid-out in one step so
// the conservation equation holds while the transfer is in flight.
func (l *Ledger) DebitForPayout(ctx context.Context, creatorID, grossCents int64) (*models.CreatorBalance, error) {
	cb, err := l.store.DebitCreatorForPayout(ctx, creatorID, grossCents)
	if err != nil {
		return nil, err
	}
	l.checkConservation(cb)
	return cb, nil
}

// RefundPayout reverses a payout debit after a terminal failure
func (l *Ledger) RefundPayout(ctx context.Context, creatorID, grossCents int64) (*models.CreatorBalance, error) {
	cb, err := l.store.RefundCreatorPayout(ctx, creatorID, grossCents)
	if err != nil {
		return nil, err
	}
	l.checkConservation(cb)
	return cb, nil
}

// GetBalance retrieves a subscriber's balance for a month, nil when none
func (l *Ledger) GetBalance(ctx context.Context, userID int64, month string) (*models.Balance, error) {
	return l.store.GetBalance(ctx, userID, month)
}

// GetCreatorBalance retrieves a creator's balance projection
func (l *Ledger) GetCreatorBalance(ctx context.Context, creatorID int64) (*models.CreatorBalance, error) {
	return l.store.GetCreatorBalance(ctx, creatorID)
}

// RebuildCreatorBalance recomputes a creator's expected balance from the
// earnings and payout history. It returns the expected state without
// applying it; corrections are an operator decision.
func (l *Ledger) RebuildCreatorBalance(ctx context.Context, creatorID int64) (*models.CreatorBalance, error) {
	earned, err := l.store.SumCreatorEarnings(ctx, creatorID)
	if err != nil {
		return nil, err
	}
	paidOut, err := l.store.SumPayoutsByCreator(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	current, err := l.store.GetCreatorBalance(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	// Pending vs available split is preserved from the current projection;
	// the history constrains earned and paid-out, the remainder is owed.
	expected := &models.CreatorBalance{
		CreatorID:        creatorID,
		PendingCents:     current.PendingCents,
		AvailableCents:   earned - paidOut - current.PendingCents,
		PaidOutCents:     paidOut,
		TotalEarnedCents: earned,
	}
	return expected, nil
}

// checkConservation verifies the creator balance equation and raises a
// critical alert on violation. The state is never silently corrected.
func (l *Ledger) checkConservation(cb *models.CreatorBalance) {
	if cb.Conserved() {
		return
	}
	util.ConservationViolationsTotal.Inc()
	l.logger.Error("CRITICAL: creator balance equation violated",
		zap.Int64("creator_id", cb.CreatorID),
		zap.Int64("pending", cb.PendingCents),
		zap.Int64("available", cb.AvailableCents),
		zap.Int64("paid_out", cb.PaidOutCents),
		zap.Int64("total_earned", cb.TotalEarnedCents))
}

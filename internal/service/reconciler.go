package service

import (
	"context"
	"time"

	"payout-ledger/internal/models"
	"payout-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReconcilerStore is the storage surface of the escrow reconciler.
// *store.Store satisfies it.
type ReconcilerStore interface {
	GetPool(ctx context.Context, name string) (*models.EscrowPool, error)
	SumCreatorOutstanding(ctx context.Context) (int64, error)
	ListCreatorBalances(ctx context.Context) ([]models.CreatorBalance, error)
	CreateReconciliationReport(ctx context.Context, report *models.ReconciliationReport) error
}

// DriftPublisher publishes escrow drift alerts.
type DriftPublisher interface {
	PublishEscrowDrift(ctx context.Context, event *models.EscrowDriftEvent) error
}

// Reconciler cross-checks the escrow pools against the balance projections.
// It reports and alerts; it never corrects state on its own.
type Reconciler struct {
	store     ReconcilerStore
	publisher DriftPublisher
	logger    *zap.Logger
}

// NewReconciler creates a new escrow reconciler
func NewReconciler(store ReconcilerStore, publisher DriftPublisher) *Reconciler {
	return &Reconciler{
		store:     store,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Run performs one reconciliation pass: the creator_obligation pool must hold
// exactly the sum of pending + available across all creator balances, and
// every creator balance must satisfy its conservation equation.
func (r *Reconciler) Run(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.Run")
	defer span.End()

	if err := r.checkObligationPool(ctx); err != nil {
		return err
	}
	return r.checkCreatorBalances(ctx)
}

func (r *Reconciler) checkObligationPool(ctx context.Context) error {
	pool, err := r.store.GetPool(ctx, models.PoolCreatorObligation)
	if err != nil {
		return err
	}
	expected, err := r.store.SumCreatorOutstanding(ctx)
	if err != nil {
		return err
	}

	drift := pool.BalanceCents - expected
	util.EscrowDriftCents.Set(float64(drift))
	if drift == 0 {
		return nil
	}

	r.logger.Error("CRITICAL: escrow pool drift detected",
		zap.String("pool", pool.Name),
		zap.Int64("pool_cents", pool.BalanceCents),
		zap.Int64("expected_cents", expected),
		zap.Int64("drift_cents", drift))

	report := &models.ReconciliationReport{
		PoolName:      pool.Name,
		PoolCents:     pool.BalanceCents,
		ExpectedCents: expected,
		DriftCents:    drift,
	}
	if err := r.store.CreateReconciliationReport(ctx, report); err != nil {
		return err
	}

	event := &models.EscrowDriftEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeEscrowDrift,
			Timestamp: time.Now(),
		},
		PoolName:      pool.Name,
		PoolCents:     pool.BalanceCents,
		ExpectedCents: expected,
		DriftCents:    drift,
	}
	if err := r.publisher.PublishEscrowDrift(ctx, event); err != nil {
		r.logger.Error("Failed to publish escrow drift event", zap.Error(err))
	}
	return nil
}

func (r *Reconciler) checkCreatorBalances(ctx context.Context) error {
	creators, err := r.store.ListCreatorBalances(ctx)
	if err != nil {
		return err
	}
	for i := range creators {
		cb := &creators[i]
		if cb.Conserved() {
			continue
		}
		util.ConservationViolationsTotal.Inc()
		r.logger.Error("CRITICAL: creator balance equation violated",
			zap.Int64("creator_id", cb.CreatorID),
			zap.Int64("pending", cb.PendingCents),
			zap.Int64("available", cb.AvailableCents),
			zap.Int64("paid_out", cb.PaidOutCents),
			zap.Int64("total_earned", cb.TotalEarnedCents))
	}
	return nil
}

package service

import (
	"context"
	"fmt"
	"time"

	"payout-ledger/internal/ledger"
	"payout-ledger/internal/models"
	"payout-ledger/internal/redisclient"
	"payout-ledger/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	monthKeyLayout = "2006-01"
	cycleLockTTL   = 5 * time.Minute
)

// FinalizerStore is the storage surface of the month-lock finalizer.
// *store.Store satisfies it.
type FinalizerStore interface {
	GetCurrentCycle(ctx context.Context) (*models.Cycle, error)
	GetCycleByMonth(ctx context.Context, month string) (*models.Cycle, error)
	CreateCycle(ctx context.Context, month string) (*models.Cycle, error)
	AdvanceCycleStatus(ctx context.Context, cycleID int64, fromVersion int64, status string) (*models.Cycle, error)
	LockMonthAllocations(ctx context.Context, month string) (int64, error)
	MarkMonthAllocationsProcessed(ctx context.Context, month string) (int64, error)
	SumAllocationsByRecipient(ctx context.Context, month, status string) (map[int64]int64, error)
	ListBalancesByMonth(ctx context.Context, month string) ([]models.Balance, error)
	ListEarningsByCycle(ctx context.Context, cycleID int64) ([]models.Earning, error)
	InsertEarning(ctx context.Context, cycleID, creatorID, amountCents int64) (bool, error)
	CreateTransferIntent(ctx context.Context, intent *models.TransferIntent) (bool, error)
}

// CyclePublisher publishes cycle lifecycle events.
type CyclePublisher interface {
	PublishCycleClosed(ctx context.Context, event *models.CycleClosedEvent) error
}

// CycleLocker provides the exclusive cycle-transition lock.
// *redisclient.Client satisfies it.
type CycleLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error)
	ExtendLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// Finalizer drives the billing cycle state machine
// open → locking → locked → distributing → closed. Every step is persisted
// and idempotent, so a crashed run resumes where it stopped and a re-run of
// a completed step is a no-op.
type Finalizer struct {
	store       FinalizerStore
	balances    *ledger.Ledger
	escrow      *EscrowRouter
	engine      *AllocationEngine
	locks       CycleLocker
	publisher   CyclePublisher
	graceWindow time.Duration
	logger      *zap.Logger
}

// NewFinalizer creates a new month-lock finalizer
func NewFinalizer(
	store FinalizerStore,
	balances *ledger.Ledger,
	escrow *EscrowRouter,
	engine *AllocationEngine,
	locks CycleLocker,
	publisher CyclePublisher,
	graceWindow time.Duration,
) *Finalizer {
	return &Finalizer{
		store:       store,
		balances:    balances,
		escrow:      escrow,
		engine:      engine,
		locks:       locks,
		publisher:   publisher,
		graceWindow: graceWindow,
		logger:      util.GetLogger(),
	}
}

// EnsureCycle opens the first cycle when none exists yet.
func (f *Finalizer) EnsureCycle(ctx context.Context, now time.Time) (*models.Cycle, error) {
	cycle, err := f.store.GetCurrentCycle(ctx)
	if err != nil {
		return nil, err
	}
	if cycle != nil {
		return cycle, nil
	}
	return f.store.CreateCycle(ctx, now.UTC().Format(monthKeyLayout))
}

// Due reports whether the current cycle should be finalized: its month has
// passed, or it was left mid-transition by a crashed run.
func (f *Finalizer) Due(ctx context.Context, now time.Time) (bool, error) {
	cycle, err := f.store.GetCurrentCycle(ctx)
	if err != nil {
		return false, err
	}
	if cycle == nil {
		return false, nil
	}
	if cycle.Status != models.CycleStatusOpen {
		return true, nil
	}
	return cycle.Month != now.UTC().Format(monthKeyLayout), nil
}

// AdvanceCycle runs the cycle state machine to completion under the
// exclusive cycle-transition lock. Safe to call repeatedly: it resumes from
// the persisted status and already-finished steps are no-ops.
func (f *Finalizer) AdvanceCycle(ctx context.Context, now time.Time) error {
	ctx, span := util.StartSpan(ctx, "Finalizer.AdvanceCycle")
	defer span.End()

	token, err := f.locks.AcquireLock(ctx, redisclient.CycleLockKey, cycleLockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire cycle lock: %w", err)
	}
	if token == "" {
		return fmt.Errorf("cycle transition already in progress: %w", ledger.ErrCycleLocked)
	}
	defer func() {
		if err := f.locks.ReleaseLock(ctx, redisclient.CycleLockKey, token); err != nil {
			f.logger.Error("Failed to release cycle lock", zap.Error(err))
		}
	}()

	start := time.Now()
	defer func() {
		util.CycleFinalizationLatency.Observe(time.Since(start).Seconds())
	}()

	cycle, err := f.store.GetCurrentCycle(ctx)
	if err != nil {
		return err
	}
	if cycle == nil {
		_, err := f.EnsureCycle(ctx, now)
		return err
	}

	for cycle.Status != models.CycleStatusClosed {
		switch cycle.Status {
		case models.CycleStatusOpen:
			cycle, err = f.beginLocking(ctx, cycle)
		case models.CycleStatusLocking:
			cycle, err = f.snapshotEarnings(ctx, cycle)
		case models.CycleStatusLocked:
			cycle, err = f.store.AdvanceCycleStatus(ctx, cycle.ID, cycle.Version, models.CycleStatusDistributing)
		case models.CycleStatusDistributing:
			if err = f.distribute(ctx, cycle); err == nil {
				cycle, err = f.closeCycle(ctx, cycle, now)
			}
		default:
			return fmt.Errorf("unexpected cycle status: %s", cycle.Status)
		}
		if err != nil {
			return err
		}

		// A large snapshot or distribution can outlive the lock TTL; refresh
		// it between steps and stop if another holder took over.
		held, lockErr := f.locks.ExtendLock(ctx, redisclient.CycleLockKey, token, cycleLockTTL)
		if lockErr != nil {
			f.logger.Warn("Failed to extend cycle lock", zap.Error(lockErr))
		} else if !held {
			return fmt.Errorf("cycle lock expired mid-transition: %w", ledger.ErrCycleLocked)
		}
	}

	util.CyclesFinalizedTotal.Inc()
	return nil
}

// beginLocking rejects new allocation writes and drains in-flight ones for
// the bounded grace window.
func (f *Finalizer) beginLocking(ctx context.Context, cycle *models.Cycle) (*models.Cycle, error) {
	cycle, err := f.store.AdvanceCycleStatus(ctx, cycle.ID, cycle.Version, models.CycleStatusLocking)
	if err != nil {
		return nil, fmt.Errorf("failed to enter locking: %w", err)
	}

	f.logger.Info("Cycle locking, draining in-flight writes",
		zap.String("month", cycle.Month),
		zap.Duration("grace", f.graceWindow))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(f.graceWindow):
	}
	return cycle, nil
}

// snapshotEarnings freezes the month's allocations and converts them into
// pending earnings. Each write in the loop carries its own idempotency
// guard, so a crash between any two of them reruns safely: the credit is
// intent-guarded, the earning row is insert-if-absent, and the escrow
// movement has a separate intent.
func (f *Finalizer) snapshotEarnings(ctx context.Context, cycle *models.Cycle) (*models.Cycle, error) {
	locked, err := f.store.LockMonthAllocations(ctx, cycle.Month)
	if err != nil {
		return nil, fmt.Errorf("failed to lock allocations: %w", err)
	}
	f.logger.Info("Allocations locked", zap.String("month", cycle.Month), zap.Int64("rows", locked))

	totals, err := f.store.SumAllocationsByRecipient(ctx, cycle.Month, models.AllocationStatusLocked)
	if err != nil {
		return nil, fmt.Errorf("failed to sum allocations: %w", err)
	}

	for recipientID, cents := range totals {
		if cents <= 0 {
			continue
		}
		// The credit is never gated on the earning row: a crash after
		// InsertEarning but before the credit would otherwise skip it on
		// every rerun and wedge distribution.
		intentID := fmt.Sprintf("earn:%d:%d", cycle.ID, recipientID)
		if _, err := f.balances.CreditCreator(ctx, intentID, recipientID, cents); err != nil {
			return nil, fmt.Errorf("failed to credit creator %d: %w", recipientID, err)
		}

		if _, err := f.store.InsertEarning(ctx, cycle.ID, recipientID, cents); err != nil {
			return nil, fmt.Errorf("failed to record earning for creator %d: %w", recipientID, err)
		}

		routeIntent, err := f.store.CreateTransferIntent(ctx, &models.TransferIntent{
			IntentID:    fmt.Sprintf("lock:%d:%d", cycle.ID, recipientID),
			Kind:        models.MovementAllocationLock,
			CreatorID:   recipientID,
			AmountCents: cents,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record escrow intent for creator %d: %w", recipientID, err)
		}
		if routeIntent {
			if _, err := f.escrow.Route(ctx, cents, models.MovementAllocationLock, intentID); err != nil {
				f.logger.Error("Failed to route allocation lock movement",
					zap.Int64("creator_id", recipientID),
					zap.Error(err))
			}
		}
	}

	cycle, err = f.store.AdvanceCycleStatus(ctx, cycle.ID, cycle.Version, models.CycleStatusLocked)
	if err != nil {
		return nil, fmt.Errorf("failed to enter locked: %w", err)
	}
	return cycle, nil
}

// distribute releases the cycle's earnings to creator available balances and
// routes each subscriber's unallocated leftover to platform revenue. Every
// step is intent-guarded so a rerun after a crash is a no-op for finished
// entities. Overspend deficits are forgiven: logged, never collected
// retroactively.
func (f *Finalizer) distribute(ctx context.Context, cycle *models.Cycle) error {
	earnings, err := f.store.ListEarningsByCycle(ctx, cycle.ID)
	if err != nil {
		return err
	}
	for _, earning := range earnings {
		intentID := fmt.Sprintf("release:%d:%d", cycle.ID, earning.CreatorID)
		if _, err := f.balances.ReleaseCreatorFundsIdempotent(ctx, intentID, earning.CreatorID, earning.AmountCents); err != nil {
			return fmt.Errorf("failed to release funds for creator %d: %w", earning.CreatorID, err)
		}
	}

	balances, err := f.store.ListBalancesByMonth(ctx, cycle.Month)
	if err != nil {
		return err
	}
	for _, balance := range balances {
		leftover := balance.TotalCents - balance.AllocatedCents
		if leftover > 0 {
			intentID := fmt.Sprintf("leftover:%d:%d", cycle.ID, balance.UserID)
			created, err := f.store.CreateTransferIntent(ctx, &models.TransferIntent{
				IntentID:    intentID,
				Kind:        models.MovementUnallocatedRelease,
				UserID:      balance.UserID,
				AmountCents: leftover,
			})
			if err != nil {
				return err
			}
			if created {
				if _, err := f.escrow.Route(ctx, leftover, models.MovementUnallocatedRelease, intentID); err != nil {
					f.logger.Error("Failed to route unallocated leftover",
						zap.Int64("user_id", balance.UserID),
						zap.Error(err))
				}
			}
		}

		if balance.OverspentCents > 0 {
			// Policy decision: overspend is forgiven at month end, not
			// carried as debt.
			f.logger.Warn("Overspend forgiven at cycle close",
				zap.Int64("user_id", balance.UserID),
				zap.String("month", cycle.Month),
				zap.Int64("overspent_cents", balance.OverspentCents))
		}
	}

	return nil
}

// closeCycle opens the next month and invokes the backfill path so the
// allocation set carries forward.
func (f *Finalizer) closeCycle(ctx context.Context, cycle *models.Cycle, now time.Time) (*models.Cycle, error) {
	if _, err := f.store.MarkMonthAllocationsProcessed(ctx, cycle.Month); err != nil {
		return nil, fmt.Errorf("failed to mark allocations processed: %w", err)
	}

	nextMonth, err := nextMonthKey(cycle.Month, now)
	if err != nil {
		return nil, err
	}
	if _, err := f.store.CreateCycle(ctx, nextMonth); err != nil {
		return nil, fmt.Errorf("failed to open next cycle: %w", err)
	}

	if _, err := f.engine.BackfillMonth(ctx, cycle.Month, nextMonth); err != nil {
		return nil, fmt.Errorf("failed to backfill allocations: %w", err)
	}

	cycle, err = f.store.AdvanceCycleStatus(ctx, cycle.ID, cycle.Version, models.CycleStatusClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to close cycle: %w", err)
	}

	var credited, unallocated int64
	earnings, err := f.store.ListEarningsByCycle(ctx, cycle.ID)
	if err == nil {
		for _, e := range earnings {
			credited += e.AmountCents
		}
	}
	balances, err := f.store.ListBalancesByMonth(ctx, cycle.Month)
	if err == nil {
		for _, b := range balances {
			if leftover := b.TotalCents - b.AllocatedCents; leftover > 0 {
				unallocated += leftover
			}
		}
	}

	event := &models.CycleClosedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCycleClosed,
			Timestamp: time.Now(),
		},
		CycleID:          cycle.ID,
		Month:            cycle.Month,
		CreditedCents:    credited,
		UnallocatedCents: unallocated,
	}
	if err := f.publisher.PublishCycleClosed(ctx, event); err != nil {
		f.logger.Error("Failed to publish cycle closed event", zap.Error(err))
	}

	f.logger.Info("Cycle closed",
		zap.String("month", cycle.Month),
		zap.String("next_month", nextMonth),
		zap.Int64("credited_cents", credited),
		zap.Int64("unallocated_cents", unallocated))
	return cycle, nil
}

// nextMonthKey returns the month after the given key, or the current month
// when the gap is larger than one month (backfill covers the jump).
func nextMonthKey(month string, now time.Time) (string, error) {
	t, err := time.Parse(monthKeyLayout, month)
	if err != nil {
		return "", fmt.Errorf("bad month key %q: %w", month, err)
	}
	next := t.AddDate(0, 1, 0)
	current := now.UTC()
	if current.After(next.AddDate(0, 1, 0)) {
		return current.Format(monthKeyLayout), nil
	}
	return next.Format(monthKeyLayout), nil
}

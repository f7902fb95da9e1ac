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
	allocationLockTTL  = 10 * time.Second
	allocationLockPoll = 50 * time.Millisecond
)

// AllocationStore is the storage surface of the allocation engine.
// *store.Store satisfies it.
type AllocationStore interface {
	GetCurrentCycle(ctx context.Context) (*models.Cycle, error)
	GetActiveAllocation(ctx context.Context, allocatorID, recipientID, resourceID int64, month string) (*models.Allocation, error)
	UpsertActiveAllocation(ctx context.Context, alloc *models.Allocation) error
	GetActiveAllocations(ctx context.Context, allocatorID int64, month string) ([]models.Allocation, error)
	CountActiveAllocations(ctx context.Context, allocatorID int64, month string) (int, error)
	CopyAllocationsForward(ctx context.Context, fromMonth, toMonth string) (int64, error)
	SyncAllocatedTotals(ctx context.Context, month string) error
}

// KeyLocker serializes writes per allocation key. *redisclient.Client
// satisfies it.
type KeyLocker interface {
	AcquireLockBlocking(ctx context.Context, lockKey string, ttl, pollInterval time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// ThresholdPublisher publishes subscriber-facing allocation events.
type ThresholdPublisher interface {
	PublishAllocationThreshold(ctx context.Context, event *models.AllocationThresholdEvent) error
	PublishOverspendFlagged(ctx context.Context, event *models.OverspendFlaggedEvent) error
}

// AllocationEngine validates and records allocation changes. Allocations
// persist month to month; the month key on each row exists for reporting and
// locking, and the backfill path repairs gaps left by a missed scheduled job.
type AllocationEngine struct {
	store        AllocationStore
	balances     *ledger.Ledger
	locks        KeyLocker
	publisher    ThresholdPublisher
	thresholdBps int64
	logger       *zap.Logger
}

// NewAllocationEngine creates a new allocation engine
func NewAllocationEngine(
	store AllocationStore,
	balances *ledger.Ledger,
	locks KeyLocker,
	publisher ThresholdPublisher,
	thresholdBps int64,
) *AllocationEngine {
	return &AllocationEngine{
		store:        store,
		balances:     balances,
		locks:        locks,
		publisher:    publisher,
		thresholdBps: thresholdBps,
		logger:       util.GetLogger(),
	}
}

// SetAllocationResult is returned after a successful allocation write.
type SetAllocationResult struct {
	Allocation     *models.Allocation `json:"allocation"`
	AvailableCents int64              `json:"available_cents"`
	OverspentCents int64              `json:"overspent_cents"`
}

// SetAllocation applies a delta to the active-month allocation for one
// (allocator, recipient, resource) key. Writes for the same key serialize on
// a per-key lock; writes are rejected while the cycle is not open.
func (ae *AllocationEngine) SetAllocation(ctx context.Context, allocatorID, recipientID, resourceID int64, resourceType string, deltaCents int64) (*SetAllocationResult, error) {
	ctx, span := util.StartSpan(ctx, "AllocationEngine.SetAllocation")
	defer span.End()

	if !models.ValidResourceType(resourceType) {
		util.AllocationsRejectedTotal.WithLabelValues("invalid_resource").Inc()
		return nil, fmt.Errorf("resource type %q: %w", resourceType, ledger.ErrInvalidResourceType)
	}

	cycle, err := ae.store.GetCurrentCycle(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load current cycle: %w", err)
	}
	if cycle == nil {
		return nil, fmt.Errorf("no billing cycle open")
	}
	if cycle.Status != models.CycleStatusOpen {
		util.AllocationsRejectedTotal.WithLabelValues("cycle_locked").Inc()
		return nil, ledger.ErrCycleLocked
	}

	lockKey := redisclient.AllocationLockKey(allocatorID, recipientID, resourceID)
	token, err := ae.locks.AcquireLockBlocking(ctx, lockKey, allocationLockTTL, allocationLockPoll)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire allocation lock: %w", err)
	}
	defer func() {
		if err := ae.locks.ReleaseLock(ctx, lockKey, token); err != nil {
			ae.logger.Error("Failed to release allocation lock", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	current, err := ae.store.GetActiveAllocation(ctx, allocatorID, recipientID, resourceID, cycle.Month)
	if err != nil {
		return nil, err
	}

	var currentAmount int64
	if current != nil {
		currentAmount = current.AmountCents
	}

	newAmount := currentAmount + deltaCents
	if newAmount < 0 {
		util.AllocationsRejectedTotal.WithLabelValues("invalid_amount").Inc()
		return nil, fmt.Errorf("allocation would become %d: %w", newAmount, ledger.ErrInvalidAmount)
	}

	balance, err := ae.balances.ApplyAllocationDelta(ctx, allocatorID, cycle.Month, deltaCents)
	if err != nil {
		util.AllocationsRejectedTotal.WithLabelValues("budget_exceeded").Inc()
		return nil, err
	}

	alloc := &models.Allocation{
		AllocatorID:  allocatorID,
		RecipientID:  recipientID,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		AmountCents:  newAmount,
		Month:        cycle.Month,
	}
	if err := ae.store.UpsertActiveAllocation(ctx, alloc); err != nil {
		// Compensate the balance delta so the projection stays consistent
		// with the allocation rows.
		if _, rbErr := ae.balances.ApplyAllocationDelta(ctx, allocatorID, cycle.Month, -deltaCents); rbErr != nil {
			ae.logger.Error("Failed to compensate allocation delta",
				zap.Int64("allocator_id", allocatorID),
				zap.Error(rbErr))
		}
		return nil, fmt.Errorf("failed to persist allocation: %w", err)
	}

	util.AllocationsSetTotal.Inc()
	ae.publishBalanceEvents(ctx, balance, deltaCents)

	ae.logger.Info("Allocation set",
		zap.Int64("allocator_id", allocatorID),
		zap.Int64("recipient_id", recipientID),
		zap.Int64("resource_id", resourceID),
		zap.Int64("amount_cents", newAmount),
		zap.String("month", cycle.Month))

	return &SetAllocationResult{
		Allocation:     alloc,
		AvailableCents: balance.AvailableCents(),
		OverspentCents: balance.OverspentCents,
	}, nil
}

// GetActiveAllocations returns all of an allocator's rows for the open month
func (ae *AllocationEngine) GetActiveAllocations(ctx context.Context, allocatorID int64) ([]models.Allocation, error) {
	cycle, err := ae.store.GetCurrentCycle(ctx)
	if err != nil {
		return nil, err
	}
	if cycle == nil {
		return nil, fmt.Errorf("no billing cycle open")
	}
	return ae.store.GetActiveAllocations(ctx, allocatorID, cycle.Month)
}

// BackfillMonth copies the allocation set of fromMonth forward into toMonth
// for every key that has no row there yet, then resyncs the subscriber
// allocated totals. This is gap repair after a missed job, not a recurring
// rollover: running it twice never doubles amounts.
func (ae *AllocationEngine) BackfillMonth(ctx context.Context, fromMonth, toMonth string) (int64, error) {
	ctx, span := util.StartSpan(ctx, "AllocationEngine.BackfillMonth")
	defer span.End()

	copied, err := ae.store.CopyAllocationsForward(ctx, fromMonth, toMonth)
	if err != nil {
		return 0, fmt.Errorf("failed to copy allocations forward: %w", err)
	}

	if err := ae.store.SyncAllocatedTotals(ctx, toMonth); err != nil {
		return copied, fmt.Errorf("failed to sync allocated totals: %w", err)
	}

	if copied > 0 {
		util.AllocationsBackfilledTotal.Add(float64(copied))
		ae.logger.Info("Allocations backfilled",
			zap.String("from", fromMonth),
			zap.String("to", toMonth),
			zap.Int64("rows", copied))
	}
	return copied, nil
}

// publishBalanceEvents emits threshold and overspend events when the write
// crossed the relevant boundary.
func (ae *AllocationEngine) publishBalanceEvents(ctx context.Context, balance *models.Balance, deltaCents int64) {
	prevAllocated := balance.AllocatedCents - deltaCents

	if balance.TotalCents > 0 && ae.thresholdBps > 0 {
		threshold := (balance.TotalCents*ae.thresholdBps + 5000) / 10000
		if balance.AllocatedCents >= threshold && prevAllocated < threshold {
			count, err := ae.store.CountActiveAllocations(ctx, balance.UserID, balance.Month)
			if err != nil {
				ae.logger.Warn("Failed to count active allocations", zap.Error(err))
			}
			event := &models.AllocationThresholdEvent{
				BaseEvent: models.BaseEvent{
					EventID:   uuid.New().String(),
					EventType: models.EventTypeAllocationThreshold,
					Timestamp: time.Now(),
				},
				UserID:          balance.UserID,
				TotalCents:      balance.TotalCents,
				AllocatedCents:  balance.AllocatedCents,
				AllocationCount: count,
			}
			if err := ae.publisher.PublishAllocationThreshold(ctx, event); err != nil {
				ae.logger.Error("Failed to publish allocation threshold event", zap.Error(err))
			}
		}
	}

	if balance.OverspentCents > 0 && prevAllocated <= balance.TotalCents {
		event := &models.OverspendFlaggedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeOverspendFlagged,
				Timestamp: time.Now(),
			},
			UserID:         balance.UserID,
			OverspentCents: balance.OverspentCents,
		}
		if err := ae.publisher.PublishOverspendFlagged(ctx, event); err != nil {
			ae.logger.Error("Failed to publish overspend event", zap.Error(err))
		}
	}
}

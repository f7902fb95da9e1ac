package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payout-ledger/internal/ledger"
	"payout-ledger/internal/models"
	"payout-ledger/internal/util"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PayoutStore is the storage surface of the payout orchestrator.
// *store.Store satisfies it.
type PayoutStore interface {
	CreatePayout(ctx context.Context, payout *models.Payout) error
	GetPayoutByID(ctx context.Context, id int64) (*models.Payout, error)
	GetPayoutByTransferID(ctx context.Context, transferID string) (*models.Payout, error)
	UpdatePayoutStatus(ctx context.Context, payoutID int64, status, failureReason string) error
	SetPayoutTransfer(ctx context.Context, payoutID int64, transferID string) error
	IncrementPayoutAttempts(ctx context.Context, payoutID int64) (int, error)
	ListPayableCreators(ctx context.Context, minimumCents int64) ([]models.CreatorBalance, error)
	ListPayoutsByStatus(ctx context.Context, status string) ([]models.Payout, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// EscrowRouting covers the movements a payout makes and their reversals.
// *EscrowRouter satisfies it.
type EscrowRouting interface {
	Route(ctx context.Context, amountCents int64, kind, reference string) (*models.EscrowTransfer, error)
	Reverse(ctx context.Context, amountCents int64, kind, reference string) (*models.EscrowTransfer, error)
}

// PayoutPublisher publishes payout lifecycle events.
type PayoutPublisher interface {
	PublishPayoutCompleted(ctx context.Context, event *models.PayoutCompletedEvent) error
	PublishPayoutFailed(ctx context.Context, event *models.PayoutFailedEvent) error
}

// PayoutOrchestrator batches eligible creator balances, requests external
// transfers with retry and backoff, and reconciles transfer outcomes back
// into the balance ledger.
type PayoutOrchestrator struct {
	store       PayoutStore
	balances    *ledger.Ledger
	escrow      EscrowRouting
	processor   ProcessorClient
	publisher   PayoutPublisher
	fees        *ledger.FeeCalculator
	minimum     int64
	maxAttempts int
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger
}

// NewPayoutOrchestrator creates a new payout orchestrator
func NewPayoutOrchestrator(
	store PayoutStore,
	balances *ledger.Ledger,
	escrow EscrowRouting,
	processor ProcessorClient,
	publisher PayoutPublisher,
	fees *ledger.FeeCalculator,
	minimumCents int64,
	maxAttempts int,
	timeout time.Duration,
	concurrency int,
) *PayoutOrchestrator {
	return &PayoutOrchestrator{
		store:       store,
		balances:    balances,
		escrow:      escrow,
		processor:   processor,
		publisher:   publisher,
		fees:        fees,
		minimum:     minimumCents,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		concurrency: concurrency,
		logger:      util.GetLogger(),
	}
}

// RequestPayout moves a creator's available balance toward a bank
// destination. amountCents of 0 means the full available balance. The gross
// is validated against the minimum threshold before any state changes, fees
// are computed, the balance is debited atomically, and the external transfer
// is requested with retry.
func (po *PayoutOrchestrator) RequestPayout(ctx context.Context, creatorID, amountCents int64, method string) (*models.Payout, error) {
	ctx, span := util.StartSpan(ctx, "PayoutOrchestrator.RequestPayout")
	defer span.End()

	if method == "" {
		method = models.PayoutMethodStandard
	}
	if amountCents < 0 {
		return nil, fmt.Errorf("payout amount %d: %w", amountCents, ledger.ErrInvalidAmount)
	}

	cb, err := po.balances.GetCreatorBalance(ctx, creatorID)
	if err != nil {
		return nil, err
	}

	gross := amountCents
	if gross == 0 {
		gross = cb.AvailableCents
	}
	if gross < po.minimum {
		return nil, fmt.Errorf("gross %d below minimum %d: %w", gross, po.minimum, ledger.ErrBelowMinimumThreshold)
	}

	fees, err := po.fees.CalculateFees(gross, method)
	if err != nil {
		return nil, err
	}

	if _, err := po.balances.DebitForPayout(ctx, creatorID, gross); err != nil {
		return nil, err
	}

	payout := &models.Payout{
		CreatorID:         creatorID,
		GrossCents:        gross,
		PlatformFeeCents:  fees.PlatformFeeCents,
		ProcessorFeeCents: fees.ProcessorFeeCents,
		NetCents:          fees.NetCents,
		Method:            method,
		Status:            models.PayoutStatusRequested,
	}
	if err := po.store.CreatePayout(ctx, payout); err != nil {
		if _, rbErr := po.balances.RefundPayout(ctx, creatorID, gross); rbErr != nil {
			po.logger.Error("Failed to refund after payout create failure",
				zap.Int64("creator_id", creatorID), zap.Error(rbErr))
		}
		return nil, fmt.Errorf("failed to create payout: %w", err)
	}

	util.PayoutsRequestedTotal.Inc()

	reference := fmt.Sprintf("payout:%d", payout.ID)
	if _, err := po.escrow.Route(ctx, fees.NetCents+fees.ProcessorFeeCents, models.MovementCreatorPayout, reference); err != nil {
		po.logger.Error("Failed to route payout escrow movement", zap.Int64("payout_id", payout.ID), zap.Error(err))
	}
	// The platform-fee slice moves to revenue at the moment of payout, not
	// at allocation time; the external processor's accounting expects this
	// ordering.
	if _, err := po.escrow.Route(ctx, fees.PlatformFeeCents, models.MovementPlatformFee, reference); err != nil {
		po.logger.Error("Failed to route platform fee movement", zap.Int64("payout_id", payout.ID), zap.Error(err))
	}

	po.logger.Info("Payout requested",
		zap.Int64("payout_id", payout.ID),
		zap.Int64("creator_id", creatorID),
		zap.Int64("gross_cents", gross),
		zap.Int64("net_cents", fees.NetCents),
		zap.String("method", method))

	if err := po.executeTransfer(ctx, payout); err != nil {
		return payout, err
	}
	return po.store.GetPayoutByID(ctx, payout.ID)
}

// executeTransfer requests the external transfer with exponential backoff.
// Transient errors retry up to the attempt budget; a permanent error fails
// the payout terminally and returns the funds. When the budget is exhausted
// on transient errors the payout stays in RETRYING: the transfer state is
// unknown, and the reconciliation loop either resolves it from the processor
// or fails it terminally.
func (po *PayoutOrchestrator) executeTransfer(ctx context.Context, payout *models.Payout) error {
	operation := func() error {
		attempt, err := po.store.IncrementPayoutAttempts(ctx, payout.ID)
		if err != nil {
			return backoff.Permanent(err)
		}

		tctx, cancel := context.WithTimeout(ctx, po.timeout)
		defer cancel()

		idempotencyKey := fmt.Sprintf("payout-%d-a%d", payout.ID, attempt)
		transferID, err := po.processor.CreateTransfer(tctx, destinationAccount(payout.CreatorID), payout.NetCents, idempotencyKey)
		if err != nil {
			if ledger.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			util.PayoutRetriesTotal.Inc()
			if uErr := po.store.UpdatePayoutStatus(ctx, payout.ID, models.PayoutStatusRetrying, err.Error()); uErr != nil {
				po.logger.Error("Failed to mark payout retrying", zap.Int64("payout_id", payout.ID), zap.Error(uErr))
			}
			po.logger.Warn("Transfer attempt failed, will retry",
				zap.Int64("payout_id", payout.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		return po.store.SetPayoutTransfer(ctx, payout.ID, transferID)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(po.maxAttempts-1)), ctx)

	err := backoff.Retry(operation, policy)
	if err == nil {
		return nil
	}

	if ledger.IsPermanent(err) {
		return po.failPayout(ctx, payout, err.Error())
	}

	po.logger.Warn("Transfer attempts exhausted, leaving payout for reconciliation",
		zap.Int64("payout_id", payout.ID),
		zap.Error(err))
	return fmt.Errorf("transfer attempts exhausted for payout %d: %w", payout.ID, err)
}

// BatchSummary aggregates one ProcessBatch run.
type BatchSummary struct {
	Candidates int      `json:"candidates"`
	Requested  int      `json:"requested"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	TotalCents int64    `json:"total_cents"`
	Errors     []string `json:"errors,omitempty"`
}

// ProcessBatch requests payouts for every creator with available balance at
// or above the threshold, running at most maxConcurrency transfers in
// flight. maxConcurrency of 0 uses the configured default.
func (po *PayoutOrchestrator) ProcessBatch(ctx context.Context, maxConcurrency int) (*BatchSummary, error) {
	ctx, span := util.StartSpan(ctx, "PayoutOrchestrator.ProcessBatch")
	defer span.End()

	if maxConcurrency <= 0 {
		maxConcurrency = po.concurrency
	}

	// A gross that cannot survive fees is never a candidate, even when the
	// configured minimum sits below the fee floor.
	minimum := po.minimum
	if floor := po.fees.MinimumGross(models.PayoutMethodStandard); floor > minimum {
		minimum = floor
	}
	creators, err := po.store.ListPayableCreators(ctx, minimum)
	if err != nil {
		return nil, fmt.Errorf("failed to list payable creators: %w", err)
	}

	summary := &BatchSummary{Candidates: len(creators)}
	var mu sync.Mutex

	pool := pond.NewPool(maxConcurrency, pond.WithContext(ctx))
	for _, creator := range creators {
		creator := creator
		pool.Submit(func() {
			payout, err := po.RequestPayout(ctx, creator.CreatorID, 0, models.PayoutMethodStandard)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Requested++
				summary.TotalCents += payout.GrossCents
			case ledger.IsPermanent(err) || payout == nil:
				summary.Skipped++
				summary.Errors = append(summary.Errors, fmt.Sprintf("creator %d: %v", creator.CreatorID, err))
			default:
				summary.Failed++
				summary.Errors = append(summary.Errors, fmt.Sprintf("creator %d: %v", creator.CreatorID, err))
			}
		})
	}
	pool.StopAndWait()

	po.logger.Info("Payout batch processed",
		zap.Int("candidates", summary.Candidates),
		zap.Int("requested", summary.Requested),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int64("total_cents", summary.TotalCents))
	return summary, nil
}

// HandleTransferEvent applies a processor transfer notification to its
// payout. Transitions are idempotent: duplicates of the current terminal
// state are no-ops, and a contradiction of a terminal state is an alertable
// anomaly that is never silently applied.
func (po *PayoutOrchestrator) HandleTransferEvent(ctx context.Context, event *models.TransferEvent) error {
	ctx, span := util.StartSpan(ctx, "PayoutOrchestrator.HandleTransferEvent")
	defer span.End()

	if event.EventID != "" {
		processed, err := po.store.IsEventProcessed(ctx, event.EventID)
		if err != nil {
			return fmt.Errorf("failed to check event processed: %w", err)
		}
		if processed {
			po.logger.Info("Transfer event already processed", zap.String("event_id", event.EventID))
			return nil
		}
	}

	util.TransferEventsTotal.WithLabelValues(event.Status).Inc()

	payout, err := po.store.GetPayoutByTransferID(ctx, event.TransferID)
	if err != nil {
		return fmt.Errorf("failed to look up payout: %w", err)
	}
	if payout == nil {
		po.logger.Warn("Transfer event for unknown transfer", zap.String("transfer_id", event.TransferID))
		return po.markProcessed(ctx, event)
	}

	switch event.Status {
	case models.TransferStatusCompleted:
		switch payout.Status {
		case models.PayoutStatusCompleted:
			// Duplicate delivery.
		case models.PayoutStatusFailed:
			po.alertAnomaly(payout, event)
		default:
			if err := po.completePayout(ctx, payout); err != nil {
				return err
			}
		}

	case models.TransferStatusFailed:
		switch payout.Status {
		case models.PayoutStatusFailed:
			// Duplicate delivery.
		case models.PayoutStatusCompleted:
			po.alertAnomaly(payout, event)
		default:
			if err := po.resolveFailure(ctx, payout, event); err != nil {
				return err
			}
		}

	default:
		po.logger.Warn("Unhandled transfer status",
			zap.String("transfer_id", event.TransferID),
			zap.String("status", event.Status))
	}

	return po.markProcessed(ctx, event)
}

// resolveFailure handles a processor-reported transfer failure: permanent
// reasons and exhausted budgets fail the payout terminally with a refund,
// anything else re-attempts the transfer.
func (po *PayoutOrchestrator) resolveFailure(ctx context.Context, payout *models.Payout, event *models.TransferEvent) error {
	if event.Permanent || permanentReason(event.FailureReason) {
		return po.failPayout(ctx, payout, event.FailureReason)
	}
	if payout.Attempts >= po.maxAttempts {
		return po.failPayout(ctx, payout, fmt.Sprintf("retry budget exhausted: %s", event.FailureReason))
	}

	if err := po.store.UpdatePayoutStatus(ctx, payout.ID, models.PayoutStatusRetrying, event.FailureReason); err != nil {
		return err
	}
	return po.executeTransfer(ctx, payout)
}

// completePayout finalizes a successful transfer.
func (po *PayoutOrchestrator) completePayout(ctx context.Context, payout *models.Payout) error {
	if err := po.store.UpdatePayoutStatus(ctx, payout.ID, models.PayoutStatusCompleted, ""); err != nil {
		return fmt.Errorf("failed to complete payout: %w", err)
	}

	util.PayoutsCompletedTotal.Inc()

	event := &models.PayoutCompletedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePayoutCompleted,
			Timestamp: time.Now(),
		},
		PayoutID:   payout.ID,
		CreatorID:  payout.CreatorID,
		GrossCents: payout.GrossCents,
		NetCents:   payout.NetCents,
		TransferID: payout.ExternalTransferID,
	}
	if err := po.publisher.PublishPayoutCompleted(ctx, event); err != nil {
		po.logger.Error("Failed to publish payout completed event", zap.Error(err))
	}

	po.logger.Info("Payout completed",
		zap.Int64("payout_id", payout.ID),
		zap.Int64("creator_id", payout.CreatorID),
		zap.Int64("net_cents", payout.NetCents))
	return nil
}

// failPayout terminally fails a payout: the gross returns to the creator's
// available balance and the escrow movements are reversed.
func (po *PayoutOrchestrator) failPayout(ctx context.Context, payout *models.Payout, reason string) error {
	if err := po.store.UpdatePayoutStatus(ctx, payout.ID, models.PayoutStatusFailed, reason); err != nil {
		return fmt.Errorf("failed to mark payout failed: %w", err)
	}

	if _, err := po.balances.RefundPayout(ctx, payout.CreatorID, payout.GrossCents); err != nil {
		return fmt.Errorf("failed to refund payout %d: %w", payout.ID, err)
	}

	reference := fmt.Sprintf("payout:%d", payout.ID)
	if _, err := po.escrow.Reverse(ctx, payout.NetCents+payout.ProcessorFeeCents, models.MovementCreatorPayout, reference); err != nil {
		po.logger.Error("Failed to reverse payout escrow movement", zap.Int64("payout_id", payout.ID), zap.Error(err))
	}
	if _, err := po.escrow.Reverse(ctx, payout.PlatformFeeCents, models.MovementPlatformFee, reference); err != nil {
		po.logger.Error("Failed to reverse platform fee movement", zap.Int64("payout_id", payout.ID), zap.Error(err))
	}

	util.PayoutsFailedTotal.WithLabelValues(failureLabel(reason)).Inc()

	event := &models.PayoutFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePayoutFailed,
			Timestamp: time.Now(),
		},
		PayoutID:   payout.ID,
		CreatorID:  payout.CreatorID,
		GrossCents: payout.GrossCents,
		Reason:     reason,
	}
	if err := po.publisher.PublishPayoutFailed(ctx, event); err != nil {
		po.logger.Error("Failed to publish payout failed event", zap.Error(err))
	}

	po.logger.Warn("Payout failed, funds returned",
		zap.Int64("payout_id", payout.ID),
		zap.Int64("creator_id", payout.CreatorID),
		zap.String("reason", reason))
	return nil
}

// ReconcilePending resolves payouts whose transfer state is unknown: it
// queries the processor for in-flight transfers, replays stalled retryable
// payouts, and settles payouts whose retry budget is spent so every payout
// reaches a terminal state. A client that timed out during RequestPayout
// never cancels the payout; this loop settles it either way.
func (po *PayoutOrchestrator) ReconcilePending(ctx context.Context) error {
	processing, err := po.store.ListPayoutsByStatus(ctx, models.PayoutStatusProcessing)
	if err != nil {
		return err
	}
	for i := range processing {
		payout := &processing[i]
		if payout.ExternalTransferID == "" {
			continue
		}
		if _, err := po.settleFromProcessor(ctx, payout); err != nil {
			po.logger.Warn("Failed to reconcile payout",
				zap.Int64("payout_id", payout.ID),
				zap.Error(err))
		}
	}

	retrying, err := po.store.ListPayoutsByStatus(ctx, models.PayoutStatusRetrying)
	if err != nil {
		return err
	}
	for i := range retrying {
		payout := &retrying[i]
		if payout.Attempts < po.maxAttempts {
			if err := po.executeTransfer(ctx, payout); err != nil {
				po.logger.Warn("Retryable payout still unresolved",
					zap.Int64("payout_id", payout.ID),
					zap.Error(err))
			}
			continue
		}

		// Budget exhausted. If a transfer was ever acknowledged the
		// processor is the source of truth; only when it has no record of
		// the transfer, or no transfer was ever created, is the payout
		// failed terminally so the gross returns to available.
		if payout.ExternalTransferID != "" {
			settled, err := po.settleFromProcessor(ctx, payout)
			if settled {
				continue
			}
			if err == nil || !ledger.IsPermanent(err) {
				continue
			}
		}
		if err := po.failPayout(ctx, payout, "retry budget exhausted"); err != nil {
			po.logger.Error("Failed to settle exhausted payout",
				zap.Int64("payout_id", payout.ID),
				zap.Error(err))
		}
	}
	return nil
}

// settleFromProcessor queries the processor for a payout's transfer and,
// when it reached a terminal state, applies it through the regular event
// path. Returns whether a terminal state was applied.
func (po *PayoutOrchestrator) settleFromProcessor(ctx context.Context, payout *models.Payout) (bool, error) {
	status, reason, err := po.processor.GetTransfer(ctx, payout.ExternalTransferID)
	if err != nil {
		return false, err
	}
	if status != models.TransferStatusCompleted && status != models.TransferStatusFailed {
		return false, nil
	}
	event := &models.TransferEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeTransferUpdate,
			Timestamp: time.Now(),
		},
		TransferID:    payout.ExternalTransferID,
		Status:        status,
		FailureReason: reason,
	}
	if err := po.HandleTransferEvent(ctx, event); err != nil {
		return false, err
	}
	return true, nil
}

func (po *PayoutOrchestrator) alertAnomaly(payout *models.Payout, event *models.TransferEvent) {
	util.TransferEventAnomaliesTotal.Inc()
	po.logger.Error("CRITICAL: contradictory transfer event on terminal payout",
		zap.Int64("payout_id", payout.ID),
		zap.String("payout_status", payout.Status),
		zap.String("event_status", event.Status),
		zap.String("transfer_id", event.TransferID))
}

func (po *PayoutOrchestrator) markProcessed(ctx context.Context, event *models.TransferEvent) error {
	if event.EventID == "" {
		return nil
	}
	return po.store.MarkEventProcessed(ctx, event.EventID, models.EventTypeTransferUpdate)
}

// permanentReason classifies processor failure reasons that must not be
// retried.
func permanentReason(reason string) bool {
	switch reason {
	case "account_closed", "invalid_destination", "compliance_block", "no_external_account":
		return true
	}
	return false
}

func failureLabel(reason string) string {
	if permanentReason(reason) {
		return reason
	}
	return "other"
}

func destinationAccount(creatorID int64) string {
	return fmt.Sprintf("acct_%d", creatorID)
}

package worker

import (
	"context"
	"log"
	"time"

	"payout-ledger/internal/broker"
	"payout-ledger/internal/service"
)

// TransferWorker consumes processor transfer events and applies them to
// their payouts.
type TransferWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.TransferEventHandler
	orchestrator *service.PayoutOrchestrator
}

// NewTransferWorker creates a new transfer worker
func NewTransferWorker(
	consumer *broker.Consumer,
	orchestrator *service.PayoutOrchestrator,
) *TransferWorker {
	eventHandler := broker.NewTransferEventHandler()

	eventHandler.OnTransferUpdate(orchestrator.HandleTransferEvent)

	return &TransferWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		orchestrator: orchestrator,
	}
}

// Start starts the worker
func (w *TransferWorker) Start(ctx context.Context) error {
	log.Println("Starting transfer worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *TransferWorker) Stop() error {
	log.Println("Stopping transfer worker...")
	return w.consumer.Close()
}

// SchedulerWorker runs the periodic jobs: cycle finalization when a month
// ends, the payout batch, escrow reconciliation, and resolution of payouts
// whose transfer state is unknown.
type SchedulerWorker struct {
	finalizer    *service.Finalizer
	orchestrator *service.PayoutOrchestrator
	reconciler   *service.Reconciler
	interval     time.Duration
}

// NewSchedulerWorker creates a new scheduler worker
func NewSchedulerWorker(
	finalizer *service.Finalizer,
	orchestrator *service.PayoutOrchestrator,
	reconciler *service.Reconciler,
	interval time.Duration,
) *SchedulerWorker {
	return &SchedulerWorker{
		finalizer:    finalizer,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		interval:     interval,
	}
}

// Start runs the scheduler loop until the context is cancelled
func (sw *SchedulerWorker) Start(ctx context.Context) error {
	log.Println("Starting scheduler worker...")

	if _, err := sw.finalizer.EnsureCycle(ctx, time.Now()); err != nil {
		log.Printf("Failed to ensure cycle: %v", err)
	}

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping scheduler worker...")
			return ctx.Err()
		case <-ticker.C:
			sw.runOnce(ctx)
		}
	}
}

func (sw *SchedulerWorker) runOnce(ctx context.Context) {
	now := time.Now()

	due, err := sw.finalizer.Due(ctx, now)
	if err != nil {
		log.Printf("Failed to check cycle due: %v", err)
	} else if due {
		if err := sw.finalizer.AdvanceCycle(ctx, now); err != nil {
			log.Printf("Cycle finalization error: %v", err)
		}
	}

	if _, err := sw.orchestrator.ProcessBatch(ctx, 0); err != nil {
		log.Printf("Payout batch error: %v", err)
	}

	if err := sw.orchestrator.ReconcilePending(ctx); err != nil {
		log.Printf("Pending payout reconciliation error: %v", err)
	}

	if err := sw.reconciler.Run(ctx); err != nil {
		log.Printf("Escrow reconciliation error: %v", err)
	}
}

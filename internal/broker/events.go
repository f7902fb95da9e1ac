package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"payout-ledger/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher publishes ledger domain events for the notification system
// and transfer events for the reconciliation worker.
type EventPublisher struct {
	ledger    *Producer
	transfers *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(ledger, transfers *Producer) *EventPublisher {
	return &EventPublisher{ledger: ledger, transfers: transfers}
}

// PublishAllocationThreshold publishes an allocation_threshold_reached event
func (ep *EventPublisher) PublishAllocationThreshold(ctx context.Context, event *models.AllocationThresholdEvent) error {
	key := fmt.Sprintf("user-%d", event.UserID)
	return ep.ledger.PublishEvent(ctx, key, event)
}

// PublishOverspendFlagged publishes an overspend_flagged event
func (ep *EventPublisher) PublishOverspendFlagged(ctx context.Context, event *models.OverspendFlaggedEvent) error {
	key := fmt.Sprintf("user-%d", event.UserID)
	return ep.ledger.PublishEvent(ctx, key, event)
}

// PublishCycleClosed publishes a cycle_closed event
func (ep *EventPublisher) PublishCycleClosed(ctx context.Context, event *models.CycleClosedEvent) error {
	key := fmt.Sprintf("cycle-%d", event.CycleID)
	return ep.ledger.PublishEvent(ctx, key, event)
}

// PublishPayoutCompleted publishes a payout_completed event
func (ep *EventPublisher) PublishPayoutCompleted(ctx context.Context, event *models.PayoutCompletedEvent) error {
	key := fmt.Sprintf("creator-%d", event.CreatorID)
	return ep.ledger.PublishEvent(ctx, key, event)
}

// PublishPayoutFailed publishes a payout_failed event
func (ep *EventPublisher) PublishPayoutFailed(ctx context.Context, event *models.PayoutFailedEvent) error {
	key := fmt.Sprintf("creator-%d", event.CreatorID)
	return ep.ledger.PublishEvent(ctx, key, event)
}

// PublishEscrowDrift publishes an escrow_drift_detected event
func (ep *EventPublisher) PublishEscrowDrift(ctx context.Context, event *models.EscrowDriftEvent) error {
	return ep.ledger.PublishEvent(ctx, event.PoolName, event)
}

// PublishTransferEvent pushes a processor webhook delivery onto the
// transfer-events topic. Keyed by transfer id so replays of the same
// transfer stay ordered within a partition.
func (ep *EventPublisher) PublishTransferEvent(ctx context.Context, event *models.TransferEvent) error {
	return ep.transfers.PublishEvent(ctx, event.TransferID, event)
}

// TransferEventHandler routes transfer-events messages
type TransferEventHandler struct {
	onTransferUpdate func(context.Context, *models.TransferEvent) error
}

// NewTransferEventHandler creates a new transfer event handler
func NewTransferEventHandler() *TransferEventHandler {
	return &TransferEventHandler{}
}

// OnTransferUpdate registers a handler for transfer update events
func (th *TransferEventHandler) OnTransferUpdate(handler func(context.Context, *models.TransferEvent) error) {
	th.onTransferUpdate = handler
}

// HandleMessage decodes and dispatches a transfer event message
func (th *TransferEventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.TransferEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal transfer event: %w", err)
	}

	log.Printf("Handling transfer event: transfer_id=%s, status=%s", event.TransferID, event.Status)

	if th.onTransferUpdate != nil {
		return th.onTransferUpdate(ctx, &event)
	}
	return nil
}

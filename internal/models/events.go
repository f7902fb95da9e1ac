package models

import "time"

// Event types
const (
	EventTypeAllocationThreshold = "ALLOCATION_THRESHOLD_REACHED"
	EventTypeOverspendFlagged    = "OVERSPEND_FLAGGED"
	EventTypeCycleClosed         = "CYCLE_CLOSED"
	EventTypePayoutCompleted     = "PAYOUT_COMPLETED"
	EventTypePayoutFailed        = "PAYOUT_FAILED"
	EventTypeEscrowDrift         = "ESCROW_DRIFT_DETECTED"
	EventTypeTransferUpdate      = "TRANSFER_UPDATE"
)

// External transfer statuses reported by the payment processor.
const (
	TransferStatusCompleted = "completed"
	TransferStatusFailed    = "failed"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// AllocationThresholdEvent published when a subscriber's allocated cents
// reach the configured share of their funded total.
type AllocationThresholdEvent struct {
	BaseEvent
	UserID          int64 `json:"user_id"`
	TotalCents      int64 `json:"total_cents"`
	AllocatedCents  int64 `json:"allocated_cents"`
	AllocationCount int   `json:"allocation_count"`
}

// OverspendFlaggedEvent published when an allocation pushes a subscriber's
// available balance below zero.
type OverspendFlaggedEvent struct {
	BaseEvent
	UserID         int64 `json:"user_id"`
	OverspentCents int64 `json:"overspent_cents"`
}

// CycleClosedEvent published when a billing cycle finishes finalization.
type CycleClosedEvent struct {
	BaseEvent
	CycleID          int64  `json:"cycle_id"`
	Month            string `json:"month"`
	CreditedCents    int64  `json:"credited_cents"`
	UnallocatedCents int64  `json:"unallocated_cents"`
}

// PayoutCompletedEvent published when a payout reaches its terminal
// completed state.
type PayoutCompletedEvent struct {
	BaseEvent
	PayoutID   int64  `json:"payout_id"`
	CreatorID  int64  `json:"creator_id"`
	GrossCents int64  `json:"gross_cents"`
	NetCents   int64  `json:"net_cents"`
	TransferID string `json:"transfer_id"`
}

// PayoutFailedEvent published when a payout fails terminally and funds are
// returned to the creator's available balance.
type PayoutFailedEvent struct {
	BaseEvent
	PayoutID   int64  `json:"payout_id"`
	CreatorID  int64  `json:"creator_id"`
	GrossCents int64  `json:"gross_cents"`
	Reason     string `json:"reason"`
}

// EscrowDriftEvent published when reconciliation detects that the
// creator_obligation pool no longer matches the sum of creator balances.
type EscrowDriftEvent struct {
	BaseEvent
	PoolName      string `json:"pool_name"`
	PoolCents     int64  `json:"pool_cents"`
	ExpectedCents int64  `json:"expected_cents"`
	DriftCents    int64  `json:"drift_cents"`
}

// TransferEvent is the processor's asynchronous transfer notification,
// delivered by webhook and replayed through the transfer-events topic.
// Deliveries may be duplicated or out of order.
type TransferEvent struct {
	BaseEvent
	TransferID    string `json:"transfer_id"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	Permanent     bool   `json:"permanent,omitempty"`
}

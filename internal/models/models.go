package models

import (
	"database/sql"
	"time"
)

// Allocation represents one allocator's committed cents to one recipient
// resource for a billing month. Rows are never hard-deleted; a zero-amount
// update keeps the row for audit.
type Allocation struct {
	ID           int64     `db:"id" json:"id"`
	AllocatorID  int64     `db:"allocator_id" json:"allocator_id"`
	RecipientID  int64     `db:"recipient_id" json:"recipient_id"`
	ResourceID   int64     `db:"resource_id" json:"resource_id"`
	ResourceType string    `db:"resource_type" json:"resource_type"`
	AmountCents  int64     `db:"amount_cents" json:"amount_cents"`
	Month        string    `db:"month" json:"month"`
	Status       string    `db:"status" json:"status"`
	Version      int64     `db:"version" json:"version"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Balance is the subscriber-side projection for one billing month.
// AvailableCents = TotalCents - AllocatedCents and may go negative down to
// the overspend floor; OverspentCents tracks the deficit separately.
type Balance struct {
	UserID         int64     `db:"user_id" json:"user_id"`
	Month          string    `db:"month" json:"month"`
	TotalCents     int64     `db:"total_cents" json:"total_cents"`
	AllocatedCents int64     `db:"allocated_cents" json:"allocated_cents"`
	OverspentCents int64     `db:"overspent_cents" json:"overspent_cents"`
	Version        int64     `db:"version" json:"version"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// AvailableCents is the un-allocated remainder, negative while overspent.
func (b *Balance) AvailableCents() int64 {
	return b.TotalCents - b.AllocatedCents
}

// CreatorBalance is the creator-side projection.
// Invariant: PendingCents + AvailableCents + PaidOutCents == TotalEarnedCents.
type CreatorBalance struct {
	CreatorID        int64     `db:"creator_id" json:"creator_id"`
	PendingCents     int64     `db:"pending_cents" json:"pending_cents"`
	AvailableCents   int64     `db:"available_cents" json:"available_cents"`
	PaidOutCents     int64     `db:"paid_out_cents" json:"paid_out_cents"`
	TotalEarnedCents int64     `db:"total_earned_cents" json:"total_earned_cents"`
	Version          int64     `db:"version" json:"version"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Conserved reports whether the balance equation holds.
func (cb *CreatorBalance) Conserved() bool {
	return cb.PendingCents+cb.AvailableCents+cb.PaidOutCents == cb.TotalEarnedCents
}

// Payout is one request to move a creator's available balance to a bank
// destination through the external processor.
type Payout struct {
	ID                 int64     `db:"id" json:"id"`
	CreatorID          int64     `db:"creator_id" json:"creator_id"`
	GrossCents         int64     `db:"gross_cents" json:"gross_cents"`
	PlatformFeeCents   int64     `db:"platform_fee_cents" json:"platform_fee_cents"`
	ProcessorFeeCents  int64     `db:"processor_fee_cents" json:"processor_fee_cents"`
	NetCents           int64     `db:"net_cents" json:"net_cents"`
	Method             string    `db:"method" json:"method"`
	Status             string    `db:"status" json:"status"`
	ExternalTransferID string    `db:"external_transfer_id" json:"external_transfer_id,omitempty"`
	Attempts           int       `db:"attempts" json:"attempts"`
	FailureReason      string    `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time `db:"updated_at" json:"updated_at"`
}

// Cycle is one billing cycle and its finalization state machine row.
type Cycle struct {
	ID        int64        `db:"id" json:"id"`
	Month     string       `db:"month" json:"month"`
	Status    string       `db:"status" json:"status"`
	Version   int64        `db:"version" json:"version"`
	StartedAt time.Time    `db:"started_at" json:"started_at"`
	ClosedAt  sql.NullTime `db:"closed_at" json:"closed_at,omitempty"`
}

// Earning is the per-(cycle, creator) snapshot credit written during
// finalization. The unique (cycle_id, creator_id) pair is the idempotency key
// that makes re-running the locked transition a no-op.
type Earning struct {
	ID          int64     `db:"id" json:"id"`
	CycleID     int64     `db:"cycle_id" json:"cycle_id"`
	CreatorID   int64     `db:"creator_id" json:"creator_id"`
	AmountCents int64     `db:"amount_cents" json:"amount_cents"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// EscrowPool is one of the named holding balances.
type EscrowPool struct {
	Name         string    `db:"name" json:"name"`
	BalanceCents int64     `db:"balance_cents" json:"balance_cents"`
	Version      int64     `db:"version" json:"version"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// EscrowTransfer is one double-entry movement between pools. Every fund
// movement has a source and a destination so pool balances are conserved
// across any set of transfers.
type EscrowTransfer struct {
	ID          int64     `db:"id" json:"id"`
	SourcePool  string    `db:"source_pool" json:"source_pool"`
	DestPool    string    `db:"dest_pool" json:"dest_pool"`
	AmountCents int64     `db:"amount_cents" json:"amount_cents"`
	Kind        string    `db:"kind" json:"kind"`
	Reference   string    `db:"reference" json:"reference,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// TransferIntent records a two-phase cross-entity write so a retry after a
// partial failure does not double-apply the debit/credit pair.
type TransferIntent struct {
	IntentID    string    `db:"intent_id" json:"intent_id"`
	Kind        string    `db:"kind" json:"kind"`
	UserID      int64     `db:"user_id" json:"user_id"`
	CreatorID   int64     `db:"creator_id" json:"creator_id"`
	AmountCents int64     `db:"amount_cents" json:"amount_cents"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ProcessedEvent for idempotent event handling.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// ReconciliationReport is the proposed (never auto-applied) correction
// computed by the reconciler when escrow drift is detected.
type ReconciliationReport struct {
	ID              int64     `db:"id" json:"id"`
	PoolName        string    `db:"pool_name" json:"pool_name"`
	PoolCents       int64     `db:"pool_cents" json:"pool_cents"`
	ExpectedCents   int64     `db:"expected_cents" json:"expected_cents"`
	DriftCents      int64     `db:"drift_cents" json:"drift_cents"`
	ProposedApplied bool      `db:"proposed_applied" json:"proposed_applied"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Allocation statuses
const (
	AllocationStatusActive    = "ACTIVE"
	AllocationStatusLocked    = "LOCKED"
	AllocationStatusProcessed = "PROCESSED"
	AllocationStatusCancelled = "CANCELLED"
)

// Allocation resource types
const (
	ResourceTypePage  = "page"
	ResourceTypeUser  = "user"
	ResourceTypeGroup = "group"
)

// Payout statuses
const (
	PayoutStatusRequested  = "REQUESTED"
	PayoutStatusProcessing = "PROCESSING"
	PayoutStatusRetrying   = "RETRYING"
	PayoutStatusCompleted  = "COMPLETED"
	PayoutStatusFailed     = "FAILED"
)

// Payout methods
const (
	PayoutMethodStandard = "standard"
	PayoutMethodInstant  = "instant"
)

// Cycle statuses
const (
	CycleStatusOpen         = "OPEN"
	CycleStatusLocking      = "LOCKING"
	CycleStatusLocked       = "LOCKED"
	CycleStatusDistributing = "DISTRIBUTING"
	CycleStatusClosed       = "CLOSED"
)

// Escrow pool names. The external pool is the counterparty for money entering
// or leaving the platform so that double-entry sums stay conserved.
const (
	PoolCreatorObligation = "creator_obligation"
	PoolPlatformRevenue   = "platform_revenue"
	PoolExternal          = "external"
)

// Escrow movement kinds
const (
	MovementSubscriptionPayment = "subscription_payment"
	MovementAllocationLock      = "allocation_lock"
	MovementUnallocatedRelease  = "unallocated_release"
	MovementCreatorPayout       = "creator_payout"
	MovementPlatformFee         = "platform_fee"
)

// ValidResourceType reports whether t is one of the fixed resource variants.
func ValidResourceType(t string) bool {
	switch t {
	case ResourceTypePage, ResourceTypeUser, ResourceTypeGroup:
		return true
	}
	return false
}

package ledger

import (
	"errors"
	"fmt"
)

// Validation errors: surfaced synchronously, no state mutated.
var (
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrBudgetExceeded        = errors.New("budget exceeded")
	ErrBelowMinimumThreshold = errors.New("below minimum payout threshold")
	ErrBelowMinimumAfterFees = errors.New("below minimum after fees")
	ErrInvalidResourceType   = errors.New("invalid resource type")
)

// Concurrency errors: caller should retry after backoff.
var (
	ErrCycleLocked  = errors.New("billing cycle is locked")
	ErrStaleVersion = errors.New("stale version")
)

// ErrInsufficientAvailable is returned when a payout debit exceeds the
// creator's available balance.
var ErrInsufficientAvailable = errors.New("insufficient available balance")

// ProcessorError is an error reported by the external payment processor.
// Permanent errors (closed account, invalid destination) are terminal and
// must not be retried; everything else is retried per the backoff policy.
type ProcessorError struct {
	Reason    string
	Permanent bool
}

func (e *ProcessorError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("processor error (%s): %s", kind, e.Reason)
}

// IsPermanent reports whether err is a permanent processor error.
func IsPermanent(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe) && pe.Permanent
}

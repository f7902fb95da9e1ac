package store

import (
	"context"
	"database/sql"
	"fmt"

	"payout-ledger/internal/models"
)

// CreatePayout creates a new payout row
func (s *Store) CreatePayout(ctx context.Context, payout *models.Payout) error {
	query := `
		INSERT INTO payouts (creator_id, gross_cents, platform_fee_cents, processor_fee_cents, net_cents, method, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, attempts, created_at, updated_at`

	return s.db.GetContext(ctx, payout, query,
		payout.CreatorID, payout.GrossCents, payout.PlatformFeeCents,
		payout.ProcessorFeeCents, payout.NetCents, payout.Method, payout.Status)
}

// GetPayoutByID retrieves a payout by ID
func (s *Store) GetPayoutByID(ctx context.Context, id int64) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.GetContext(ctx, &payout, "SELECT * FROM payouts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("payout not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

// GetPayoutByTransferID retrieves a payout by its external transfer id, or
// nil when no payout carries that id
func (s *Store) GetPayoutByTransferID(ctx context.Context, transferID string) (*models.Payout, error) {
	var payout models.Payout
	err := s.db.GetContext(ctx, &payout,
		"SELECT * FROM payouts WHERE external_transfer_id = $1", transferID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payout, nil
}

// UpdatePayoutStatus updates payout status and failure reason
func (s *Store) UpdatePayoutStatus(ctx context.Context, payoutID int64, status, failureReason string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payouts SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3",
		status, failureReason, payoutID)
	return err
}

// SetPayoutTransfer records the external transfer id and marks the payout
// as processing
func (s *Store) SetPayoutTransfer(ctx context.Context, payoutID int64, transferID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE payouts SET external_transfer_id = $1, status = $2, updated_at = NOW() WHERE id = $3",
		transferID, models.PayoutStatusProcessing, payoutID)
	return err
}

// IncrementPayoutAttempts bumps the attempt counter and returns the new value
func (s *Store) IncrementPayoutAttempts(ctx context.Context, payoutID int64) (int, error) {
	var attempts int
	err := s.db.GetContext(ctx, &attempts,
		"UPDATE payouts SET attempts = attempts + 1, updated_at = NOW() WHERE id = $1 RETURNING attempts",
		payoutID)
	return attempts, err
}

// ListPayoutsByStatus retrieves payouts in a given status
func (s *Store) ListPayoutsByStatus(ctx context.Context, status string) ([]models.Payout, error) {
	var payouts []models.Payout
	err := s.db.SelectContext(ctx, &payouts,
		"SELECT * FROM payouts WHERE status = $1 ORDER BY created_at", status)
	return payouts, err
}

// SumPayoutsByCreator returns gross cents of completed payouts plus gross of
// in-flight ones, the rebuild source for paid_out_cents
func (s *Store) SumPayoutsByCreator(ctx context.Context, creatorID int64) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(SUM(gross_cents), 0) FROM payouts
		WHERE creator_id = $1 AND status IN ($2, $3, $4, $5)`,
		creatorID, models.PayoutStatusRequested, models.PayoutStatusProcessing,
		models.PayoutStatusRetrying, models.PayoutStatusCompleted)
	return total, err
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"payout-ledger/internal/ledger"
	"payout-ledger/internal/models"
)

// GetBalance retrieves a subscriber balance row, or nil when none exists
func (s *Store) GetBalance(ctx context.Context, userID int64, month string) (*models.Balance, error) {
	var balance models.Balance
	err := s.db.GetContext(ctx, &balance,
		"SELECT * FROM balances WHERE user_id = $1 AND month = $2", userID, month)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// AddFunding credits a subscriber's funded total for the month
func (s *Store) AddFunding(ctx context.Context, userID int64, month string, cents int64) (*models.Balance, error) {
	var balance models.Balance
	err := s.db.GetContext(ctx, &balance, `
		INSERT INTO balances (user_id, month, total_cents)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, month)
		DO UPDATE SET total_cents = balances.total_cents + EXCLUDED.total_cents,
		              overspent_cents = GREATEST(balances.allocated_cents - (balances.total_cents + EXCLUDED.total_cents), 0),
		              version = balances.version + 1,
		              updated_at = NOW()
		RETURNING *`,
		userID, month, cents)
	if err != nil {
		return nil, fmt.Errorf("failed to add funding: %w", err)
	}
	return &balance, nil
}

// ApplyAllocationDelta adjusts a subscriber's allocated cents inside a single
// transaction. The row is locked, the overspend floor checked, and the
// overspent tally recomputed. floorCents is how far below zero available may
// go; exceeding it returns ledger.ErrBudgetExceeded with nothing mutated.
func (s *Store) ApplyAllocationDelta(ctx context.Context, userID int64, month string, deltaCents, floorCents int64) (*models.Balance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var balance models.Balance
	err = tx.GetContext(ctx, &balance,
		"SELECT * FROM balances WHERE user_id = $1 AND month = $2 FOR UPDATE", userID, month)
	if err == sql.ErrNoRows {
		// No funding this month: a positive delta is pure overspend, still
		// bounded by the floor (which is zero without a funded total).
		if deltaCents > 0 && floorCents <= 0 {
			return nil, ledger.ErrBudgetExceeded
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO balances (user_id, month) VALUES ($1, $2)", userID, month); err != nil {
			return nil, err
		}
		err = tx.GetContext(ctx, &balance,
			"SELECT * FROM balances WHERE user_id = $1 AND month = $2 FOR UPDATE", userID, month)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}

	newAllocated := balance.AllocatedCents + deltaCents
	if balance.TotalCents-newAllocated < -floorCents {
		return nil, ledger.ErrBudgetExceeded
	}

	overspent := newAllocated - balance.TotalCents
	if overspent < 0 {
		overspent = 0
	}

	err = tx.GetContext(ctx, &balance, `
		UPDATE balances
		SET allocated_cents = $1, overspent_cents = $2, version = version + 1, updated_at = NOW()
		WHERE user_id = $3 AND month = $4
		RETURNING *`,
		newAllocated, overspent, userID, month)
	if err != nil {
		return nil, fmt.Errorf("failed to apply allocation delta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &balance, nil
}

// SyncAllocatedTotals recomputes subscriber allocated totals for a month
// from the active allocation rows, creating balance rows where missing.
// Used after backfill so projections match the copied-forward allocations.
func (s *Store) SyncAllocatedTotals(ctx context.Context, month string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, month, allocated_cents)
		SELECT a.allocator_id, $1, SUM(a.amount_cents)
		FROM allocations a
		WHERE a.month = $1 AND a.status = $2
		GROUP BY a.allocator_id
		ON CONFLICT (user_id, month)
		DO UPDATE SET allocated_cents = EXCLUDED.allocated_cents,
		              overspent_cents = GREATEST(EXCLUDED.allocated_cents - balances.total_cents, 0),
		              version = balances.version + 1,
		              updated_at = NOW()`,
		month, models.AllocationStatusActive)
	return err
}

// ListBalancesByMonth retrieves all subscriber balances for a month
func (s *Store) ListBalancesByMonth(ctx context.Context, month string) ([]models.Balance, error) {
	var balances []models.Balance
	err := s.db.SelectContext(ctx, &balances,
		"SELECT * FROM balances WHERE month = $1 ORDER BY user_id", month)
	return balances, err
}

// GetCreatorBalance retrieves a creator balance, creating a zero row on
// first touch
func (s *Store) GetCreatorBalance(ctx context.Context, creatorID int64) (*models.CreatorBalance, error) {
	var cb models.CreatorBalance
	err := s.db.GetContext(ctx, &cb, `
		INSERT INTO creator_balances (creator_id)
		VALUES ($1)
		ON CONFLICT (creator_id) DO UPDATE SET creator_id = EXCLUDED.creator_id
		RETURNING *`,
		creatorID)
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

// CreditCreatorPending moves cents into a creator's pending balance and
// grows the lifetime earned total
func (s *Store) CreditCreatorPending(ctx context.Context, creatorID, cents int64) (*models.CreatorBalance, error) {
	var cb models.CreatorBalance
	err := s.db.GetContext(ctx, &cb, `
		INSERT INTO creator_balances (creator_id, pending_cents, total_earned_cents)
		VALUES ($1, $2, $2)
		ON CONFLICT (creator_id)
		DO UPDATE SET pending_cents = creator_balances.pending_cents + $2,
		              total_earned_cents = creator_balances.total_earned_cents + $2,
		              version = creator_balances.version + 1,
		              updated_at = NOW()
		RETURNING *`,
		creatorID, cents)
	if err != nil {
		return nil, fmt.Errorf("failed to credit creator: %w", err)
	}
	return &cb, nil
}

// ReleaseCreatorPending moves cents from pending to available inside one
// transaction, failing when pending is insufficient
func (s *Store) ReleaseCreatorPending(ctx context.Context, creatorID, cents int64) (*models.CreatorBalance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var pending int64
	err = tx.GetContext(ctx, &pending,
		"SELECT pending_cents FROM creator_balances WHERE creator_id = $1 FOR UPDATE", creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock creator balance: %w", err)
	}
	if pending < cents {
		return nil, fmt.Errorf("pending %d < release %d: %w", pending, cents, ledger.ErrInvalidAmount)
	}

	var cb models.CreatorBalance
	err = tx.GetContext(ctx, &cb, `
		UPDATE creator_balances
		SET pending_cents = pending_cents - $1,
		    available_cents = available_cents + $1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE creator_id = $2
		RETURNING *`,
		cents, creatorID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &cb, nil
}

// DebitCreatorForPayout atomically moves gross cents from available to
// paid-out. Debiting and crediting in one step keeps the conservation
// equation true while the transfer is in flight; the Payout row carries the
// in-flight detail. Returns ledger.ErrInsufficientAvailable when available
// is short.
func (s *Store) DebitCreatorForPayout(ctx context.Context, creatorID, grossCents int64) (*models.CreatorBalance, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var available int64
	err = tx.GetContext(ctx, &available,
		"SELECT available_cents FROM creator_balances WHERE creator_id = $1 FOR UPDATE", creatorID)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrInsufficientAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock creator balance: %w", err)
	}
	if available < grossCents {
		return nil, ledger.ErrInsufficientAvailable
	}

	var cb models.CreatorBalance
	err = tx.GetContext(ctx, &cb, `
		UPDATE creator_balances
		SET available_cents = available_cents - $1,
		    paid_out_cents = paid_out_cents + $1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE creator_id = $2
		RETURNING *`,
		grossCents, creatorID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &cb, nil
}

// RefundCreatorPayout reverses a payout debit after a terminal failure
func (s *Store) RefundCreatorPayout(ctx context.Context, creatorID, grossCents int64) (*models.CreatorBalance, error) {
	var cb models.CreatorBalance
	err := s.db.GetContext(ctx, &cb, `
		UPDATE creator_balances
		SET available_cents = available_cents + $1,
		    paid_out_cents = paid_out_cents - $1,
		    version = version + 1,
		    updated_at = NOW()
		WHERE creator_id = $2
		RETURNING *`,
		grossCents, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to refund payout: %w", err)
	}
	return &cb, nil
}

// ListPayableCreators retrieves creator balances with available at or above
// the minimum payout threshold
func (s *Store) ListPayableCreators(ctx context.Context, minimumCents int64) ([]models.CreatorBalance, error) {
	var creators []models.CreatorBalance
	err := s.db.SelectContext(ctx, &creators,
		"SELECT * FROM creator_balances WHERE available_cents >= $1 ORDER BY creator_id", minimumCents)
	return creators, err
}

// ListCreatorBalances retrieves every creator balance row
func (s *Store) ListCreatorBalances(ctx context.Context) ([]models.CreatorBalance, error) {
	var creators []models.CreatorBalance
	err := s.db.SelectContext(ctx, &creators,
		"SELECT * FROM creator_balances ORDER BY creator_id")
	return creators, err
}

// SumCreatorOutstanding returns the sum of pending + available cents across
// all creators, the amount the creator_obligation pool must hold
func (s *Store) SumCreatorOutstanding(ctx context.Context) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(pending_cents + available_cents), 0) FROM creator_balances")
	return total, err
}

// SumCreatorEarnings returns lifetime earnings for a creator from the
// earnings history, the rebuild source for total_earned_cents
func (s *Store) SumCreatorEarnings(ctx context.Context, creatorID int64) (int64, error) {
	var total int64
	err := s.db.GetContext(ctx, &total,
		"SELECT COALESCE(SUM(amount_cents), 0) FROM earnings WHERE creator_id = $1", creatorID)
	return total, err
}

package store

import (
	"context"
	"database/sql"

	"payout-ledger/internal/models"
)

// GetActiveAllocation retrieves the active-month row for one
// (allocator, recipient, resource) key, or nil when none exists.
func (s *Store) GetActiveAllocation(ctx context.Context, allocatorID, recipientID, resourceID int64, month string) (*models.Allocation, error) {
	var alloc models.Allocation
	err := s.db.GetContext(ctx, &alloc, `
		SELECT * FROM allocations
		WHERE allocator_id = $1 AND recipient_id = $2 AND resource_id = $3
		  AND month = $4 AND status = $5`,
		allocatorID, recipientID, resourceID, month, models.AllocationStatusActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alloc, nil
}

// UpsertActiveAllocation creates or updates the active row for a key.
// The unique (allocator_id, recipient_id, resource_id, month) index enforces
// the one-active-row-per-key invariant.
func (s *Store) UpsertActiveAllocation(ctx context.Context, alloc *models.Allocation) error {
	query := `
		INSERT INTO allocations (allocator_id, recipient_id, resource_id, resource_type, amount_cents, month, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (allocator_id, recipient_id, resource_id, month)
		DO UPDATE SET amount_cents = EXCLUDED.amount_cents,
		              resource_type = EXCLUDED.resource_type,
		              status = EXCLUDED.status,
		              version = allocations.version + 1,
		              updated_at = NOW()
		RETURNING *`

	return s.db.GetContext(ctx, alloc, query,
		alloc.AllocatorID, alloc.RecipientID, alloc.ResourceID, alloc.ResourceType,
		alloc.AmountCents, alloc.Month, models.AllocationStatusActive)
}

// GetActiveAllocations retrieves all active rows for an allocator and month
func (s *Store) GetActiveAllocations(ctx context.Context, allocatorID int64, month string) ([]models.Allocation, error) {
	var allocs []models.Allocation
	err := s.db.SelectContext(ctx, &allocs, `
		SELECT * FROM allocations
		WHERE allocator_id = $1 AND month = $2 AND status = $3
		ORDER BY recipient_id, resource_id`,
		allocatorID, month, models.AllocationStatusActive)
	return allocs, err
}

// GetAllocationsByMonth retrieves all rows for a month with the given status
func (s *Store) GetAllocationsByMonth(ctx context.Context, month, status string) ([]models.Allocation, error) {
	var allocs []models.Allocation
	err := s.db.SelectContext(ctx, &allocs, `
		SELECT * FROM allocations
		WHERE month = $1 AND status = $2
		ORDER BY allocator_id, recipient_id, resource_id`,
		month, status)
	return allocs, err
}

// CountActiveAllocations counts active rows for an allocator in a month
func (s *Store) CountActiveAllocations(ctx context.Context, allocatorID int64, month string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM allocations
		WHERE allocator_id = $1 AND month = $2 AND status = $3`,
		allocatorID, month, models.AllocationStatusActive)
	return count, err
}

// LockMonthAllocations transitions all active rows of a month to locked
func (s *Store) LockMonthAllocations(ctx context.Context, month string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocations SET status = $1, version = version + 1, updated_at = NOW()
		WHERE month = $2 AND status = $3`,
		models.AllocationStatusLocked, month, models.AllocationStatusActive)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkMonthAllocationsProcessed transitions all locked rows of a month to
// processed once their earnings are recorded
func (s *Store) MarkMonthAllocationsProcessed(ctx context.Context, month string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE allocations SET status = $1, version = version + 1, updated_at = NOW()
		WHERE month = $2 AND status = $3`,
		models.AllocationStatusProcessed, month, models.AllocationStatusLocked)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CopyAllocationsForward copies the allocation set of fromMonth into toMonth
// as new active rows, skipping keys that already have a row in toMonth.
// Insert-if-absent makes the gap repair idempotent: running it twice never
// doubles amounts. Zero-amount rows are not carried forward.
func (s *Store) CopyAllocationsForward(ctx context.Context, fromMonth, toMonth string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations (allocator_id, recipient_id, resource_id, resource_type, amount_cents, month, status)
		SELECT a.allocator_id, a.recipient_id, a.resource_id, a.resource_type, a.amount_cents, $1, $2
		FROM allocations a
		WHERE a.month = $3
		  AND a.status IN ($4, $5)
		  AND a.amount_cents > 0
		ON CONFLICT (allocator_id, recipient_id, resource_id, month) DO NOTHING`,
		toMonth, models.AllocationStatusActive, fromMonth,
		models.AllocationStatusLocked, models.AllocationStatusProcessed)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SumAllocationsByRecipient aggregates a month's rows with the given status
// into total cents per recipient
func (s *Store) SumAllocationsByRecipient(ctx context.Context, month, status string) (map[int64]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT recipient_id, SUM(amount_cents) AS total
		FROM allocations
		WHERE month = $1 AND status = $2
		GROUP BY recipient_id
		ORDER BY recipient_id`,
		month, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[int64]int64)
	for rows.Next() {
		var recipientID, total int64
		if err := rows.Scan(&recipientID, &total); err != nil {
			return nil, err
		}
		totals[recipientID] = total
	}
	return totals, rows.Err()
}

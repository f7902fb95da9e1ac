package store

import (
	"context"
	"database/sql"
	"fmt"

	"payout-ledger/internal/ledger"
	"payout-ledger/internal/models"
)

// GetCurrentCycle retrieves the most recently opened cycle, or nil when no
// cycle exists yet
func (s *Store) GetCurrentCycle(ctx context.Context) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.db.GetContext(ctx, &cycle,
		"SELECT * FROM cycles ORDER BY id DESC LIMIT 1")
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// GetCycleByMonth retrieves the cycle for a month, or nil
func (s *Store) GetCycleByMonth(ctx context.Context, month string) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.db.GetContext(ctx, &cycle, "SELECT * FROM cycles WHERE month = $1", month)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// CreateCycle opens a cycle for a month. The unique month index makes
// concurrent opens collapse into one row.
func (s *Store) CreateCycle(ctx context.Context, month string) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.db.GetContext(ctx, &cycle, `
		INSERT INTO cycles (month, status)
		VALUES ($1, $2)
		ON CONFLICT (month) DO UPDATE SET month = EXCLUDED.month
		RETURNING *`,
		month, models.CycleStatusOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to create cycle: %w", err)
	}
	return &cycle, nil
}

// AdvanceCycleStatus transitions a cycle's status with a compare-and-swap on
// the version column. Returns ledger.ErrStaleVersion when another process
// already advanced the cycle.
func (s *Store) AdvanceCycleStatus(ctx context.Context, cycleID int64, fromVersion int64, status string) (*models.Cycle, error) {
	var cycle models.Cycle
	err := s.db.GetContext(ctx, &cycle, `
		UPDATE cycles SET status = $1, version = version + 1,
		       closed_at = CASE WHEN $1 = $4 THEN NOW() ELSE closed_at END
		WHERE id = $2 AND version = $3
		RETURNING *`,
		status, cycleID, fromVersion, models.CycleStatusClosed)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrStaleVersion
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// InsertEarning records the per-(cycle, creator) snapshot credit. Returns
// false when the pair already exists, which makes re-running a crashed
// snapshot a no-op for already-credited creators.
func (s *Store) InsertEarning(ctx context.Context, cycleID, creatorID, amountCents int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO earnings (cycle_id, creator_id, amount_cents)
		VALUES ($1, $2, $3)
		ON CONFLICT (cycle_id, creator_id) DO NOTHING`,
		cycleID, creatorID, amountCents)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListEarningsByCycle retrieves all earnings recorded for a cycle
func (s *Store) ListEarningsByCycle(ctx context.Context, cycleID int64) ([]models.Earning, error) {
	var earnings []models.Earning
	err := s.db.SelectContext(ctx, &earnings,
		"SELECT * FROM earnings WHERE cycle_id = $1 ORDER BY creator_id", cycleID)
	return earnings, err
}

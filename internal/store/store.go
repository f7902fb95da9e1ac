package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"payout-ledger/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// GetPool retrieves an escrow pool balance by name
func (s *Store) GetPool(ctx context.Context, name string) (*models.EscrowPool, error) {
	var pool models.EscrowPool
	err := s.db.GetContext(ctx, &pool, "SELECT * FROM escrow_pools WHERE name = $1", name)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("escrow pool not found: %s", name)
	}
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

// TransferPools moves cents between two escrow pools as a single double-entry
// transaction: debit source, credit destination, record the transfer row.
// A transfer with source == dest only records the row; the balance is
// untouched but the movement stays visible to reconciliation.
func (s *Store) TransferPools(ctx context.Context, source, dest string, amountCents int64, kind, reference string) (*models.EscrowTransfer, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if source != dest {
		res, err := tx.ExecContext(ctx,
			"UPDATE escrow_pools SET balance_cents = balance_cents - $1, version = version + 1, updated_at = NOW() WHERE name = $2",
			amountCents, source)
		if err != nil {
			return nil, fmt.Errorf("failed to debit pool %s: %w", source, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("escrow pool not found: %s", source)
		}

		res, err = tx.ExecContext(ctx,
			"UPDATE escrow_pools SET balance_cents = balance_cents + $1, version = version + 1, updated_at = NOW() WHERE name = $2",
			amountCents, dest)
		if err != nil {
			return nil, fmt.Errorf("failed to credit pool %s: %w", dest, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("escrow pool not found: %s", dest)
		}
	}

	var transfer models.EscrowTransfer
	err = tx.GetContext(ctx, &transfer, `
		INSERT INTO escrow_transfers (source_pool, dest_pool, amount_cents, kind, reference)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`,
		source, dest, amountCents, kind, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to record escrow transfer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// GetTransfersByReference retrieves escrow transfers recorded for a reference
func (s *Store) GetTransfersByReference(ctx context.Context, reference string) ([]models.EscrowTransfer, error) {
	var transfers []models.EscrowTransfer
	err := s.db.SelectContext(ctx, &transfers,
		"SELECT * FROM escrow_transfers WHERE reference = $1 ORDER BY id", reference)
	return transfers, err
}

// CreateTransferIntent records a two-phase write intent. Returns false when
// the intent already exists, meaning the debit/credit pair was already
// applied and the caller must not apply it again.
func (s *Store) CreateTransferIntent(ctx context.Context, intent *models.TransferIntent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_intents (intent_id, kind, user_id, creator_id, amount_cents)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (intent_id) DO NOTHING`,
		intent.IntentID, intent.Kind, intent.UserID, intent.CreatorID, intent.AmountCents)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

// CreateReconciliationReport records a proposed correction for operator review
func (s *Store) CreateReconciliationReport(ctx context.Context, report *models.ReconciliationReport) error {
	query := `
		INSERT INTO reconciliation_reports (pool_name, pool_cents, expected_cents, drift_cents, proposed_applied)
		VALUES ($1, $2, $3, $4, FALSE)
		RETURNING id, created_at`

	return s.db.GetContext(ctx, report, query,
		report.PoolName, report.PoolCents, report.ExpectedCents, report.DriftCents)
}

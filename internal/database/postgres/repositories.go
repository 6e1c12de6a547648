package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// BlockRepository handles found blocks and their contributions
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock stores a block and copies its contributions in one
// transaction.
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block, contributions []Contribution) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := `
		INSERT INTO blocks (hash, contributors, total_work, found_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO NOTHING`

	if _, err = tx.ExecContext(ctx, query, block.Hash, block.Contributors, block.TotalWork, block.FoundAt); err != nil {
		return fmt.Errorf("failed to create block: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("contributions", "block_hash", "address", "work"))
	if err != nil {
		return fmt.Errorf("failed to prepare contribution copy: %w", err)
	}
	for _, c := range contributions {
		if _, err = stmt.ExecContext(ctx, block.Hash, c.Address, c.Work); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to copy contribution: %w", err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("failed to flush contributions: %w", err)
	}
	if err = stmt.Close(); err != nil {
		return fmt.Errorf("failed to close contribution copy: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit block: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by hash
func (r *BlockRepository) GetBlock(ctx context.Context, hash string) (*Block, error) {
	query := `SELECT hash, contributors, total_work, found_at FROM blocks WHERE hash = $1`

	block := &Block{}
	err := r.db.QueryRowContext(ctx, query, hash).Scan(
		&block.Hash, &block.Contributors, &block.TotalWork, &block.FoundAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("block %s: %w", hash, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return block, nil
}

// GetRecentBlocks retrieves blocks with pagination, newest first
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit, offset int) ([]*Block, error) {
	query := `
		SELECT hash, contributors, total_work, found_at
		FROM blocks
		ORDER BY found_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		if err := rows.Scan(&block.Hash, &block.Contributors, &block.TotalWork, &block.FoundAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blocks: %w", err)
	}
	return blocks, nil
}

// PayoutRepository handles distributions and payouts
type PayoutRepository struct {
	db *sql.DB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// CreateDistribution stores a distribution and its payouts in one
// transaction and sets their ids.
func (r *PayoutRepository) CreateDistribution(ctx context.Context, d *Distribution, payouts []*Payout) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO distributions (amount, contributors, created_at) VALUES ($1, $2, $3) RETURNING id`,
		d.Amount, d.Contributors, d.CreatedAt,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to create distribution: %w", err)
	}

	query := `
		INSERT INTO payouts (distribution_id, address, amount, tx_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	for _, p := range payouts {
		p.DistributionID = d.ID
		p.CreatedAt = d.CreatedAt
		err = tx.QueryRowContext(ctx, query,
			p.DistributionID, p.Address, p.Amount, p.TxID, p.Status, p.CreatedAt,
		).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("failed to create payout: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit distribution: %w", err)
	}
	return nil
}

// GetPayoutsByAddress retrieves payouts to address, newest first
func (r *PayoutRepository) GetPayoutsByAddress(ctx context.Context, address string, limit int) ([]*Payout, error) {
	query := `
		SELECT id, distribution_id, address, amount, tx_id, status, created_at
		FROM payouts
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var payouts []*Payout
	for rows.Next() {
		p := &Payout{}
		if err := rows.Scan(&p.ID, &p.DistributionID, &p.Address, &p.Amount, &p.TxID, &p.Status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payouts: %w", err)
	}
	return payouts, nil
}

package postgres

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payout statuses
const (
	PayoutSent   = "sent"
	PayoutFailed = "failed"
)

// Block is a block found by the pool
type Block struct {
	Hash         string          `db:"hash"`
	Contributors int             `db:"contributors"`
	TotalWork    decimal.Decimal `db:"total_work"`
	FoundAt      time.Time       `db:"found_at"`
}

// Contribution is the work one address put into a found block
type Contribution struct {
	BlockHash string          `db:"block_hash"`
	Address   string          `db:"address"`
	Work      decimal.Decimal `db:"work"`
}

// Distribution is one resolved payment request
type Distribution struct {
	ID           int64     `db:"id"`
	Amount       int64     `db:"amount"`
	Contributors int       `db:"contributors"`
	CreatedAt    time.Time `db:"created_at"`
}

// Payout is a payment produced by a distribution
type Payout struct {
	ID             int64     `db:"id"`
	DistributionID int64     `db:"distribution_id"`
	Address        string    `db:"address"`
	Amount         int64     `db:"amount"`
	TxID           *string   `db:"tx_id"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
}

package messaging

import "time"

// BlockFoundMessage is published when a submitted block is accepted by the node
type BlockFoundMessage struct {
	BlockHash     string             `json:"block_hash"`
	Contributors  int                `json:"contributors"`
	Contributions map[string]float64 `json:"contributions"`
	FoundAt       time.Time          `json:"found_at"`
}

// JobMessage is published for every job announced to subscribers
type JobMessage struct {
	JobID       string    `json:"job_id"`
	PrePoWHash  string    `json:"pre_pow_hash"`
	Timestamp   uint64    `json:"timestamp"`
	Subscribers int       `json:"subscribers"`
	AnnouncedAt time.Time `json:"announced_at"`
}

// PaymentEntry is one payment of a distribution. TxID is empty when the
// send failed.
type PaymentEntry struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
	TxID    string `json:"tx_id,omitempty"`
}

// DistributionMessage is published once a payment request is resolved
type DistributionMessage struct {
	Amount       int64          `json:"amount"`
	Contributors int            `json:"contributors"`
	Payments     []PaymentEntry `json:"payments"`
	CreatedAt    time.Time      `json:"created_at"`
}

// RevenueMessage is published when the pool fee of a coinbase is credited
type RevenueMessage struct {
	BlockHash  string    `json:"block_hash"`
	Amount     int64     `json:"amount"`
	CreditedAt time.Time `json:"credited_at"`
}

// Package templates holds the sliding window of candidate block templates and
// maps the short job identifiers handed to miners back to them.
package templates

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrJobNotFound is returned for job ids and hashes outside the window.
	ErrJobNotFound = errors.New("job not found")
	// ErrBlockRejected is returned when the node is busy, syncing, or refuses
	// a solved block.
	ErrBlockRejected = errors.New("block rejected")
)

// PoW evaluates nonces against one candidate block.
type PoW interface {
	// PrePoWHash identifies the template; it excludes nonce and timestamp.
	PrePoWHash() string
	// Timestamp is the header time announced to miners.
	Timestamp() uint64
	// CheckWork returns whether the nonce solves the block and the achieved
	// target. A lower target means more work.
	CheckWork(nonce uint64) (isBlock bool, target *big.Int)
}

// Block is the full payload needed to submit a solved template.
type Block interface {
	// WithNonce returns a copy of the block carrying the nonce.
	WithNonce(nonce uint64) Block
	// Hash is the canonical hash; it depends on the nonce.
	Hash() string
}

// Template is a block candidate together with its proof-of-work state.
type Template struct {
	Block Block
	PoW   PoW
}

// Node is the subset of the node client the cache needs.
type Node interface {
	GetLatestTemplate(ctx context.Context, payoutAddress, identity string) (*Template, error)
	SubmitBlock(ctx context.Context, block Block) error
}

// Job is what gets broadcast to miners for a newly registered template.
type Job struct {
	ID        string
	Hash      string
	Timestamp uint64
}

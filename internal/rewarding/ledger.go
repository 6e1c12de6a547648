// Package rewarding keeps the work contributed to found blocks and turns
// matured rewards into miner balances and payouts.
package rewarding

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/bardlex/ghostpool/internal/metrics"
	"github.com/bardlex/ghostpool/internal/stratum"
	"github.com/bardlex/ghostpool/pkg/log"
)

// Order selects which queued payment request is resolved next
type Order string

const (
	// FIFO resolves the oldest queued request first
	FIFO Order = "fifo"
	// LIFO resolves the most recently queued request first
	LIFO Order = "lifo"
)

// ParseOrder maps a config value to an Order
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case FIFO, "":
		return FIFO, nil
	case LIFO:
		return LIFO, nil
	default:
		return "", fmt.Errorf("unknown payment order %q", s)
	}
}

// BalanceStore persists the amount owed to each address. AddBalance must
// be an atomic read-modify-write and returns the new balance.
type BalanceStore interface {
	Get(ctx context.Context, address string) (int64, error)
	AddBalance(ctx context.Context, address string, delta int64) (int64, error)
}

// ChainStatus reports whether a block made it into the best chain
type ChainStatus interface {
	IsBlockConfirmed(ctx context.Context, hash string) (bool, error)
}

// Payment is an amount that crossed the payout threshold
type Payment struct {
	Address string
	Amount  int64
}

// PaymentCallback receives the result of one resolution: the number of
// addresses that contributed and the payments that became due.
type PaymentCallback func(contributors int, payments []Payment)

type pendingBlock struct {
	hash  string
	work  map[string]decimal.Decimal
	total decimal.Decimal
}

type paymentRequest struct {
	amount   int64
	callback PaymentCallback
}

// Ledger holds pending block contributions and the payment request queue.
// At most one resolution runs at a time.
type Ledger struct {
	balances  BalanceStore
	chain     ChainStatus
	threshold decimal.Decimal
	order     Order
	logger    *log.Logger

	mu         sync.Mutex
	blocks     []*pendingBlock
	queue      []paymentRequest
	processing bool
	wg         sync.WaitGroup
}

// NewLedger creates a ledger paying out balances above threshold
func NewLedger(balances BalanceStore, chain ChainStatus, threshold decimal.Decimal, order Order, logger *log.Logger) *Ledger {
	if order == "" {
		order = FIFO
	}
	return &Ledger{
		balances:  balances,
		chain:     chain,
		threshold: threshold,
		order:     order,
		logger:    logger.WithComponent("rewarding"),
	}
}

// RecordContributions stores the work credited to a found block and returns
// the number of distinct contributors. Blocks are resolved in the order
// they are recorded.
func (l *Ledger) RecordContributions(hash string, contributions []stratum.Contribution) int {
	block := &pendingBlock{
		hash:  hash,
		work:  make(map[string]decimal.Decimal),
		total: decimal.Zero,
	}
	for _, c := range contributions {
		block.work[c.Address] = block.work[c.Address].Add(c.Difficulty)
		block.total = block.total.Add(c.Difficulty)
	}

	l.mu.Lock()
	l.blocks = append(l.blocks, block)
	metrics.PendingBlocks.Set(float64(len(l.blocks)))
	l.mu.Unlock()

	return len(block.work)
}

// RecordPayment queues amount for distribution. callback is invoked once
// the request has been resolved, never concurrently with another callback.
func (l *Ledger) RecordPayment(amount int64, callback PaymentCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.queue = append(l.queue, paymentRequest{amount: amount, callback: callback})
	metrics.QueuedPayments.Set(float64(len(l.queue)))

	if l.processing {
		return
	}
	l.processing = true
	l.wg.Add(1)
	go l.process()
}

// Wait blocks until no resolution is running
func (l *Ledger) Wait() {
	l.wg.Wait()
}

// PendingBlocks returns how many blocks wait for distribution
func (l *Ledger) PendingBlocks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

func (l *Ledger) process() {
	defer l.wg.Done()

	for {
		req, ok := l.next()
		if !ok {
			return
		}

		// a cycle always runs to completion once started
		contributors, payments := l.resolve(context.Background(), req.amount)
		if req.callback != nil {
			req.callback(contributors, payments)
		}
	}
}

// next pops the next request, or clears the processing flag when the
// queue is empty.
func (l *Ledger) next() (paymentRequest, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		l.processing = false
		return paymentRequest{}, false
	}

	var req paymentRequest
	if l.order == LIFO {
		req = l.queue[len(l.queue)-1]
		l.queue = l.queue[:len(l.queue)-1]
	} else {
		req = l.queue[0]
		l.queue = l.queue[1:]
	}
	metrics.QueuedPayments.Set(float64(len(l.queue)))
	return req, true
}

func (l *Ledger) popBlock() (*pendingBlock, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.blocks) == 0 {
		return nil, false
	}
	block := l.blocks[0]
	l.blocks[0] = nil
	l.blocks = l.blocks[1:]
	metrics.PendingBlocks.Set(float64(len(l.blocks)))
	return block, true
}

// resolve spends pending blocks oldest first up to and including the first
// confirmed one and credits amount in proportion to the merged work.
func (l *Ledger) resolve(ctx context.Context, amount int64) (int, []Payment) {
	work := make(map[string]decimal.Decimal)
	total := decimal.Zero

	for {
		block, ok := l.popBlock()
		if !ok {
			break
		}
		for address, w := range block.work {
			work[address] = work[address].Add(w)
		}
		total = total.Add(block.total)

		confirmed, err := l.chain.IsBlockConfirmed(ctx, block.hash)
		if err != nil {
			l.logger.WithError(err).Warn("block status unavailable, treating as unconfirmed", "block_hash", block.hash)
			confirmed = false
		}
		if confirmed {
			break
		}
	}

	if total.IsZero() {
		return len(work), []Payment{}
	}

	addresses := make([]string, 0, len(work))
	for address := range work {
		addresses = append(addresses, address)
	}
	sort.Strings(addresses)

	amt := decimal.NewFromInt(amount)
	payments := []Payment{}
	for _, address := range addresses {
		share := work[address].Mul(amt).Div(total)
		if payment, ok := l.credit(ctx, address, share); ok {
			payments = append(payments, payment)
		}
	}
	return len(work), payments
}

// credit adds share to the address balance and reports a payment when the
// new balance exceeds the threshold.
func (l *Ledger) credit(ctx context.Context, address string, share decimal.Decimal) (Payment, bool) {
	logger := l.logger.WithFields("address", address)

	balance, err := l.balances.Get(ctx, address)
	if err != nil {
		logger.WithError(err).Error("failed to read balance")
		return Payment{}, false
	}

	newBalance := share.Add(decimal.NewFromInt(balance))
	if newBalance.GreaterThan(l.threshold) {
		if _, err := l.balances.AddBalance(ctx, address, -balance); err != nil {
			logger.WithError(err).Error("failed to reset balance")
			return Payment{}, false
		}
		return Payment{Address: address, Amount: newBalance.Truncate(0).IntPart()}, true
	}

	if _, err := l.balances.AddBalance(ctx, address, share.Truncate(0).IntPart()); err != nil {
		logger.WithError(err).Error("failed to credit balance")
	}
	return Payment{}, false
}

// Package treasury watches the coinbases of blocks the pool found, splits
// matured rewards into the miner share and the pool fee, and sends payouts.
package treasury

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/ghostpool/internal/metrics"
	perrors "github.com/bardlex/ghostpool/pkg/errors"
	"github.com/bardlex/ghostpool/pkg/log"
)

const eventBuffer = 64

// EventKind distinguishes treasury events
type EventKind int

const (
	// Coinbase carries the part of a matured reward owed to miners
	Coinbase EventKind = iota
	// Revenue carries the pool fee taken from the same reward
	Revenue
)

func (k EventKind) String() string {
	switch k {
	case Coinbase:
		return "coinbase"
	case Revenue:
		return "revenue"
	default:
		return "unknown"
	}
}

// Event is emitted once per matured coinbase and kind
type Event struct {
	Kind      EventKind
	Amount    int64
	BlockHash string
}

// Chain is the node surface the treasury needs
type Chain interface {
	Confirmations(ctx context.Context, hash string) (int64, error)
	CoinbaseValue(ctx context.Context, hash string) (int64, error)
	Send(ctx context.Context, address string, amount int64) (string, error)
}

// Output is one payment to send
type Output struct {
	Address string
	Amount  int64
}

// Config controls maturity tracking and sending
type Config struct {
	FeePercent      float64
	Maturity        int64
	PollInterval    time.Duration
	SendConcurrency int
}

type trackedBlock struct {
	hash    string
	foundAt time.Time
}

// Treasury tracks found blocks until their coinbase matures
type Treasury struct {
	chain     Chain
	feeBasis  int64
	maturity  int64
	interval  time.Duration
	sendLimit int
	started   time.Time
	logger    *log.Logger

	mu      sync.Mutex
	tracked []trackedBlock

	events chan Event
}

// New creates a treasury. Blocks found before it was created are ignored.
func New(chain Chain, cfg Config, logger *log.Logger) *Treasury {
	if cfg.SendConcurrency < 1 {
		cfg.SendConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Treasury{
		chain:     chain,
		feeBasis:  int64(math.Round(cfg.FeePercent * 100)),
		maturity:  cfg.Maturity,
		interval:  cfg.PollInterval,
		sendLimit: cfg.SendConcurrency,
		started:   time.Now(),
		logger:    logger.WithComponent("treasury"),
		events:    make(chan Event, eventBuffer),
	}
}

// Events returns the coinbase and revenue events. The channel is closed
// when Run returns.
func (t *Treasury) Events() <-chan Event {
	return t.events
}

// Fee returns the pool fee taken from reward
func (t *Treasury) Fee(reward int64) int64 {
	return reward * t.feeBasis / 10000
}

// Track starts watching the coinbase of a block the pool found at foundAt
func (t *Treasury) Track(hash string, foundAt time.Time) {
	if foundAt.Before(t.started) {
		t.logger.Debug("ignoring block found before start", "block_hash", hash)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.tracked {
		if b.hash == hash {
			return
		}
	}
	t.tracked = append(t.tracked, trackedBlock{hash: hash, foundAt: foundAt})
}

// Tracked returns the number of blocks waiting for maturity
func (t *Treasury) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tracked)
}

// Run polls tracked blocks until ctx is done
func (t *Treasury) Run(ctx context.Context) {
	defer close(t.events)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}

// Poll checks every tracked block once, in the order they were found
func (t *Treasury) Poll(ctx context.Context) {
	t.mu.Lock()
	pending := make([]trackedBlock, len(t.tracked))
	copy(pending, t.tracked)
	t.mu.Unlock()

	for _, b := range pending {
		if ctx.Err() != nil {
			return
		}
		done := t.check(ctx, b)
		if done {
			t.untrack(b.hash)
		}
	}
}

// check reports whether b no longer needs tracking
func (t *Treasury) check(ctx context.Context, b trackedBlock) bool {
	logger := t.logger.WithFields("block_hash", b.hash)

	confirmations, err := t.chain.Confirmations(ctx, b.hash)
	if err != nil {
		logger.WithError(err).Warn("failed to query confirmations")
		return false
	}
	if confirmations < 0 {
		logger.Warn("block orphaned, coinbase dropped")
		return true
	}
	if confirmations < t.maturity {
		return false
	}

	reward, err := t.chain.CoinbaseValue(ctx, b.hash)
	if err != nil {
		logger.WithError(err).Warn("failed to read coinbase value")
		return false
	}

	fee := t.Fee(reward)
	logger.Info("coinbase matured", "reward", reward, "fee", fee, "confirmations", confirmations)

	if !t.emit(ctx, Event{Kind: Coinbase, Amount: reward - fee, BlockHash: b.hash}) {
		return false
	}
	t.emit(ctx, Event{Kind: Revenue, Amount: fee, BlockHash: b.hash})
	return true
}

func (t *Treasury) emit(ctx context.Context, ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Treasury) untrack(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, b := range t.tracked {
		if b.hash == hash {
			t.tracked = append(t.tracked[:i], t.tracked[i+1:]...)
			return
		}
	}
}

// Send pays every output and returns one transaction hash per output, in
// output order. The hash of a failed output is empty.
func (t *Treasury) Send(ctx context.Context, outputs []Output) ([]string, error) {
	hashes := make([]string, len(outputs))
	errs := make([]error, len(outputs))

	swg := sizedwaitgroup.New(t.sendLimit)
	for i, out := range outputs {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		swg.Add()
		go func() {
			defer swg.Done()
			hash, err := t.chain.Send(ctx, out.Address, out.Amount)
			if err != nil {
				errs[i] = perrors.Wrap(err, perrors.ErrorTypeNode, "send", "payout failed").
					WithContext("address", out.Address).
					WithContext("amount", out.Amount)
				return
			}
			hashes[i] = hash
			metrics.PayoutsSent.Inc()
			metrics.PaidAmount.Add(float64(out.Amount))
		}()
	}
	swg.Wait()

	return hashes, errors.Join(errs...)
}

// Package pool wires the stratum layer, the reward ledger and the treasury
// together and forwards pool events to the optional audit sinks.
package pool

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/ghostpool/internal/rewarding"
	"github.com/bardlex/ghostpool/internal/stratum"
	"github.com/bardlex/ghostpool/internal/templates"
	"github.com/bardlex/ghostpool/internal/treasury"
	"github.com/bardlex/ghostpool/pkg/log"
)

var _ stratum.Observer = (*Pool)(nil)

// RevenueAccount is the balance entry the pool fee is credited to
const RevenueAccount = "me"

const (
	sinkQueueSize = 256
	sinkTimeout   = 10 * time.Second
	drainTimeout  = 5 * time.Second
	sendTimeout   = 2 * time.Minute
)

// Broadcaster announces jobs to subscribed miners
type Broadcaster interface {
	Announce(job templates.Job)
	Stats() stratum.Stats
}

// Ledger accumulates contributions and resolves payment requests
type Ledger interface {
	RecordContributions(hash string, contributions []stratum.Contribution) int
	RecordPayment(amount int64, callback rewarding.PaymentCallback)
}

// Treasury tracks won coinbases and sends payouts
type Treasury interface {
	Track(hash string, foundAt time.Time)
	Events() <-chan treasury.Event
	Send(ctx context.Context, outputs []treasury.Output) ([]string, error)
}

// Balances credits the pool's own account
type Balances interface {
	AddBalance(ctx context.Context, address string, delta int64) (int64, error)
}

// Config holds orchestrator settings
type Config struct {
	Port int
}

// Pool routes stratum and treasury events. It implements stratum.Observer.
type Pool struct {
	cfg         Config
	broadcaster Broadcaster
	ledger      Ledger
	treasury    Treasury
	balances    Balances
	sinks       []Sink
	logger      *log.Logger

	queue chan sinkTask
	now   func() time.Time
}

type sinkTask struct {
	name string
	run  func(ctx context.Context, sink Sink) error
}

// New creates the orchestrator. The broadcaster is attached afterwards
// since the stratum layer needs the pool as its observer.
func New(cfg Config, ledger Ledger, tr Treasury, balances Balances, logger *log.Logger, sinks ...Sink) *Pool {
	return &Pool{
		cfg:      cfg,
		ledger:   ledger,
		treasury: tr,
		balances: balances,
		sinks:    sinks,
		logger:   logger.WithComponent("pool"),
		queue:    make(chan sinkTask, sinkQueueSize),
		now:      time.Now,
	}
}

// Attach sets the broadcaster jobs are announced through
func (p *Pool) Attach(b Broadcaster) {
	p.broadcaster = b
}

// OnSubscription logs a miner joining the job broadcast
func (p *Pool) OnSubscription(remoteAddr, agent string) {
	p.logger.Info("Miner subscribed into notifications", "remote_addr", remoteAddr, "agent", agent)
}

// OnBlock records the contributions behind an accepted block and starts
// tracking its coinbase.
func (p *Pool) OnBlock(hash string, contributions []stratum.Contribution) {
	foundAt := p.now()
	contributors := p.ledger.RecordContributions(hash, contributions)
	p.treasury.Track(hash, foundAt)

	p.logger.Info("Block recorded for rewards distribution",
		"block_hash", hash,
		"contributors", contributors,
	)

	event := BlockEvent{Hash: hash, FoundAt: foundAt, Work: aggregate(contributions)}
	p.dispatch("block_found", func(ctx context.Context, s Sink) error {
		return s.BlockFound(ctx, event)
	})
}

// Announce sends job to the subscribers
func (p *Pool) Announce(job templates.Job) {
	p.broadcaster.Announce(job)

	event := JobEvent{Job: job, Subscribers: p.broadcaster.Stats().Subscribers, AnnouncedAt: p.now()}
	p.dispatch("job_announced", func(ctx context.Context, s Sink) error {
		return s.JobAnnounced(ctx, event)
	})
}

// Run handles treasury events and feeds the sinks until ctx is done or the
// treasury stops.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("Pool is active", "port", p.cfg.Port)

	sinkCtx, stopSinks := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.runSinks(sinkCtx)
	}()

	events := p.treasury.Events()
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case ev, ok := <-events:
			if !ok {
				running = false
				break
			}
			p.handle(ctx, ev)
		}
	}

	stopSinks()
	<-done
}

func (p *Pool) handle(ctx context.Context, ev treasury.Event) {
	switch ev.Kind {
	case treasury.Coinbase:
		p.distribute(ev.Amount)
	case treasury.Revenue:
		p.creditRevenue(ctx, ev)
	default:
		p.logger.Warn("unknown treasury event", "kind", ev.Kind.String())
	}
}

func (p *Pool) distribute(amount int64) {
	p.ledger.RecordPayment(amount, func(contributors int, payments []rewarding.Payment) {
		p.logger.LogDistribution(amount, contributors)

		event := DistributionEvent{Amount: amount, Contributors: contributors, CreatedAt: p.now()}
		if len(payments) == 0 {
			p.logger.Info("No payments found for current distribution cycle")
		} else {
			event.Payouts = p.send(payments)
		}

		p.dispatch("distribution", func(ctx context.Context, s Sink) error {
			return s.Distributed(ctx, event)
		})
	})
}

// send pays out a resolved cycle. It runs on the ledger goroutine so the
// next cycle starts only after these payments were handed to the wallet.
func (p *Pool) send(payments []rewarding.Payment) []Payout {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	outputs := make([]treasury.Output, len(payments))
	for i, payment := range payments {
		outputs[i] = treasury.Output{Address: payment.Address, Amount: payment.Amount}
	}

	hashes, err := p.treasury.Send(ctx, outputs)
	if err != nil {
		p.logger.WithError(err).Error("failed to send payments")
	}

	payouts := make([]Payout, len(payments))
	sent := make([]string, 0, len(hashes))
	for i, payment := range payments {
		payouts[i] = Payout{Address: payment.Address, Amount: payment.Amount}
		if i < len(hashes) && hashes[i] != "" {
			payouts[i].TxID = hashes[i]
			sent = append(sent, hashes[i])
		}
	}
	if len(sent) > 0 {
		p.logger.LogPayments(sent)
	}
	return payouts
}

func (p *Pool) creditRevenue(ctx context.Context, ev treasury.Event) {
	if _, err := p.balances.AddBalance(ctx, RevenueAccount, ev.Amount); err != nil {
		p.logger.WithError(err).Error("failed to credit revenue", "amount", ev.Amount, "block_hash", ev.BlockHash)
		return
	}
	p.logger.Info("Treasury generated revenue over last coinbase", "amount", ev.Amount, "block_hash", ev.BlockHash)

	event := RevenueEvent{BlockHash: ev.BlockHash, Amount: ev.Amount, CreditedAt: p.now()}
	p.dispatch("revenue", func(ctx context.Context, s Sink) error {
		return s.RevenueCredited(ctx, event)
	})
}

// dispatch queues a sink write. Sink writes never block event handling; a
// full queue drops the write.
func (p *Pool) dispatch(name string, run func(ctx context.Context, s Sink) error) {
	if len(p.sinks) == 0 {
		return
	}
	select {
	case p.queue <- sinkTask{name: name, run: run}:
	default:
		p.logger.Warn("sink queue full, event dropped", "event", name)
	}
}

func (p *Pool) runSinks(ctx context.Context) {
	for {
		select {
		case task := <-p.queue:
			p.write(ctx, task)
		case <-ctx.Done():
			p.drain()
			return
		}
	}
}

// drain writes what is still queued at shutdown
func (p *Pool) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case task := <-p.queue:
			p.write(ctx, task)
		default:
			return
		}
	}
}

func (p *Pool) write(ctx context.Context, task sinkTask) {
	for _, sink := range p.sinks {
		writeCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := task.run(writeCtx, sink)
		cancel()
		if err != nil {
			p.logger.WithError(err).Warn("sink write failed", "event", task.name, "sink", sink.Name())
		}
	}
}

func aggregate(contributions []stratum.Contribution) map[string]decimal.Decimal {
	work := make(map[string]decimal.Decimal, len(contributions))
	for _, c := range contributions {
		work[c.Address] = work[c.Address].Add(c.Difficulty)
	}
	return work
}

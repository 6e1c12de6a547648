package pool

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/ghostpool/internal/database"
	"github.com/bardlex/ghostpool/internal/messaging"
	"github.com/bardlex/ghostpool/internal/templates"
)

// BlockEvent is a block accepted by the node with the work behind it
type BlockEvent struct {
	Hash    string
	FoundAt time.Time
	Work    map[string]decimal.Decimal
}

// JobEvent is a job announced to subscribers
type JobEvent struct {
	Job         templates.Job
	Subscribers int
	AnnouncedAt time.Time
}

// Payout is one payment of a distribution. TxID is empty when the send failed.
type Payout struct {
	Address string
	Amount  int64
	TxID    string
}

// DistributionEvent is a resolved payment request
type DistributionEvent struct {
	Amount       int64
	Contributors int
	Payouts      []Payout
	CreatedAt    time.Time
}

// RevenueEvent is a pool fee credited to the revenue account
type RevenueEvent struct {
	BlockHash  string
	Amount     int64
	CreditedAt time.Time
}

// Sink receives pool events off the hot path
type Sink interface {
	Name() string
	BlockFound(ctx context.Context, ev BlockEvent) error
	JobAnnounced(ctx context.Context, ev JobEvent) error
	Distributed(ctx context.Context, ev DistributionEvent) error
	RevenueCredited(ctx context.Context, ev RevenueEvent) error
}

// DatabaseSink stores events through the database manager
type DatabaseSink struct {
	manager *database.Manager
}

// NewDatabaseSink creates a sink over manager
func NewDatabaseSink(manager *database.Manager) *DatabaseSink {
	return &DatabaseSink{manager: manager}
}

func (s *DatabaseSink) Name() string { return "database" }

func (s *DatabaseSink) BlockFound(ctx context.Context, ev BlockEvent) error {
	return s.manager.RecordBlock(ctx, database.BlockRecord{
		Hash:          ev.Hash,
		FoundAt:       ev.FoundAt,
		Contributions: ev.Work,
	})
}

// JobAnnounced is not persisted; jobs are short lived.
func (s *DatabaseSink) JobAnnounced(context.Context, JobEvent) error { return nil }

func (s *DatabaseSink) Distributed(ctx context.Context, ev DistributionEvent) error {
	payouts := make([]database.PayoutRecord, len(ev.Payouts))
	for i, p := range ev.Payouts {
		payouts[i] = database.PayoutRecord{Address: p.Address, Amount: p.Amount, TxID: p.TxID}
	}
	return s.manager.RecordDistribution(ctx, ev.Amount, ev.Contributors, payouts)
}

func (s *DatabaseSink) RevenueCredited(_ context.Context, ev RevenueEvent) error {
	s.manager.RecordRevenue(ev.BlockHash, ev.Amount)
	return nil
}

// Publisher publishes JSON messages to a topic
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

var (
	_ Publisher = (*messaging.KafkaClient)(nil)
	_ Sink      = (*DatabaseSink)(nil)
	_ Sink      = (*KafkaSink)(nil)
)

// KafkaSink publishes events as JSON messages
type KafkaSink struct {
	publisher Publisher
}

// NewKafkaSink creates a sink over publisher
func NewKafkaSink(publisher Publisher) *KafkaSink {
	return &KafkaSink{publisher: publisher}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) BlockFound(ctx context.Context, ev BlockEvent) error {
	contributions := make(map[string]float64, len(ev.Work))
	for address, work := range ev.Work {
		contributions[address] = work.InexactFloat64()
	}
	return s.publisher.PublishJSON(ctx, messaging.TopicBlocks, ev.Hash, messaging.BlockFoundMessage{
		BlockHash:     ev.Hash,
		Contributors:  len(ev.Work),
		Contributions: contributions,
		FoundAt:       ev.FoundAt,
	})
}

func (s *KafkaSink) JobAnnounced(ctx context.Context, ev JobEvent) error {
	return s.publisher.PublishJSON(ctx, messaging.TopicJobs, ev.Job.ID, messaging.JobMessage{
		JobID:       ev.Job.ID,
		PrePoWHash:  ev.Job.Hash,
		Timestamp:   ev.Job.Timestamp,
		Subscribers: ev.Subscribers,
		AnnouncedAt: ev.AnnouncedAt,
	})
}

func (s *KafkaSink) Distributed(ctx context.Context, ev DistributionEvent) error {
	payments := make([]messaging.PaymentEntry, len(ev.Payouts))
	for i, p := range ev.Payouts {
		payments[i] = messaging.PaymentEntry{Address: p.Address, Amount: p.Amount, TxID: p.TxID}
	}
	return s.publisher.PublishJSON(ctx, messaging.TopicDistributions, "", messaging.DistributionMessage{
		Amount:       ev.Amount,
		Contributors: ev.Contributors,
		Payments:     payments,
		CreatedAt:    ev.CreatedAt,
	})
}

func (s *KafkaSink) RevenueCredited(ctx context.Context, ev RevenueEvent) error {
	return s.publisher.PublishJSON(ctx, messaging.TopicRevenue, ev.BlockHash, messaging.RevenueMessage{
		BlockHash:  ev.BlockHash,
		Amount:     ev.Amount,
		CreditedAt: ev.CreditedAt,
	})
}

// Package database coordinates the optional audit sinks of the pool:
// PostgreSQL for the block and payout trail and InfluxDB for time series.
// Either sink may be disabled; a Manager with neither is a no-op.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/ghostpool/internal/database/influx"
	"github.com/bardlex/ghostpool/internal/database/postgres"
	"github.com/bardlex/ghostpool/internal/metrics"
	"github.com/bardlex/ghostpool/pkg/circuit"
	"github.com/bardlex/ghostpool/pkg/errors"
	"github.com/bardlex/ghostpool/pkg/log"
	"github.com/bardlex/ghostpool/pkg/retry"
)

// Manager coordinates writes across PostgreSQL and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Influx   *influx.Client

	// Repositories
	Blocks  *postgres.BlockRepository
	Payouts *postgres.PayoutRepository

	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for the enabled sinks. A nil entry disables
// that sink.
type Config struct {
	Postgres *postgres.Config
	Influx   *influx.Config
}

// BlockRecord is a found block with the work behind it
type BlockRecord struct {
	Hash          string
	FoundAt       time.Time
	Contributions map[string]decimal.Decimal
}

// PayoutRecord is one payment of a distribution
type PayoutRecord struct {
	Address string
	Amount  int64
	TxID    string
}

// NewManager connects every configured sink
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
			OnStateChange: func(name string, _, to circuit.State) {
				metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			},
		}),
		retryConfig: retry.DatabaseConfig(),
	}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
				"failed to connect to PostgreSQL database")
		}
		if err := pgClient.Migrate(ctx); err != nil {
			_ = pgClient.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migration",
				"failed to create PostgreSQL tables")
		}
		m.Postgres = pgClient
		m.Blocks = postgres.NewBlockRepository(pgClient.DB())
		m.Payouts = postgres.NewPayoutRepository(pgClient.DB())
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx, m.logger)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
			if m.Postgres != nil {
				if closeErr := m.Postgres.Close(); closeErr != nil {
					return nil, origErr.WithContext("cleanup_error", closeErr.Error())
				}
			}
			return nil, origErr
		}
		m.Influx = influxClient
	}

	return m, nil
}

// Enabled reports whether any sink is configured
func (m *Manager) Enabled() bool {
	return m.Postgres != nil || m.Influx != nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks the health of the configured sinks
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return fmt.Errorf("PostgreSQL health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// RecordBlock stores a found block and its contributions
func (m *Manager) RecordBlock(ctx context.Context, rec BlockRecord) error {
	total := decimal.Zero
	for _, work := range rec.Contributions {
		total = total.Add(work)
	}

	if m.Influx != nil {
		m.Influx.WriteBlockMetric(rec.Hash, len(rec.Contributions), total.InexactFloat64())
	}
	if m.Postgres == nil {
		return nil
	}

	block := &postgres.Block{
		Hash:         rec.Hash,
		Contributors: len(rec.Contributions),
		TotalWork:    total,
		FoundAt:      rec.FoundAt,
	}
	rows := make([]postgres.Contribution, 0, len(rec.Contributions))
	for address, work := range rec.Contributions {
		rows = append(rows, postgres.Contribution{BlockHash: rec.Hash, Address: address, Work: work})
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Blocks.CreateBlock(ctx, block, rows); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block",
					"failed to store block in PostgreSQL").
					WithContext("block_hash", rec.Hash).
					WithContext("contributors", len(rows))
			}
			return nil
		})
	})
}

// RecordDistribution stores a resolved payment request and its payouts.
// Payouts without a transaction id are stored as failed.
func (m *Manager) RecordDistribution(ctx context.Context, amount int64, contributors int, payouts []PayoutRecord) error {
	if m.Influx != nil {
		m.Influx.WriteDistributionMetric(amount, contributors, len(payouts))
		for _, p := range payouts {
			m.Influx.WritePayoutMetric(p.Address, p.Amount, payoutStatus(p))
		}
	}
	if m.Postgres == nil {
		return nil
	}

	rows := make([]*postgres.Payout, 0, len(payouts))
	for _, p := range payouts {
		row := &postgres.Payout{Address: p.Address, Amount: p.Amount, Status: payoutStatus(p)}
		if p.TxID != "" {
			txID := p.TxID
			row.TxID = &txID
		}
		rows = append(rows, row)
	}

	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			d := &postgres.Distribution{Amount: amount, Contributors: contributors}
			if err := m.Payouts.CreateDistribution(ctx, d, rows); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_distribution",
					"failed to store distribution in PostgreSQL").
					WithContext("amount", amount).
					WithContext("payouts", len(rows))
			}
			return nil
		})
	})
}

// RecordRevenue writes the pool fee of a matured coinbase
func (m *Manager) RecordRevenue(blockHash string, amount int64) {
	if m.Influx != nil {
		m.Influx.WriteRevenueMetric(blockHash, amount)
	}
}

func payoutStatus(p PayoutRecord) string {
	if p.TxID == "" {
		return postgres.PayoutFailed
	}
	return postgres.PayoutSent
}

// StartPeriodicTasks flushes InfluxDB and samples pool statistics until
// ctx is done.
func (m *Manager) StartPeriodicTasks(ctx context.Context, stats func() influx.PoolStats) {
	if m.Influx == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.WritePoolStatsMetric(stats())
			}
		}
	}()
}

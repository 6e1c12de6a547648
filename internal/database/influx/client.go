// Package influx writes pool time series: found blocks, distributions,
// payouts and periodic pool statistics.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/ghostpool/pkg/log"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
	done     chan struct{}
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// PoolStats is one sample of the pool gauges
type PoolStats struct {
	Sessions             int
	Subscribers          int
	Miners               int
	PendingContributions int
	PendingBlocks        int
	CachedTemplates      int
	TrackedCoinbases     int
}

// NewClient creates a new InfluxDB client. Asynchronous write errors are
// reported to logger.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	c := &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		done:     make(chan struct{}),
	}

	errs := c.writeAPI.Errors()
	go func() {
		for {
			select {
			case err := <-errs:
				logger.WithError(err).Warn("influx write failed", "bucket", cfg.Bucket)
			case <-c.done:
				return
			}
		}
	}()

	return c, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	close(c.done)
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// WriteBlockMetric writes a found block
func (c *Client) WriteBlockMetric(hash string, contributors int, work float64) {
	tags := map[string]string{
		"hash": hash,
	}

	fields := map[string]interface{}{
		"contributors": contributors,
		"work":         work,
		"count":        1,
	}

	c.writeAPI.WritePoint(write.NewPoint("blocks", tags, fields, time.Now()))
}

// WriteDistributionMetric writes a resolved payment request
func (c *Client) WriteDistributionMetric(amount int64, contributors, payouts int) {
	fields := map[string]interface{}{
		"amount":       amount,
		"contributors": contributors,
		"payouts":      payouts,
	}

	c.writeAPI.WritePoint(write.NewPoint("distributions", map[string]string{}, fields, time.Now()))
}

// WritePayoutMetric writes a payout to one address
func (c *Client) WritePayoutMetric(address string, amount int64, status string) {
	tags := map[string]string{
		"address": address,
		"status":  status,
	}

	fields := map[string]interface{}{
		"amount": amount,
		"count":  1,
	}

	c.writeAPI.WritePoint(write.NewPoint("payouts", tags, fields, time.Now()))
}

// WriteRevenueMetric writes the pool fee taken from a coinbase
func (c *Client) WriteRevenueMetric(blockHash string, amount int64) {
	tags := map[string]string{
		"hash": blockHash,
	}

	fields := map[string]interface{}{
		"amount": amount,
	}

	c.writeAPI.WritePoint(write.NewPoint("revenue", tags, fields, time.Now()))
}

// WritePoolStatsMetric writes a sample of the pool gauges
func (c *Client) WritePoolStatsMetric(stats PoolStats) {
	fields := map[string]interface{}{
		"sessions":              stats.Sessions,
		"subscribers":           stats.Subscribers,
		"miners":                stats.Miners,
		"pending_contributions": stats.PendingContributions,
		"pending_blocks":        stats.PendingBlocks,
		"cached_templates":      stats.CachedTemplates,
		"tracked_coinbases":     stats.TrackedCoinbases,
	}

	c.writeAPI.WritePoint(write.NewPoint("pool_stats", map[string]string{}, fields, time.Now()))
}

// Package main implements the ghostpool daemon: a stratum endpoint backed
// by a bitcoind-compatible node, with proportional rewards paid from the
// pool wallet.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/ghostpool/internal/balances"
	"github.com/bardlex/ghostpool/internal/bitcoin"
	"github.com/bardlex/ghostpool/internal/config"
	"github.com/bardlex/ghostpool/internal/database"
	"github.com/bardlex/ghostpool/internal/database/influx"
	"github.com/bardlex/ghostpool/internal/database/postgres"
	"github.com/bardlex/ghostpool/internal/messaging"
	"github.com/bardlex/ghostpool/internal/metrics"
	"github.com/bardlex/ghostpool/internal/pool"
	"github.com/bardlex/ghostpool/internal/rewarding"
	"github.com/bardlex/ghostpool/internal/stratum"
	"github.com/bardlex/ghostpool/internal/templates"
	"github.com/bardlex/ghostpool/internal/treasury"
	"github.com/bardlex/ghostpool/pkg/log"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting ghostpool",
		"version", cfg.Version,
		"network", cfg.Network,
		"listen_addr", cfg.ListenAddr(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("ghostpool failed")
		os.Exit(1)
	}

	logger.Info("ghostpool stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	params, err := bitcoin.ParamsForNetwork(cfg.Network)
	if err != nil {
		return err
	}

	// Node connection
	rpc, err := bitcoin.NewRPCClient(cfg.NodeRPCHost, cfg.NodeRPCUser, cfg.NodeRPCPassword)
	if err != nil {
		return err
	}
	defer rpc.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := rpc.Ping(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to node: %w", err)
	}
	logger.Info("connected to node", "host", cfg.NodeRPCHost)

	node := bitcoin.NewNode(rpc, params, logger)
	if err := node.ValidateAddress(cfg.PayoutAddress); err != nil {
		return fmt.Errorf("invalid treasury address: %w", err)
	}

	// Balances and rewards
	store, err := balances.Open(cfg.BalanceBackend, cfg.BalancePath, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to open balance store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("failed to close balance store")
		}
	}()

	order, err := rewarding.ParseOrder(cfg.PaymentOrder)
	if err != nil {
		return err
	}
	ledger := rewarding.NewLedger(store, node, cfg.PaymentThreshold, order, logger)

	tr := treasury.New(node, treasury.Config{
		FeePercent:      cfg.TreasuryFeePercent,
		Maturity:        cfg.CoinbaseMaturity,
		PollInterval:    cfg.MaturityPollInterval,
		SendConcurrency: cfg.SendConcurrency,
	}, logger)

	// Optional sinks
	dbManager, err := database.NewManager(ctx, databaseConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			logger.WithError(err).Error("failed to close database manager")
		}
	}()

	var sinks []pool.Sink
	if dbManager.Enabled() {
		sinks = append(sinks, pool.NewDatabaseSink(dbManager))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer func() {
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka client")
			}
		}()
		sinks = append(sinks, pool.NewKafkaSink(kafkaClient))
	}

	// Stratum
	p := pool.New(pool.Config{Port: cfg.StratumPort}, ledger, tr, store, logger, sinks...)
	cache := templates.NewCache(node, cfg.PayoutAddress, cfg.Identity, cfg.DAAWindow, logger)
	st := stratum.New(cache, node, bitcoin.ShareTarget, p, logger)
	p.Attach(st)

	server := stratum.NewServer(stratum.ServerConfig{
		Addr: cfg.ListenAddr(),
		Session: stratum.SessionConfig{
			Difficulty:     cfg.StratumDifficulty,
			MaxMessageSize: cfg.MaxMessageSize,
			IdleTimeout:    cfg.IdleTimeout,
			WriteTimeout:   cfg.WriteTimeout,
		},
		MaxConnections: cfg.MaxConnections,
		ConnectRate:    cfg.ConnectRate,
		ConnectBurst:   cfg.ConnectBurst,
	}, st, logger)

	// Template triggers
	var notifier bitcoin.ZMQInterface
	if cfg.NodeZMQAddr != "" {
		zmqNotifier, err := connectZMQ(cfg.NodeZMQAddr, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := zmqNotifier.Close(); err != nil {
				logger.WithError(err).Error("failed to close ZMQ socket")
			}
		}()
		notifier = zmqNotifier
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	triggers := bitcoin.TemplateTriggers(ctx, notifier, cfg.TemplatePollInterval, logger)
	goRun(func() { cache.Run(ctx, triggers, p.Announce) })
	goRun(func() { tr.Run(ctx) })
	goRun(func() { p.Run(ctx) })

	dbManager.StartPeriodicTasks(ctx, func() influx.PoolStats {
		stats := st.Stats()
		return influx.PoolStats{
			Sessions:             server.SessionCount(),
			Subscribers:          stats.Subscribers,
			Miners:               stats.Miners,
			PendingContributions: stats.Contributions,
			PendingBlocks:        ledger.PendingBlocks(),
			CachedTemplates:      cache.Len(),
			TrackedCoinbases:     tr.Tracked(),
		}
	})

	metricsServer := newMetricsServer(cfg.MetricsAddr, store)
	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("stratum shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("metrics shutdown failed")
	}

	wg.Wait()
	ledger.Wait()

	return runErr
}

// databaseConfig enables each audit sink whose address is configured
func databaseConfig(cfg *config.Config) *database.Config {
	dbConfig := &database.Config{}
	if cfg.PostgresURL != "" {
		dbConfig.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbConfig
}

func connectZMQ(endpoint string, logger *log.Logger) (*bitcoin.ZMQNotifier, error) {
	notifier, err := bitcoin.NewZMQNotifier(endpoint, logger)
	if err != nil {
		return nil, err
	}
	if err := notifier.Subscribe("hashblock"); err != nil {
		_ = notifier.Close()
		return nil, err
	}
	if err := notifier.Connect(); err != nil {
		_ = notifier.Close()
		return nil, err
	}
	return notifier, nil
}

// newMetricsServer serves prometheus metrics, a health check backed by the
// balance store and a dump of owed balances.
func newMetricsServer(addr string, store balances.Store) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Health(r.Context()); err != nil {
			http.Error(w, "balance store unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/balances", func(w http.ResponseWriter, r *http.Request) {
		all, err := store.All(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(all)
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

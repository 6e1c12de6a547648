// Package config provides configuration management for the ghostpool daemon.
// Values come from environment variables with sensible defaults; when
// GHOSTPOOL_CONFIG names a TOML file its values replace the defaults and
// environment variables still take precedence.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/shopspring/decimal"
)

// Config holds the daemon configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string

	// Stratum listener
	StratumHost       string
	StratumPort       int
	StratumDifficulty decimal.Decimal
	MaxMessageSize    int
	MaxConnections    int
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	ConnectRate       float64
	ConnectBurst      int

	// Job/template cache
	DAAWindow            int
	Identity             string
	TemplatePollInterval time.Duration

	// Node connection
	Network         string
	NodeRPCHost     string
	NodeRPCUser     string
	NodeRPCPassword string
	NodeZMQAddr     string

	// Treasury
	PayoutAddress        string
	TreasuryFeePercent   float64
	CoinbaseMaturity     int64
	MaturityPollInterval time.Duration
	SendConcurrency      int

	// Rewarding
	PaymentThreshold decimal.Decimal
	PaymentOrder     string

	// Balance store
	BalanceBackend string
	BalancePath    string
	RedisURL       string

	// Optional sinks, disabled when empty
	PostgresURL  string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
	KafkaBrokers []string

	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string
}

var (
	networks        = []string{"mainnet", "testnet3", "regtest", "signet", "simnet"}
	paymentOrders   = []string{"fifo", "lifo"}
	balanceBackends = []string{"bolt", "redis"}
)

// Load loads configuration from the optional TOML file and environment variables
func Load() (*Config, error) {
	src, err := newSource(os.Getenv("GHOSTPOOL_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServiceName: src.getEnv("SERVICE_NAME", "ghostpool"),
		Version:     src.getEnv("VERSION", "dev"),

		StratumHost:    src.getEnv("STRATUM_HOST", "0.0.0.0"),
		StratumPort:    src.getEnvInt("STRATUM_PORT", 5555),
		MaxMessageSize: src.getEnvInt("STRATUM_MAX_MESSAGE_SIZE", 512),
		MaxConnections: src.getEnvInt("STRATUM_MAX_CONNECTIONS", 10000),
		IdleTimeout:    src.getEnvDuration("STRATUM_IDLE_TIMEOUT", 10*time.Minute),
		WriteTimeout:   src.getEnvDuration("STRATUM_WRITE_TIMEOUT", 10*time.Second),
		ConnectRate:    src.getEnvFloat("STRATUM_CONNECT_RATE", 5),
		ConnectBurst:   src.getEnvInt("STRATUM_CONNECT_BURST", 20),

		DAAWindow:            src.getEnvInt("TEMPLATES_DAA_WINDOW", 16),
		Identity:             src.getEnv("TEMPLATES_IDENTITY", "ghostpool"),
		TemplatePollInterval: src.getEnvDuration("TEMPLATES_POLL_INTERVAL", 5*time.Second),

		Network:         src.getEnv("NODE_NETWORK", "mainnet"),
		NodeRPCHost:     src.getEnv("NODE_RPC_HOST", "localhost:8332"),
		NodeRPCUser:     src.getEnv("NODE_RPC_USER", ""),
		NodeRPCPassword: src.getEnv("NODE_RPC_PASSWORD", ""),
		NodeZMQAddr:     src.getEnv("NODE_ZMQ_ADDR", ""),

		PayoutAddress:        src.getEnv("TREASURY_ADDRESS", ""),
		TreasuryFeePercent:   src.getEnvFloat("TREASURY_FEE", 1.0),
		CoinbaseMaturity:     int64(src.getEnvInt("TREASURY_COINBASE_MATURITY", 100)),
		MaturityPollInterval: src.getEnvDuration("TREASURY_POLL_INTERVAL", 30*time.Second),
		SendConcurrency:      src.getEnvInt("TREASURY_SEND_CONCURRENCY", 4),

		PaymentOrder: strings.ToLower(src.getEnv("REWARDING_PAYMENT_ORDER", "fifo")),

		BalanceBackend: strings.ToLower(src.getEnv("BALANCES_BACKEND", "bolt")),
		BalancePath:    src.getEnv("BALANCES_PATH", "./database/balances.db"),
		RedisURL:       src.getEnv("BALANCES_REDIS_URL", ""),

		PostgresURL:  src.getEnv("POSTGRES_URL", ""),
		InfluxURL:    src.getEnv("INFLUX_URL", ""),
		InfluxToken:  src.getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    src.getEnv("INFLUX_ORG", "ghostpool"),
		InfluxBucket: src.getEnv("INFLUX_BUCKET", "mining"),
		KafkaBrokers: src.getEnvSlice("KAFKA_BROKERS", nil),

		MetricsAddr: src.getEnv("METRICS_ADDR", ":9100"),

		LogLevel:  src.getEnv("LOG_LEVEL", "info"),
		LogFormat: src.getEnv("LOG_FORMAT", "json"),
	}

	if cfg.StratumDifficulty, err = decimal.NewFromString(src.getEnv("STRATUM_DIFFICULTY", "1")); err != nil {
		return nil, fmt.Errorf("STRATUM_DIFFICULTY is not a decimal: %w", err)
	}
	if cfg.PaymentThreshold, err = decimal.NewFromString(src.getEnv("REWARDING_PAYMENT_THRESHOLD", "100000")); err != nil {
		return nil, fmt.Errorf("REWARDING_PAYMENT_THRESHOLD is not a decimal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.StratumPort <= 0 || c.StratumPort > 65535 {
		return fmt.Errorf("STRATUM_PORT must be between 1 and 65535")
	}

	if !c.StratumDifficulty.IsPositive() {
		return fmt.Errorf("STRATUM_DIFFICULTY must be positive")
	}

	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("STRATUM_MAX_MESSAGE_SIZE must be positive")
	}

	if c.ConnectRate <= 0 || c.ConnectBurst <= 0 {
		return fmt.Errorf("STRATUM_CONNECT_RATE and STRATUM_CONNECT_BURST must be positive")
	}

	if c.DAAWindow < 1 {
		return fmt.Errorf("TEMPLATES_DAA_WINDOW must be at least 1")
	}

	if c.TemplatePollInterval <= 0 {
		return fmt.Errorf("TEMPLATES_POLL_INTERVAL must be positive")
	}

	if !slices.Contains(networks, c.Network) {
		return fmt.Errorf("NODE_NETWORK must be one of %v", networks)
	}

	if c.PayoutAddress == "" {
		return fmt.Errorf("TREASURY_ADDRESS is required")
	}

	if c.TreasuryFeePercent < 0 || c.TreasuryFeePercent > 100 {
		return fmt.Errorf("TREASURY_FEE must be between 0 and 100")
	}

	if c.CoinbaseMaturity < 1 {
		return fmt.Errorf("TREASURY_COINBASE_MATURITY must be at least 1")
	}

	if c.MaturityPollInterval <= 0 {
		return fmt.Errorf("TREASURY_POLL_INTERVAL must be positive")
	}

	if c.SendConcurrency < 1 {
		return fmt.Errorf("TREASURY_SEND_CONCURRENCY must be at least 1")
	}

	if !c.PaymentThreshold.IsPositive() {
		return fmt.Errorf("REWARDING_PAYMENT_THRESHOLD must be positive")
	}

	if !slices.Contains(paymentOrders, c.PaymentOrder) {
		return fmt.Errorf("REWARDING_PAYMENT_ORDER must be one of %v", paymentOrders)
	}

	if !slices.Contains(balanceBackends, c.BalanceBackend) {
		return fmt.Errorf("BALANCES_BACKEND must be one of %v", balanceBackends)
	}

	if c.BalanceBackend == "redis" && c.RedisURL == "" {
		return fmt.Errorf("BALANCES_REDIS_URL is required for the redis backend")
	}

	if c.BalanceBackend == "bolt" && c.BalancePath == "" {
		return fmt.Errorf("BALANCES_PATH is required for the bolt backend")
	}

	return nil
}

// ListenAddr returns the stratum listener address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.StratumHost, c.StratumPort)
}

// source resolves a key from the environment first, then the TOML file.
// STRATUM_IDLE_TIMEOUT maps to the file key stratum.idle_timeout.
type source struct {
	file *toml.Tree
}

func newSource(path string) (*source, error) {
	if path == "" {
		return &source{}, nil
	}
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return &source{file: tree}, nil
}

func tomlKey(envKey string) string {
	section, rest, found := strings.Cut(strings.ToLower(envKey), "_")
	if !found {
		return section
	}
	return section + "." + rest
}

func (s *source) lookup(key string) (string, bool) {
	if value := os.Getenv(key); value != "" {
		return value, true
	}
	if s.file == nil {
		return "", false
	}
	switch v := s.file.Get(tomlKey(key)).(type) {
	case nil:
		return "", false
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ","), true
	default:
		return fmt.Sprint(v), true
	}
}

func (s *source) getEnv(key, defaultValue string) string {
	if value, ok := s.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (s *source) getEnvInt(key string, defaultValue int) int {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s *source) getEnvFloat(key string, defaultValue float64) float64 {
	if value, ok := s.lookup(key); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s *source) getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := s.lookup(key); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (s *source) getEnvSlice(key string, defaultValue []string) []string {
	value, ok := s.lookup(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Package config loads the process configuration: a config.json file
// first, environment variable overrides on top. This is the bootstrap
// config; runtime trading parameters live in the config resolver and
// change without a restart.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Exchange    ExchangeConfig    `json:"exchange"`
	Database    DatabaseConfig    `json:"database"`
	Redis       RedisConfig       `json:"redis"`
	Vault       VaultConfig       `json:"vault"`
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Engine      EngineConfig      `json:"engine"`
	Aggregator  AggregatorConfig  `json:"aggregator"`
	Dispatcher  DispatcherConfig  `json:"dispatcher"`
	Risk        RiskConfig        `json:"risk"`
	OCO         OCOConfig         `json:"oco"`
	Orders      OrdersConfig      `json:"orders"`
	ConfigStore ConfigStoreConfig `json:"config_store"`
	Stream      StreamConfig      `json:"stream"`
}

// ExchangeConfig selects and credentials the venue. Simulate runs the
// in-memory venue instead of Binance.
type ExchangeConfig struct {
	APIKey         string  `json:"api_key"`
	SecretKey      string  `json:"secret_key"`
	Testnet        bool    `json:"testnet"`
	BaseURL        string  `json:"base_url"`
	Simulate       bool    `json:"simulate"`
	SimBalance     float64 `json:"sim_balance"`
	TimeoutSec     int     `json:"timeout_sec"`
	DisableBreaker bool    `json:"disable_breaker"`
}

// DatabaseConfig is the Postgres document store. Disabled falls back
// to the in-memory store (positions and configs do not survive a
// restart).
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig backs the distributed execution lock. Disabled falls
// back to the in-process lock (single-pod deployments only).
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Lock lease tuning, zero means package defaults.
	LockTTLSec     int `json:"lock_ttl_sec"`
	LockMaxWaitSec int `json:"lock_max_wait_sec"`
}

type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeoutSec  int    `json:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Output string `json:"output"`
	Pretty bool   `json:"pretty"`
}

type EngineConfig struct {
	Symbols              []string `json:"symbols"`
	TelemetryIntervalSec int      `json:"telemetry_interval_sec"`
	ShutdownTimeoutSec   int      `json:"shutdown_timeout_sec"`
}

type AggregatorConfig struct {
	MaxSignalAgeSec  int                `json:"max_signal_age_sec"`
	Policy           string             `json:"policy"`
	StrategyWeights  map[string]float64 `json:"strategy_weights"`
	RetentionSec     int                `json:"retention_sec"`
	SweepIntervalSec int                `json:"sweep_interval_sec"`
}

type DispatcherConfig struct {
	DuplicateTTLSec         int `json:"duplicate_ttl_sec"`
	CleanupIntervalSec      int `json:"cleanup_interval_sec"`
	AccumulationCooldownSec int `json:"accumulation_cooldown_sec"`
}

type RiskConfig struct {
	MaxPositionPct        float64 `json:"max_position_pct"`
	MaxDailyLossPct       float64 `json:"max_daily_loss_pct"`
	MaxPortfolioExposure  float64 `json:"max_portfolio_exposure"`
	InitialPortfolioValue float64 `json:"initial_portfolio_value"`
}

type OCOConfig struct {
	ScanIntervalMs  int `json:"scan_interval_ms"`
	ErrorBackoffSec int `json:"error_backoff_sec"`
	MissingScans    int `json:"missing_scans"`
	EventBuffer     int `json:"event_buffer"`
}

type OrdersConfig struct {
	PriceIntervalSec      int `json:"price_interval_sec"`
	ConditionalTimeoutSec int `json:"conditional_timeout_sec"`
	PriceCacheTTLSec      int `json:"price_cache_ttl_sec"`
	HistoryLimit          int `json:"history_limit"`
}

type ConfigStoreConfig struct {
	CacheTTLSec int `json:"cache_ttl_sec"`
}

type StreamConfig struct {
	Enabled bool `json:"enabled"`
}

// Load reads config.json when present, then applies environment
// overrides. A missing file is not an error; env-only deployments are
// the norm in containers.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Exchange
	cfg.Exchange.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.Exchange.APIKey)
	cfg.Exchange.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.Exchange.SecretKey)
	cfg.Exchange.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.Exchange.BaseURL)
	cfg.Exchange.Testnet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.Exchange.Testnet)
	cfg.Exchange.Simulate = getEnvBoolOrDefault("TRADING_SIMULATE", cfg.Exchange.Simulate)
	cfg.Exchange.SimBalance = getEnvFloatOrDefault("TRADING_SIM_BALANCE", defaultFloat(cfg.Exchange.SimBalance, 10000))
	cfg.Exchange.TimeoutSec = getEnvIntOrDefault("EXCHANGE_TIMEOUT_SEC", defaultInt(cfg.Exchange.TimeoutSec, 15))
	cfg.Exchange.DisableBreaker = getEnvBoolOrDefault("EXCHANGE_DISABLE_BREAKER", cfg.Exchange.DisableBreaker)

	// Database
	cfg.Database.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.Database.Host, "localhost"))
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.Database.Port, 5432))
	cfg.Database.User = getEnvOrDefault("DB_USER", defaultString(cfg.Database.User, "tradeengine"))
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", defaultString(cfg.Database.Database, "tradeengine"))
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.Database.SSLMode, "disable"))

	// Redis
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.Redis.Address, "localhost:6379"))
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.LockTTLSec = getEnvIntOrDefault("LOCK_TTL_SEC", cfg.Redis.LockTTLSec)
	cfg.Redis.LockMaxWaitSec = getEnvIntOrDefault("LOCK_MAX_WAIT_SEC", cfg.Redis.LockMaxWaitSec)

	// Vault
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.Vault.Address, "http://localhost:8200"))
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.Vault.MountPath, "secret"))
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.Vault.SecretPath, "tradeengine/exchange"))
	cfg.Vault.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.Vault.TLSEnabled)
	cfg.Vault.CACert = getEnvOrDefault("VAULT_CACERT", cfg.Vault.CACert)

	// Server
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", defaultString(cfg.Server.Host, "0.0.0.0"))
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", defaultInt(cfg.Server.Port, 8080))
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.Server.AllowedOrigins, "*"))
	cfg.Server.ReadTimeoutSec = getEnvIntOrDefault("SERVER_READ_TIMEOUT_SEC", defaultInt(cfg.Server.ReadTimeoutSec, 30))
	cfg.Server.WriteTimeoutSec = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT_SEC", defaultInt(cfg.Server.WriteTimeoutSec, 30))

	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.Logging.Level, "info"))
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.Logging.Output, "stdout"))
	cfg.Logging.Pretty = getEnvBoolOrDefault("LOG_PRETTY", cfg.Logging.Pretty)

	// Engine
	if raw := os.Getenv("TRADING_SYMBOLS"); raw != "" {
		cfg.Engine.Symbols = splitAndTrim(raw)
	}
	cfg.Engine.TelemetryIntervalSec = getEnvIntOrDefault("TELEMETRY_INTERVAL_SEC", defaultInt(cfg.Engine.TelemetryIntervalSec, 15))
	cfg.Engine.ShutdownTimeoutSec = getEnvIntOrDefault("SHUTDOWN_TIMEOUT_SEC", defaultInt(cfg.Engine.ShutdownTimeoutSec, 10))

	// Aggregator
	cfg.Aggregator.MaxSignalAgeSec = getEnvIntOrDefault("SIGNAL_MAX_AGE_SEC", defaultInt(cfg.Aggregator.MaxSignalAgeSec, 300))
	cfg.Aggregator.Policy = getEnvOrDefault("SIGNAL_CONFLICT_POLICY", defaultString(cfg.Aggregator.Policy, "strongest_wins"))
	cfg.Aggregator.RetentionSec = getEnvIntOrDefault("SIGNAL_RETENTION_SEC", defaultInt(cfg.Aggregator.RetentionSec, 3600))
	cfg.Aggregator.SweepIntervalSec = getEnvIntOrDefault("SIGNAL_SWEEP_INTERVAL_SEC", defaultInt(cfg.Aggregator.SweepIntervalSec, 300))

	// Dispatcher
	cfg.Dispatcher.DuplicateTTLSec = getEnvIntOrDefault("DUPLICATE_TTL_SEC", defaultInt(cfg.Dispatcher.DuplicateTTLSec, 300))
	cfg.Dispatcher.CleanupIntervalSec = getEnvIntOrDefault("DUPLICATE_CLEANUP_SEC", defaultInt(cfg.Dispatcher.CleanupIntervalSec, 60))
	cfg.Dispatcher.AccumulationCooldownSec = getEnvIntOrDefault("ACCUMULATION_COOLDOWN_SEC", defaultInt(cfg.Dispatcher.AccumulationCooldownSec, 300))

	// Risk
	cfg.Risk.MaxPositionPct = getEnvFloatOrDefault("RISK_MAX_POSITION_PCT", defaultFloat(cfg.Risk.MaxPositionPct, 0.25))
	cfg.Risk.MaxDailyLossPct = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS_PCT", defaultFloat(cfg.Risk.MaxDailyLossPct, 0.05))
	cfg.Risk.MaxPortfolioExposure = getEnvFloatOrDefault("RISK_MAX_PORTFOLIO_EXPOSURE", defaultFloat(cfg.Risk.MaxPortfolioExposure, 0.80))
	cfg.Risk.InitialPortfolioValue = getEnvFloatOrDefault("RISK_INITIAL_PORTFOLIO_VALUE", cfg.Risk.InitialPortfolioValue)

	// OCO
	cfg.OCO.ScanIntervalMs = getEnvIntOrDefault("OCO_SCAN_INTERVAL_MS", defaultInt(cfg.OCO.ScanIntervalMs, 1000))
	cfg.OCO.ErrorBackoffSec = getEnvIntOrDefault("OCO_ERROR_BACKOFF_SEC", defaultInt(cfg.OCO.ErrorBackoffSec, 5))
	cfg.OCO.MissingScans = getEnvIntOrDefault("OCO_MISSING_SCANS", defaultInt(cfg.OCO.MissingScans, 2))
	cfg.OCO.EventBuffer = getEnvIntOrDefault("OCO_EVENT_BUFFER", defaultInt(cfg.OCO.EventBuffer, 64))

	// Orders
	cfg.Orders.PriceIntervalSec = getEnvIntOrDefault("ORDER_PRICE_INTERVAL_SEC", defaultInt(cfg.Orders.PriceIntervalSec, 2))
	cfg.Orders.ConditionalTimeoutSec = getEnvIntOrDefault("ORDER_CONDITIONAL_TIMEOUT_SEC", defaultInt(cfg.Orders.ConditionalTimeoutSec, 3600))
	cfg.Orders.PriceCacheTTLSec = getEnvIntOrDefault("ORDER_PRICE_CACHE_TTL_SEC", defaultInt(cfg.Orders.PriceCacheTTLSec, 30))
	cfg.Orders.HistoryLimit = getEnvIntOrDefault("ORDER_HISTORY_LIMIT", defaultInt(cfg.Orders.HistoryLimit, 1000))

	// Config store
	cfg.ConfigStore.CacheTTLSec = getEnvIntOrDefault("CONFIG_CACHE_TTL_SEC", defaultInt(cfg.ConfigStore.CacheTTLSec, 60))

	// Stream
	cfg.Stream.Enabled = getEnvBoolOrDefault("STREAM_ENABLED", cfg.Stream.Enabled)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(file, &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

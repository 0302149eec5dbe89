// Package config defines the top-level configuration for the galleria
// marketplace daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by GALLERIA_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Wallet   WalletConfig   `toml:"wallet"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Indexer  IndexerConfig  `toml:"indexer"`
	Metadata MetadataConfig `toml:"metadata"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds the deployed contract addresses and transaction
// orchestration parameters.
type ChainConfig struct {
	MarketplaceAddress string   `toml:"marketplace_address"`
	FactoryAddress     string   `toml:"factory_address"`
	FeeCollector       string   `toml:"fee_collector"`
	ConfirmTimeout     duration `toml:"confirm_timeout"`
	// FaucetAmountWei is the dev-mode faucet grant per request, as a
	// decimal wei string.
	FaucetAmountWei string `toml:"faucet_amount_wei"`
}

// WalletConfig holds the operator account credentials used in dev mode.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// IndexerConfig holds event-indexing parameters.
type IndexerConfig struct {
	Enabled              bool     `toml:"enabled"`
	CatchupBatch         int      `toml:"catchup_batch"`
	FlushInterval        duration `toml:"flush_interval"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
}

// MetadataConfig holds token-metadata fetching parameters.
type MetadataConfig struct {
	Enabled      bool     `toml:"enabled"`
	FetchTimeout duration `toml:"fetch_timeout"`
	MaxBodyBytes int64    `toml:"max_body_bytes"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"` // empty disables authentication
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			MarketplaceAddress: "0x0000000000000000000000000000000000001001",
			FactoryAddress:     "0x0000000000000000000000000000000000001002",
			FeeCollector:       "0x0000000000000000000000000000000000001003",
			ConfirmTimeout:     duration{30 * time.Second},
			FaucetAmountWei:    "10000000000000000000", // 10 ETH
		},
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "galleria",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "galleria-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Indexer: IndexerConfig{
			Enabled:              true,
			CatchupBatch:         500,
			FlushInterval:        duration{2 * time.Second},
			ArchiveRetentionDays: 90,
		},
		Metadata: MetadataConfig{
			Enabled:      true,
			FetchTimeout: duration{5 * time.Second},
			MaxBodyBytes: 1 << 20,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"item_sold", "item_listed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"dev":     true,
	"server":  true,
	"indexer": true,
	"full":    true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. Malformed contract addresses
// fail here, before any component is wired.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: dev, server, indexer, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain addresses
	if !common.IsHexAddress(c.Chain.MarketplaceAddress) {
		errs = append(errs, fmt.Sprintf("chain: marketplace_address %q is not a valid hex address", c.Chain.MarketplaceAddress))
	}
	if !common.IsHexAddress(c.Chain.FactoryAddress) {
		errs = append(errs, fmt.Sprintf("chain: factory_address %q is not a valid hex address", c.Chain.FactoryAddress))
	}
	if !common.IsHexAddress(c.Chain.FeeCollector) {
		errs = append(errs, fmt.Sprintf("chain: fee_collector %q is not a valid hex address", c.Chain.FeeCollector))
	}
	if c.Chain.ConfirmTimeout.Duration <= 0 {
		errs = append(errs, "chain: confirm_timeout must be positive")
	}

	// Wallet: an encrypted keystore cannot be opened without a password.
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Endpoint == "" {
		errs = append(errs, "s3: endpoint must not be empty")
	}
	if c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Indexer
	if c.Indexer.Enabled {
		if c.Indexer.CatchupBatch < 1 {
			errs = append(errs, "indexer: catchup_batch must be >= 1")
		}
		if c.Indexer.ArchiveRetentionDays < 1 {
			errs = append(errs, "indexer: archive_retention_days must be >= 1")
		}
	}

	// Metadata
	if c.Metadata.Enabled {
		if c.Metadata.FetchTimeout.Duration <= 0 {
			errs = append(errs, "metadata: fetch_timeout must be positive")
		}
		if c.Metadata.MaxBodyBytes < 1 {
			errs = append(errs, "metadata: max_body_bytes must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MarketplaceAddr returns the parsed marketplace contract address.
// Call only after Validate.
func (c *Config) MarketplaceAddr() common.Address {
	return common.HexToAddress(c.Chain.MarketplaceAddress)
}

// FactoryAddr returns the parsed factory contract address.
func (c *Config) FactoryAddr() common.Address {
	return common.HexToAddress(c.Chain.FactoryAddress)
}

// FeeCollectorAddr returns the parsed fee collector address.
func (c *Config) FeeCollectorAddr() common.Address {
	return common.HexToAddress(c.Chain.FeeCollector)
}

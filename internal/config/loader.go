package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GALLERIA_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GALLERIA_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.MarketplaceAddress, "GALLERIA_CHAIN_MARKETPLACE_ADDRESS")
	setStr(&cfg.Chain.FactoryAddress, "GALLERIA_CHAIN_FACTORY_ADDRESS")
	setStr(&cfg.Chain.FeeCollector, "GALLERIA_CHAIN_FEE_COLLECTOR")
	setDuration(&cfg.Chain.ConfirmTimeout, "GALLERIA_CHAIN_CONFIRM_TIMEOUT")
	setStr(&cfg.Chain.FaucetAmountWei, "GALLERIA_CHAIN_FAUCET_AMOUNT_WEI")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "GALLERIA_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "GALLERIA_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "GALLERIA_WALLET_KEY_PASSWORD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GALLERIA_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "GALLERIA_POSTGRES_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "GALLERIA_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GALLERIA_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GALLERIA_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GALLERIA_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GALLERIA_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GALLERIA_POSTGRES_SSLMODE")
	setStr(&cfg.Postgres.SSLMode, "GALLERIA_POSTGRES_SSL_MODE") // compatibility alias
	setInt(&cfg.Postgres.PoolMaxConns, "GALLERIA_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GALLERIA_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GALLERIA_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "GALLERIA_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GALLERIA_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GALLERIA_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GALLERIA_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GALLERIA_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GALLERIA_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "GALLERIA_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GALLERIA_S3_REGION")
	setStr(&cfg.S3.Bucket, "GALLERIA_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GALLERIA_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GALLERIA_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GALLERIA_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GALLERIA_S3_FORCE_PATH_STYLE")

	// ── Indexer ──
	setBool(&cfg.Indexer.Enabled, "GALLERIA_INDEXER_ENABLED")
	setInt(&cfg.Indexer.CatchupBatch, "GALLERIA_INDEXER_CATCHUP_BATCH")
	setDuration(&cfg.Indexer.FlushInterval, "GALLERIA_INDEXER_FLUSH_INTERVAL")
	setInt(&cfg.Indexer.ArchiveRetentionDays, "GALLERIA_INDEXER_ARCHIVE_RETENTION_DAYS")

	// ── Metadata ──
	setBool(&cfg.Metadata.Enabled, "GALLERIA_METADATA_ENABLED")
	setDuration(&cfg.Metadata.FetchTimeout, "GALLERIA_METADATA_FETCH_TIMEOUT")
	setInt64(&cfg.Metadata.MaxBodyBytes, "GALLERIA_METADATA_MAX_BODY_BYTES")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "GALLERIA_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "GALLERIA_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GALLERIA_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "GALLERIA_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "GALLERIA_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateLimitWindow, "GALLERIA_SERVER_RATE_LIMIT_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "GALLERIA_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GALLERIA_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "GALLERIA_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GALLERIA_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "GALLERIA_MODE")
	setStr(&cfg.LogLevel, "GALLERIA_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

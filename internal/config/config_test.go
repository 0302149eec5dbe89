package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Chain.ConfirmTimeout.Duration)
	assert.Equal(t, common.HexToAddress("0x0000000000000000000000000000000000001001"), cfg.MarketplaceAddr())
	assert.NotEqual(t, cfg.MarketplaceAddr(), cfg.FactoryAddr())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "turbo"
	cfg.Chain.MarketplaceAddress = "not-an-address"
	cfg.Redis.Addr = ""
	cfg.Server.Port = 99999

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "turbo"`)
	assert.Contains(t, err.Error(), "marketplace_address")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "server: port")
}

func TestValidateWalletKeystoreNeedsPassword(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.EncryptedKeyPath = "/tmp/key.json"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key_password")

	cfg.Wallet.KeyPassword = "hunter2"
	assert.NoError(t, cfg.Validate())
}

func TestLoadTOMLWithEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	toml := `
mode = "dev"
log_level = "debug"

[server]
port = 9090

[chain]
confirm_timeout = "10s"
`
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o600))

	t.Setenv("GALLERIA_SERVER_PORT", "9191")
	t.Setenv("GALLERIA_REDIS_PASSWORD", "s3cret")
	t.Setenv("GALLERIA_MODE", "server")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Environment wins over the file, the file wins over defaults.
	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Redis.Password)
	assert.Equal(t, 10*time.Second, cfg.Chain.ConfirmTimeout.Duration)

	// Untouched sections keep their defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.TelegramToken = "tg-token"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Wallet.PrivateKey)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Server.APIKey)
	assert.Equal(t, "***", red.Notify.TelegramToken)

	// Empty secrets stay empty and non-secrets pass through.
	assert.Empty(t, red.Postgres.DSN)
	assert.Equal(t, cfg.Redis.Addr, red.Redis.Addr)

	// The copy shares no slice backing with the original.
	red.Server.CORSOrigins[0] = "mutated"
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])

	// The original is untouched.
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}

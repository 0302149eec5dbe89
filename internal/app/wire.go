package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/galleria-labs/galleria/internal/blob/s3"
	"github.com/galleria-labs/galleria/internal/cache/redis"
	"github.com/galleria-labs/galleria/internal/chain"
	"github.com/galleria-labs/galleria/internal/config"
	"github.com/galleria-labs/galleria/internal/crypto"
	"github.com/galleria-labs/galleria/internal/domain"
	"github.com/galleria-labs/galleria/internal/metadata"
	"github.com/galleria-labs/galleria/internal/notify"
	"github.com/galleria-labs/galleria/internal/orchestrator"
	"github.com/galleria-labs/galleria/internal/store/postgres"
)

// Dependencies bundles every dependency that the application modes need to
// operate. It is constructed by Wire and torn down by the returned cleanup
// function.
type Dependencies struct {
	// Ledger
	Node         *chain.Node
	Orchestrator *orchestrator.Orchestrator
	OperatorAddr common.Address

	// Stores
	ItemStore       domain.ItemStore
	CollectionStore domain.CollectionStore
	ActivityStore   domain.ActivityStore

	// Caches
	ItemCache       domain.ItemCache
	CollectionCache domain.CollectionCache
	RateLimiter     domain.RateLimiter
	LockManager     domain.LockManager
	SignalBus       domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Metadata
	Metadata *metadata.Client

	// Notifications
	Notifier *notify.Notifier
}

// needsIndexer returns true for modes that run the event indexer. Every
// mode that serves or maintains the read model indexes its own embedded
// node.
func needsIndexer(mode string) bool {
	switch mode {
	case "dev", "server", "indexer", "full":
		return true
	default:
		return false
	}
}

// needsS3 returns true for modes that touch blob storage, either to
// archive activity history or to serve archive reads.
func needsS3(mode string) bool {
	return needsIndexer(mode)
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Ledger node ---
	node := chain.NewNode(cfg.MarketplaceAddr(), cfg.FactoryAddr(), cfg.FeeCollectorAddr(), logger)
	node.Start()
	closers = append(closers, node.Close)
	deps.Node = node

	// --- Operator wallet ---
	if cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		addr, err := crypto.AddressFromKey(key)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet: %w", err)
		}
		deps.OperatorAddr = addr

		// Seed the operator account in dev mode so it can pay fees
		// immediately.
		if cfg.Mode == "dev" {
			if amount, ok := new(big.Int).SetString(cfg.Chain.FaucetAmountWei, 10); ok && amount.Sign() > 0 {
				node.Deposit(addr, amount)
			}
		}
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.ItemStore = postgres.NewItemStore(pool)
	deps.CollectionStore = postgres.NewCollectionStore(pool)
	deps.ActivityStore = postgres.NewActivityStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.ItemCache = redis.NewItemCache(redisClient)
	deps.CollectionCache = redis.NewCollectionCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Orchestrator ---
	deps.Orchestrator = orchestrator.New(node, deps.ItemCache, deps.CollectionCache, logger, orchestrator.Options{
		ConfirmTimeout: cfg.Chain.ConfirmTimeout.Duration,
	})

	// --- S3 blob storage (only for modes that archive history) ---
	if needsS3(cfg.Mode) && cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, deps.ActivityStore, logger)
	}

	// --- Token metadata ---
	if cfg.Metadata.Enabled {
		deps.Metadata = metadata.New(logger, metadata.Options{
			FetchTimeout: cfg.Metadata.FetchTimeout.Duration,
			MaxBodyBytes: cfg.Metadata.MaxBodyBytes,
		})
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

package app

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/galleria-labs/galleria/internal/indexer"
	"github.com/galleria-labs/galleria/internal/server"
	"github.com/galleria-labs/galleria/internal/server/handler"
	"github.com/galleria-labs/galleria/internal/server/middleware"
	"github.com/galleria-labs/galleria/internal/server/ws"
)

// DevMode runs everything in one process with the faucet enabled: ledger
// node, indexer, archiver, and the HTTP API.
func (a *App) DevMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dev mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startIndexer(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, true)

	return g.Wait()
}

// ServerMode runs the HTTP API with the indexer tailing the embedded
// node. The ledger lives in-process, so an API instance has to index its
// own node or reads served from the store would never see its writes.
// The archiver stays off; run full mode when retention matters.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startIndexer(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, false)

	return g.Wait()
}

// IndexerMode runs the event indexer and the activity archiver without the
// HTTP API.
func (a *App) IndexerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting indexer mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startIndexer(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// FullMode runs the indexer, archiver, and HTTP API together, with the
// faucet disabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startIndexer(ctx, g, deps)
	a.startArchiver(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, false)

	return g.Wait()
}

// startIndexer adds the event indexer goroutine to the errgroup when the
// indexer is enabled in config.
func (a *App) startIndexer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Indexer.Enabled {
		a.logger.InfoContext(ctx, "indexer disabled by config")
		return
	}

	ix := indexer.New(
		deps.Node,
		deps.ItemStore,
		deps.CollectionStore,
		deps.ActivityStore,
		deps.ItemCache,
		deps.CollectionCache,
		deps.SignalBus,
		deps.LockManager,
		deps.Notifier,
		a.logger,
		indexer.Options{
			CatchupBatch:  a.cfg.Indexer.CatchupBatch,
			FlushInterval: a.cfg.Indexer.FlushInterval.Duration,
		},
	)

	g.Go(func() error {
		err := ix.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("indexer: %w", err)
	})
}

// startArchiver adds a daily archival loop that moves activity rows older
// than the retention window to blob storage.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	retention := a.cfg.Indexer.ArchiveRetentionDays
	if retention <= 0 || deps.Archiver == nil {
		return
	}

	g.Go(func() error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				cutoff := time.Now().UTC().AddDate(0, 0, -retention)
				archived, err := deps.Archiver.ArchiveBefore(ctx, cutoff)
				if err != nil {
					a.logger.ErrorContext(ctx, "activity archival failed",
						"cutoff", cutoff,
						"error", err.Error(),
					)
					continue
				}
				if archived > 0 {
					a.logger.InfoContext(ctx, "archived activity rows",
						"rows", archived,
						"cutoff", cutoff,
					)
				}
			}
		}
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// errgroup. faucet controls whether the faucet endpoint is live.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, faucet bool) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled by config")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	var meta handler.MetadataFetcher
	if deps.Metadata != nil {
		meta = deps.Metadata
	}

	var faucetAmount *big.Int
	if faucet {
		if amount, ok := new(big.Int).SetString(a.cfg.Chain.FaucetAmountWei, 10); ok {
			faucetAmount = amount
		}
	}

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(deps.Node, a.logger),
		Items:       handler.NewItemHandler(deps.Orchestrator, deps.ItemStore, deps.ActivityStore, meta, a.logger),
		Collections: handler.NewCollectionHandler(deps.Orchestrator, a.logger),
		Trades:      handler.NewTradeHandler(deps.Orchestrator, a.logger),
		Wallet:      handler.NewWalletHandler(deps.Node, faucetAmount, a.logger),
	}
	if deps.BlobReader != nil {
		handlers.Archives = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	var rateLimit func(http.Handler) http.Handler
	if a.cfg.Server.RateLimit > 0 {
		rateLimit = middleware.RateLimit(
			deps.RateLimiter,
			a.cfg.Server.RateLimit,
			a.cfg.Server.RateLimitWindow.Duration,
		)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, hub, rateLimit, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

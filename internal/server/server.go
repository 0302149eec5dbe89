package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/galleria-labs/galleria/internal/server/handler"
	"github.com/galleria-labs/galleria/internal/server/middleware"
	"github.com/galleria-labs/galleria/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Items       *handler.ItemHandler
	Collections *handler.CollectionHandler
	Trades      *handler.TradeHandler
	Wallet      *handler.WalletHandler
	Archives    *handler.ArchiveHandler // nil when blob storage is not configured
}

// Server is the HTTP + WebSocket API server for the marketplace.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub. rateLimit may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, rateLimit func(http.Handler) http.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Item read endpoints.
	mux.HandleFunc("GET /api/items", handlers.Items.ListItems)
	mux.HandleFunc("GET /api/items/{id}", handlers.Items.GetItem)
	mux.HandleFunc("GET /api/items/{collection}/{tokenId}", handlers.Items.GetItemByKey)
	mux.HandleFunc("GET /api/items/{collection}/{tokenId}/activity", handlers.Items.ListItemActivity)

	// Collection endpoints.
	mux.HandleFunc("GET /api/collections", handlers.Collections.ListCollections)
	mux.HandleFunc("POST /api/collections", handlers.Collections.DeployCollection)
	mux.HandleFunc("GET /api/collections/{address}", handlers.Collections.GetCollection)
	mux.HandleFunc("PUT /api/collections/{address}/image", handlers.Collections.UpdateImage)
	mux.HandleFunc("POST /api/collections/{address}/mint", handlers.Collections.Mint)

	// Market lifecycle endpoints.
	mux.HandleFunc("GET /api/market/fee", handlers.Trades.GetFee)
	mux.HandleFunc("POST /api/market/items", handlers.Trades.CreateItem)
	mux.HandleFunc("POST /api/market/items/{id}/list", handlers.Trades.ListItem)
	mux.HandleFunc("POST /api/market/items/{id}/buy", handlers.Trades.Buy)
	mux.HandleFunc("POST /api/market/items/{id}/cancel", handlers.Trades.Cancel)

	// Archived activity history, served straight from blob storage.
	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.ListArchives)
		mux.HandleFunc("GET /api/archives/{path...}", handlers.Archives.GetArchive)
	}

	// Wallet endpoints.
	mux.HandleFunc("GET /api/wallet/{address}/balance", handlers.Wallet.GetBalance)
	mux.HandleFunc("POST /api/faucet", handlers.Wallet.Faucet)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting.
	if rateLimit != nil {
		h = rateLimit(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

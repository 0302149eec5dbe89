package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// ChainInfo exposes the ledger head for health reporting.
type ChainInfo interface {
	BlockNumber() uint64
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	chain  ChainInfo
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the provided logger.
func NewHealthHandler(chain ChainInfo, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{chain: chain, logger: logger}
}

// HealthCheck responds with a simple JSON status indicating the server is alive.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"block":     h.chain.BlockNumber(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

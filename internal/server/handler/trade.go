package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/galleria-labs/galleria/internal/domain"
	"github.com/galleria-labs/galleria/internal/orchestrator"
)

// TradeService defines the market item lifecycle operations the trade
// handler requires from the orchestration layer.
type TradeService interface {
	CreateUnlisted(ctx context.Context, from, collection common.Address, tokenID *big.Int) (domain.MarketItem, error)
	ListItem(ctx context.Context, from common.Address, itemID uint64, price string) (domain.MarketItem, error)
	Buy(ctx context.Context, from, collection common.Address, itemID uint64) (domain.MarketItem, error)
	Cancel(ctx context.Context, from, collection common.Address, itemID uint64) (domain.MarketItem, error)
	ListingFee() *big.Int
}

// TradeHandler serves the endpoints that move items through their
// lifecycle: create, list, buy, cancel.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// GetFee returns the flat listing fee charged when an item is listed.
// GET /api/market/fee
func (h *TradeHandler) GetFee(w http.ResponseWriter, r *http.Request) {
	fee := h.trades.ListingFee()
	writeJSON(w, http.StatusOK, map[string]string{
		"listing_fee_wei": fee.String(),
		"listing_fee_eth": orchestrator.FormatWei(fee),
	})
}

// createItemRequest is the JSON body for registering an unlisted item.
type createItemRequest struct {
	From       string `json:"from"`
	Collection string `json:"collection"`
	TokenID    string `json:"token_id"`
}

// CreateItem registers a token as an unlisted market item.
// POST /api/market/items
func (h *TradeHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	from, ok := parseAddrParam(req.From)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from address")
		return
	}
	collection, ok := parseAddrParam(req.Collection)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}
	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok || tokenID.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return
	}

	item, err := h.trades.CreateUnlisted(r.Context(), from, collection, tokenID)
	if err != nil {
		h.logTradeError(r, "create item", err,
			slog.String("collection", collection.Hex()),
			slog.String("token_id", tokenID.String()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, itemToJSON(item))
}

// listItemRequest is the JSON body for listing an item for sale. Price is
// a decimal ether string; the listing fee is charged separately.
type listItemRequest struct {
	From  string `json:"from"`
	Price string `json:"price"`
}

// ListItem puts an unlisted item up for sale at the given price.
// POST /api/market/items/{id}/list
func (h *TradeHandler) ListItem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseItemID(pathParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	var req listItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	from, ok := parseAddrParam(req.From)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from address")
		return
	}

	item, err := h.trades.ListItem(r.Context(), from, id, req.Price)
	if err != nil {
		h.logTradeError(r, "list item", err, slog.Uint64("item_id", id))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, itemToJSON(item))
}

// tradeRequest is the JSON body shared by buy and cancel.
type tradeRequest struct {
	From       string `json:"from"`
	Collection string `json:"collection"`
}

// Buy purchases a listed item at its exact asking price.
// POST /api/market/items/{id}/buy
func (h *TradeHandler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "buy", h.trades.Buy)
}

// Cancel withdraws a listed item from sale. Only the seller may cancel.
// POST /api/market/items/{id}/cancel
func (h *TradeHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, "cancel", h.trades.Cancel)
}

func (h *TradeHandler) trade(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, from, collection common.Address, itemID uint64) (domain.MarketItem, error),
) {
	id, ok := parseItemID(pathParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	from, ok := parseAddrParam(req.From)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from address")
		return
	}
	collection, ok := parseAddrParam(req.Collection)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}

	item, err := fn(r.Context(), from, collection, id)
	if err != nil {
		h.logTradeError(r, op, err, slog.Uint64("item_id", id))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, itemToJSON(item))
}

func (h *TradeHandler) logTradeError(r *http.Request, op string, err error, attrs ...slog.Attr) {
	h.logger.LogAttrs(r.Context(), slog.LevelWarn, "handler: "+op+" failed",
		append(attrs, slog.String("error", err.Error()))...)
}

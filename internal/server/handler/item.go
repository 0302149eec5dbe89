package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/galleria-labs/galleria/internal/domain"
	"github.com/galleria-labs/galleria/internal/metadata"
)

// ItemReader defines the authoritative single-item reads the item handler
// requires from the orchestration layer. It is declared locally so the
// handler package does not depend on the concrete implementation.
type ItemReader interface {
	GetItem(ctx context.Context, id uint64) (domain.MarketItem, error)
	GetItemByKey(ctx context.Context, collection common.Address, tokenID *big.Int) (domain.MarketItem, error)
	TokenURI(collection common.Address, tokenID *big.Int) (string, error)
}

// MetadataFetcher resolves token URIs into metadata documents.
type MetadataFetcher interface {
	FetchOrEmpty(ctx context.Context, uri string) metadata.TokenMetadata
}

// ItemHandler serves market item read endpoints. Lists come from the indexed
// Postgres view; single-item lookups go through the orchestrator so they hit
// the cache and fall back to the authoritative ledger.
type ItemHandler struct {
	reader     ItemReader
	items      domain.ItemStore
	activities domain.ActivityStore
	meta       MetadataFetcher // nil disables metadata enrichment
	logger     *slog.Logger
}

// NewItemHandler creates an ItemHandler.
func NewItemHandler(reader ItemReader, items domain.ItemStore, activities domain.ActivityStore, meta MetadataFetcher, logger *slog.Logger) *ItemHandler {
	return &ItemHandler{
		reader:     reader,
		items:      items,
		activities: activities,
		meta:       meta,
		logger:     logger,
	}
}

// listItemsResponse wraps the list endpoint output with metadata.
type listItemsResponse struct {
	Items  []itemJSON `json:"items"`
	Total  int64      `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// ListItems returns market items with pagination. Filters: listed=true,
// collection=0x..., seller=0x...
// GET /api/items?limit=50&offset=0
func (h *ItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()

	var (
		items []domain.MarketItem
		err   error
	)
	switch {
	case q.Get("collection") != "":
		addr, ok := parseAddrParam(q.Get("collection"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid collection address")
			return
		}
		items, err = h.items.ListByCollection(r.Context(), addr, opts)
	case q.Get("seller") != "":
		addr, ok := parseAddrParam(q.Get("seller"))
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid seller address")
			return
		}
		items, err = h.items.ListBySeller(r.Context(), addr, opts)
	default:
		items, err = h.items.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list items failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}

	total, err := h.items.Count(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: count items failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to count items")
		return
	}

	writeJSON(w, http.StatusOK, listItemsResponse{
		Items:  itemsToJSON(items),
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// GetItem returns a single market item by its id.
// GET /api/items/{id}
func (h *ItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseItemID(pathParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	item, err := h.reader.GetItem(r.Context(), id)
	if err != nil {
		h.writeItemError(w, r, err, slog.Uint64("item_id", id))
		return
	}

	writeJSON(w, http.StatusOK, h.enrich(r.Context(), item))
}

// GetItemByKey returns the latest market item record for a token.
// GET /api/items/{collection}/{tokenId}
func (h *ItemHandler) GetItemByKey(w http.ResponseWriter, r *http.Request) {
	addr, tokenID, ok := h.parseKey(w, r)
	if !ok {
		return
	}

	item, err := h.reader.GetItemByKey(r.Context(), addr, tokenID)
	if err != nil {
		h.writeItemError(w, r, err,
			slog.String("collection", addr.Hex()),
			slog.String("token_id", tokenID.String()),
		)
		return
	}

	writeJSON(w, http.StatusOK, h.enrich(r.Context(), item))
}

// listActivityResponse wraps the item history output.
type listActivityResponse struct {
	Activities []activityJSON `json:"activities"`
}

// ListItemActivity returns the indexed event history for a token, newest
// first.
// GET /api/items/{collection}/{tokenId}/activity
func (h *ItemHandler) ListItemActivity(w http.ResponseWriter, r *http.Request) {
	addr, tokenID, ok := h.parseKey(w, r)
	if !ok {
		return
	}

	opts := parseListOpts(r)
	rows, err := h.activities.ListByItem(r.Context(), domain.NewItemKey(addr, tokenID), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list item activity failed",
			slog.String("collection", addr.Hex()),
			slog.String("token_id", tokenID.String()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}

	out := make([]activityJSON, 0, len(rows))
	for _, a := range rows {
		out = append(out, activityToJSON(a))
	}
	writeJSON(w, http.StatusOK, listActivityResponse{Activities: out})
}

func (h *ItemHandler) parseKey(w http.ResponseWriter, r *http.Request) (common.Address, *big.Int, bool) {
	addr, ok := parseAddrParam(pathParam(r, "collection"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return common.Address{}, nil, false
	}
	tokenID, ok := new(big.Int).SetString(pathParam(r, "tokenId"), 10)
	if !ok || tokenID.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "invalid token id")
		return common.Address{}, nil, false
	}
	return addr, tokenID, true
}

// enrich attaches the token URI and, when a fetcher is configured, the
// resolved metadata document. Both are best effort.
func (h *ItemHandler) enrich(ctx context.Context, item domain.MarketItem) itemJSON {
	out := itemToJSON(item)
	uri, err := h.reader.TokenURI(item.Collection, item.TokenID)
	if err != nil {
		return out
	}
	out.TokenURI = uri
	if h.meta != nil && uri != "" {
		if md := h.meta.FetchOrEmpty(ctx, uri); md != (metadata.TokenMetadata{}) {
			out.Metadata = &md
		}
	}
	return out
}

func (h *ItemHandler) writeItemError(w http.ResponseWriter, r *http.Request, err error, attrs ...slog.Attr) {
	h.logger.LogAttrs(r.Context(), slog.LevelWarn, "handler: item lookup failed",
		append(attrs, slog.String("error", err.Error()))...)
	writeDomainError(w, err)
}

package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/galleria-labs/galleria/internal/domain"
)

// CollectionService defines the collection operations the handler requires
// from the orchestration layer.
type CollectionService interface {
	DeployCollection(ctx context.Context, from common.Address, name, symbol, imageURI string) (domain.Collection, error)
	UpdateCollectionImage(ctx context.Context, from, collection common.Address, uri string) (domain.Collection, error)
	MintToken(ctx context.Context, from, collection common.Address, uri string) (*big.Int, error)
	GetCollection(ctx context.Context, addr common.Address) (domain.Collection, error)
	ListCollections(ctx context.Context) ([]domain.Collection, error)
}

// CollectionHandler serves collection endpoints.
type CollectionHandler struct {
	collections CollectionService
	logger      *slog.Logger
}

// NewCollectionHandler creates a CollectionHandler.
func NewCollectionHandler(collections CollectionService, logger *slog.Logger) *CollectionHandler {
	return &CollectionHandler{
		collections: collections,
		logger:      logger,
	}
}

// listCollectionsResponse wraps the list endpoint output.
type listCollectionsResponse struct {
	Collections []collectionJSON `json:"collections"`
}

// ListCollections returns all deployed collections.
// GET /api/collections
func (h *CollectionHandler) ListCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := h.collections.ListCollections(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list collections failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list collections")
		return
	}

	out := make([]collectionJSON, 0, len(cols))
	for _, c := range cols {
		out = append(out, collectionToJSON(c))
	}
	writeJSON(w, http.StatusOK, listCollectionsResponse{Collections: out})
}

// GetCollection returns a single collection by its contract address.
// GET /api/collections/{address}
func (h *CollectionHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddrParam(pathParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}

	col, err := h.collections.GetCollection(r.Context(), addr)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, collectionToJSON(col))
}

// deployCollectionRequest is the JSON body for deploying a collection.
type deployCollectionRequest struct {
	From     string `json:"from"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	ImageURI string `json:"image_uri"`
}

// DeployCollection deploys a new token collection contract.
// POST /api/collections
func (h *CollectionHandler) DeployCollection(w http.ResponseWriter, r *http.Request) {
	var req deployCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	from, ok := parseAddrParam(req.From)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from address")
		return
	}
	if req.Name == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "name and symbol are required")
		return
	}

	col, err := h.collections.DeployCollection(r.Context(), from, req.Name, req.Symbol, req.ImageURI)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: deploy collection failed",
			slog.String("name", req.Name),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, collectionToJSON(col))
}

// updateImageRequest is the JSON body for changing a collection image.
type updateImageRequest struct {
	From     string `json:"from"`
	ImageURI string `json:"image_uri"`
}

// UpdateImage replaces the collection image URI. Only the deployer may do
// this.
// PUT /api/collections/{address}/image
func (h *CollectionHandler) UpdateImage(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddrParam(pathParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}

	var req updateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	from, ok := parseAddrParam(req.From)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from address")
		return
	}
	if req.ImageURI == "" {
		writeError(w, http.StatusBadRequest, "image_uri is required")
		return
	}

	col, err := h.collections.UpdateCollectionImage(r.Context(), from, addr, req.ImageURI)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, collectionToJSON(col))
}

// mintRequest is the JSON body for minting a token.
type mintRequest struct {
	From string `json:"from"`
	URI  string `json:"uri"`
}

// mintResponse reports the id assigned to a freshly minted token.
type mintResponse struct {
	Collection string `json:"collection"`
	TokenID    string `json:"token_id"`
}

// Mint creates a new token in the collection.
// POST /api/collections/{address}/mint
func (h *CollectionHandler) Mint(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddrParam(pathParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}

	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	from, ok := parseAddrParam(req.From)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from address")
		return
	}
	if req.URI == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}

	tokenID, err := h.collections.MintToken(r.Context(), from, addr, req.URI)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: mint failed",
			slog.String("collection", addr.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, mintResponse{
		Collection: addr.Hex(),
		TokenID:    tokenID.String(),
	})
}

package handler

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/galleria-labs/galleria/internal/orchestrator"
)

// Bank is the thin balance surface the wallet handler needs from the
// ledger node.
type Bank interface {
	Deposit(to common.Address, amount *big.Int)
	BalanceAt(addr common.Address) *big.Int
}

// WalletHandler serves balance reads and, in dev mode, the faucet.
type WalletHandler struct {
	bank         Bank
	faucetAmount *big.Int // nil disables the faucet
	logger       *slog.Logger
}

// NewWalletHandler creates a WalletHandler. Pass a nil faucetAmount to
// disable the faucet endpoint.
func NewWalletHandler(bank Bank, faucetAmount *big.Int, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{
		bank:         bank,
		faucetAmount: faucetAmount,
		logger:       logger,
	}
}

// GetBalance returns the ledger balance of an address.
// GET /api/wallet/{address}/balance
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddrParam(pathParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	bal := h.bank.BalanceAt(addr)
	writeJSON(w, http.StatusOK, map[string]string{
		"address":     addr.Hex(),
		"balance_wei": bal.String(),
		"balance_eth": orchestrator.FormatWei(bal),
	})
}

// faucetRequest is the JSON body for a faucet drip.
type faucetRequest struct {
	Address string `json:"address"`
}

// Faucet credits the configured drip amount to an address. Available in
// dev mode only.
// POST /api/faucet
func (h *WalletHandler) Faucet(w http.ResponseWriter, r *http.Request) {
	if h.faucetAmount == nil || h.faucetAmount.Sign() <= 0 {
		writeError(w, http.StatusNotFound, "faucet disabled")
		return
	}

	var req faucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	addr, ok := parseAddrParam(req.Address)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	h.bank.Deposit(addr, h.faucetAmount)
	h.logger.InfoContext(r.Context(), "handler: faucet drip",
		slog.String("address", addr.Hex()),
		slog.String("amount_wei", h.faucetAmount.String()),
	)

	bal := h.bank.BalanceAt(addr)
	writeJSON(w, http.StatusOK, map[string]string{
		"address":     addr.Hex(),
		"balance_wei": bal.String(),
		"balance_eth": orchestrator.FormatWei(bal),
	})
}

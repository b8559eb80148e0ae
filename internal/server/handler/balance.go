package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/updownhq/engine/internal/domain"
)

// LedgerService defines the methods that the balance handler requires from
// the service layer.
type LedgerService interface {
	GetBalance(ctx context.Context, userID string) (domain.Balance, error)
	Credit(ctx context.Context, userID string, amount int64) (domain.Balance, error)
}

// BalanceHandler serves balance-related HTTP endpoints.
type BalanceHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewBalanceHandler creates a BalanceHandler with the given service and logger.
func NewBalanceHandler(ledger LedgerService, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{
		ledger: ledger,
		logger: logger,
	}
}

// GetBalance returns the user's available and frozen balances. Unknown users
// read as empty balances.
// GET /api/balances/{user_id}
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	bal, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get balance failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}

	writeJSON(w, http.StatusOK, bal)
}

// creditRequest is the JSON body for balance credits.
type creditRequest struct {
	Amount int64 `json:"amount"`
}

// Credit adds funds to the user's available balance, creating the account on
// first use.
// POST /api/balances/{user_id}/credit
func (h *BalanceHandler) Credit(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}

	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	bal, err := h.ledger.Credit(r.Context(), userID, req.Amount)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: credit balance failed",
			slog.String("user_id", userID),
			slog.Int64("amount", req.Amount),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to credit balance")
		return
	}

	writeJSON(w, http.StatusOK, bal)
}

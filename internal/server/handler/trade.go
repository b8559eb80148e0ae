package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/updownhq/engine/internal/domain"
)

// TradeService defines the methods that the trade handler requires from the
// service layer.
type TradeService interface {
	PlaceTrade(ctx context.Context, userID, sessionID string, direction domain.Direction, amount int64) (domain.Trade, error)
	ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error)
	ListBySession(ctx context.Context, sessionID string, opts domain.ListOpts) ([]domain.Trade, error)
}

// TradeHandler serves trade-related HTTP endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given service and logger.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades: trades,
		logger: logger,
	}
}

// placeTradeRequest is the JSON body for trade placement.
type placeTradeRequest struct {
	UserID    string           `json:"user_id"`
	SessionID string           `json:"session_id"`
	Direction domain.Direction `json:"direction"`
	Amount    int64            `json:"amount"`
}

// PlaceTrade places an UP/DOWN wager against an open session.
// POST /api/trades
func (h *TradeHandler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req placeTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.UserID == "" || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id and session_id are required")
		return
	}

	trade, err := h.trades.PlaceTrade(r.Context(), req.UserID, req.SessionID, req.Direction, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, domain.ErrSessionNotOpen):
			writeError(w, http.StatusConflict, "session is not accepting trades")
		case errors.Is(err, domain.ErrSessionExpired):
			writeError(w, http.StatusConflict, "session has ended")
		case errors.Is(err, domain.ErrInsufficientBalance):
			writeError(w, http.StatusUnprocessableEntity, "insufficient balance")
		case errors.Is(err, domain.ErrPendingCapReached):
			writeError(w, http.StatusConflict, "pending trade limit reached for this session")
		case errors.Is(err, domain.ErrDuplicateTrade):
			writeError(w, http.StatusConflict, "duplicate trade submission")
		case errors.Is(err, domain.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate limited")
		default:
			h.logger.ErrorContext(r.Context(), "handler: place trade failed",
				slog.String("user_id", req.UserID),
				slog.String("session_id", req.SessionID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to place trade")
		}
		return
	}

	writeJSON(w, http.StatusCreated, trade)
}

// listTradesResponse wraps the list trades response.
type listTradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

// ListTrades returns trades for a user or for a session.
// GET /api/trades?user_id=...&session_id=...&limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	sessionID := q.Get("session_id")

	if userID == "" && sessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id or session_id query parameter required")
		return
	}

	opts := parseListOpts(r)

	var trades []domain.Trade
	var err error
	if userID != "" {
		trades, err = h.trades.ListByUser(r.Context(), userID, opts)
	} else {
		trades, err = h.trades.ListBySession(r.Context(), sessionID, opts)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	if trades == nil {
		trades = []domain.Trade{}
	}

	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

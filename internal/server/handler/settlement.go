package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/updownhq/engine/internal/domain"
	"github.com/updownhq/engine/internal/service"
)

// SettlementRunner defines the methods that the settlement handler requires
// from the settlement engine.
type SettlementRunner interface {
	RunPass(ctx context.Context, now time.Time) (service.PassResult, error)
}

// SettlementHandler serves the on-demand settlement trigger and the recent
// settlements feed.
type SettlementHandler struct {
	runner SettlementRunner
	bus    domain.SignalBus // optional; nil disables the recent feed
	clock  domain.Clock
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(runner SettlementRunner, bus domain.SignalBus, clock domain.Clock, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{
		runner: runner,
		bus:    bus,
		clock:  clock,
		logger: logger,
	}
}

// RunSettlement triggers a settlement pass immediately. The scheduler runs
// passes on its own; this endpoint exists for operators and for clients that
// want settled results without waiting for the next tick. Concurrent triggers
// are safe.
// POST /api/settlement/run
func (h *SettlementHandler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	result, err := h.runner.RunPass(r.Context(), h.clock.Now())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: settlement pass failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "settlement pass failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// recentSettlementsResponse wraps the recent settlements feed.
type recentSettlementsResponse struct {
	Events []json.RawMessage `json:"events"`
	LastID string            `json:"last_id,omitempty"`
}

// RecentSettlements returns the durable tail of settlement events from the
// event stream, oldest first.
// GET /api/settlement/recent?after=<stream id>&limit=50
func (h *SettlementHandler) RecentSettlements(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, http.StatusNotFound, "settlement feed not enabled")
		return
	}

	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	opts := parseListOpts(r)

	msgs, err := h.bus.StreamRead(r.Context(), "settlements", after, opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read settlement stream failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read settlement feed")
		return
	}

	resp := recentSettlementsResponse{Events: []json.RawMessage{}}
	for _, m := range msgs {
		resp.Events = append(resp.Events, json.RawMessage(m.Payload))
		resp.LastID = m.ID
	}

	writeJSON(w, http.StatusOK, resp)
}

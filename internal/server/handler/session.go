package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/updownhq/engine/internal/domain"
)

// SessionService defines the methods that the session handler requires from
// the service layer.
type SessionService interface {
	GetSession(ctx context.Context, id string) (domain.Session, error)
	CurrentAndUpcoming(ctx context.Context, now time.Time, limit int) ([]domain.Session, error)
	SetOverrideOutcome(ctx context.Context, sessionID string, outcome domain.Direction) error
}

// SessionHandler serves session-related HTTP endpoints.
type SessionHandler struct {
	sessions SessionService
	clock    domain.Clock
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler with the given service and logger.
func NewSessionHandler(sessions SessionService, clock domain.Clock, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		clock:    clock,
		logger:   logger,
	}
}

// listSessionsResponse wraps the session listing response.
type listSessionsResponse struct {
	Sessions []domain.Session `json:"sessions"`
}

// ListSessions returns the current and upcoming sessions, ordered by start
// time.
// GET /api/sessions?limit=10
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	sessions, err := h.sessions.CurrentAndUpcoming(r.Context(), h.clock.Now(), opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list sessions failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	if sessions == nil {
		sessions = []domain.Session{}
	}

	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: sessions})
}

// GetSession returns a single session by its ID.
// GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	sess, err := h.sessions.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get session failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// overrideOutcomeRequest is the JSON body for outcome overrides.
type overrideOutcomeRequest struct {
	Outcome domain.Direction `json:"outcome"`
}

// OverrideOutcome records an operator-chosen outcome on an unsettled session.
// POST /api/sessions/{id}/outcome
func (h *SessionHandler) OverrideOutcome(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	var req overrideOutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !req.Outcome.Valid() {
		writeError(w, http.StatusBadRequest, "outcome must be up or down")
		return
	}

	if err := h.sessions.SetOverrideOutcome(r.Context(), id, req.Outcome); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, domain.ErrAlreadySettled):
			writeError(w, http.StatusConflict, "session already settled")
		default:
			h.logger.ErrorContext(r.Context(), "handler: override outcome failed",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to override outcome")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "override recorded",
		"session_id": id,
		"outcome":    string(req.Outcome),
	})
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/updownhq/engine/internal/domain"
)

// SessionConfig holds the session generator's policy knobs.
type SessionConfig struct {
	// RoundDuration is the fixed length of every session.
	RoundDuration time.Duration
	// WindowTarget is the number of future sessions that must always exist.
	WindowTarget int
	// PreassignOutcome pre-draws a random default outcome at creation time.
	// The default is only a placeholder and stays overridable until
	// settlement.
	PreassignOutcome bool
}

// SessionService maintains the rolling window of upcoming sessions and the
// operator override path for outcomes.
type SessionService struct {
	sessions domain.SessionStore
	bus      domain.SignalBus // optional
	clock    domain.Clock
	cfg      SessionConfig
	draw     func() domain.Direction
	logger   *slog.Logger
}

// NewSessionService creates a SessionService.
func NewSessionService(
	sessions domain.SessionStore,
	bus domain.SignalBus,
	clock domain.Clock,
	cfg SessionConfig,
	logger *slog.Logger,
) *SessionService {
	return &SessionService{
		sessions: sessions,
		bus:      bus,
		clock:    clock,
		cfg:      cfg,
		draw:     randomDirection,
		logger:   logger,
	}
}

// EnsureFutureWindow guarantees that at least targetCount sessions start
// after now, creating the shortfall at the next unused time slots. Duplicate
// time slots are skipped at the store, so any number of concurrent callers
// may run this repeatedly. It returns the number of sessions created.
func (s *SessionService) EnsureFutureWindow(ctx context.Context, now time.Time, targetCount int) (int, error) {
	if targetCount <= 0 {
		targetCount = s.cfg.WindowTarget
	}

	existing, err := s.sessions.CountUpcoming(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("session_service: count upcoming: %w", err)
	}

	shortfall := targetCount - existing
	if shortfall <= 0 {
		return 0, nil
	}

	latest, err := s.sessions.LatestStartTime(ctx)
	if err != nil {
		return 0, fmt.Errorf("session_service: latest start time: %w", err)
	}

	// Next slot is one round after the latest existing session, but never in
	// the past: with no sessions (or only stale ones) the window restarts
	// from the current minute.
	next := now.UTC().Truncate(time.Minute).Add(s.cfg.RoundDuration)
	if !latest.IsZero() && latest.Add(s.cfg.RoundDuration).After(next) {
		next = latest.Add(s.cfg.RoundDuration)
	}

	batch := make([]domain.Session, 0, shortfall)
	for i := 0; i < shortfall; i++ {
		start := next.Add(time.Duration(i) * s.cfg.RoundDuration)
		sess := domain.Session{
			ID:        domain.SessionID(start),
			StartTime: start,
			EndTime:   start.Add(s.cfg.RoundDuration),
			Status:    domain.SessionOpen,
			CreatedAt: now,
		}
		if s.cfg.PreassignOutcome {
			sess.Outcome = s.draw()
			sess.OutcomeSource = domain.OutcomeSourceEngine
		}
		batch = append(batch, sess)
	}

	created, err := s.sessions.InsertBatch(ctx, batch)
	if err != nil {
		return created, fmt.Errorf("session_service: insert sessions: %w", err)
	}

	if created > 0 {
		s.logger.InfoContext(ctx, "session_service: window refilled",
			slog.Int("created", created),
			slog.String("first_id", batch[0].ID),
			slog.String("last_id", batch[len(batch)-1].ID),
		)
		s.publishWindowEvent(ctx, created, batch[0].ID, batch[len(batch)-1].ID)
	}

	return created, nil
}

// SetOverrideOutcome records an operator-chosen outcome on an unsettled
// session. It never triggers settlement and never touches the ledger; it
// only biases what the settlement engine will later use.
func (s *SessionService) SetOverrideOutcome(ctx context.Context, sessionID string, outcome domain.Direction) error {
	if !outcome.Valid() {
		return fmt.Errorf("session_service: invalid outcome %q", outcome)
	}

	if err := s.sessions.SetOverrideOutcome(ctx, sessionID, outcome); err != nil {
		return fmt.Errorf("session_service: set override outcome %q: %w", sessionID, err)
	}

	s.logger.InfoContext(ctx, "session_service: outcome overridden",
		slog.String("session_id", sessionID),
		slog.String("outcome", string(outcome)),
	)
	return nil
}

// GetSession returns a single session by id.
func (s *SessionService) GetSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session_service: get session %q: %w", id, err)
	}
	return sess, nil
}

// CurrentAndUpcoming returns the sessions that have not yet ended, the read
// path the UI and polling clients use.
func (s *SessionService) CurrentAndUpcoming(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = s.cfg.WindowTarget + 1
	}
	sessions, err := s.sessions.ListCurrentAndUpcoming(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("session_service: list current and upcoming: %w", err)
	}
	return sessions, nil
}

func (s *SessionService) publishWindowEvent(ctx context.Context, created int, firstID, lastID string) {
	if s.bus == nil {
		return
	}
	evt, _ := json.Marshal(map[string]any{
		"event":    "sessions_created",
		"count":    created,
		"first_id": firstID,
		"last_id":  lastID,
	})
	if err := s.bus.Publish(ctx, "sessions", evt); err != nil {
		s.logger.WarnContext(ctx, "session_service: publish event failed",
			slog.String("error", err.Error()),
		)
	}
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/updownhq/engine/internal/domain"
)

// SessionStore implements domain.SessionStore using PostgreSQL. All state
// transitions are expressed as conditional single-statement updates so that
// concurrent settlement passes race safely at the database.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore backed by the given connection pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionSelectCols = `id, start_time, end_time, status, outcome, outcome_source,
	claimed_at, trade_count, win_count, lose_count, total_paid, total_forfeited,
	created_at, settled_at`

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		s       domain.Session
		outcome *string
		source  *string
	)
	err := row.Scan(
		&s.ID, &s.StartTime, &s.EndTime, &s.Status, &outcome, &source,
		&s.ClaimedAt, &s.TradeCount, &s.WinCount, &s.LoseCount,
		&s.TotalPaid, &s.TotalForfeited, &s.CreatedAt, &s.SettledAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	if outcome != nil {
		s.Outcome = domain.Direction(*outcome)
	}
	if source != nil {
		s.OutcomeSource = domain.OutcomeSource(*source)
	}
	return s, nil
}

func scanSessionRows(rows pgx.Rows) ([]domain.Session, error) {
	var sessions []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// InsertBatch creates sessions using pgx Batch. Time slots that already exist
// (same id) are silently skipped via ON CONFLICT DO NOTHING, which makes the
// window-refill operation safely repeatable by concurrent callers.
func (s *SessionStore) InsertBatch(ctx context.Context, sessions []domain.Session) (int, error) {
	if len(sessions) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO sessions (id, start_time, end_time, status, outcome, outcome_source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	for _, sess := range sessions {
		var outcome, source *string
		if sess.Outcome != "" {
			o := string(sess.Outcome)
			outcome = &o
		}
		if sess.OutcomeSource != "" {
			src := string(sess.OutcomeSource)
			source = &src
		}
		batch.Queue(query,
			sess.ID, sess.StartTime, sess.EndTime, sess.Status,
			outcome, source, sess.CreatedAt,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	created := 0
	for i := range sessions {
		tag, err := br.Exec()
		if err != nil {
			return created, fmt.Errorf("postgres: insert session batch item %d: %w", i, err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

// GetByID returns a single session by its id.
func (s *SessionStore) GetByID(ctx context.Context, id string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionSelectCols+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.ErrNotFound
		}
		return domain.Session{}, fmt.Errorf("postgres: get session %q: %w", id, err)
	}
	return sess, nil
}

// CountUpcoming returns the number of sessions starting strictly after the
// given instant.
func (s *SessionStore) CountUpcoming(ctx context.Context, after time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE start_time > $1`, after).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count upcoming sessions: %w", err)
	}
	return count, nil
}

// LatestStartTime returns the most recent session start time, or the zero
// time if no sessions exist.
func (s *SessionStore) LatestStartTime(ctx context.Context) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(start_time) FROM sessions`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: latest session start time: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// ListCurrentAndUpcoming returns sessions that have not yet ended, ordered by
// start time.
func (s *SessionStore) ListCurrentAndUpcoming(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionSelectCols+` FROM sessions
		 WHERE end_time > $1 ORDER BY start_time ASC LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list current and upcoming sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

// ListExpiredUnsettled returns settlement candidates ordered oldest first.
func (s *SessionStore) ListExpiredUnsettled(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionSelectCols+` FROM sessions
		 WHERE end_time <= $1 AND status <> $2
		 ORDER BY end_time ASC LIMIT $3`,
		now, domain.SessionSettled, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired unsettled sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

// SetOverrideOutcome records an operator override. The update only matches
// unsettled sessions; it never triggers settlement or touches the ledger.
func (s *SessionStore) SetOverrideOutcome(ctx context.Context, id string, outcome domain.Direction) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET outcome = $2, outcome_source = $3
		 WHERE id = $1 AND status <> $4`,
		id, string(outcome), string(domain.OutcomeSourceOverride), domain.SessionSettled)
	if err != nil {
		return fmt.Errorf("postgres: set override outcome %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish "missing" from "already settled".
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: set override outcome %q: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrAlreadySettled
}

// ResolveOutcome persists fallback as the engine-random outcome only when no
// outcome exists yet, then reads back whatever outcome is now in effect. An
// override recorded concurrently wins.
func (s *SessionStore) ResolveOutcome(ctx context.Context, id string, fallback domain.Direction) (domain.Direction, domain.OutcomeSource, error) {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET outcome = $2, outcome_source = $3
		 WHERE id = $1 AND outcome IS NULL`,
		id, string(fallback), string(domain.OutcomeSourceEngine))
	if err != nil {
		return "", "", fmt.Errorf("postgres: resolve outcome %q: %w", id, err)
	}

	var outcome, source *string
	err = s.pool.QueryRow(ctx,
		`SELECT outcome, outcome_source FROM sessions WHERE id = $1`, id,
	).Scan(&outcome, &source)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", domain.ErrNotFound
		}
		return "", "", fmt.Errorf("postgres: resolve outcome %q: %w", id, err)
	}
	if outcome == nil || source == nil {
		return "", "", fmt.Errorf("postgres: resolve outcome %q: outcome still unset", id)
	}
	return domain.Direction(*outcome), domain.OutcomeSource(*source), nil
}

// Claim transitions a session to resolving. Exactly one of any number of
// concurrent callers wins; the rest observe zero rows affected. A resolving
// claim whose claimed_at is older than staleBefore is considered abandoned
// and may be taken over.
func (s *SessionStore) Claim(ctx context.Context, id string, now time.Time, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, claimed_at = $3
		 WHERE id = $1 AND status <> $4
		   AND (status = $5 OR claimed_at IS NULL OR claimed_at < $6)`,
		id, domain.SessionResolving, now, domain.SessionSettled, domain.SessionOpen, staleBefore)
	if err != nil {
		return false, fmt.Errorf("postgres: claim session %q: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finalize writes the aggregates and transitions resolving to settled.
func (s *SessionStore) Finalize(ctx context.Context, id string, now time.Time, agg domain.SessionAggregates) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $2, settled_at = $3, trade_count = $4, win_count = $5,
		     lose_count = $6, total_paid = $7, total_forfeited = $8
		 WHERE id = $1 AND status = $9`,
		id, domain.SessionSettled, now,
		agg.TradeCount, agg.WinCount, agg.LoseCount, agg.TotalPaid, agg.TotalForfeited,
		domain.SessionResolving)
	if err != nil {
		return false, fmt.Errorf("postgres: finalize session %q: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListSettledBefore returns settled sessions whose round ended strictly
// before the cutoff, oldest first (for archiving).
func (s *SessionStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionSelectCols+` FROM sessions
		 WHERE status = $1 AND end_time < $2 ORDER BY end_time ASC`,
		domain.SessionSettled, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled sessions before: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

// Compile-time interface check.
var _ domain.SessionStore = (*SessionStore)(nil)

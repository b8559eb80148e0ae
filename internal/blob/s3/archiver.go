package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/updownhq/engine/internal/domain"
)

// SessionArchiveStore provides read access to settled sessions for archival.
type SessionArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Session, error)
}

// TradeArchiveStore provides the trade queries the archiver needs: reading
// settled trades for upload and pruning them from the hot store afterwards.
type TradeArchiveStore interface {
	ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
	DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveImpl implements domain.Archiver by querying the stores for settled
// records older than the cutoff, serializing them to JSONL, and uploading the
// result to cold storage. Trades are pruned from the hot store only after
// their archive object is uploaded; sessions are kept (they are small and the
// session table doubles as the settlement audit trail).
type ArchiveImpl struct {
	writer   domain.BlobWriter
	sessions SessionArchiveStore
	trades   TradeArchiveStore
	logger   *slog.Logger
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, sessions SessionArchiveStore, trades TradeArchiveStore, logger *slog.Logger) *ArchiveImpl {
	return &ArchiveImpl{
		writer:   writer,
		sessions: sessions,
		trades:   trades,
		logger:   logger,
	}
}

// ArchiveSettled uploads settled sessions and trades older than the cutoff as
// JSONL objects, then deletes the uploaded trades from the hot store. Every
// run writes objects keyed by its own cutoff instant, so successive runs
// never overwrite an earlier run's batch; a run that fails before the prune
// leaves everything in the hot store for the next run to pick up.
func (a *ArchiveImpl) ArchiveSettled(ctx context.Context, before time.Time) (domain.ArchiveResult, error) {
	var result domain.ArchiveResult

	sessions, err := a.sessions.ListSettledBefore(ctx, before)
	if err != nil {
		return result, fmt.Errorf("s3blob: archive sessions query: %w", err)
	}
	if len(sessions) > 0 {
		buf, err := marshalJSONL(sessions)
		if err != nil {
			return result, fmt.Errorf("s3blob: archive sessions marshal: %w", err)
		}
		path := archivePath("sessions", before)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return result, fmt.Errorf("s3blob: archive sessions upload: %w", err)
		}
		result.SessionsArchived = len(sessions)
		result.Objects = append(result.Objects, path)
	}

	trades, err := a.trades.ListSettledBefore(ctx, before)
	if err != nil {
		return result, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) > 0 {
		buf, err := marshalJSONL(trades)
		if err != nil {
			return result, fmt.Errorf("s3blob: archive trades marshal: %w", err)
		}
		path := archivePath("trades", before)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return result, fmt.Errorf("s3blob: archive trades upload: %w", err)
		}
		result.TradesArchived = len(trades)
		result.Objects = append(result.Objects, path)

		// Prune strictly after a successful upload.
		pruned, err := a.trades.DeleteSettledBefore(ctx, before)
		if err != nil {
			return result, fmt.Errorf("s3blob: prune archived trades: %w", err)
		}
		result.TradesPruned = pruned
	}

	if result.SessionsArchived > 0 || result.TradesArchived > 0 {
		a.logger.InfoContext(ctx, "s3blob: archive complete",
			slog.Int("sessions", result.SessionsArchived),
			slog.Int("trades", result.TradesArchived),
			slog.Int64("pruned", result.TradesPruned),
			slog.String("cutoff", before.Format(time.RFC3339)),
		)
	}

	return result, nil
}

// archivePath builds the object key for an archive file: partitioned by the
// cutoff's year-month for browsability, keyed by the full cutoff instant so
// two runs in the same month write distinct objects.
//
//	archive/sessions/2026-05/20260515T060000Z.jsonl
//	archive/trades/2026-05/20260515T060000Z.jsonl
func archivePath(kind string, before time.Time) string {
	u := before.UTC()
	return fmt.Sprintf("archive/%s/%s/%s.jsonl", kind, u.Format("2006-01"), u.Format("20060102T150405Z"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)

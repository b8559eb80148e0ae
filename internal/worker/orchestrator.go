package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/updownhq/engine/internal/domain"
	"github.com/updownhq/engine/internal/service"
)

// Config holds the background loop intervals.
type Config struct {
	// SettlementInterval is how often a settlement pass runs.
	SettlementInterval time.Duration
	// WindowInterval is how often the session window is topped up.
	WindowInterval time.Duration
	// ArchiveInterval is how often the cold-storage archiver runs. Zero
	// disables archival.
	ArchiveInterval time.Duration
	// ArchiveRetention is how long settled records stay in the hot store
	// before being archived.
	ArchiveRetention time.Duration
	// LockTTL bounds how long the settlement advisory lock is held.
	LockTTL time.Duration
}

// Orchestrator manages the engine's background goroutines: the session window
// refill, periodic settlement passes, and cold-storage archival.
type Orchestrator struct {
	sessions   *service.SessionService
	settlement *service.SettlementService
	archiver   domain.Archiver    // optional
	locks      domain.LockManager // optional
	clock      domain.Clock
	cfg        Config
	logger     *slog.Logger
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(
	sessions *service.SessionService,
	settlement *service.SettlementService,
	archiver domain.Archiver,
	locks domain.LockManager,
	clock domain.Clock,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.SettlementInterval <= 0 {
		cfg.SettlementInterval = 5 * time.Second
	}
	if cfg.WindowInterval <= 0 {
		cfg.WindowInterval = 15 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Orchestrator{
		sessions:   sessions,
		settlement: settlement,
		archiver:   archiver,
		locks:      locks,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run starts all background loops as concurrent goroutines using an errgroup.
// Each goroutine respects ctx cancellation. If any goroutine returns a
// non-context error, the errgroup cancels the shared context and Run returns
// that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("worker: orchestrator starting",
		slog.Duration("settlement_interval", o.cfg.SettlementInterval),
		slog.Duration("window_interval", o.cfg.WindowInterval),
		slog.Duration("archive_interval", o.cfg.ArchiveInterval),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.runWindowLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("window loop: %w", err)
	})

	g.Go(func() error {
		err := o.runSettlementLoop(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("settlement loop: %w", err)
	})

	if o.archiver != nil && o.cfg.ArchiveInterval > 0 {
		g.Go(func() error {
			err := o.runArchiveLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archive loop: %w", err)
		})
	}

	err := g.Wait()
	if err != nil {
		o.logger.Error("worker: orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("worker: orchestrator stopped cleanly")
	return nil
}

// runWindowLoop keeps the rolling window of upcoming sessions full. It runs
// once immediately so the window exists before the first tick.
func (o *Orchestrator) runWindowLoop(ctx context.Context) error {
	o.refillWindow(ctx)

	ticker := time.NewTicker(o.cfg.WindowInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.refillWindow(ctx)
		}
	}
}

func (o *Orchestrator) refillWindow(ctx context.Context) {
	if _, err := o.sessions.EnsureFutureWindow(ctx, o.clock.Now(), 0); err != nil {
		o.logger.ErrorContext(ctx, "worker: window refill failed",
			slog.String("error", err.Error()),
		)
	}
}

// runSettlementLoop runs settlement passes on a ticker. When a lock manager
// is configured, instances coordinate so only one runs a scheduled pass per
// tick; the lock is an optimization that cuts redundant store scans, not a
// correctness requirement, since every settlement transition is conditional.
func (o *Orchestrator) runSettlementLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SettlementInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.runSettlementPass(ctx)
		}
	}
}

func (o *Orchestrator) runSettlementPass(ctx context.Context) {
	if o.locks != nil {
		unlock, err := o.locks.Acquire(ctx, "settlement:pass", o.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return // another instance is on it
			}
			// Lock backend unavailable; run anyway.
			o.logger.WarnContext(ctx, "worker: settlement lock unavailable",
				slog.String("error", err.Error()),
			)
		} else {
			defer unlock()
		}
	}

	if _, err := o.settlement.RunPass(ctx, o.clock.Now()); err != nil {
		o.logger.ErrorContext(ctx, "worker: settlement pass failed",
			slog.String("error", err.Error()),
		)
	}
}

// runArchiveLoop periodically moves old settled records to cold storage.
func (o *Orchestrator) runArchiveLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ArchiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := o.clock.Now().Add(-o.cfg.ArchiveRetention)
			if _, err := o.archiver.ArchiveSettled(ctx, cutoff); err != nil {
				o.logger.ErrorContext(ctx, "worker: archive run failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

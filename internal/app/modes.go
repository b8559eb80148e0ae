package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/updownhq/engine/internal/domain"
	"github.com/updownhq/engine/internal/server"
	"github.com/updownhq/engine/internal/server/handler"
	"github.com/updownhq/engine/internal/server/ws"
	"github.com/updownhq/engine/internal/service"
	"github.com/updownhq/engine/internal/worker"
)

// services bundles the engine's business services, constructed once per mode.
type services struct {
	sessions   *service.SessionService
	trades     *service.TradeService
	settlement *service.SettlementService
	ledger     *service.LedgerService
	clock      domain.Clock
}

// buildServices constructs the business services from wired dependencies.
func (a *App) buildServices(deps *Dependencies) *services {
	clock := domain.SystemClock

	sessionSvc := service.NewSessionService(
		deps.SessionStore, deps.SignalBus, clock,
		service.SessionConfig{
			RoundDuration:    a.cfg.Engine.RoundDuration.Duration,
			WindowTarget:     a.cfg.Engine.WindowTarget,
			PreassignOutcome: a.cfg.Engine.PreassignOutcome,
		},
		a.logger,
	)

	tradeSvc := service.NewTradeService(
		deps.TradeStore, deps.SessionStore, deps.BalanceStore,
		deps.DuplicateGuard, deps.RateLimiter, deps.SignalBus, clock,
		service.TradeConfig{
			MinAmount:            a.cfg.Engine.MinTradeAmount,
			MaxPendingPerSession: a.cfg.Engine.MaxPendingPerSession,
			DuplicateWindow:      a.cfg.Engine.DuplicateWindow.Duration,
			RateLimit:            a.cfg.Engine.RateLimit,
			RateWindow:           a.cfg.Engine.RateWindow.Duration,
		},
		a.logger,
	)

	settlementSvc := service.NewSettlementService(
		deps.SessionStore, deps.TradeStore, deps.BalanceStore,
		deps.SignalBus, deps.Notifier, clock,
		service.SettlementConfig{
			PayoutRatio:        a.cfg.Engine.PayoutRatio,
			ClaimLease:         a.cfg.Engine.ClaimLease.Duration,
			MaxSessionsPerPass: a.cfg.Engine.MaxSessionsPerPass,
		},
		a.logger,
	)

	ledgerSvc := service.NewLedgerService(deps.BalanceStore, deps.Notifier, a.logger)

	return &services{
		sessions:   sessionSvc,
		trades:     tradeSvc,
		settlement: settlementSvc,
		ledger:     ledgerSvc,
		clock:      clock,
	}
}

// ServerMode runs the HTTP API and WebSocket hub without background loops.
// Settlement still happens on demand through POST /api/settlement/run; a
// separate worker instance owns the scheduled passes.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	svcs := a.buildServices(deps)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svcs)
	return g.Wait()
}

// WorkerMode runs only the background loops: session window refill, scheduled
// settlement passes, and cold-storage archival.
func (a *App) WorkerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting worker mode")

	svcs := a.buildServices(deps)

	orch := a.buildOrchestrator(deps, svcs)
	return orch.Run(ctx)
}

// FullMode runs the HTTP API, WebSocket hub, and all background loops in a
// single process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svcs := a.buildServices(deps)

	g, ctx := errgroup.WithContext(ctx)

	orch := a.buildOrchestrator(deps, svcs)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	a.startHTTPServer(ctx, g, deps, svcs)

	return g.Wait()
}

func (a *App) buildOrchestrator(deps *Dependencies, svcs *services) *worker.Orchestrator {
	cfg := worker.Config{
		SettlementInterval: a.cfg.Engine.SettlementInterval.Duration,
		WindowInterval:     a.cfg.Engine.WindowInterval.Duration,
	}
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		cfg.ArchiveInterval = a.cfg.Archive.Interval.Duration
		cfg.ArchiveRetention = time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
	}
	return worker.NewOrchestrator(
		svcs.sessions, svcs.settlement, deps.Archiver, deps.LockManager,
		svcs.clock, cfg, a.logger,
	)
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svcs *services) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled by config")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: svcs.clock.Now(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(a.logger),
		Sessions:   handler.NewSessionHandler(svcs.sessions, svcs.clock, a.logger),
		Trades:     handler.NewTradeHandler(svcs.trades, a.logger),
		Balances:   handler.NewBalanceHandler(svcs.ledger, a.logger),
		Settlement: handler.NewSettlementHandler(svcs.settlement, deps.SignalBus, svcs.clock, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Engine.RateLimit,
		RateWindow:  a.cfg.Engine.RateWindow.Duration,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

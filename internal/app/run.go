package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/stagehand-ci/stagehand/internal/ctxlog"
)

const shutdownTimeout = 5 * time.Second

// Run starts the engine workers, the cron scheduler and upstream
// watcher, and the HTTP API, then blocks until ctx is cancelled or the
// listener fails. Shutdown is ordered: stop admitting work, cancel
// running builds (they finalize as aborted), drain the HTTP server,
// close the store.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Info("🚀 Stagehand starting.",
		"jobs", len(a.jobs.Names()), "max_builds", a.cfg.MaxBuilds, "listen", a.cfg.Listen)

	// The engine outlives the run context so cancelled builds can still
	// append their terminal events during teardown.
	engCtx, stopEngine := context.WithCancel(ctxlog.WithLogger(context.Background(), a.logger))
	defer stopEngine()
	engineDone := make(chan struct{})
	go func() {
		a.engine.Run(engCtx)
		close(engineDone)
	}()

	a.triggers.Start(ctx)

	httpServer := &http.Server{
		Addr:        a.cfg.Listen,
		Handler:     a.server.Handler(),
		BaseContext: func(net.Listener) context.Context { return engCtx },
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("🌐 API server listening.", "address", a.cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏸️ Shutdown requested.")
	case runErr = <-serveErr:
		a.logger.Error("API server failed.", "error", runErr)
	}

	a.triggers.Stop()
	stopEngine()
	select {
	case <-engineDone:
	case <-time.After(time.Minute):
		a.logger.Error("Engine did not stop, abandoning its builds.")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutCtx); err != nil {
		a.logger.Warn("API server shutdown failed.", "error", err)
	}

	if err := a.store.Close(); err != nil {
		a.logger.Warn("Closing build store failed.", "error", err)
	}
	a.logger.Info("🏁 Stagehand stopped.")
	return runErr
}

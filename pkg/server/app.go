package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ChartSync/internal/handler/api"
	mid "ChartSync/internal/middleware"
	"ChartSync/internal/usecase"
	"ChartSync/pkg/config"
	xhttp "ChartSync/pkg/http"
	applogger "ChartSync/pkg/logger"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	charts     *usecase.ChartService
	pipeline   *mid.UpdatePipeline
	handler    *api.ChartsEchoHandler
	httpServer *xhttp.Server
	l          *applogger.Logger
}

// New creates a new App instance with all dependencies. pipeline may be nil
// when no downstream sink is configured.
func New(
	cfg *config.Config,
	charts *usecase.ChartService,
	pipeline *mid.UpdatePipeline,
	handler *api.ChartsEchoHandler,
	httpServer *xhttp.Server,
	l *applogger.Logger,
) *App {
	if l == nil {
		l = applogger.Nop()
	}
	return &App{
		cfg:        cfg,
		charts:     charts,
		pipeline:   pipeline,
		handler:    handler,
		httpServer: httpServer,
		l:          l,
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

// RunContext starts the application and blocks until ctx is done.
func (a *App) RunContext(ctx context.Context) error {
	if a.pipeline != nil {
		a.pipeline.Start(context.WithoutCancel(ctx))
		a.l.Info("update pipeline started")
	}

	if err := a.httpServer.Start(); err != nil {
		a.l.Error("http server start error", applogger.Error(err))
		return err
	}

	a.openConfigured(ctx)

	<-ctx.Done()
	a.l.Info("shutdown signal received")
	return a.shutdown()
}

// openConfigured opens a chart for every configured symbol. A symbol that
// fails to open is logged and skipped.
func (a *App) openConfigured(ctx context.Context) {
	opened := 0
	for _, sym := range a.cfg.Chart.Symbols {
		if _, err := a.charts.Open(ctx, sym); err != nil {
			a.l.Warn("chart open failed", applogger.String("symbol", sym), applogger.Error(err))
			continue
		}
		opened++
	}
	a.l.Info("charts opened", applogger.Strings("symbols", a.cfg.Chart.Symbols), applogger.Int("opened", opened))
}

// shutdown stops accepting clients, closes the sessions and then stops the
// pipeline.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	a.l.Info("shutting down...")
	a.handler.Close()
	if err := a.httpServer.Stop(ctx); err != nil {
		a.l.Error("http shutdown error", applogger.Error(err))
	}

	if err := a.charts.Shutdown(ctx); err != nil {
		a.l.Warn("chart shutdown error", applogger.Error(err))
	}

	if a.pipeline != nil {
		if n := a.pipeline.Pending(); n > 0 {
			a.l.Warn("update pipeline has pending updates", applogger.Int("pending", n))
		}
		a.pipeline.Stop()
	}

	a.l.Info("shutdown complete")
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

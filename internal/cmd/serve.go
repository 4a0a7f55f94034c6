package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
	"github.com/gluk-w/vmfleet/internal/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with its background jobs and ops endpoints",
	Args:  cobra.NoArgs,
	RunE:  withApp(runServe),
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct{ log *zap.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Sugar().Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Sugar().Errorw(msg, append(kv, "error", err)...)
}

// schedule registers the periodic jobs on c.
func (a *app) schedule(ctx context.Context, c *cron.Cron) error {
	if _, err := c.AddFunc(a.cfg.SweepSchedule, func() {
		swept := a.terminals.SweepExpired(ctx)
		refreshed, err := a.fleet.RefreshAll(ctx)
		if err != nil {
			a.log.Warn("refresh failed", zap.Error(err))
		}
		if swept > 0 || refreshed > 0 {
			a.log.Info("sweep finished", zap.Int("sessions_cleaned", swept), zap.Int("vms_reconciled", refreshed))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", a.cfg.SweepSchedule, err)
	}
	if _, err := c.AddFunc(a.cfg.PurgeSchedule, func() {
		n, err := a.security.PurgeOlderThan(ctx, 0)
		if err != nil {
			a.log.Error("event purge failed", zap.Error(err))
			return
		}
		a.log.Info("purged old events", zap.Int64("count", n), zap.Int("retention_days", a.security.RetentionDays()))
	}); err != nil {
		return fmt.Errorf("schedule purge %q: %w", a.cfg.PurgeSchedule, err)
	}
	return nil
}

func runServe(ctx context.Context, a *app, _ []string) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{a.log.Named("cron")})))
	if err := a.schedule(sigCtx, c); err != nil {
		return err
	}
	c.Start()

	router := handlers.NewRouter(&handlers.Health{
		DB:       a.store,
		Backend:  a.backend.Name(),
		Sessions: a.terminals,
	}, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.String("addr", a.cfg.ListenAddr), zap.String("backend", a.backend.Name()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	a.recordSystem(sigCtx, database.SeverityInfo, "Fleet engine started",
		map[string]any{"backend": a.backend.Name(), "addr": a.cfg.ListenAddr})

	var serveErr error
	select {
	case <-sigCtx.Done():
	case serveErr = <-errCh:
	}
	a.log.Info("shutting down")

	// Scheduled jobs see a cancelled context from here on.
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	stopped := a.terminals.StopAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http shutdown", zap.Error(err))
	}
	a.recordSystem(shutdownCtx, database.SeverityInfo, "Fleet engine stopped",
		map[string]any{"terminal_sessions_stopped": stopped})
	a.log.Info("server stopped")
	return serveErr
}

func (a *app) recordSystem(ctx context.Context, sev database.Severity, msg string, details map[string]any) {
	if _, err := a.events.Record(ctx, eventlog.Entry{
		Type:     database.EventSystem,
		Severity: sev,
		Message:  msg,
		Details:  details,
	}); err != nil {
		a.log.Error("record event failed", zap.Error(err))
	}
}

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gluk-w/vmfleet/internal/apperr"
	"github.com/gluk-w/vmfleet/internal/auth"
	"github.com/gluk-w/vmfleet/internal/config"
	"github.com/gluk-w/vmfleet/internal/database"
	"github.com/gluk-w/vmfleet/internal/eventlog"
	"github.com/gluk-w/vmfleet/internal/fleet"
	"github.com/gluk-w/vmfleet/internal/keylock"
	"github.com/gluk-w/vmfleet/internal/logging"
	"github.com/gluk-w/vmfleet/internal/metrics"
	"github.com/gluk-w/vmfleet/internal/provision"
	"github.com/gluk-w/vmfleet/internal/quota"
	"github.com/gluk-w/vmfleet/internal/security"
	"github.com/gluk-w/vmfleet/internal/telemetry"
	"github.com/gluk-w/vmfleet/internal/terminal"
)

// app is the fully wired engine shared by every command.
type app struct {
	cfg      config.Settings
	log      *zap.Logger
	store    *database.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	events   *eventlog.Recorder
	auth     *auth.Authenticator
	quota    *quota.Engine
	backend  provision.Backend

	terminals *terminal.Manager
	fleet     *fleet.Manager
	security  *security.Correlator

	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	log, err := logging.New(cfg.LogFile(), cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() error {
		_ = log.Sync()
		return nil
	})

	store, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	tracer, shutdown, err := telemetry.Setup(cfg.TracingEnabled, os.Stderr)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tracer = tracer
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)

	var pub eventlog.Publisher
	if cfg.NATSURL != "" {
		p, err := eventlog.NewNATSPublisher(cfg.NATSURL, log)
		if err != nil {
			log.Warn("event publishing disabled", zap.Error(err))
		} else {
			pub = p
			a.closers = append(a.closers, func() error { p.Close(); return nil })
		}
	}
	a.events = eventlog.New(store, log, a.metrics, pub)
	a.auth = auth.NewAuthenticator(store, a.events, log)

	catalog, err := provision.LoadCatalog(cfg.ImageCatalog)
	if err != nil {
		a.Close()
		return nil, err
	}
	backend, err := provision.Select(ctx, store, cfg.ProvisionBackend, cfg.DockerHost, catalog, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.backend = backend

	a.quota = quota.New(store, a.events, log, a.metrics, quota.Rates{
		PerGBRAM:    cfg.CreditsPerGBRAM,
		PerDiskUnit: cfg.CreditsPerDisk,
		DiskUnitGB:  cfg.DiskUnitGB,
		PerCore:     cfg.CreditsPerCore,
	}, cfg.MaxAdjustment)

	locks := keylock.New[uint]()
	a.terminals = terminal.NewManager(terminal.Deps{
		Spawner: terminal.NewExecSpawner(cfg.TerminalBridge),
		Console: backend,
		Events:  a.events,
		Log:     log,
		Metrics: a.metrics,
		Locks:   locks,
		Config: terminal.Config{
			BasePort:    cfg.TerminalBasePort,
			PortSpan:    cfg.TerminalPortSpan,
			IdleTimeout: cfg.TerminalIdleTimeout,
			GracePeriod: cfg.TerminalGracePeriod,
		},
	})
	a.fleet = fleet.NewManager(fleet.Deps{
		Store:          store,
		Backend:        backend,
		Quota:          a.quota,
		Events:         a.events,
		Catalog:        catalog,
		Sessions:       a.terminals,
		Log:            log,
		Metrics:        a.metrics,
		Tracer:         tracer,
		BackendTimeout: cfg.BackendTimeout,
		Locks:          locks,
	})

	// The attempt log is exclusive to one process; commands run beside a
	// live server go without it.
	attempts, err := security.OpenAttemptLog(cfg.AttemptLogDir(), 0)
	if err != nil {
		log.Warn("attempt log unavailable", zap.Error(err))
		attempts = nil
	} else {
		a.closers = append(a.closers, attempts.Close)
	}
	a.security = security.New(store, a.events, attempts, log, a.metrics, security.Options{
		Window:        cfg.BruteForceWindow,
		Threshold:     cfg.BruteForceThreshold,
		RetentionDays: cfg.EventRetentionDays,
	})
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}

// actor authenticates the --as user.
func (a *app) actor(ctx context.Context) (*database.User, error) {
	if asUser == "" {
		return nil, apperr.Permission("cli", "--as is required for this command")
	}
	return a.auth.Login(ctx, asUser, asPassword, "cli")
}

// withApp wraps a command body with engine setup and teardown.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(ctx, a, args)
	}
}

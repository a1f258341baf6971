package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vigil/alerting"
	"vigil/analyze"
	"vigil/api"
	"vigil/config"
	"vigil/core"
	"vigil/notify"
	"vigil/storage"
	"vigil/threat"
)

// App wires the analyzer service together and owns its lifecycle.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Store    *storage.SQLiteStore
	Dedup    core.DedupCache
	Alerts   *alerting.Manager
	Notifier *notify.Service
	Analyzer *analyze.Analyzer

	httpServer *http.Server
	shutdownCh chan struct{}
}

// NewApp creates and wires an application instance from configuration.
func NewApp(configFile string) (*App, error) {
	cfg, err := InitConfig(configFile)
	if err != nil {
		return nil, err
	}

	logger, sugar, err := InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	app := &App{
		Config:     cfg,
		Logger:     logger,
		Sugar:      sugar,
		shutdownCh: make(chan struct{}),
	}

	sugar.Info("Vigil analyzer starting...")

	if cfg.Storage.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		app.Store, err = storage.NewSQLiteStore(cfg.Storage.SQLitePath, sugar)
		if err != nil {
			return nil, err
		}
		sugar.Infow("Event storage opened", "path", cfg.Storage.SQLitePath)
	}

	app.Dedup = app.initDedup()
	app.Alerts = alerting.NewManager(alerting.EscalationPolicy{
		Critical:     config.Duration(cfg.Escalation.Critical),
		High:         config.Duration(cfg.Escalation.High),
		NewDefault:   config.Duration(cfg.Escalation.NewDefault),
		Acknowledged: config.Duration(cfg.Escalation.Acknowledged),
		MaxLevel:     cfg.Escalation.MaxLevel,
	}, sugar)

	app.Notifier, err = app.initNotifier()
	if err != nil {
		return nil, err
	}

	loader := analyze.NewLoader(cfg.Rules.Directory, sugar)
	opts := analyze.Options{
		ThresholdSweepInterval:   config.Duration(cfg.Analyzer.ThresholdSweepInterval),
		CorrelationSweepInterval: config.Duration(cfg.Analyzer.CorrelationSweepInterval),
		RuleReloadInterval:       config.Duration(cfg.Rules.ReloadInterval),
		CleanupInterval:          config.Duration(cfg.Analyzer.CleanupInterval),
		DedupTTL:                 config.Duration(cfg.Analyzer.DedupTTL),
		StaleAlertAge:            config.Duration(cfg.Analyzer.StaleAlertAge),
		MaxEventsPerGroup:        cfg.Analyzer.MaxEventsPerGroup,
		MaxCorrelationEvents:     cfg.Analyzer.MaxCorrelationEvents,
		BatchWorkers:             cfg.Analyzer.BatchWorkers,
		BatchQueueSize:           cfg.Analyzer.BatchQueueSize,
	}

	var (
		events     storage.EventStore
		alertStore storage.AlertStore
	)
	if app.Store != nil {
		events = app.Store
		alertStore = app.Store
	}
	app.Analyzer = analyze.NewAnalyzer(opts, loader, app.Alerts, app.Notifier, app.Dedup, events, sugar)

	if cfg.ThreatIntel.Enabled {
		// Only the noop provider ships; a real reputation source replaces it
		// here once one is integrated.
		app.Analyzer.SetIntelProvider(threat.NoopProvider{})
		sugar.Warn("Threat intel enabled but no provider is integrated, lookups are no-ops")
	}

	server := api.NewServer(app.Analyzer, app.Notifier, alertStore, cfg.Server.RateLimit, cfg.Server.Burst, sugar)
	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return app, nil
}

func (app *App) initDedup() core.DedupCache {
	if app.Config.Redis.Enabled {
		cache := core.NewRedisDedupCache(
			app.Config.Redis.Addr,
			app.Config.Redis.Password,
			app.Config.Redis.DB,
			"vigil:dedup:",
			app.Sugar)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cache.Ping(ctx); err != nil {
			app.Sugar.Warnw("Redis unreachable, falling back to in-memory dedup cache",
				"addr", app.Config.Redis.Addr, "error", err)
			cache.Close()
			return core.NewMemoryDedupCache(time.Minute)
		}
		app.Sugar.Infow("Redis dedup cache connected", "addr", app.Config.Redis.Addr)
		return cache
	}
	return core.NewMemoryDedupCache(time.Minute)
}

func (app *App) initNotifier() (*notify.Service, error) {
	cfg := app.Config.Notifications

	registry := notify.NewRegistry()
	registry.Register(notify.NewLogChannel(app.Sugar))

	httpClient := &http.Client{Timeout: config.Duration(cfg.DeliveryTimeout)}
	if cfg.Webhook.Enabled {
		registry.Register(notify.NewWebhookChannel(httpClient, cfg.Webhook.Headers, app.Sugar))
	}
	if cfg.Slack.Enabled {
		registry.Register(notify.NewSlackChannel(httpClient, app.Sugar))
	}
	if cfg.Agent.Enabled {
		registry.Register(notify.NewAgentChannel(httpClient, cfg.AgentID, app.Sugar))
	}
	if cfg.Email.Enabled {
		registry.Register(notify.NewEmailChannel(cfg.Email.SMTP, app.Sugar))
	}

	template, err := notify.NewAlertTemplate(cfg.Template)
	if err != nil {
		return nil, err
	}

	return notify.NewService(notify.ServiceOptions{
		QueueSize:         cfg.QueueSize,
		DeliveryTimeout:   config.Duration(cfg.DeliveryTimeout),
		DefaultRecipients: cfg.Recipients,
	}, registry, template, app.Sugar), nil
}

// Start launches the notification worker, the analyzer loops and the HTTP
// server.
func (app *App) Start() error {
	app.Notifier.Start()
	if err := app.Analyzer.Start(); err != nil {
		return err
	}

	go func() {
		app.Sugar.Infow("HTTP server listening", "addr", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.Sugar.Errorw("HTTP server failed", "error", err)
		}
	}()
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then shuts down.
func (app *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.Sugar.Infow("Shutdown signal received", "signal", sig)
	app.Shutdown()
}

// Shutdown stops components in reverse dependency order.
func (app *App) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.Sugar.Errorw("HTTP server shutdown failed", "error", err)
	}

	app.Analyzer.Stop()
	app.Notifier.Stop()

	if err := app.Dedup.Close(); err != nil {
		app.Sugar.Errorw("Dedup cache close failed", "error", err)
	}
	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Sugar.Errorw("Storage close failed", "error", err)
		}
	}

	app.Sugar.Info("Shutdown complete")
	_ = app.Logger.Sync()
}

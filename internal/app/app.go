// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hbashar434/easy-shop-backend/internal/config"
	"github.com/hbashar434/easy-shop-backend/internal/domain"
	"github.com/hbashar434/easy-shop-backend/internal/notifications"
	"github.com/hbashar434/easy-shop-backend/internal/notifications/email"
	"github.com/hbashar434/easy-shop-backend/internal/notifications/memory"
	notificationspostgres "github.com/hbashar434/easy-shop-backend/internal/notifications/postgres"
	"github.com/hbashar434/easy-shop-backend/internal/notifications/sms"
	"github.com/hbashar434/easy-shop-backend/internal/pkg/ctxlog"
	"github.com/hbashar434/easy-shop-backend/internal/pkg/httputil"
	"github.com/hbashar434/easy-shop-backend/internal/pkg/metrics"
	"github.com/hbashar434/easy-shop-backend/internal/pkg/postgres"
	"github.com/hbashar434/easy-shop-backend/internal/version"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	migrationsTable       = "notification_schema_migrations"
	recoveryProbeInterval = 10 * time.Second
)

type queueBroker interface {
	notifications.Broker
	Stats(ctx context.Context) (*notifications.QueueStats, error)
}

// App represents the application instance.
type App struct {
	config           *config.Config
	logger           *slog.Logger
	db               *pgxpool.Pool
	broker           queueBroker
	monitor          *notifications.Monitor
	service          *notifications.Service
	workers          []*notifications.Worker
	server           *http.Server
	metricsServer    *http.Server
	backgroundCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
	}

	if err := app.setupBroker(); err != nil {
		return nil, err
	}

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	app.backgroundCancel = backgroundCancel

	app.monitor = notifications.NewMonitor(app.broker, cfg.Broker.ProbeTimeout)
	available := app.monitor.Probe(backgroundCtx)
	if interval := probeInterval(cfg.Broker.ProbeInterval, available); interval > 0 {
		go app.monitor.Watch(backgroundCtx, interval)
	}

	if err := app.setupNotifications(backgroundCtx); err != nil {
		backgroundCancel()
		app.closeDB()
		return nil, fmt.Errorf("setup notifications: %w", err)
	}

	if app.db != nil {
		go app.collectDBMetrics(backgroundCtx)
	}
	go app.collectQueueMetrics(backgroundCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) setupBroker() error {
	switch a.config.Broker.Driver {
	case config.DriverMemory:
		a.logger.Warn("using in-memory broker: queued notifications are lost on restart")
		a.broker = memory.NewBroker()
		return nil
	case config.DriverPostgres:
	default:
		return fmt.Errorf("unsupported broker driver %q", a.config.Broker.Driver)
	}

	db, err := postgres.NewPool(postgres.Config{
		URL:             a.config.Database.URL,
		MaxOpenConns:    a.config.Database.MaxOpenConns,
		MaxIdleConns:    a.config.Database.MaxIdleConns,
		ConnMaxLifetime: a.config.Database.ConnMaxLifetime,
		ConnectTimeout:  a.config.Database.ConnectTimeout,
	})
	if err != nil {
		return fmt.Errorf("create database pool: %w", err)
	}

	a.db = db
	a.broker = &migratingBroker{
		queueBroker: notificationspostgres.NewBroker(db, notificationspostgres.Config{
			PollInterval: a.config.Broker.PollInterval,
			LockTimeout:  a.config.Broker.LockTimeout,
		}),
		migrate: func() error {
			return postgres.Migrate(a.config.Database.URL, notificationspostgres.Migrations(), migrationsTable)
		},
	}
	return nil
}

// migratingBroker applies the queue schema the first time the database
// answers a ping. Until then the broker reports itself unavailable and
// dispatchers deliver directly.
type migratingBroker struct {
	queueBroker
	migrate func() error

	mu       sync.Mutex
	migrated bool
}

func (b *migratingBroker) Ping(ctx context.Context) error {
	if err := b.queueBroker.Ping(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.migrated {
		return nil
	}
	if err := b.migrate(); err != nil {
		return fmt.Errorf("migrate queue schema: %w", err)
	}
	b.migrated = true
	slog.Info("queue schema is up to date")
	return nil
}

// probeInterval returns how often the broker is re-probed. A broker that
// is down at startup is always watched so queueing resumes once it is back.
func probeInterval(configured time.Duration, available bool) time.Duration {
	if configured > 0 || available {
		return configured
	}
	return recoveryProbeInterval
}

func (a *App) setupNotifications(ctx context.Context) error {
	cfg := a.config.Notifications

	emailSender, err := email.NewSender(email.Config{
		Enabled:      cfg.Email.Enabled,
		SMTPHost:     cfg.Email.SMTPHost,
		SMTPPort:     cfg.Email.SMTPPort,
		SMTPUser:     cfg.Email.SMTPUser,
		SMTPPassword: cfg.Email.SMTPPassword,
		FromAddress:  cfg.Email.FromAddress,
		RateLimit:    cfg.Email.RateLimit,
		DialTimeout:  cfg.Email.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("create email sender: %w", err)
	}
	if !cfg.Email.Enabled {
		a.logger.Warn("email sender is disabled: email notifications will not be sent")
	}

	smsSender, err := sms.NewSender(sms.Config{
		Enabled:   cfg.SMS.Enabled,
		APIKey:    cfg.SMS.APIKey,
		BaseURL:   cfg.SMS.BaseURL,
		Timeout:   cfg.SMS.Timeout,
		RateLimit: cfg.SMS.RateLimit,
	})
	if err != nil {
		return fmt.Errorf("create sms sender: %w", err)
	}
	if !cfg.SMS.Enabled {
		a.logger.Warn("sms sender is disabled: sms notifications will not be sent")
	}

	channels := []struct {
		transport     notifications.Transport
		ext           string
		send          bool
		onlyDeliverTo []string
	}{
		{transport: emailSender, ext: ".html", send: cfg.Email.Send, onlyDeliverTo: cfg.Email.OnlyDeliverTo},
		{transport: smsSender, ext: ".txt", send: cfg.SMS.Send, onlyDeliverTo: cfg.SMS.OnlyDeliverTo},
	}

	dispatchers := make([]*notifications.Dispatcher, 0, len(channels))
	for _, c := range channels {
		renderer := notifications.NewRenderer(a.templates(c.transport.Type()), c.ext)

		dispatcher, err := notifications.NewDispatcher(notifications.DispatcherConfig{
			Enabled:        c.send,
			OnlyDeliverTo:  c.onlyDeliverTo,
			ChunkSize:      cfg.ChunkSize,
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
		}, a.broker, a.monitor, renderer, c.transport)
		if err != nil {
			return fmt.Errorf("create %s dispatcher: %w", c.transport.Type(), err)
		}
		dispatchers = append(dispatchers, dispatcher)

		worker := notifications.NewWorker(notifications.WorkerConfig{
			Concurrency: a.config.Broker.Concurrency,
		}, a.broker, renderer, c.transport)
		worker.Start(ctx)
		a.workers = append(a.workers, worker)
	}

	a.service = notifications.NewService(dispatchers...)
	return nil
}

func (a *App) templates(channel domain.ChannelType) fs.FS {
	if dir := a.config.Notifications.TemplatesDir; dir != "" {
		return os.DirFS(filepath.Join(dir, string(channel)))
	}
	return notifications.DefaultTemplates(string(channel))
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"broker", a.config.Broker.Driver,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, drains the workers and releases the
// database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	for name, server := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	for _, w := range a.workers {
		w.Stop()
	}

	a.backgroundCancel()
	a.closeDB()

	return errors.Join(errs...)
}

func (a *App) closeDB() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.broker.Stats(ctx)
			if err != nil {
				a.logger.Error("failed to get queue stats", "error", err)
				continue
			}
			notifications.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Service returns the notification service for in-process callers.
func (a *App) Service() *notifications.Service {
	return a.service
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger, "/healthz", "/readyz"))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	notificationsHandler := notifications.NewHandler(a.service)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.TokenAuthMiddleware(a.config.Server.APIToken))
		notificationsHandler.RegisterRoutes(r)
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

// readyzHandler stays ready while the broker is down: dispatchers fall
// back to direct delivery.
func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !a.monitor.Probe(r.Context()) {
		ctxlog.FromContext(r.Context()).Warn("readiness check: broker unavailable")
		httputil.Text(w, http.StatusOK, "DEGRADED: broker unavailable, delivering directly")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Info())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

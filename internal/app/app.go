package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"drugstore-canary/internal/alerting"
	"drugstore-canary/internal/config"
	"drugstore-canary/internal/metrics"
	"drugstore-canary/internal/modelcache"
	"drugstore-canary/internal/scheduler"
	"drugstore-canary/internal/service"
	"drugstore-canary/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// DataPath points at a sales CSV. When set, commands run against an in-memory store loaded
	// from it instead of Postgres.
	DataPath string
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	var fanout alerting.Fanout
	timeout := a.Config.Alerting.RequestTimeout
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		fanout = append(fanout, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, timeout, a.Logger))
	}
	if a.Config.Alerting.Webhook.Enabled {
		cfg := a.Config.Alerting.Webhook
		fanout = append(fanout, alerting.NewWebhookNotifier(cfg.URL, cfg.Headers, timeout, a.Logger))
	}
	switch len(fanout) {
	case 0:
		return nil
	case 1:
		return fanout[0]
	default:
		return fanout
	}
}

func (a *App) newManager(store storage.AlertStore, notifier alerting.Notifier, extra ...alerting.ManagerOption) *alerting.Manager {
	opts := alerting.Options{
		Cooldown:       a.Config.Alerting.Cooldown,
		AutoResolveAge: a.Config.Alerting.AutoResolveAge,
		Notify:         a.Config.Alerting.Notify,
	}
	options := append([]alerting.ManagerOption{alerting.WithLabels(a.Config)}, extra...)
	return alerting.NewManager(store, notifier, opts, a.Logger, options...)
}

// newCache returns the model cache and a closer for its Redis client, if any.
func (a *App) newCache(ctx context.Context) (*modelcache.Cache, func()) {
	if a.Config.Redis.Addr == "" {
		return modelcache.New(a.Config.ModelCache, nil, a.Logger), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		a.Logger.Warn().Err(err).Str("addr", a.Config.Redis.Addr).Msg("redis 不可用, 仅使用本地模型缓存")
		_ = rdb.Close()
		return modelcache.New(a.Config.ModelCache, nil, a.Logger), func() {}
	}
	return modelcache.New(a.Config.ModelCache, rdb, a.Logger), func() { _ = rdb.Close() }
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openRepository picks the backing store: a CSV-loaded memory store when DataPath is set,
// otherwise Postgres.
func (a *App) openRepository(ctx context.Context) (storage.Repository, func(), error) {
	if a.DataPath != "" {
		mem, err := a.loadMemoryStore(ctx, a.DataPath)
		if err != nil {
			return nil, nil, err
		}
		a.Logger.Warn().Str("data", a.DataPath).Msg("using in-memory store; alerts are not persisted")
		return mem, func() {}, nil
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("%w: set database.dsn or pass --data", storage.ErrNotConfigured)
	}
	return store, closeStore, nil
}

func (a *App) loadMemoryStore(ctx context.Context, path string) (*storage.MemoryStore, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := storage.ReadSalesCSV(file, a.Config.ZoneOfPharmacy)
	if err != nil {
		return nil, err
	}
	mem := storage.NewMemoryStore()
	if _, err := mem.InsertSales(ctx, records); err != nil {
		return nil, err
	}
	a.Logger.Info().Int("records", len(records)).Str("data", path).Msg("sales loaded")
	return mem, nil
}

// newService wires the evaluation service over repo.
func (a *App) newService(ctx context.Context, repo storage.Repository, sched *scheduler.Scheduler, notify bool, extra ...alerting.ManagerOption) (*service.Service, func()) {
	var notifier alerting.Notifier
	if notify {
		notifier = a.newNotifier()
	}
	cache, closeCache := a.newCache(ctx)
	manager := a.newManager(repo, notifier, extra...)
	return service.New(a.Config, sched, repo, manager, cache, a.Logger), closeCache
}

// Run executes the long-running detection service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	svc, closeCache := a.newService(ctx, repo, sched, true)
	defer closeCache()

	if a.Config.Metrics.Enabled {
		stop := a.serveMetrics()
		defer stop()
	}

	a.Logger.Info().Int("pairs", len(svc.Pairs())).Msg("starting detection service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("detection service stopped")
	return nil
}

func (a *App) serveMetrics() func() {
	mux := http.NewServeMux()
	mux.Handle(a.Config.Metrics.Path, metrics.Handler())
	srv := &http.Server{
		Addr:              a.Config.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Str("path", a.Config.Metrics.Path).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}
}

// EvaluateOptions select what the evaluate command scores.
type EvaluateOptions struct {
	Zone     string
	Category string
	AsOf     time.Time
	Notify   bool
}

// TrainOptions configure batch training.
type TrainOptions struct {
	Zone     string
	Category string
	AsOf     time.Time
	OutDir   string
}

// ExportOptions hold parameters for exporting scored history of one pair.
type ExportOptions struct {
	Zone      string
	Category  string
	AsOf      time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// AlertsOptions configure the alerts listing.
type AlertsOptions struct {
	Limit      int
	ActiveOnly bool
}

// SimulateOptions describe a synthetic alert candidate.
type SimulateOptions struct {
	Zone       string
	Category   string
	Level      string
	Score      float64
	Confidence float64
}

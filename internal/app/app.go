package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crypto-stats-worker/internal/alerting"
	"crypto-stats-worker/internal/breaker"
	"crypto-stats-worker/internal/bus"
	"crypto-stats-worker/internal/config"
	"crypto-stats-worker/internal/fetcher"
	"crypto-stats-worker/internal/health"
	"crypto-stats-worker/internal/ingest"
	"crypto-stats-worker/internal/metrics"
	"crypto-stats-worker/internal/scheduler"
	"crypto-stats-worker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newFetcher() *fetcher.Fetcher {
	up := a.Config.Upstream
	source := fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:    up.BaseURL,
		APIKey:     up.APIKey,
		VsCurrency: up.VsCurrency,
		Timeout:    up.RequestTimeout,
		UserAgent:  up.UserAgent,
	}, a.Logger)

	return fetcher.New(source, fetcher.Options{
		Retry: fetcher.RetryPolicy{
			MaxAttempts:  up.MaxAttempts,
			InitialDelay: up.RetryInitialDelay,
			MaxDelay:     up.RetryMaxDelay,
		},
		AttemptTimeout:    up.RequestTimeout,
		RequestsPerMinute: up.RequestsPerMinute,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// stores groups the persistence contracts the worker needs.
type stores struct {
	samples storage.SampleStore
	runs    storage.RunStore
	locker  storage.AdvisoryLocker
	db      *storage.Store
	close   func()
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return stores{}, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; samples kept in memory only")
		mem := storage.NewMemoryStore(0)
		return stores{samples: mem, runs: mem, close: func() {}}, nil
	}
	return stores{samples: store, runs: store, locker: store, db: store, close: closeStore}, nil
}

func (a *App) openBus(ctx context.Context) (*bus.Redis, error) {
	if a.Config.Bus.RedisURL == "" {
		return nil, nil
	}
	client, err := bus.NewRedis(a.Config.Bus.RedisURL, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// worker is the wired ingestion pipeline.
type worker struct {
	state     *ingest.State
	runner    *ingest.Runner
	scheduler *scheduler.Scheduler
	metrics   *metrics.Collector
	bus       *bus.Redis
	db        *storage.Store
	closers   []func()
}

func (w *worker) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}

func (a *App) newWorker(ctx context.Context) (*worker, error) {
	cfg := a.Config
	w := &worker{metrics: metrics.NewCollector("statsworker")}

	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, st.close)
	w.db = st.db

	var publisher bus.Publisher = bus.Discard{Logger: a.Logger}
	client, err := a.openBus(ctx)
	if err != nil {
		w.close()
		return nil, err
	}
	if client != nil {
		w.bus = client
		publisher = client
		w.closers = append(w.closers, func() {
			if err := client.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close bus")
			}
		})
	} else {
		a.Logger.Warn().Msg("bus.redis_url not configured; events are not published")
	}

	b := breaker.New(breaker.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnTransition: func(tr breaker.Transition) {
			w.metrics.SetCircuitState(int(tr.To))
		},
	}, a.Logger)
	w.metrics.SetCircuitState(int(breaker.Closed))
	w.closers = append(w.closers, b.Close)
	w.state = ingest.NewState(b, cfg.Scheduler.HistorySize)

	w.runner = ingest.NewRunner(ingest.Options{
		Assets:     cfg.TrackedAssets(),
		BatchSize:  cfg.Ingest.BatchSize,
		RunTimeout: cfg.Ingest.RunTimeout,
		Topics: ingest.Topics{
			Completed: cfg.Bus.CompletedTopic,
			Metrics:   cfg.Bus.MetricsTopic,
			Sample:    cfg.Bus.SampleTopic,
		},
		ResetTimeout: cfg.Breaker.ResetTimeout,
	}, ingest.Deps{
		State:     w.state,
		Fetcher:   a.newFetcher(),
		Store:     st.samples,
		Runs:      st.runs,
		Publisher: publisher,
		Notifier:  a.newNotifier(),
		Metrics:   w.metrics,
	}, a.Logger)

	w.scheduler = scheduler.New(scheduler.Options{
		StartupDelay:    cfg.Scheduler.StartupDelay,
		AdvisoryLockKey: cfg.Scheduler.AdvisoryLockKey,
		Locker:          st.locker,
		Metrics:         w.metrics,
	}, w.runner, w.state, a.Logger)

	return w, nil
}

// Run executes the long-running ingestion worker until SIGINT/SIGTERM.
func (a *App) Run(ctx context.Context) error {
	if _, err := scheduler.ParseCadence(a.Config.Scheduler.Cadence); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	w, err := a.newWorker(ctx)
	if err != nil {
		return err
	}
	defer w.close()

	var statusServer *health.Server
	if a.Config.Health.Enabled {
		statusServer = health.New(a.Config.Health.Addr, a.Config.App.Name, w.scheduler, w.metrics.Handler(), a.Logger)
		if w.db != nil {
			statusServer.AddCheck("database", w.db)
		}
		if w.bus != nil {
			statusServer.AddCheck("bus", w.bus)
		}
		if err := statusServer.Start(); err != nil {
			return err
		}
	}

	if err := w.scheduler.Start(ctx, a.Config.Scheduler.Cadence); err != nil {
		return err
	}

	var g errgroup.Group
	if w.bus != nil {
		g.Go(func() error {
			bus.KeepSubscribed(ctx, w.bus, a.Config.Bus.TriggerTopic, func(ctx context.Context, payload []byte) {
				if _, ok := bus.ParseTrigger(payload); !ok {
					a.Logger.Debug().Str("topic", a.Config.Bus.TriggerTopic).Msg("ignoring unknown trigger message")
					return
				}
				if err := w.scheduler.Trigger(ctx, "bus"); err != nil && !errors.Is(err, scheduler.ErrRunInFlight) {
					a.Logger.Warn().Err(err).Msg("bus trigger not dispatched")
				}
			}, time.Second, a.Logger)
			return nil
		})
	}

	a.Logger.Info().
		Strs("assets", w.runner.Assets()).
		Str("cadence", a.Config.Scheduler.Cadence).
		Msg("ingestion worker started")

	<-ctx.Done()
	a.Logger.Info().Msg("shutdown requested; draining")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), a.Config.Scheduler.DrainTimeout)
	defer drainCancel()

	if err := w.scheduler.Stop(drainCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("in-flight run cancelled during shutdown")
	}
	_ = g.Wait()
	if statusServer != nil {
		if err := statusServer.Shutdown(drainCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("status server shutdown")
		}
	}

	a.Logger.Info().Msg("ingestion worker stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Asset string
	Limit int
	Runs  bool
}

// TriggerOptions configure the trigger command.
type TriggerOptions struct {
	Local bool
}

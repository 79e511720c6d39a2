// Package app wires the services shared by cmd/api and cmd/riskworker.
package app

import (
	"context"
	"net/http"
	"time"

	"lv-papertrade/internal/auth"
	"lv-papertrade/internal/config"
	"lv-papertrade/internal/db"
	"lv-papertrade/internal/health"
	"lv-papertrade/internal/httpserver"
	"lv-papertrade/internal/leader"
	"lv-papertrade/internal/ledger"
	"lv-papertrade/internal/marketdata"
	"lv-papertrade/internal/metrics"
	"lv-papertrade/internal/orders"
	"lv-papertrade/internal/risk"
	"lv-papertrade/internal/store"
	"lv-papertrade/internal/syncx"

	"github.com/go-chi/chi/v5"
	"github.com/grafana/pyroscope-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Pool      *pgxpool.Pool
	Store     store.Store
	Directory marketdata.Directory
	Cache     *marketdata.TickCache
	Feed      *marketdata.FeedAdapter
	Hub       *marketdata.Hub
	Ledger    *ledger.Service
	Orders    *orders.Service
	Auth      *auth.Service
	Lease     leader.Lease

	startedAt time.Time
}

func NewLogger(level string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	return zc.Build()
}

// New builds the service graph. Without DB_DSN everything runs in memory and the risk lease
// only excludes workers inside this process.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, startedAt: time.Now().UTC()}

	symbols := cfg.Symbols
	if symbols == "" {
		symbols = marketdata.DefaultSymbols
	}
	items, err := marketdata.ParseSymbols(symbols)
	if err != nil {
		return nil, err
	}

	if cfg.DBDSN != "" {
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		dir := marketdata.NewPgDirectory(pool)
		if err := dir.Seed(ctx, items); err != nil {
			pool.Close()
			return nil, err
		}
		a.Pool = pool
		a.Store = store.NewPostgres(pool, cfg.StartingBalance)
		a.Directory = dir
		a.Lease = leader.NewAdvisory(pool, cfg.RiskLeaseKey)
	} else {
		logger.Warn("DB_DSN not set, using in-memory store")
		a.Store = store.NewMemory(cfg.StartingBalance)
		a.Directory = marketdata.NewStaticDirectory(items)
		a.Lease = leader.NewLocalLock().Lease()
	}

	var upstream marketdata.Upstream
	if cfg.FeedURL != "" {
		upstream = marketdata.NewWSUpstream(cfg.FeedURL, nil)
	} else {
		logger.Warn("FEED_URL not set, using simulated prices")
		upstream = marketdata.NewSimUpstream(a.Directory, 500*time.Millisecond)
	}

	a.Cache = marketdata.NewTickCache()
	a.Feed = marketdata.NewFeedAdapter(upstream, a.Cache, marketdata.FeedOptions{
		Grace: cfg.FeedGrace,
		Backoff: marketdata.Backoff{
			Min:    cfg.FeedBackoffMin,
			Max:    cfg.FeedBackoffMax,
			Factor: 2,
			Jitter: 0.2,
		},
		Logger: logger,
	})
	a.Hub = marketdata.NewHub(a.Feed, a.Cache, cfg.StreamBuffer, logger)
	a.Feed.AddListener(a.Hub)

	userLocks := syncx.NewKeyedMutex()
	a.Ledger = ledger.NewService(a.Store, userLocks, cfg.StartingBalance)
	a.Orders = orders.NewService(orders.Deps{
		Store:     a.Store,
		Ledger:    a.Ledger,
		UserLocks: userLocks,
		Cache:     a.Cache,
		Feed:      a.Feed,
		Directory: a.Directory,
		Logger:    logger,
	}, orders.Config{
		QuoteWait:     cfg.QuoteWait,
		BrokerageFlat: cfg.BrokerageFlat,
		BrokerageRate: cfg.BrokerageRate,
	})
	a.Auth = auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)
	return a, nil
}

func (a *App) RiskWorker() *risk.Worker {
	return risk.NewWorker(risk.Deps{
		Positions: a.Store,
		Quotes:    a.Cache,
		Closer:    a.Orders,
		Feed:      a.Feed,
		Lease:     a.Lease,
		Logger:    a.Logger,
	}, a.Config.RiskInterval)
}

func (a *App) health() *health.Handler {
	return health.NewHandler(a.Pool, a.Feed, a.Hub.Subscribers, a.startedAt)
}

// Router serves the full public API.
func (a *App) Router() http.Handler {
	return httpserver.NewRouter(httpserver.RouterDeps{
		AuthService:   a.Auth,
		AuthHandler:   auth.NewHandler(),
		LedgerHandler: ledger.NewHandler(a.Ledger, a.Config.FaucetEnabled, a.Config.FaucetMax, a.Logger),
		OrderHandler:  orders.NewHandler(a.Orders, a.Logger),
		MarketHandler: marketdata.NewHandler(a.Cache, a.Hub, a.Directory, a.Config.WebSocketOrigin, a.Logger),
		HealthHandler: a.health(),
		Origin:        a.Config.WebSocketOrigin,
		Logger:        a.Logger,
	})
}

// OpsRouter serves only health and metrics, for processes without the public API.
func (a *App) OpsRouter() http.Handler {
	h := a.health()
	r := chi.NewRouter()
	r.Get("/health", h.Ready)
	r.Get("/health/live", h.Live)
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Close stops upstream subscriptions and closes the database pool.
func (a *App) Close() {
	a.Feed.Close()
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// StartProfiler starts continuous profiling when PYROSCOPE_SERVER is set. The returned stop
// func is always safe to call.
func StartProfiler(cfg config.Config, appName string, logger *zap.Logger) (func(), error) {
	if cfg.PyroscopeServer == "" {
		return func() {}, nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   cfg.PyroscopeServer,
		Logger:          logger.Named("pyroscope").Sugar(),
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return func() {}, err
	}
	return func() { _ = profiler.Stop() }, nil
}

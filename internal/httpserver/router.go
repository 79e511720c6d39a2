package httpserver

import (
	"net/http"

	"lv-papertrade/internal/auth"
	"lv-papertrade/internal/health"
	"lv-papertrade/internal/ledger"
	"lv-papertrade/internal/marketdata"
	"lv-papertrade/internal/metrics"
	"lv-papertrade/internal/orders"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type RouterDeps struct {
	AuthService   *auth.Service
	AuthHandler   *auth.Handler
	LedgerHandler *ledger.Handler
	OrderHandler  *orders.Handler
	MarketHandler *marketdata.Handler
	HealthHandler *health.Handler
	RateLimiter   *RateLimiter
	Origin        string
	Logger        *zap.Logger
}

func NewRouter(d RouterDeps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := d.RateLimiter
	if limiter == nil {
		limiter = NewRateLimiter(10, 30)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(logger.Named("http")))
	r.Use(CORS(d.Origin))
	r.Use(SecurityHeaders)

	r.Get("/health", d.HealthHandler.Ready)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Get("/market/quote", d.MarketHandler.Quote)
			r.Get("/market/instruments", d.MarketHandler.Instruments)
		})

		r.Group(func(r chi.Router) {
			r.Use(WithStreamAuth(d.AuthService))
			r.Get("/market/stream", authed(d.MarketHandler.Stream))
			r.Get("/market/ws", authed(d.MarketHandler.WS))
		})

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Use(limiter.Middleware)
			r.Get("/me", authed(d.AuthHandler.Me))
			r.Post("/orders", authed(d.OrderHandler.Place))
			r.Get("/orders", authed(d.OrderHandler.List))
			r.Get("/positions", authed(d.OrderHandler.Positions))
			r.Post("/positions/close", authed(d.OrderHandler.Close))
			r.Post("/positions/risk", authed(d.OrderHandler.UpdateRisk))
			r.Get("/trades", authed(d.OrderHandler.Trades))
			r.Get("/wallet", authed(d.LedgerHandler.Wallet))
			r.Post("/wallet/faucet", authed(d.LedgerHandler.Faucet))
		})
	})
	return r
}

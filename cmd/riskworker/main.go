// Command riskworker runs the risk monitor on its own. Any number of replicas may run; the
// lease keeps exactly one of them scanning.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lv-papertrade/internal/app"
	"lv-papertrade/internal/config"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if cfg.DBDSN == "" {
		logger.Warn("DB_DSN not set: positions are in memory and this worker sees only its own")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopProfiler, err := app.StartProfiler(cfg, "lv-papertrade.riskworker", logger)
	if err != nil {
		logger.Warn("profiler disabled", zap.Error(err))
	}
	defer stopProfiler()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: a.OpsRouter(), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		logger.Info("ops endpoint listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	worker := a.RiskWorker()
	g.Go(func() error { return worker.Run(gctx) })
	return g.Wait()
}

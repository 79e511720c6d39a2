// Package risk watches open positions for target and stop-loss breaches.
package risk

import (
	"context"
	"time"

	"lv-papertrade/internal/leader"
	"lv-papertrade/internal/marketdata"
	"lv-papertrade/internal/metrics"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Positions interface {
	TriggeredPositions(ctx context.Context) ([]model.Position, error)
}

type Closer interface {
	ClosePosition(ctx context.Context, positionID string, closePrice *decimal.Decimal, trigger types.CloseTrigger) (model.CloseResult, error)
}

type Quotes interface {
	Get(key model.ChannelKey) (model.Tick, bool)
}

type Deps struct {
	Positions Positions
	Quotes    Quotes
	Closer    Closer
	Feed      marketdata.ChannelRefs
	Lease     leader.Lease
	Logger    *zap.Logger
}

// Worker scans on a fixed interval while it holds the lease. Run and Scan must not be
// called concurrently.
type Worker struct {
	positions Positions
	quotes    Quotes
	closer    Closer
	feed      marketdata.ChannelRefs
	lease     leader.Lease
	interval  time.Duration
	logger    *zap.Logger

	leading bool
	watched map[model.ChannelKey]struct{}
}

func NewWorker(d Deps, interval time.Duration) *Worker {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{
		positions: d.Positions,
		quotes:    d.Quotes,
		closer:    d.Closer,
		feed:      d.Feed,
		lease:     d.Lease,
		interval:  interval,
		logger:    logger.Named("risk"),
		watched:   make(map[model.ChannelKey]struct{}),
	}
}

// Breach names which trigger a price crossed.
type Breach string

const (
	BreachNone     Breach = ""
	BreachTarget   Breach = "target"
	BreachStopLoss Breach = "stop_loss"
)

// Breached checks price against p's target and stop-loss: BUY exits at price >= target or
// price <= stopLoss, SELL at price <= target or price >= stopLoss.
func Breached(p model.Position, price decimal.Decimal) Breach {
	switch p.Side {
	case types.OrderSideBuy:
		if p.Target != nil && price.GreaterThanOrEqual(*p.Target) {
			return BreachTarget
		}
		if p.StopLoss != nil && price.LessThanOrEqual(*p.StopLoss) {
			return BreachStopLoss
		}
	case types.OrderSideSell:
		if p.Target != nil && price.LessThanOrEqual(*p.Target) {
			return BreachTarget
		}
		if p.StopLoss != nil && price.GreaterThanOrEqual(*p.StopLoss) {
			return BreachStopLoss
		}
	}
	return BreachNone
}

type ScanReport struct {
	Checked int
	Closed  int
	Skipped int
	Failed  int
}

// Scan evaluates every triggered position once. A failure on one position is logged and
// counted; it does not stop the scan.
func (w *Worker) Scan(ctx context.Context) (ScanReport, error) {
	var rep ScanReport
	start := time.Now()
	positions, err := w.positions.TriggeredPositions(ctx)
	if err != nil {
		metrics.RiskScans.WithLabelValues("error").Observe(float64(time.Since(start).Milliseconds()))
		return rep, err
	}
	w.watch(positions)

	for _, p := range positions {
		if ctx.Err() != nil {
			break
		}
		rep.Checked++
		tick, ok := w.quotes.Get(p.Channel)
		if !ok || tick.Stale {
			rep.Skipped++
			continue
		}
		breach := Breached(p, tick.LastPrice)
		if breach == BreachNone {
			continue
		}
		price := tick.LastPrice
		res, err := w.closer.ClosePosition(ctx, p.ID, &price, types.CloseTriggerRiskEngine)
		if err != nil {
			rep.Failed++
			w.logger.Warn("auto-exit failed",
				zap.String("position_id", p.ID),
				zap.String("breach", string(breach)),
				zap.Error(err),
			)
			continue
		}
		if res.AlreadyClosed {
			continue
		}
		rep.Closed++
		w.logger.Info("auto-exit",
			zap.String("position_id", p.ID),
			zap.String("user_id", p.UserID),
			zap.String("symbol", p.Symbol),
			zap.String("breach", string(breach)),
			zap.String("price", price.String()),
			zap.String("realized_pnl", res.RealizedPnL.String()),
		)
	}
	metrics.RiskScans.WithLabelValues("ok").Observe(float64(time.Since(start).Milliseconds()))
	return rep, nil
}

// watch keeps one feed subscription per channel that has a triggered position.
func (w *Worker) watch(positions []model.Position) {
	if w.feed == nil {
		return
	}
	want := make(map[model.ChannelKey]struct{}, len(positions))
	for _, p := range positions {
		want[p.Channel] = struct{}{}
	}
	for key := range want {
		if _, ok := w.watched[key]; !ok {
			w.feed.EnsureSubscribed(key)
			w.watched[key] = struct{}{}
		}
	}
	for key := range w.watched {
		if _, ok := want[key]; !ok {
			w.feed.Release(key)
			delete(w.watched, key)
		}
	}
}

func (w *Worker) unwatchAll() {
	w.watch(nil)
}

// Watched returns the number of channels the worker keeps subscribed.
func (w *Worker) Watched() int {
	return len(w.watched)
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	run := func() {
		ok, err := w.lease.TryAcquire(ctx)
		if err != nil {
			w.logger.Warn("lease check failed", zap.Error(err))
			ok = false
		}
		w.setLeading(ok)
		if !ok {
			return
		}
		rep, err := w.Scan(ctx)
		if err != nil {
			w.logger.Error("scan failed", zap.Error(err))
			return
		}
		if rep.Closed > 0 || rep.Failed > 0 {
			w.logger.Info("scan done",
				zap.Int("checked", rep.Checked),
				zap.Int("closed", rep.Closed),
				zap.Int("skipped", rep.Skipped),
				zap.Int("failed", rep.Failed),
			)
		}
	}

	w.logger.Info("risk worker started", zap.Duration("interval", w.interval))
	run()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.stop()
			return nil
		case <-ticker.C:
			run()
		}
	}
}

func (w *Worker) setLeading(ok bool) {
	if ok == w.leading {
		return
	}
	w.leading = ok
	if ok {
		metrics.RiskLeader.Set(1)
		w.logger.Info("acquired risk lease")
		return
	}
	metrics.RiskLeader.Set(0)
	w.unwatchAll()
	w.logger.Warn("lost risk lease")
}

func (w *Worker) stop() {
	w.unwatchAll()
	if w.leading {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.lease.Release(ctx); err != nil {
			w.logger.Warn("release risk lease", zap.Error(err))
		}
		w.leading = false
		metrics.RiskLeader.Set(0)
	}
	w.logger.Info("risk worker stopped")
}

package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/ledger"
	"lv-papertrade/internal/marketdata"
	"lv-papertrade/internal/metrics"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/store"
	"lv-papertrade/internal/syncx"
	"lv-papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Config struct {
	// QuoteWait bounds how long a MARKET order waits for the first tick of a cold channel.
	QuoteWait     time.Duration
	BrokerageFlat decimal.Decimal
	BrokerageRate decimal.Decimal
}

// Service executes paper orders. Every wallet or position mutation holds the user's lock and
// then the position's lock, in that order.
type Service struct {
	store     store.Store
	ledger    *ledger.Service
	userLocks *syncx.KeyedMutex
	posLocks  *syncx.KeyedMutex
	cache     *marketdata.TickCache
	feed      marketdata.ChannelRefs
	dir       marketdata.Directory
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

type Deps struct {
	Store     store.Store
	Ledger    *ledger.Service
	UserLocks *syncx.KeyedMutex
	Cache     *marketdata.TickCache
	Feed      marketdata.ChannelRefs
	Directory marketdata.Directory
	Logger    *zap.Logger
}

func NewService(d Deps, cfg Config) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QuoteWait <= 0 {
		cfg.QuoteWait = 2 * time.Second
	}
	return &Service{
		store:     d.Store,
		ledger:    d.Ledger,
		userLocks: d.UserLocks,
		posLocks:  syncx.NewKeyedMutex(),
		cache:     d.Cache,
		feed:      d.Feed,
		dir:       d.Directory,
		cfg:       cfg,
		logger:    logger.Named("orders"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type PlaceOrderRequest struct {
	UserID   string
	Symbol   string
	Side     types.OrderSide
	Type     types.OrderType
	Quantity decimal.Decimal
	Price    *decimal.Decimal
	Target   *decimal.Decimal
	StopLoss *decimal.Decimal
}

func invalidOrder(msg string) error {
	return fmt.Errorf("%s: %w", msg, exception.ErrInvalidOrder)
}

func (r PlaceOrderRequest) validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return invalidOrder("missing user")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return invalidOrder("symbol is required")
	}
	if !r.Side.Valid() {
		return invalidOrder("invalid side")
	}
	if !r.Type.Valid() {
		return invalidOrder("invalid order type")
	}
	if !r.Quantity.IsPositive() {
		return invalidOrder("quantity must be positive")
	}
	if r.Type == types.OrderTypeLimit && (r.Price == nil || !r.Price.IsPositive()) {
		return invalidOrder("price required for limit order")
	}
	if r.Type == types.OrderTypeMarket && r.Price != nil {
		return invalidOrder("price not allowed for market order")
	}
	return nil
}

// Brokerage is flat + rate*notional for one fill.
func (s *Service) Brokerage(price, qty decimal.Decimal) decimal.Decimal {
	return s.cfg.BrokerageFlat.Add(s.cfg.BrokerageRate.Mul(price).Mul(qty)).Round(2)
}

// PlaceOrder fills the order immediately: MARKET at the cached last price, LIMIT at the
// requested price. A failed fill leaves wallet and positions untouched; funding and pricing
// failures are still recorded as a REJECTED order.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (model.Order, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := req.validate(); err != nil {
		return model.Order{}, err
	}
	inst, err := s.dir.Resolve(ctx, req.Symbol)
	if err != nil {
		return model.Order{}, err
	}
	if inst.LotSize.IsPositive() && !req.Quantity.Mod(inst.LotSize).IsZero() {
		return model.Order{}, invalidOrder(fmt.Sprintf("quantity must be a multiple of lot size %s", inst.LotSize))
	}

	order := model.Order{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Symbol:         inst.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		Status:         types.OrderStatusPending,
		Quantity:       req.Quantity,
		RequestedPrice: req.Price,
		FilledQty:      decimal.Zero,
		CreatedAt:      s.now(),
	}

	var price decimal.Decimal
	if req.Type == types.OrderTypeLimit {
		price = *req.Price
	} else {
		tick, err := s.marketTick(ctx, inst.Channel())
		if err != nil {
			return s.reject(ctx, order, err)
		}
		price = tick.LastPrice
	}

	fill := fillRequest{
		order:      &order,
		instrument: inst,
		price:      price,
		brokerage:  s.Brokerage(price, req.Quantity),
		target:     req.Target,
		stopLoss:   req.StopLoss,
	}

	unlock := s.userLocks.Lock(req.UserID)
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		return s.applyFill(ctx, tx, fill)
	})
	unlock()
	if err != nil {
		if errors.Is(err, exception.ErrInsufficientFunds) {
			return s.reject(ctx, order, err)
		}
		s.logger.Warn("order failed",
			zap.String("user_id", req.UserID),
			zap.String("symbol", order.Symbol),
			zap.Error(err),
		)
		return model.Order{}, err
	}
	metrics.Orders.WithLabelValues(string(types.OrderStatusFilled)).Inc()
	s.logger.Info("order filled",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("qty", order.Quantity.String()),
		zap.String("price", price.String()),
	)
	return order, nil
}

// marketTick returns a fresh tick. When the cached one is absent or stale it holds a feed
// reference and waits up to QuoteWait for the next fresh tick.
func (s *Service) marketTick(ctx context.Context, key model.ChannelKey) (model.Tick, error) {
	if t, ok := s.cache.Get(key); ok && !t.Stale {
		return t, nil
	}
	s.feed.EnsureSubscribed(key)
	defer s.feed.Release(key)
	wctx, cancel := context.WithTimeout(ctx, s.cfg.QuoteWait)
	defer cancel()
	return s.cache.WaitFresh(wctx, key)
}

// reject stores order as REJECTED in its own transaction and returns it with cause.
func (s *Service) reject(ctx context.Context, order model.Order, cause error) (model.Order, error) {
	order.Status = types.OrderStatusRejected
	order.FilledPrice = nil
	order.FilledQty = decimal.Zero
	order.Reason = cause.Error()
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertOrder(ctx, &order)
	})
	if err != nil {
		s.logger.Error("record rejected order", zap.String("order_id", order.ID), zap.Error(err))
	}
	metrics.Orders.WithLabelValues(string(types.OrderStatusRejected)).Inc()
	s.logger.Info("order rejected",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("symbol", order.Symbol),
		zap.String("reason", order.Reason),
	)
	return order, cause
}

func (s *Service) Orders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	return s.store.Orders(ctx, userID, limit)
}

func (s *Service) Positions(ctx context.Context, userID string, status types.PositionStatus) ([]model.Position, error) {
	return s.store.Positions(ctx, userID, status)
}

func (s *Service) Trades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.store.Trades(ctx, userID, limit)
}

package orders

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/ledger"
	"lv-papertrade/internal/marketdata"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/store"
	"lv-papertrade/internal/syncx"
	"lv-papertrade/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var reliance = model.NewChannelKey("NSE", "2885")

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

type countingFeed struct {
	ensured  atomic.Int32
	released atomic.Int32
}

func (f *countingFeed) EnsureSubscribed(model.ChannelKey) { f.ensured.Add(1) }
func (f *countingFeed) Release(model.ChannelKey)          { f.released.Add(1) }

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	store  *store.Memory
	cache  *marketdata.TickCache
	feed   *countingFeed
}

func newFixture(t *testing.T, opening string, cfg Config) *fixture {
	t.Helper()
	items, err := marketdata.ParseSymbols(marketdata.DefaultSymbols)
	require.NoError(t, err)
	st := store.NewMemory(d(opening))
	locks := syncx.NewKeyedMutex()
	led := ledger.NewService(st, locks, d(opening))
	cache := marketdata.NewTickCache()
	feed := &countingFeed{}
	if cfg.QuoteWait == 0 {
		cfg.QuoteWait = 50 * time.Millisecond
	}
	svc := NewService(Deps{
		Store:     st,
		Ledger:    led,
		UserLocks: locks,
		Cache:     cache,
		Feed:      feed,
		Directory: marketdata.NewStaticDirectory(items),
		Logger:    zaptest.NewLogger(t),
	}, cfg)
	return &fixture{svc: svc, ledger: led, store: st, cache: cache, feed: feed}
}

func (f *fixture) quote(key model.ChannelKey, price string) {
	f.cache.Set(key, model.Tick{Exchange: key.Exchange(), Token: key.Token(), LastPrice: d(price), Timestamp: time.Now().UTC()})
}

func (f *fixture) limit(t *testing.T, side types.OrderSide, qty, price string) model.Order {
	t.Helper()
	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1", Symbol: "RELIANCE", Side: side, Type: types.OrderTypeLimit, Quantity: d(qty), Price: dp(price),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) wallet(t *testing.T) model.WalletAccount {
	t.Helper()
	w, err := f.ledger.Wallet(context.Background(), "u1")
	require.NoError(t, err)
	return w
}

func (f *fixture) open(t *testing.T) []model.Position {
	t.Helper()
	out, err := f.svc.Positions(context.Background(), "u1", types.PositionStatusOpen)
	require.NoError(t, err)
	return out
}

func TestMarketOrderFillsAtLastPrice(t *testing.T) {
	f := newFixture(t, "100000", Config{})
	f.quote(reliance, "2450.5")

	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1", Symbol: "reliance", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("2"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, o.Status)
	require.NotNil(t, o.FilledPrice)
	assert.True(t, o.FilledPrice.Equal(d("2450.5")))

	pos := f.open(t)
	require.Len(t, pos, 1)
	assert.Equal(t, reliance, pos[0].Channel)
	assert.True(t, pos[0].Margin.Equal(d("4901")))
	assert.True(t, f.wallet(t).UsedMargin.Equal(d("4901")))
}

func TestSameSideFillsAverage(t *testing.T) {
	f := newFixture(t, "100000", Config{})
	f.limit(t, types.OrderSideBuy, "5", "100")
	f.limit(t, types.OrderSideBuy, "5", "120")

	pos := f.open(t)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Quantity.Equal(d("10")))
	assert.True(t, pos[0].AvgPrice.Equal(d("110")))
	assert.True(t, pos[0].Margin.Equal(d("1100")))
	assert.True(t, f.wallet(t).UsedMargin.Equal(d("1100")))
}

func TestAveragingClearsInvalidatedTarget(t *testing.T) {
	f := newFixture(t, "100000", Config{})
	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideBuy, Type: types.OrderTypeLimit,
		Quantity: d("5"), Price: dp("100"), Target: dp("105"), StopLoss: dp("90"),
	})
	require.NoError(t, err)
	f.limit(t, types.OrderSideBuy, "5", "120")

	pos := f.open(t)
	require.Len(t, pos, 1)
	assert.Nil(t, pos[0].Target)
	require.NotNil(t, pos[0].StopLoss)
	assert.True(t, pos[0].StopLoss.Equal(d("90")))
}

func TestOppositeSideReducesThenFlips(t *testing.T) {
	f := newFixture(t, "100000", Config{})
	f.limit(t, types.OrderSideBuy, "10", "100")
	f.limit(t, types.OrderSideSell, "4", "105")

	pos := f.open(t)
	require.Len(t, pos, 1)
	assert.True(t, pos[0].Quantity.Equal(d("6")))
	assert.True(t, pos[0].Margin.Equal(d("600")))
	assert.True(t, pos[0].RealizedPnL.Equal(d("20")))

	f.limit(t, types.OrderSideSell, "11", "110")
	pos = f.open(t)
	require.Len(t, pos, 1)
	assert.Equal(t, types.OrderSideSell, pos[0].Side)
	assert.True(t, pos[0].Quantity.Equal(d("5")))
	assert.True(t, pos[0].AvgPrice.Equal(d("110")))

	w := f.wallet(t)
	assert.True(t, w.Balance.Equal(d("100080")), w.Balance.String())
	assert.True(t, w.UsedMargin.Equal(d("550")), w.UsedMargin.String())

	all, err := f.svc.Positions(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	trades, err := f.svc.Trades(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 4)
}

func TestMarketOrderWithoutPrice(t *testing.T) {
	f := newFixture(t, "100000", Config{QuoteWait: 20 * time.Millisecond})
	req := PlaceOrderRequest{UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1")}

	o, err := f.svc.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, exception.ErrPriceUnavailable)
	assert.Equal(t, types.OrderStatusRejected, o.Status)
	assert.EqualValues(t, 1, f.feed.ensured.Load())
	assert.EqualValues(t, 1, f.feed.released.Load())

	f.quote(reliance, "2450")
	f.cache.MarkStale(reliance)
	_, err = f.svc.PlaceOrder(context.Background(), req)
	assert.ErrorIs(t, err, exception.ErrPriceUnavailable)
	assert.EqualValues(t, 2, f.feed.ensured.Load(), "stale price resubscribes")
	assert.EqualValues(t, 2, f.feed.released.Load())

	assert.Empty(t, f.open(t))
	orders, err := f.svc.Orders(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	for _, o := range orders {
		assert.Equal(t, types.OrderStatusRejected, o.Status)
	}
}

func TestMarketOrderWaitsForFirstTick(t *testing.T) {
	f := newFixture(t, "100000", Config{QuoteWait: time.Second})
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.quote(reliance, "2451")
	}()
	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideSell, Type: types.OrderTypeMarket, Quantity: d("1"),
	})
	require.NoError(t, err)
	assert.True(t, o.FilledPrice.Equal(d("2451")))
}

func TestMarketOrderWaitsOutStaleTick(t *testing.T) {
	f := newFixture(t, "100000", Config{QuoteWait: time.Second})
	f.quote(reliance, "2450")
	f.cache.MarkStale(reliance)
	go func() {
		time.Sleep(20 * time.Millisecond)
		f.quote(reliance, "2460")
	}()
	o, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1"),
	})
	require.NoError(t, err)
	assert.True(t, o.FilledPrice.Equal(d("2460")))
	assert.EqualValues(t, 1, f.feed.ensured.Load())
	assert.EqualValues(t, 1, f.feed.released.Load())
}

// steadyUpstream ticks every few milliseconds until its stream is cancelled.
type steadyUpstream struct {
	price atomic.Int64
}

func (u *steadyUpstream) Stream(ctx context.Context, key model.ChannelKey, emit func(model.Tick)) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			emit(model.Tick{LastPrice: decimal.NewFromInt(u.price.Add(1))})
		}
	}
}

func TestMarketOrdersSurviveFeedTeardown(t *testing.T) {
	items, err := marketdata.ParseSymbols(marketdata.DefaultSymbols)
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	st := store.NewMemory(d("10000000"))
	locks := syncx.NewKeyedMutex()
	led := ledger.NewService(st, locks, d("10000000"))
	cache := marketdata.NewTickCache()
	up := &steadyUpstream{}
	up.price.Store(2400)
	feed := marketdata.NewFeedAdapter(up, cache, marketdata.FeedOptions{Grace: 15 * time.Millisecond, Logger: logger})
	t.Cleanup(feed.Close)
	svc := NewService(Deps{
		Store: st, Ledger: led, UserLocks: locks, Cache: cache, Feed: feed,
		Directory: marketdata.NewStaticDirectory(items), Logger: logger,
	}, Config{QuoteWait: time.Second})

	req := PlaceOrderRequest{UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1")}
	for i := 0; i < 3; i++ {
		o, err := svc.PlaceOrder(context.Background(), req)
		require.NoError(t, err, "order %d", i)
		assert.Equal(t, types.OrderStatusFilled, o.Status)

		require.Eventually(t, func() bool {
			got, ok := cache.Get(reliance)
			return feed.Active() == 0 && ok && got.Stale
		}, time.Second, 2*time.Millisecond, "upstream torn down after grace")
	}

	open, err := st.Positions(context.Background(), "u1", types.PositionStatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].Quantity.Equal(d("3")))
}

func TestInsufficientFundsRejectsWithoutMutation(t *testing.T) {
	f := newFixture(t, "1000", Config{})
	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d("20"), Price: dp("100"),
	})
	assert.ErrorIs(t, err, exception.ErrInsufficientFunds)

	w := f.wallet(t)
	assert.True(t, w.Balance.Equal(d("1000")))
	assert.True(t, w.UsedMargin.IsZero())
	assert.Empty(t, f.open(t))
	orders, err := f.svc.Orders(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, types.OrderStatusRejected, orders[0].Status)
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t, "100000", Config{})
	cases := map[string]PlaceOrderRequest{
		"zero qty":        {UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d("0"), Price: dp("1")},
		"limit no price":  {UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d("1")},
		"market w/ price": {UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideBuy, Type: types.OrderTypeMarket, Quantity: d("1"), Price: dp("1")},
		"bad side":        {UserID: "u1", Symbol: "RELIANCE", Side: "HOLD", Type: types.OrderTypeLimit, Quantity: d("1"), Price: dp("1")},
		"lot size":        {UserID: "u1", Symbol: "NIFTY", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d("30"), Price: dp("1")},
	}
	for name, req := range cases {
		_, err := f.svc.PlaceOrder(context.Background(), req)
		assert.ErrorIs(t, err, exception.ErrInvalidOrder, name)
	}

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1", Symbol: "NOPE", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d("1"), Price: dp("1"),
	})
	assert.ErrorIs(t, err, exception.ErrUnknownSymbol)

	_, err = f.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1", Symbol: "RELIANCE", Side: types.OrderSideBuy, Type: types.OrderTypeLimit,
		Quantity: d("1"), Price: dp("100"), Target: dp("90"),
	})
	assert.ErrorIs(t, err, exception.ErrInvalidRiskParams)
	assert.Empty(t, f.open(t))
	assert.True(t, f.wallet(t).UsedMargin.IsZero())
}

func TestClosePositionSettlesWithBrokerage(t *testing.T) {
	f := newFixture(t, "100000", Config{BrokerageFlat: d("10")})
	f.limit(t, types.OrderSideBuy, "10", "100")
	assert.True(t, f.wallet(t).Balance.Equal(d("99990")))

	pos := f.open(t)
	require.Len(t, pos, 1)
	res, err := f.svc.CloseUserPosition(context.Background(), "u1", pos[0].ID, dp("111"))
	require.NoError(t, err)
	assert.False(t, res.AlreadyClosed)
	assert.True(t, res.RealizedPnL.Equal(d("100")), res.RealizedPnL.String())
	assert.NotEmpty(t, res.TradeID)

	w := f.wallet(t)
	assert.True(t, w.Balance.Equal(d("100090")), w.Balance.String())
	assert.True(t, w.UsedMargin.IsZero())

	again, err := f.svc.ClosePosition(context.Background(), pos[0].ID, nil, types.CloseTriggerRiskEngine)
	require.NoError(t, err)
	assert.True(t, again.AlreadyClosed)
	assert.Equal(t, res.TradeID, again.TradeID)
	assert.True(t, again.RealizedPnL.Equal(res.RealizedPnL))
	assert.Equal(t, types.CloseTriggerUser, again.ClosedBy)
	assert.True(t, f.wallet(t).Balance.Equal(d("100090")))
}

func TestCloseClampsLossAtBalance(t *testing.T) {
	f := newFixture(t, "1000", Config{})
	f.limit(t, types.OrderSideSell, "10", "100")

	pos := f.open(t)
	require.Len(t, pos, 1)
	res, err := f.svc.ClosePosition(context.Background(), pos[0].ID, dp("250"), types.CloseTriggerRiskEngine)
	require.NoError(t, err)
	assert.True(t, res.RealizedPnL.Equal(d("-1000")), res.RealizedPnL.String())

	w := f.wallet(t)
	assert.True(t, w.Balance.IsZero())
	assert.True(t, w.UsedMargin.IsZero())
}

func TestConcurrentClosesSettleOnce(t *testing.T) {
	f := newFixture(t, "100000", Config{})
	f.limit(t, types.OrderSideBuy, "10", "100")
	id := f.open(t)[0].ID

	var (
		wg     sync.WaitGroup
		closed atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		trigger := types.CloseTriggerUser
		if i%2 == 0 {
			trigger = types.CloseTriggerRiskEngine
		}
		go func() {
			defer wg.Done()
			res, err := f.svc.ClosePosition(context.Background(), id, dp("111"), trigger)
			if err == nil && !res.AlreadyClosed {
				closed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, closed.Load())
	w := f.wallet(t)
	assert.True(t, w.Balance.Equal(d("100110")), w.Balance.String())
	trades, err := f.svc.Trades(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestCloseMarketPriceAndOwnership(t *testing.T) {
	f := newFixture(t, "100000", Config{})
	f.limit(t, types.OrderSideBuy, "1", "2400")
	id := f.open(t)[0].ID

	_, err := f.svc.CloseUserPosition(context.Background(), "u2", id, nil)
	assert.ErrorIs(t, err, exception.ErrForbidden)

	_, err = f.svc.CloseUserPosition(context.Background(), "u1", "missing", nil)
	assert.ErrorIs(t, err, exception.ErrInvalidPosition)

	_, err = f.svc.CloseUserPosition(context.Background(), "u1", id, nil)
	assert.ErrorIs(t, err, exception.ErrPriceUnavailable)
	assert.Len(t, f.open(t), 1)

	f.quote(reliance, "2450")
	res, err := f.svc.CloseUserPosition(context.Background(), "u1", id, nil)
	require.NoError(t, err)
	assert.True(t, res.ClosePrice.Equal(d("2450")))
	assert.True(t, res.RealizedPnL.Equal(d("50")))
}

func TestUpdateRiskParams(t *testing.T) {
	f := newFixture(t, "100000", Config{})
	f.limit(t, types.OrderSideBuy, "10", "100")
	id := f.open(t)[0].ID
	ctx := context.Background()

	pos, err := f.svc.UpdateRiskParams(ctx, "u1", id, RiskUpdate{Target: dp("110"), StopLoss: dp("95")})
	require.NoError(t, err)
	assert.True(t, pos.Target.Equal(d("110")))
	assert.True(t, pos.Quantity.Equal(d("10")))
	assert.True(t, pos.AvgPrice.Equal(d("100")))

	_, err = f.svc.UpdateRiskParams(ctx, "u1", id, RiskUpdate{Target: dp("99")})
	assert.ErrorIs(t, err, exception.ErrInvalidRiskParams)
	_, err = f.svc.UpdateRiskParams(ctx, "u1", id, RiskUpdate{Target: dp("120"), ClearTarget: true})
	assert.ErrorIs(t, err, exception.ErrInvalidRiskParams)
	_, err = f.svc.UpdateRiskParams(ctx, "u2", id, RiskUpdate{Target: dp("120")})
	assert.ErrorIs(t, err, exception.ErrForbidden)

	pos, err = f.svc.UpdateRiskParams(ctx, "u1", id, RiskUpdate{Target: dp("115")})
	require.NoError(t, err)
	assert.True(t, pos.Target.Equal(d("115")))
	require.NotNil(t, pos.StopLoss, "omitted stop-loss is kept")
	assert.True(t, pos.StopLoss.Equal(d("95")))

	pos, err = f.svc.UpdateRiskParams(ctx, "u1", id, RiskUpdate{ClearTarget: true, StopLoss: dp("90")})
	require.NoError(t, err)
	assert.Nil(t, pos.Target)
	assert.True(t, pos.StopLoss.Equal(d("90")))

	_, err = f.svc.ClosePosition(ctx, id, dp("100"), types.CloseTriggerUser)
	require.NoError(t, err)
	_, err = f.svc.UpdateRiskParams(ctx, "u1", id, RiskUpdate{Target: dp("120")})
	assert.ErrorIs(t, err, exception.ErrInvalidPosition)
	_, err = f.svc.UpdateRiskParams(ctx, "u1", "missing", RiskUpdate{Target: dp("120")})
	assert.ErrorIs(t, err, exception.ErrInvalidPosition)
}

func TestBrokerage(t *testing.T) {
	f := newFixture(t, "1", Config{BrokerageFlat: d("20"), BrokerageRate: d("0.0003")})
	assert.True(t, f.svc.Brokerage(d("2450"), d("10")).Equal(d("27.35")))
}

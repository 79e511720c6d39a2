package marketdata

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"lv-papertrade/internal/model"

	"github.com/shopspring/decimal"
)

// SimUpstream generates a random walk per channel starting from the instrument's base price.
// It stands in for the broker when no feed URL is configured.
type SimUpstream struct {
	dir      Directory
	interval time.Duration

	mu     sync.Mutex
	last   map[model.ChannelKey]decimal.Decimal
	open   map[model.ChannelKey]decimal.Decimal
	volume map[model.ChannelKey]int64
}

func NewSimUpstream(dir Directory, interval time.Duration) *SimUpstream {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &SimUpstream{
		dir:      dir,
		interval: interval,
		last:     make(map[model.ChannelKey]decimal.Decimal),
		open:     make(map[model.ChannelKey]decimal.Decimal),
		volume:   make(map[model.ChannelKey]int64),
	}
}

var (
	simDefaultBase = decimal.NewFromInt(100)
	simSpread      = decimal.RequireFromString("0.0005")
	hundred        = decimal.NewFromInt(100)
)

func (s *SimUpstream) Stream(ctx context.Context, key model.ChannelKey, emit func(model.Tick)) error {
	s.seed(ctx, key)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		emit(s.step(key))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *SimUpstream) seed(ctx context.Context, key model.ChannelKey) {
	s.mu.Lock()
	_, ok := s.last[key]
	s.mu.Unlock()
	if ok {
		return
	}
	base := simDefaultBase
	if s.dir != nil {
		if it, err := s.dir.ByChannel(ctx, key); err == nil && it.BasePrice.IsPositive() {
			base = it.BasePrice
		}
	}
	s.mu.Lock()
	if _, ok := s.last[key]; !ok {
		s.last[key] = base
		s.open[key] = base
	}
	s.mu.Unlock()
}

func (s *SimUpstream) step(key model.ChannelKey) model.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.last[key]
	// +-0.1% per step
	move := decimal.NewFromFloat((rand.Float64() - 0.5) * 0.002)
	price := prev.Add(prev.Mul(move)).Round(2)
	if !price.IsPositive() {
		price = prev
	}
	s.last[key] = price
	s.volume[key] += int64(rand.Intn(500) + 1)

	half := price.Mul(simSpread).Round(2)
	open := s.open[key]
	change := decimal.Zero
	if open.IsPositive() {
		change = price.Sub(open).Div(open).Mul(hundred).Round(2)
	}
	return model.Tick{
		Exchange:      key.Exchange(),
		Token:         key.Token(),
		LastPrice:     price,
		PercentChange: change,
		Volume:        s.volume[key],
		Bid:           price.Sub(half),
		Ask:           price.Add(half),
		Timestamp:     time.Now().UTC(),
	}
}

package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/metrics"
	"lv-papertrade/internal/model"

	"go.uber.org/zap"
)

// Upstream streams ticks of one channel from the broker until ctx is done or the connection
// drops. A nil return without ctx being done counts as a disconnect.
type Upstream interface {
	Stream(ctx context.Context, key model.ChannelKey, emit func(model.Tick)) error
}

// TickListener receives every tick after it lands in the cache.
type TickListener interface {
	Publish(t model.Tick)
}

type FeedOptions struct {
	// Grace delays upstream teardown after the last release.
	Grace   time.Duration
	Backoff Backoff
	Logger  *zap.Logger
}

// FeedAdapter keeps exactly one upstream subscription per channel with at least one local
// reference, and writes normalized ticks into the TickCache.
type FeedAdapter struct {
	upstream Upstream
	cache    *TickCache
	grace    time.Duration
	backoff  Backoff
	logger   *zap.Logger

	listenersMu sync.RWMutex
	listeners   []TickListener

	mu     sync.Mutex
	subs   map[model.ChannelKey]*upstreamSub
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type upstreamSub struct {
	refs   int
	gen    uint64
	timer  *time.Timer
	cancel context.CancelFunc

	// cacheMu orders this subscription's cache writes against its teardown; once done is set
	// the run goroutine no longer touches the cache.
	cacheMu sync.Mutex
	done    bool
}

// write applies fn to the cache unless the subscription has been torn down.
func (s *upstreamSub) write(fn func()) bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.done {
		return false
	}
	fn()
	return true
}

func NewFeedAdapter(upstream Upstream, cache *TickCache, opt FeedOptions) *FeedAdapter {
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opt.Backoff == (Backoff{}) {
		opt.Backoff = DefaultBackoff()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FeedAdapter{
		upstream: upstream,
		cache:    cache,
		grace:    opt.Grace,
		backoff:  opt.Backoff,
		logger:   logger.Named("feed"),
		subs:     make(map[model.ChannelKey]*upstreamSub),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (a *FeedAdapter) AddListener(l TickListener) {
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, l)
	a.listenersMu.Unlock()
}

// EnsureSubscribed takes a reference on key, opening the upstream subscription for the first one.
func (a *FeedAdapter) EnsureSubscribed(key model.ChannelKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	s, ok := a.subs[key]
	if !ok {
		ctx, cancel := context.WithCancel(a.ctx)
		s = &upstreamSub{cancel: cancel}
		a.subs[key] = s
		a.wg.Add(1)
		go a.run(ctx, key, s)
		metrics.UpstreamSubscriptions.Inc()
		a.logger.Info("upstream subscribed", zap.String("channel", key.String()))
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.gen++
	}
	s.refs++
}

// Release drops a reference on key. The upstream subscription is torn down once the count
// stays at zero for the grace period.
func (a *FeedAdapter) Release(key model.ChannelKey) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.subs[key]
	if !ok || s.refs == 0 {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	if a.grace <= 0 {
		a.teardownLocked(key, s)
		return
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(a.grace, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if cur, ok := a.subs[key]; ok && cur == s && s.refs == 0 && s.gen == gen {
			a.teardownLocked(key, s)
		}
	})
}

func (a *FeedAdapter) teardownLocked(key model.ChannelKey, s *upstreamSub) {
	delete(a.subs, key)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.cacheMu.Lock()
	s.done = true
	a.cache.MarkStale(key)
	s.cacheMu.Unlock()
	s.cancel()
	metrics.UpstreamSubscriptions.Dec()
	a.logger.Info("upstream released", zap.String("channel", key.String()))
}

// Refs returns the reference count of key; zero means no upstream subscription.
func (a *FeedAdapter) Refs(key model.ChannelKey) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.subs[key]; ok {
		return s.refs
	}
	return 0
}

// Active returns the number of channels with an upstream subscription, including those
// waiting out their grace period.
func (a *FeedAdapter) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs)
}

// Close tears down every upstream subscription and waits for their goroutines.
func (a *FeedAdapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for key, s := range a.subs {
		a.teardownLocked(key, s)
	}
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

func (a *FeedAdapter) run(ctx context.Context, key model.ChannelKey, sub *upstreamSub) {
	defer a.wg.Done()
	attempt := 0
	for {
		var received atomic.Bool
		err := a.upstream.Stream(ctx, key, func(t model.Tick) {
			received.Store(true)
			a.accept(sub, key, t)
		})
		if ctx.Err() != nil {
			return
		}
		if received.Load() {
			attempt = 0
		}
		attempt++
		sub.write(func() { a.cache.MarkStale(key) })
		metrics.UpstreamReconnects.Inc()
		wait := a.backoff.Next(attempt)
		a.logger.Warn("upstream disconnected",
			zap.String("channel", key.String()),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", wait),
			zap.Error(errors.Join(exception.ErrUpstreamFeedDown, err)),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// accept drops ticks that arrive after the subscription was torn down, so a late frame
// cannot clear the stale flag with no upstream behind it.
func (a *FeedAdapter) accept(sub *upstreamSub, key model.ChannelKey, t model.Tick) {
	t.Exchange = key.Exchange()
	t.Token = key.Token()
	t.Stale = false
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if !sub.write(func() { a.cache.Set(key, t) }) {
		return
	}
	metrics.TicksReceived.WithLabelValues(t.Exchange).Inc()

	a.listenersMu.RLock()
	defer a.listenersMu.RUnlock()
	for _, l := range a.listeners {
		l.Publish(t)
	}
}

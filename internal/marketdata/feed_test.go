package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"lv-papertrade/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeUpstream struct {
	mu     sync.Mutex
	active map[model.ChannelKey]int
	starts map[model.ChannelKey]int
	feeds  map[model.ChannelKey]chan model.Tick
	fails  map[model.ChannelKey]chan error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		active: make(map[model.ChannelKey]int),
		starts: make(map[model.ChannelKey]int),
		feeds:  make(map[model.ChannelKey]chan model.Tick),
		fails:  make(map[model.ChannelKey]chan error),
	}
}

func (f *fakeUpstream) chans(key model.ChannelKey) (chan model.Tick, chan error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.feeds[key]; !ok {
		f.feeds[key] = make(chan model.Tick, 16)
		f.fails[key] = make(chan error, 1)
	}
	return f.feeds[key], f.fails[key]
}

func (f *fakeUpstream) push(key model.ChannelKey, t model.Tick) {
	ch, _ := f.chans(key)
	ch <- t
}

func (f *fakeUpstream) drop(key model.ChannelKey, err error) {
	_, fail := f.chans(key)
	fail <- err
}

func (f *fakeUpstream) Stream(ctx context.Context, key model.ChannelKey, emit func(model.Tick)) error {
	ticks, fail := f.chans(key)
	f.mu.Lock()
	f.active[key]++
	f.starts[key]++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active[key]--
		f.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-fail:
			return err
		case t := <-ticks:
			emit(t)
		}
	}
}

func (f *fakeUpstream) Active(key model.ChannelKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[key]
}

func (f *fakeUpstream) Starts(key model.ChannelKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[key]
}

type recordListener struct {
	mu    sync.Mutex
	ticks []model.Tick
}

func (r *recordListener) Publish(t model.Tick) {
	r.mu.Lock()
	r.ticks = append(r.ticks, t)
	r.mu.Unlock()
}

func (r *recordListener) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func newTestFeed(t *testing.T, up Upstream, grace time.Duration) (*FeedAdapter, *TickCache) {
	t.Helper()
	cache := NewTickCache()
	a := NewFeedAdapter(up, cache, FeedOptions{
		Grace:   grace,
		Backoff: Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
		Logger:  zaptest.NewLogger(t),
	})
	t.Cleanup(a.Close)
	return a, cache
}

func TestFeedAdapterOneUpstreamPerChannel(t *testing.T) {
	up := newFakeUpstream()
	a, cache := newTestFeed(t, up, 20*time.Millisecond)

	a.EnsureSubscribed(testKey)
	a.EnsureSubscribed(testKey)
	require.Eventually(t, func() bool { return up.Active(testKey) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, a.Refs(testKey))
	assert.Equal(t, 1, up.Starts(testKey))

	up.push(testKey, model.Tick{LastPrice: decimal.NewFromInt(100)})
	require.Eventually(t, func() bool { _, ok := cache.Get(testKey); return ok }, time.Second, time.Millisecond)

	a.Release(testKey)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, up.Active(testKey))

	a.Release(testKey)
	require.Eventually(t, func() bool { return up.Active(testKey) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, a.Active())

	got, ok := cache.Get(testKey)
	require.True(t, ok)
	assert.True(t, got.Stale)
}

func TestFeedAdapterResubscribeWithinGraceKeepsUpstream(t *testing.T) {
	up := newFakeUpstream()
	a, _ := newTestFeed(t, up, 100*time.Millisecond)

	a.EnsureSubscribed(testKey)
	require.Eventually(t, func() bool { return up.Active(testKey) == 1 }, time.Second, time.Millisecond)

	a.Release(testKey)
	a.EnsureSubscribed(testKey)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, up.Active(testKey))
	assert.Equal(t, 1, up.Starts(testKey))
	assert.Equal(t, 1, a.Refs(testKey))
}

func TestFeedAdapterReleaseWithoutGrace(t *testing.T) {
	up := newFakeUpstream()
	a, _ := newTestFeed(t, up, 0)

	a.EnsureSubscribed(testKey)
	require.Eventually(t, func() bool { return up.Active(testKey) == 1 }, time.Second, time.Millisecond)
	a.Release(testKey)
	a.Release(testKey)
	require.Eventually(t, func() bool { return up.Active(testKey) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, a.Refs(testKey))
}

func TestFeedAdapterNormalizesAndNotifiesListeners(t *testing.T) {
	up := newFakeUpstream()
	a, cache := newTestFeed(t, up, time.Second)
	l := &recordListener{}
	a.AddListener(l)

	a.EnsureSubscribed(testKey)
	up.push(testKey, model.Tick{LastPrice: decimal.NewFromInt(250), Stale: true})

	require.Eventually(t, func() bool { return l.Len() == 1 }, time.Second, time.Millisecond)
	got, ok := cache.Get(testKey)
	require.True(t, ok)
	assert.Equal(t, "NSE", got.Exchange)
	assert.Equal(t, "2885", got.Token)
	assert.False(t, got.Stale)
	assert.False(t, got.Timestamp.IsZero())
}

func TestFeedAdapterDisconnectMarksStaleAndReconnects(t *testing.T) {
	up := newFakeUpstream()
	cache := NewTickCache()
	a := NewFeedAdapter(up, cache, FeedOptions{
		Grace:   time.Second,
		Backoff: Backoff{Min: 150 * time.Millisecond, Max: 150 * time.Millisecond, Factor: 2},
		Logger:  zaptest.NewLogger(t),
	})
	t.Cleanup(a.Close)

	a.EnsureSubscribed(testKey)
	up.push(testKey, model.Tick{LastPrice: decimal.NewFromInt(100)})
	require.Eventually(t, func() bool { _, err := cache.Fresh(testKey); return err == nil }, time.Second, time.Millisecond)

	up.drop(testKey, errors.New("connection reset"))
	require.Eventually(t, func() bool {
		got, _ := cache.Get(testKey)
		return got.Stale
	}, 100*time.Millisecond, time.Millisecond)
	require.Eventually(t, func() bool { return up.Starts(testKey) == 2 }, time.Second, 5*time.Millisecond)

	up.push(testKey, model.Tick{LastPrice: decimal.NewFromInt(101)})
	require.Eventually(t, func() bool {
		got, err := cache.Fresh(testKey)
		return err == nil && got.LastPrice.Equal(decimal.NewFromInt(101))
	}, time.Second, time.Millisecond)
}

func TestFeedAdapterCloseStopsEverything(t *testing.T) {
	up := newFakeUpstream()
	cache := NewTickCache()
	a := NewFeedAdapter(up, cache, FeedOptions{Grace: time.Minute})
	other := model.NewChannelKey("NSE", "1594")

	a.EnsureSubscribed(testKey)
	a.EnsureSubscribed(other)
	require.Eventually(t, func() bool { return up.Active(testKey) == 1 && up.Active(other) == 1 }, time.Second, time.Millisecond)

	a.Close()
	assert.Equal(t, 0, up.Active(testKey))
	assert.Equal(t, 0, up.Active(other))
	assert.Equal(t, 0, a.Active())

	a.EnsureSubscribed(testKey)
	assert.Equal(t, 0, a.Active())
}

// lingeringUpstream delivers one more frame after its context is cancelled, the way a read
// already in flight finishes after the socket is closed.
type lingeringUpstream struct {
	late chan struct{}
}

func (u *lingeringUpstream) Stream(ctx context.Context, key model.ChannelKey, emit func(model.Tick)) error {
	emit(model.Tick{LastPrice: decimal.NewFromInt(100)})
	<-ctx.Done()
	emit(model.Tick{LastPrice: decimal.NewFromInt(101)})
	close(u.late)
	return ctx.Err()
}

func TestFeedAdapterDropsTicksAfterTeardown(t *testing.T) {
	up := &lingeringUpstream{late: make(chan struct{})}
	a, cache := newTestFeed(t, up, 0)
	rec := &recordListener{}
	a.AddListener(rec)

	a.EnsureSubscribed(testKey)
	require.Eventually(t, func() bool { _, err := cache.Fresh(testKey); return err == nil }, time.Second, time.Millisecond)

	a.Release(testKey)
	select {
	case <-up.late:
	case <-time.After(time.Second):
		t.Fatal("upstream did not deliver its late frame")
	}

	got, ok := cache.Get(testKey)
	require.True(t, ok)
	assert.True(t, got.Stale)
	assert.True(t, got.LastPrice.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 1, rec.Len())
}

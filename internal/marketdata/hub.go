package marketdata

import (
	"context"
	"sync"
	"sync/atomic"

	"lv-papertrade/internal/metrics"
	"lv-papertrade/internal/model"

	"go.uber.org/zap"
)

// ChannelRefs is the reference-counting side of the feed adapter.
type ChannelRefs interface {
	EnsureSubscribed(key model.ChannelKey)
	Release(key model.ChannelKey)
}

// Hub fans ticks out to live subscribers. Delivery is non-blocking: a subscriber whose
// buffer is full misses that tick and the publisher moves on.
type Hub struct {
	refs   ChannelRefs
	cache  *TickCache
	buffer int
	logger *zap.Logger

	mu        sync.RWMutex
	byChannel map[model.ChannelKey]map[*Subscription]struct{}
	count     int
}

type Subscription struct {
	ID       string
	Channels []model.ChannelKey

	hub     *Hub
	ch      chan model.Tick
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// C delivers the initial snapshot first, then live ticks. It is closed on unsubscribe.
func (s *Subscription) C() <-chan model.Tick { return s.ch }

// Done is closed once the subscription has been torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

func NewHub(refs ChannelRefs, cache *TickCache, buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		refs:      refs,
		cache:     cache,
		buffer:    buffer,
		logger:    logger.Named("hub"),
		byChannel: make(map[model.ChannelKey]map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber for keys and takes a feed reference on each of them. The
// subscription ends when ctx is done or Close is called, whichever comes first.
func (h *Hub) Subscribe(ctx context.Context, id string, keys []model.ChannelKey) *Subscription {
	snapshot := h.cache.Snapshot(keys)
	size := h.buffer
	if len(snapshot) > size {
		size = len(snapshot) + h.buffer
	}
	sub := &Subscription{
		ID:       id,
		Channels: keys,
		hub:      h,
		ch:       make(chan model.Tick, size),
		done:     make(chan struct{}),
	}
	for _, t := range snapshot {
		sub.ch <- t
	}

	h.mu.Lock()
	for _, k := range keys {
		set, ok := h.byChannel[k]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.byChannel[k] = set
		}
		set[sub] = struct{}{}
	}
	h.count++
	h.mu.Unlock()

	for _, k := range keys {
		h.refs.EnsureSubscribed(k)
	}
	metrics.StreamSubscribers.Inc()
	h.logger.Debug("subscriber joined", zap.String("subscriber", id), zap.Int("channels", len(keys)))

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	for _, k := range sub.Channels {
		if set, ok := h.byChannel[k]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.byChannel, k)
			}
		}
	}
	h.count--
	close(sub.ch)
	h.mu.Unlock()
	close(sub.done)

	for _, k := range sub.Channels {
		h.refs.Release(k)
	}
	metrics.StreamSubscribers.Dec()
	h.logger.Debug("subscriber left",
		zap.String("subscriber", sub.ID),
		zap.Int64("dropped", sub.dropped.Load()),
	)
}

// Publish implements TickListener.
func (h *Hub) Publish(t model.Tick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.byChannel[t.Channel()] {
		select {
		case sub.ch <- t:
		default:
			sub.dropped.Add(1)
			metrics.TicksDropped.Inc()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

package marketdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/model"
)

// TickCache holds the latest tick per channel. Each channel has its own slot; reads are
// atomic snapshot loads and never wait on writers.
type TickCache struct {
	slots sync.Map // model.ChannelKey -> *tickSlot
}

type tickSlot struct {
	tick atomic.Pointer[model.Tick]

	mu sync.Mutex
	// fresh is closed and replaced on every non-stale Set.
	fresh chan struct{}
}

func NewTickCache() *TickCache {
	return &TickCache{}
}

func (c *TickCache) slot(key model.ChannelKey) *tickSlot {
	if v, ok := c.slots.Load(key); ok {
		return v.(*tickSlot)
	}
	v, _ := c.slots.LoadOrStore(key, &tickSlot{fresh: make(chan struct{})})
	return v.(*tickSlot)
}

// Get returns the latest tick for key, including stale ones.
func (c *TickCache) Get(key model.ChannelKey) (model.Tick, bool) {
	v, ok := c.slots.Load(key)
	if !ok {
		return model.Tick{}, false
	}
	p := v.(*tickSlot).tick.Load()
	if p == nil {
		return model.Tick{}, false
	}
	return *p, true
}

// Set overwrites the slot unconditionally.
func (c *TickCache) Set(key model.ChannelKey, t model.Tick) {
	s := c.slot(key)
	s.tick.Store(&t)
	if t.Stale {
		return
	}
	s.mu.Lock()
	close(s.fresh)
	s.fresh = make(chan struct{})
	s.mu.Unlock()
}

func (s *tickSlot) notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fresh
}

// MarkStale flags the cached tick as outdated. It reports whether a fresh tick was flagged.
func (c *TickCache) MarkStale(key model.ChannelKey) bool {
	v, ok := c.slots.Load(key)
	if !ok {
		return false
	}
	s := v.(*tickSlot)
	for {
		cur := s.tick.Load()
		if cur == nil || cur.Stale {
			return false
		}
		next := *cur
		next.Stale = true
		if s.tick.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// Fresh returns the tick for key only when it exists and is not stale.
func (c *TickCache) Fresh(key model.ChannelKey) (model.Tick, error) {
	t, ok := c.Get(key)
	if !ok {
		return model.Tick{}, fmt.Errorf("no tick for %s: %w", key, exception.ErrPriceUnavailable)
	}
	if t.Stale {
		return model.Tick{}, fmt.Errorf("stale tick for %s: %w", key, exception.ErrPriceUnavailable)
	}
	return t, nil
}

// WaitFresh returns the cached tick for key as soon as it is not stale, blocking until a
// fresh tick is set or ctx is done.
func (c *TickCache) WaitFresh(ctx context.Context, key model.ChannelKey) (model.Tick, error) {
	s := c.slot(key)
	for {
		ch := s.notify()
		if p := s.tick.Load(); p != nil && !p.Stale {
			return *p, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return model.Tick{}, fmt.Errorf("waiting for fresh tick for %s: %w", key, exception.ErrPriceUnavailable)
		}
	}
}

// Snapshot returns the cached ticks of the requested channels that have ever received one.
func (c *TickCache) Snapshot(keys []model.ChannelKey) []model.Tick {
	out := make([]model.Tick, 0, len(keys))
	for _, k := range keys {
		if t, ok := c.Get(k); ok {
			out = append(out, t)
		}
	}
	return out
}

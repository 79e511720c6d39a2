package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory keeps everything in process. Transactions run one at a time and their writes are
// applied only when the callback returns nil.
type Memory struct {
	mu        sync.Mutex
	opening   decimal.Decimal
	wallets   map[string]model.WalletAccount
	positions map[string]model.Position
	orders    []model.Order
	trades    []model.Trade
}

func NewMemory(openingBalance decimal.Decimal) *Memory {
	return &Memory{
		opening:   openingBalance,
		wallets:   make(map[string]model.WalletAccount),
		positions: make(map[string]model.Position),
	}
}

type memTx struct {
	m         *Memory
	wallets   map[string]model.WalletAccount
	positions map[string]model.Position
	orders    []model.Order
	trades    []model.Trade
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{
		m:         m,
		wallets:   make(map[string]model.WalletAccount),
		positions: make(map[string]model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k, w := range tx.wallets {
		m.wallets[k] = w
	}
	for k, p := range tx.positions {
		m.positions[k] = p
	}
	m.orders = append(m.orders, tx.orders...)
	m.trades = append(m.trades, tx.trades...)
	return nil
}

func (t *memTx) WalletForUpdate(_ context.Context, userID string) (model.WalletAccount, error) {
	if w, ok := t.wallets[userID]; ok {
		return w, nil
	}
	if w, ok := t.m.wallets[userID]; ok {
		return w, nil
	}
	w := model.WalletAccount{UserID: userID, Balance: t.m.opening, UpdatedAt: time.Now().UTC()}
	t.wallets[userID] = w
	return w, nil
}

func (t *memTx) SaveWallet(_ context.Context, w model.WalletAccount) error {
	if w.Balance.IsNegative() || w.UsedMargin.IsNegative() {
		return fmt.Errorf("wallet %s would go negative", w.UserID)
	}
	w.UpdatedAt = time.Now().UTC()
	t.wallets[w.UserID] = w
	return nil
}

func (t *memTx) position(id string) (model.Position, bool) {
	if p, ok := t.positions[id]; ok {
		return p, true
	}
	p, ok := t.m.positions[id]
	return p, ok
}

func (t *memTx) OpenPositionForUpdate(_ context.Context, userID, symbol string) (model.Position, bool, error) {
	for id, p := range t.positions {
		if p.UserID == userID && p.Symbol == symbol && p.Open() {
			return t.positions[id], true, nil
		}
	}
	for id, p := range t.m.positions {
		if _, staged := t.positions[id]; staged {
			continue
		}
		if p.UserID == userID && p.Symbol == symbol && p.Open() {
			return p, true, nil
		}
	}
	return model.Position{}, false, nil
}

func (t *memTx) PositionForUpdate(_ context.Context, id string) (model.Position, error) {
	p, ok := t.position(id)
	if !ok {
		return model.Position{}, fmt.Errorf("position %s: %w", id, exception.ErrNotFound)
	}
	return p, nil
}

func (t *memTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := t.position(p.ID); exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	if p.Open() {
		if _, ok, _ := t.OpenPositionForUpdate(ctx, p.UserID, p.Symbol); ok {
			return fmt.Errorf("open position for %s/%s already exists", p.UserID, p.Symbol)
		}
	}
	t.positions[p.ID] = *p
	return nil
}

func (t *memTx) UpdatePosition(_ context.Context, p model.Position) error {
	if _, ok := t.position(p.ID); !ok {
		return fmt.Errorf("position %s: %w", p.ID, exception.ErrNotFound)
	}
	t.positions[p.ID] = p
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	t.orders = append(t.orders, *o)
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	t.trades = append(t.trades, *tr)
	return nil
}

func (m *Memory) Position(_ context.Context, id string) (model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return model.Position{}, fmt.Errorf("position %s: %w", id, exception.ErrNotFound)
	}
	return p, nil
}

func (m *Memory) Positions(_ context.Context, userID string, status types.PositionStatus) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Position, 0)
	for _, p := range m.positions {
		if p.UserID != userID || (status != "" && p.Status != status) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) TriggeredPositions(_ context.Context) ([]model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Position, 0)
	for _, p := range m.positions {
		if p.Open() && p.HasTriggers() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (m *Memory) Orders(_ context.Context, userID string, limit int) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	out := make([]model.Order, 0)
	for i := len(m.orders) - 1; i >= 0 && len(out) < limit; i-- {
		if m.orders[i].UserID == userID {
			out = append(out, m.orders[i])
		}
	}
	return out, nil
}

func (m *Memory) Trades(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	out := make([]model.Trade, 0)
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if m.trades[i].UserID == userID {
			out = append(out, m.trades[i])
		}
	}
	return out, nil
}

func (m *Memory) Wallet(_ context.Context, userID string) (model.WalletAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return model.WalletAccount{}, fmt.Errorf("wallet %s: %w", userID, exception.ErrNotFound)
	}
	return w, nil
}

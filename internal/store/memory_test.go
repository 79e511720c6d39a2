package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPosition(userID, symbol string) *model.Position {
	return &model.Position{
		UserID:   userID,
		Symbol:   symbol,
		Channel:  model.NewChannelKey("NSE", "2885"),
		Side:     types.OrderSideBuy,
		Quantity: decimal.NewFromInt(10),
		AvgPrice: decimal.NewFromInt(100),
		Status:   types.PositionStatusOpen,
		OpenedAt: time.Now().UTC(),
	}
}

func TestMemoryCommitAppliesWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(decimal.NewFromInt(1000))

	var posID string
	err := m.InTx(ctx, func(tx Tx) error {
		w, err := tx.WalletForUpdate(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, w.Balance.Equal(decimal.NewFromInt(1000)))
		w.UsedMargin = decimal.NewFromInt(100)
		require.NoError(t, tx.SaveWallet(ctx, w))

		p := openPosition("u1", "RELIANCE")
		require.NoError(t, tx.InsertPosition(ctx, p))
		posID = p.ID
		o := &model.Order{UserID: "u1", Symbol: "RELIANCE", Status: types.OrderStatusFilled}
		require.NoError(t, tx.InsertOrder(ctx, o))
		assert.NotEmpty(t, o.ID)
		return tx.InsertTrade(ctx, &model.Trade{UserID: "u1", OrderID: o.ID, PositionID: p.ID})
	})
	require.NoError(t, err)

	w, err := m.Wallet(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, w.Available().Equal(decimal.NewFromInt(900)))

	p, err := m.Position(ctx, posID)
	require.NoError(t, err)
	assert.True(t, p.Open())

	orders, _ := m.Orders(ctx, "u1", 0)
	trades, _ := m.Trades(ctx, "u1", 0)
	assert.Len(t, orders, 1)
	assert.Len(t, trades, 1)
}

func TestMemoryErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(decimal.NewFromInt(1000))
	boom := errors.New("boom")

	err := m.InTx(ctx, func(tx Tx) error {
		w, _ := tx.WalletForUpdate(ctx, "u1")
		w.Balance = decimal.Zero
		_ = tx.SaveWallet(ctx, w)
		_ = tx.InsertPosition(ctx, openPosition("u1", "RELIANCE"))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = m.Wallet(ctx, "u1")
	assert.ErrorIs(t, err, exception.ErrNotFound)
	open, _ := m.Positions(ctx, "u1", types.PositionStatusOpen)
	assert.Empty(t, open)
}

func TestMemoryOneOpenPositionPerSymbol(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(decimal.NewFromInt(1000))
	first := openPosition("u1", "RELIANCE")
	require.NoError(t, m.InTx(ctx, func(tx Tx) error { return tx.InsertPosition(ctx, first) }))

	err := m.InTx(ctx, func(tx Tx) error { return tx.InsertPosition(ctx, openPosition("u1", "RELIANCE")) })
	assert.Error(t, err)

	err = m.InTx(ctx, func(tx Tx) error {
		p, ok, err := tx.OpenPositionForUpdate(ctx, "u1", "RELIANCE")
		require.NoError(t, err)
		require.True(t, ok)
		p.Status = types.PositionStatusClosed
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return err
		}
		_, ok, _ = tx.OpenPositionForUpdate(ctx, "u1", "RELIANCE")
		assert.False(t, ok)
		return tx.InsertPosition(ctx, openPosition("u1", "RELIANCE"))
	})
	require.NoError(t, err)

	all, _ := m.Positions(ctx, "u1", "")
	assert.Len(t, all, 2)
	open, _ := m.Positions(ctx, "u1", types.PositionStatusOpen)
	assert.Len(t, open, 1)
}

func TestMemoryTriggeredPositions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(decimal.NewFromInt(1000))
	target := decimal.NewFromInt(110)

	withTarget := openPosition("u1", "RELIANCE")
	withTarget.Target = &target
	plain := openPosition("u2", "RELIANCE")
	closed := openPosition("u3", "RELIANCE")
	closed.Target = &target
	closed.Status = types.PositionStatusClosed

	require.NoError(t, m.InTx(ctx, func(tx Tx) error {
		for _, p := range []*model.Position{withTarget, plain, closed} {
			if err := tx.InsertPosition(ctx, p); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := m.TriggeredPositions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, withTarget.ID, got[0].ID)
}

func TestMemoryRejectsNegativeWallet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(decimal.NewFromInt(10))
	err := m.InTx(ctx, func(tx Tx) error {
		w, _ := tx.WalletForUpdate(ctx, "u1")
		w.Balance = decimal.NewFromInt(-1)
		return tx.SaveWallet(ctx, w)
	})
	assert.Error(t, err)
}

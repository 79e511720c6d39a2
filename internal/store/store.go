// Package store persists orders, positions, trades and wallets.
package store

import (
	"context"

	"lv-papertrade/internal/model"
	"lv-papertrade/internal/types"
)

// Store is the read side plus the transaction entry point. Read methods must not be called
// from inside an InTx callback; use the Tx instead.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Position(ctx context.Context, id string) (model.Position, error)
	// Positions lists a user's positions, newest first. An empty status lists all.
	Positions(ctx context.Context, userID string, status types.PositionStatus) ([]model.Position, error)
	// TriggeredPositions lists OPEN positions with a target or stop-loss across all users.
	TriggeredPositions(ctx context.Context) ([]model.Position, error)
	Orders(ctx context.Context, userID string, limit int) ([]model.Order, error)
	Trades(ctx context.Context, userID string, limit int) ([]model.Trade, error)
	Wallet(ctx context.Context, userID string) (model.WalletAccount, error)
}

// Tx is a unit of work. Rows read through the *ForUpdate methods stay locked until commit.
type Tx interface {
	// WalletForUpdate creates the wallet with the opening balance on first use.
	WalletForUpdate(ctx context.Context, userID string) (model.WalletAccount, error)
	SaveWallet(ctx context.Context, w model.WalletAccount) error

	// OpenPositionForUpdate returns the user's OPEN position on symbol, if any.
	OpenPositionForUpdate(ctx context.Context, userID, symbol string) (model.Position, bool, error)
	PositionForUpdate(ctx context.Context, id string) (model.Position, error)
	// InsertPosition assigns p.ID when empty.
	InsertPosition(ctx context.Context, p *model.Position) error
	UpdatePosition(ctx context.Context, p model.Position) error

	// InsertOrder assigns o.ID when empty.
	InsertOrder(ctx context.Context, o *model.Order) error
	// InsertTrade assigns t.ID when empty.
	InsertTrade(ctx context.Context, t *model.Trade) error
}

const DefaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}

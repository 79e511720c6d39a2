package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres runs each transaction at read committed; rows that are mutated are always read
// with "for update" first.
type Postgres struct {
	pool    *pgxpool.Pool
	opening decimal.Decimal
}

func NewPostgres(pool *pgxpool.Pool, openingBalance decimal.Decimal) *Postgres {
	return &Postgres{pool: pool, opening: openingBalance}
}

type pgTx struct {
	tx      pgx.Tx
	opening decimal.Decimal
}

func (s *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(&pgTx{tx: tx, opening: s.opening}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const positionColumns = `id::text, user_id, symbol, channel, side, quantity, avg_price, margin, target, stop_loss,
	status, realized_pnl, close_price, closed_by, coalesce(close_trade_id::text, ''), opened_at, closed_at`

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var channel, side, status, closedBy string
	err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &channel, &side, &p.Quantity, &p.AvgPrice, &p.Margin,
		&p.Target, &p.StopLoss, &status, &p.RealizedPnL, &p.ClosePrice, &closedBy, &p.CloseTradeID,
		&p.OpenedAt, &p.ClosedAt)
	if err != nil {
		return p, err
	}
	p.Channel = model.ChannelKey(channel)
	p.Side = types.OrderSide(side)
	p.Status = types.PositionStatus(status)
	p.ClosedBy = types.CloseTrigger(closedBy)
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()
	out := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) WalletForUpdate(ctx context.Context, userID string) (model.WalletAccount, error) {
	_, err := t.tx.Exec(ctx, `
		insert into wallets (user_id, balance, used_margin, updated_at)
		values ($1, $2, 0, $3)
		on conflict (user_id) do nothing
	`, userID, t.opening, time.Now().UTC())
	if err != nil {
		return model.WalletAccount{}, err
	}
	var w model.WalletAccount
	err = t.tx.QueryRow(ctx,
		"select user_id, balance, used_margin, updated_at from wallets where user_id = $1 for update",
		userID).Scan(&w.UserID, &w.Balance, &w.UsedMargin, &w.UpdatedAt)
	return w, err
}

func (t *pgTx) SaveWallet(ctx context.Context, w model.WalletAccount) error {
	_, err := t.tx.Exec(ctx,
		"update wallets set balance = $1, used_margin = $2, updated_at = $3 where user_id = $4",
		w.Balance, w.UsedMargin, time.Now().UTC(), w.UserID)
	return err
}

func (t *pgTx) OpenPositionForUpdate(ctx context.Context, userID, symbol string) (model.Position, bool, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx,
		"select "+positionColumns+" from positions where user_id = $1 and symbol = $2 and status = 'OPEN' for update",
		userID, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, err
	}
	return p, true, nil
}

func (t *pgTx) PositionForUpdate(ctx context.Context, id string) (model.Position, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Position{}, fmt.Errorf("position %s: %w", id, exception.ErrNotFound)
	}
	p, err := scanPosition(t.tx.QueryRow(ctx,
		"select "+positionColumns+" from positions where id = $1 for update", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, fmt.Errorf("position %s: %w", id, exception.ErrNotFound)
	}
	return p, err
}

func nullableID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		insert into positions (id, user_id, symbol, channel, side, quantity, avg_price, margin, target, stop_loss,
			status, realized_pnl, close_price, closed_by, close_trade_id, opened_at, closed_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, p.ID, p.UserID, p.Symbol, p.Channel.String(), string(p.Side), p.Quantity, p.AvgPrice, p.Margin,
		p.Target, p.StopLoss, string(p.Status), p.RealizedPnL, p.ClosePrice, string(p.ClosedBy),
		nullableID(p.CloseTradeID), p.OpenedAt, p.ClosedAt)
	return err
}

func (t *pgTx) UpdatePosition(ctx context.Context, p model.Position) error {
	tag, err := t.tx.Exec(ctx, `
		update positions
		set quantity = $1, avg_price = $2, margin = $3, target = $4, stop_loss = $5, status = $6,
			realized_pnl = $7, close_price = $8, closed_by = $9, close_trade_id = $10, closed_at = $11
		where id = $12
	`, p.Quantity, p.AvgPrice, p.Margin, p.Target, p.StopLoss, string(p.Status), p.RealizedPnL,
		p.ClosePrice, string(p.ClosedBy), nullableID(p.CloseTradeID), p.ClosedAt, p.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, exception.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		insert into orders (id, user_id, symbol, side, order_type, status, quantity, requested_price,
			filled_price, filled_qty, reason, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, o.ID, o.UserID, o.Symbol, string(o.Side), string(o.Type), string(o.Status), o.Quantity,
		o.RequestedPrice, o.FilledPrice, o.FilledQty, o.Reason, o.CreatedAt)
	return err
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	_, err := t.tx.Exec(ctx, `
		insert into trades (id, order_id, position_id, user_id, symbol, side, quantity, price, brokerage,
			pnl, trigger, executed_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, tr.ID, nullableID(tr.OrderID), nullableID(tr.PositionID), tr.UserID, tr.Symbol, string(tr.Side),
		tr.Quantity, tr.Price, tr.Brokerage, tr.PnL, string(tr.Trigger), tr.ExecutedAt)
	return err
}

func (s *Postgres) Position(ctx context.Context, id string) (model.Position, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Position{}, fmt.Errorf("position %s: %w", id, exception.ErrNotFound)
	}
	p, err := scanPosition(s.pool.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, fmt.Errorf("position %s: %w", id, exception.ErrNotFound)
	}
	return p, err
}

func (s *Postgres) Positions(ctx context.Context, userID string, status types.PositionStatus) ([]model.Position, error) {
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx,
			"select "+positionColumns+" from positions where user_id = $1 order by opened_at desc", userID)
	} else {
		rows, err = s.pool.Query(ctx,
			"select "+positionColumns+" from positions where user_id = $1 and status = $2 order by opened_at desc",
			userID, string(status))
	}
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

func (s *Postgres) TriggeredPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, "select "+positionColumns+` from positions
		where status = 'OPEN' and (target is not null or stop_loss is not null)
		order by opened_at asc`)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

func (s *Postgres) Orders(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, `
		select id::text, user_id, symbol, side, order_type, status, quantity, requested_price, filled_price,
			filled_qty, reason, created_at
		from orders where user_id = $1 order by created_at desc limit $2
	`, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Order, 0)
	for rows.Next() {
		var o model.Order
		var side, typ, status string
		if err := rows.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &typ, &status, &o.Quantity, &o.RequestedPrice,
			&o.FilledPrice, &o.FilledQty, &o.Reason, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Side = types.OrderSide(side)
		o.Type = types.OrderType(typ)
		o.Status = types.OrderStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Postgres) Trades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, `
		select id::text, coalesce(order_id::text, ''), coalesce(position_id::text, ''), user_id, symbol, side,
			quantity, price, brokerage, pnl, trigger, executed_at
		from trades where user_id = $1 order by executed_at desc limit $2
	`, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Trade, 0)
	for rows.Next() {
		var tr model.Trade
		var side, trigger string
		if err := rows.Scan(&tr.ID, &tr.OrderID, &tr.PositionID, &tr.UserID, &tr.Symbol, &side, &tr.Quantity,
			&tr.Price, &tr.Brokerage, &tr.PnL, &trigger, &tr.ExecutedAt); err != nil {
			return nil, err
		}
		tr.Side = types.OrderSide(side)
		tr.Trigger = types.CloseTrigger(trigger)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Postgres) Wallet(ctx context.Context, userID string) (model.WalletAccount, error) {
	var w model.WalletAccount
	err := s.pool.QueryRow(ctx,
		"select user_id, balance, used_margin, updated_at from wallets where user_id = $1",
		userID).Scan(&w.UserID, &w.Balance, &w.UsedMargin, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return w, fmt.Errorf("wallet %s: %w", userID, exception.ErrNotFound)
	}
	return w, err
}

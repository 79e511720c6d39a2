package orders

import (
	"context"
	"time"

	"lv-papertrade/internal/ledger"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/store"
	"lv-papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// scale matches the numeric columns positions and wallets are stored with.
const scale = 8

type fillRequest struct {
	order      *model.Order
	instrument model.Instrument
	price      decimal.Decimal
	brokerage  decimal.Decimal
	target     *decimal.Decimal
	stopLoss   *decimal.Decimal
}

// applyFill nets the order against the user's open position on the symbol. Same side adds
// to it, opposite side reduces it and any excess opens a new position on the order's side.
func (s *Service) applyFill(ctx context.Context, tx store.Tx, f fillRequest) error {
	o := f.order
	now := s.now()
	price := f.price
	o.Status = types.OrderStatusFilled
	o.FilledPrice = &price
	o.FilledQty = o.Quantity

	pos, exists, err := tx.OpenPositionForUpdate(ctx, o.UserID, o.Symbol)
	if err != nil {
		return err
	}
	if exists {
		unlock := s.posLocks.Lock(pos.ID)
		defer unlock()
	}

	var trades []model.Trade
	switch {
	case !exists:
		_, tr, err := s.open(ctx, tx, f, o.Quantity, f.brokerage, now)
		if err != nil {
			return err
		}
		trades = append(trades, tr)
	case pos.Side == o.Side:
		tr, err := s.increase(ctx, tx, &pos, f, now)
		if err != nil {
			return err
		}
		trades = append(trades, tr)
	default:
		closeQty := decimal.Min(pos.Quantity, o.Quantity)
		excess := o.Quantity.Sub(closeQty)
		tr, err := s.realize(ctx, tx, &pos, closeQty, price, f.brokerage, types.CloseTriggerUser, o.ID, now)
		if err != nil {
			return err
		}
		if pos.Open() && !excess.IsPositive() {
			s.applyTriggers(&pos, f.target, f.stopLoss)
			if err := pos.CheckRiskParams(f.target, f.stopLoss); err != nil {
				return err
			}
		}
		if err := tx.UpdatePosition(ctx, pos); err != nil {
			return err
		}
		trades = append(trades, tr)
		if excess.IsPositive() {
			_, opened, err := s.open(ctx, tx, f, excess, decimal.Zero, now)
			if err != nil {
				return err
			}
			trades = append(trades, opened)
		}
	}

	if err := tx.InsertOrder(ctx, o); err != nil {
		return err
	}
	for i := range trades {
		if err := tx.InsertTrade(ctx, &trades[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) open(ctx context.Context, tx store.Tx, f fillRequest, qty, brokerage decimal.Decimal, now time.Time) (model.Position, model.Trade, error) {
	o := f.order
	p := model.Position{
		ID:          uuid.NewString(),
		UserID:      o.UserID,
		Symbol:      o.Symbol,
		Channel:     f.instrument.Channel(),
		Side:        o.Side,
		Quantity:    qty,
		AvgPrice:    f.price,
		Margin:      f.price.Mul(qty),
		Status:      types.PositionStatusOpen,
		RealizedPnL: decimal.Zero,
		OpenedAt:    now,
	}
	if err := p.CheckRiskParams(f.target, f.stopLoss); err != nil {
		return p, model.Trade{}, err
	}
	p.Target, p.StopLoss = f.target, f.stopLoss

	if brokerage.IsPositive() {
		if _, err := s.ledger.ApplyTx(ctx, tx, o.UserID, ledger.OpDebit, brokerage); err != nil {
			return p, model.Trade{}, err
		}
	}
	if _, err := s.ledger.ApplyTx(ctx, tx, o.UserID, ledger.OpReserve, p.Margin); err != nil {
		return p, model.Trade{}, err
	}
	if err := tx.InsertPosition(ctx, &p); err != nil {
		return p, model.Trade{}, err
	}
	return p, model.Trade{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		PositionID: p.ID,
		UserID:     o.UserID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   qty,
		Price:      f.price,
		Brokerage:  brokerage,
		ExecutedAt: now,
	}, nil
}

func (s *Service) increase(ctx context.Context, tx store.Tx, pos *model.Position, f fillRequest, now time.Time) (model.Trade, error) {
	o := f.order
	margin := f.price.Mul(o.Quantity)
	if f.brokerage.IsPositive() {
		if _, err := s.ledger.ApplyTx(ctx, tx, o.UserID, ledger.OpDebit, f.brokerage); err != nil {
			return model.Trade{}, err
		}
	}
	if _, err := s.ledger.ApplyTx(ctx, tx, o.UserID, ledger.OpReserve, margin); err != nil {
		return model.Trade{}, err
	}

	newQty := pos.Quantity.Add(o.Quantity)
	pos.AvgPrice = pos.AvgPrice.Mul(pos.Quantity).Add(f.price.Mul(o.Quantity)).Div(newQty).Round(scale)
	pos.Quantity = newQty
	pos.Margin = pos.Margin.Add(margin)
	s.applyTriggers(pos, f.target, f.stopLoss)
	if err := pos.CheckRiskParams(f.target, f.stopLoss); err != nil {
		return model.Trade{}, err
	}
	if err := tx.UpdatePosition(ctx, *pos); err != nil {
		return model.Trade{}, err
	}
	return model.Trade{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		PositionID: pos.ID,
		UserID:     o.UserID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.Quantity,
		Price:      f.price,
		Brokerage:  f.brokerage,
		ExecutedAt: now,
	}, nil
}

// applyTriggers sets the supplied target/stop-loss and clears existing ones that a new
// average price has put on the wrong side.
func (s *Service) applyTriggers(pos *model.Position, target, stopLoss *decimal.Decimal) {
	if target != nil {
		pos.Target = target
	}
	if stopLoss != nil {
		pos.StopLoss = stopLoss
	}
	if pos.Target != nil && pos.CheckRiskParams(pos.Target, nil) != nil {
		s.logger.Info("target cleared after average price change",
			zap.String("position_id", pos.ID), zap.String("target", pos.Target.String()))
		pos.Target = nil
	}
	if pos.StopLoss != nil && pos.CheckRiskParams(nil, pos.StopLoss) != nil {
		s.logger.Info("stop-loss cleared after average price change",
			zap.String("position_id", pos.ID), zap.String("stop_loss", pos.StopLoss.String()))
		pos.StopLoss = nil
	}
}

// realize closes qty of pos at price: releases the proportional margin, books the P&L net of
// brokerage and marks pos CLOSED when qty is all of it. The caller persists pos.
func (s *Service) realize(ctx context.Context, tx store.Tx, pos *model.Position, qty, price, brokerage decimal.Decimal, trigger types.CloseTrigger, orderID string, now time.Time) (model.Trade, error) {
	full := qty.Equal(pos.Quantity)
	released := pos.Margin
	if !full {
		released = pos.Margin.Mul(qty).Div(pos.Quantity).Round(scale)
	}
	if released.IsPositive() {
		if _, err := s.ledger.ApplyTx(ctx, tx, pos.UserID, ledger.OpRelease, released); err != nil {
			return model.Trade{}, err
		}
	}
	booked, err := s.settle(ctx, tx, pos.UserID, model.GrossPnL(pos.Side, pos.AvgPrice, price, qty).Sub(brokerage))
	if err != nil {
		return model.Trade{}, err
	}

	trade := model.Trade{
		ID:         uuid.NewString(),
		OrderID:    orderID,
		PositionID: pos.ID,
		UserID:     pos.UserID,
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Quantity:   qty,
		Price:      price,
		Brokerage:  brokerage,
		PnL:        &booked,
		Trigger:    trigger,
		ExecutedAt: now,
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(booked)
	if full {
		closePrice := price
		closedAt := now
		pos.Status = types.PositionStatusClosed
		pos.ClosePrice = &closePrice
		pos.ClosedBy = trigger
		pos.CloseTradeID = trade.ID
		pos.ClosedAt = &closedAt
	} else {
		pos.Quantity = pos.Quantity.Sub(qty)
		pos.Margin = pos.Margin.Sub(released)
	}
	return trade, nil
}

// settle credits a profit or debits a loss. Losses are capped at the available balance so
// the wallet never goes negative; the returned amount is what was actually booked.
func (s *Service) settle(ctx context.Context, tx store.Tx, userID string, net decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case net.IsPositive():
		if _, err := s.ledger.ApplyTx(ctx, tx, userID, ledger.OpCredit, net); err != nil {
			return decimal.Zero, err
		}
		return net, nil
	case net.IsNegative():
		w, err := tx.WalletForUpdate(ctx, userID)
		if err != nil {
			return decimal.Zero, err
		}
		loss := net.Neg()
		if avail := w.Available(); loss.GreaterThan(avail) {
			s.logger.Warn("loss capped at available balance",
				zap.String("user_id", userID),
				zap.String("loss", loss.String()),
				zap.String("available", avail.String()),
			)
			loss = avail
		}
		if !loss.IsPositive() {
			return decimal.Zero, nil
		}
		if _, err := s.ledger.ApplyTx(ctx, tx, userID, ledger.OpDebit, loss); err != nil {
			return decimal.Zero, err
		}
		return loss.Neg(), nil
	}
	return decimal.Zero, nil
}

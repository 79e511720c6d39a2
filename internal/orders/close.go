package orders

import (
	"context"
	"errors"
	"fmt"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/metrics"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/store"
	"lv-papertrade/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ClosePosition closes the whole position at closePrice, or at the cached last price when
// closePrice is nil. Closing an already closed position returns its original result.
func (s *Service) ClosePosition(ctx context.Context, positionID string, closePrice *decimal.Decimal, trigger types.CloseTrigger) (model.CloseResult, error) {
	return s.closePosition(ctx, "", positionID, closePrice, trigger)
}

// CloseUserPosition is ClosePosition on behalf of the position's owner.
func (s *Service) CloseUserPosition(ctx context.Context, userID, positionID string, closePrice *decimal.Decimal) (model.CloseResult, error) {
	return s.closePosition(ctx, userID, positionID, closePrice, types.CloseTriggerUser)
}

func (s *Service) ownedPosition(ctx context.Context, owner, positionID string) (model.Position, error) {
	p, err := s.store.Position(ctx, positionID)
	if errors.Is(err, exception.ErrNotFound) {
		return p, fmt.Errorf("position %s not found: %w", positionID, exception.ErrInvalidPosition)
	}
	if err != nil {
		return p, err
	}
	if owner != "" && p.UserID != owner {
		return p, exception.ErrForbidden
	}
	return p, nil
}

func (s *Service) closePosition(ctx context.Context, owner, positionID string, closePrice *decimal.Decimal, trigger types.CloseTrigger) (model.CloseResult, error) {
	p, err := s.ownedPosition(ctx, owner, positionID)
	if err != nil {
		return model.CloseResult{}, err
	}
	if !p.Open() {
		return closedResult(p), nil
	}

	var price decimal.Decimal
	if closePrice != nil {
		if !closePrice.IsPositive() {
			return model.CloseResult{}, invalidOrder("close price must be positive")
		}
		price = *closePrice
	} else {
		tick, err := s.marketTick(ctx, p.Channel)
		if err != nil {
			return model.CloseResult{}, err
		}
		price = tick.LastPrice
	}

	unlockUser := s.userLocks.Lock(p.UserID)
	defer unlockUser()
	unlockPos := s.posLocks.Lock(p.ID)
	defer unlockPos()

	var res model.CloseResult
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.PositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		if !cur.Open() {
			res = closedResult(cur)
			return nil
		}
		res, err = s.closeTx(ctx, tx, cur, price, trigger)
		return err
	})
	if err != nil {
		s.logger.Error("close position failed", zap.String("position_id", positionID), zap.Error(err))
		return model.CloseResult{}, err
	}
	if res.AlreadyClosed {
		s.logger.Debug("position already closed", zap.String("position_id", positionID))
		return res, nil
	}
	metrics.PositionCloses.WithLabelValues(string(trigger)).Inc()
	s.logger.Info("position closed",
		zap.String("position_id", res.PositionID),
		zap.String("user_id", p.UserID),
		zap.String("symbol", p.Symbol),
		zap.String("close_price", res.ClosePrice.String()),
		zap.String("realized_pnl", res.RealizedPnL.String()),
		zap.String("trigger", string(trigger)),
	)
	return res, nil
}

func (s *Service) closeTx(ctx context.Context, tx store.Tx, p model.Position, price decimal.Decimal, trigger types.CloseTrigger) (model.CloseResult, error) {
	now := s.now()
	fillPrice := price
	order := model.Order{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		Symbol:      p.Symbol,
		Side:        p.Side.Opposite(),
		Type:        types.OrderTypeMarket,
		Status:      types.OrderStatusFilled,
		Quantity:    p.Quantity,
		FilledPrice: &fillPrice,
		FilledQty:   p.Quantity,
		Reason:      "close:" + string(trigger),
		CreatedAt:   now,
	}
	trade, err := s.realize(ctx, tx, &p, p.Quantity, price, s.Brokerage(price, p.Quantity), trigger, order.ID, now)
	if err != nil {
		return model.CloseResult{}, err
	}
	if err := tx.UpdatePosition(ctx, p); err != nil {
		return model.CloseResult{}, err
	}
	if err := tx.InsertOrder(ctx, &order); err != nil {
		return model.CloseResult{}, err
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return model.CloseResult{}, err
	}
	res := closedResult(p)
	res.AlreadyClosed = false
	return res, nil
}

func closedResult(p model.Position) model.CloseResult {
	res := model.CloseResult{
		PositionID:    p.ID,
		TradeID:       p.CloseTradeID,
		RealizedPnL:   p.RealizedPnL,
		ClosedBy:      p.ClosedBy,
		AlreadyClosed: true,
	}
	if p.ClosePrice != nil {
		res.ClosePrice = *p.ClosePrice
	}
	return res
}

// RiskUpdate changes a position's triggers. A nil value keeps the stored trigger unless the
// matching Clear flag is set.
type RiskUpdate struct {
	Target        *decimal.Decimal
	StopLoss      *decimal.Decimal
	ClearTarget   bool
	ClearStopLoss bool
}

func (u RiskUpdate) apply(p model.Position) (target, stopLoss *decimal.Decimal) {
	target, stopLoss = p.Target, p.StopLoss
	switch {
	case u.ClearTarget:
		target = nil
	case u.Target != nil:
		target = u.Target
	}
	switch {
	case u.ClearStopLoss:
		stopLoss = nil
	case u.StopLoss != nil:
		stopLoss = u.StopLoss
	}
	return target, stopLoss
}

// UpdateRiskParams sets or clears the position's target and stop-loss; quantity and average
// price are untouched.
func (s *Service) UpdateRiskParams(ctx context.Context, userID, positionID string, u RiskUpdate) (model.Position, error) {
	if (u.ClearTarget && u.Target != nil) || (u.ClearStopLoss && u.StopLoss != nil) {
		return model.Position{}, fmt.Errorf("cannot set and clear the same trigger: %w", exception.ErrInvalidRiskParams)
	}
	p, err := s.ownedPosition(ctx, userID, positionID)
	if err != nil {
		return model.Position{}, err
	}

	unlockUser := s.userLocks.Lock(p.UserID)
	defer unlockUser()
	unlockPos := s.posLocks.Lock(p.ID)
	defer unlockPos()

	var out model.Position
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.PositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		if !cur.Open() {
			return fmt.Errorf("position %s is closed: %w", positionID, exception.ErrInvalidPosition)
		}
		target, stopLoss := u.apply(cur)
		if err := cur.CheckRiskParams(target, stopLoss); err != nil {
			return err
		}
		cur.Target, cur.StopLoss = target, stopLoss
		if err := tx.UpdatePosition(ctx, cur); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return model.Position{}, err
	}
	s.logger.Info("risk params updated",
		zap.String("position_id", out.ID),
		zap.String("user_id", out.UserID),
		zap.Stringp("target", decimalString(out.Target)),
		zap.Stringp("stop_loss", decimalString(out.StopLoss)),
	)
	return out, nil
}

func decimalString(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

package model

import (
	"time"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/types"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	Symbol         string            `json:"symbol"`
	Side           types.OrderSide   `json:"side"`
	Type           types.OrderType   `json:"orderType"`
	Status         types.OrderStatus `json:"status"`
	Quantity       decimal.Decimal   `json:"quantity"`
	RequestedPrice *decimal.Decimal  `json:"requestedPrice,omitempty"`
	FilledPrice    *decimal.Decimal  `json:"filledPrice,omitempty"`
	FilledQty      decimal.Decimal   `json:"filledQty"`
	Reason         string            `json:"reason,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

type Position struct {
	ID           string               `json:"id"`
	UserID       string               `json:"userId"`
	Symbol       string               `json:"symbol"`
	Channel      ChannelKey           `json:"channel"`
	Side         types.OrderSide      `json:"side"`
	Quantity     decimal.Decimal      `json:"quantity"`
	AvgPrice     decimal.Decimal      `json:"avgPrice"`
	Margin       decimal.Decimal      `json:"margin"`
	Target       *decimal.Decimal     `json:"target,omitempty"`
	StopLoss     *decimal.Decimal     `json:"stopLoss,omitempty"`
	Status       types.PositionStatus `json:"status"`
	RealizedPnL  decimal.Decimal      `json:"realizedPnl"`
	ClosePrice   *decimal.Decimal     `json:"closePrice,omitempty"`
	ClosedBy     types.CloseTrigger   `json:"closedBy,omitempty"`
	CloseTradeID string               `json:"closeTradeId,omitempty"`
	OpenedAt     time.Time            `json:"openedAt"`
	ClosedAt     *time.Time           `json:"closedAt,omitempty"`
}

func (p Position) Open() bool {
	return p.Status == types.PositionStatusOpen
}

func (p Position) HasTriggers() bool {
	return p.Target != nil || p.StopLoss != nil
}

// CheckRiskParams verifies target sits on the profitable side of avgPrice and stopLoss on the
// loss side, for the position's direction.
func (p Position) CheckRiskParams(target, stopLoss *decimal.Decimal) error {
	if target != nil {
		if !target.IsPositive() {
			return exception.ErrInvalidRiskParams
		}
		if p.Side == types.OrderSideBuy && !target.GreaterThan(p.AvgPrice) {
			return exception.ErrInvalidRiskParams
		}
		if p.Side == types.OrderSideSell && !target.LessThan(p.AvgPrice) {
			return exception.ErrInvalidRiskParams
		}
	}
	if stopLoss != nil {
		if !stopLoss.IsPositive() {
			return exception.ErrInvalidRiskParams
		}
		if p.Side == types.OrderSideBuy && !stopLoss.LessThan(p.AvgPrice) {
			return exception.ErrInvalidRiskParams
		}
		if p.Side == types.OrderSideSell && !stopLoss.GreaterThan(p.AvgPrice) {
			return exception.ErrInvalidRiskParams
		}
	}
	return nil
}

// GrossPnL is (price-avg)*qty for BUY and (avg-price)*qty for SELL.
func GrossPnL(side types.OrderSide, avgPrice, price, qty decimal.Decimal) decimal.Decimal {
	diff := price.Sub(avgPrice)
	if side == types.OrderSideSell {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// Trade is one append-only fill record.
type Trade struct {
	ID         string             `json:"id"`
	OrderID    string             `json:"orderId,omitempty"`
	PositionID string             `json:"positionId,omitempty"`
	UserID     string             `json:"userId"`
	Symbol     string             `json:"symbol"`
	Side       types.OrderSide    `json:"side"`
	Quantity   decimal.Decimal    `json:"quantity"`
	Price      decimal.Decimal    `json:"price"`
	Brokerage  decimal.Decimal    `json:"brokerage"`
	PnL        *decimal.Decimal   `json:"pnl,omitempty"`
	Trigger    types.CloseTrigger `json:"trigger,omitempty"`
	ExecutedAt time.Time          `json:"executedAt"`
}

type WalletAccount struct {
	UserID     string          `json:"userId"`
	Balance    decimal.Decimal `json:"balance"`
	UsedMargin decimal.Decimal `json:"usedMargin"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (w WalletAccount) Available() decimal.Decimal {
	return w.Balance.Sub(w.UsedMargin)
}

// CloseResult is returned by every close of the same position, including repeated calls.
type CloseResult struct {
	PositionID    string             `json:"positionId"`
	TradeID       string             `json:"tradeId"`
	ClosePrice    decimal.Decimal    `json:"closePrice"`
	RealizedPnL   decimal.Decimal    `json:"realizedPnl"`
	ClosedBy      types.CloseTrigger `json:"closedBy"`
	AlreadyClosed bool               `json:"alreadyClosed"`
}

package types

import (
	"errors"
	"strings"
)

type OrderSide string

type OrderType string

type OrderStatus string

type PositionStatus string

type CloseTrigger string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

const (
	PositionStatusOpen   PositionStatus = "OPEN"
	PositionStatusClosed PositionStatus = "CLOSED"
)

const (
	CloseTriggerUser       CloseTrigger = "USER"
	CloseTriggerRiskEngine CloseTrigger = "RISK_ENGINE"
)

// Opposite returns the side that reduces a position opened on s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

func (t OrderType) Valid() bool {
	return t == OrderTypeMarket || t == OrderTypeLimit
}

// Final reports whether the order can no longer change.
func (s OrderStatus) Final() bool {
	return s == OrderStatusFilled || s == OrderStatusRejected || s == OrderStatusCancelled
}

func ParseOrderSide(v string) (OrderSide, error) {
	switch OrderSide(strings.ToUpper(strings.TrimSpace(v))) {
	case OrderSideBuy:
		return OrderSideBuy, nil
	case OrderSideSell:
		return OrderSideSell, nil
	}
	return "", errors.New("unsupported order side: " + v)
}

func ParseOrderType(v string) (OrderType, error) {
	switch OrderType(strings.ToUpper(strings.TrimSpace(v))) {
	case OrderTypeMarket:
		return OrderTypeMarket, nil
	case OrderTypeLimit:
		return OrderTypeLimit, nil
	}
	return "", errors.New("unsupported order type: " + v)
}

func ParsePositionStatus(v string) (PositionStatus, error) {
	switch PositionStatus(strings.ToUpper(strings.TrimSpace(v))) {
	case PositionStatusOpen:
		return PositionStatusOpen, nil
	case PositionStatusClosed:
		return PositionStatusClosed, nil
	}
	return "", errors.New("unsupported position status: " + v)
}

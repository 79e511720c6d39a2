package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderSide(t *testing.T) {
	side, err := ParseOrderSide(" buy ")
	require.NoError(t, err)
	assert.Equal(t, OrderSideBuy, side)

	side, err = ParseOrderSide("SELL")
	require.NoError(t, err)
	assert.Equal(t, OrderSideSell, side)

	_, err = ParseOrderSide("hold")
	assert.EqualError(t, err, "unsupported order side: hold")
}

func TestOrderSideOpposite(t *testing.T) {
	assert.Equal(t, OrderSideSell, OrderSideBuy.Opposite())
	assert.Equal(t, OrderSideBuy, OrderSideSell.Opposite())
}

func TestParseOrderType(t *testing.T) {
	typ, err := ParseOrderType("limit")
	require.NoError(t, err)
	assert.Equal(t, OrderTypeLimit, typ)

	_, err = ParseOrderType("stop")
	assert.Error(t, err)
}

func TestOrderStatusFinal(t *testing.T) {
	assert.False(t, OrderStatusPending.Final())
	assert.True(t, OrderStatusFilled.Final())
	assert.True(t, OrderStatusRejected.Final())
}

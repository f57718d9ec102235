package trader

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitVolume(t *testing.T) {
	testCases := []struct {
		name     string
		volume   float64
		n        int
		expected []float64
	}{
		{name: "Nine in three", volume: 9, n: 3, expected: []float64{3, 3, 3}},
		{name: "One in two", volume: 1, n: 2, expected: []float64{0.5, 0.5}},
		{name: "Single leg", volume: 0.3, n: 1, expected: []float64{0.3}},
		{name: "No legs", volume: 1, n: 0, expected: nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, splitVolume(tc.volume, tc.n))
		})
	}
}

func TestComputePnL(t *testing.T) {
	t.Run("Buy", func(t *testing.T) {
		got, err := computePnL("buy", 100, 110, 2)
		require.NoError(t, err)
		assert.Equal(t, 20.0, got.Amount)
		assert.Equal(t, 10.0, got.Percentage)
	})

	t.Run("Sell profits from falling price", func(t *testing.T) {
		got, err := computePnL("sell", 100, 90, 2)
		require.NoError(t, err)
		assert.Equal(t, 20.0, got.Amount)
		assert.Equal(t, 10.0, got.Percentage)
	})

	t.Run("Loss", func(t *testing.T) {
		got, err := computePnL("buy", 200, 150, 0.1)
		require.NoError(t, err)
		assert.Equal(t, -5.0, got.Amount)
		assert.Equal(t, -25.0, got.Percentage)
	})

	t.Run("Zero entry", func(t *testing.T) {
		_, err := computePnL("buy", 0, 110, 2)
		assert.True(t, errors.Is(err, ErrDivisionByZero))
	})
}

func TestOrderCost(t *testing.T) {
	assert.True(t, orderCost(0.1, 0.3).Equal(orderCost(0.3, 0.1)))
	assert.Equal(t, "0.03", orderCost(0.1, 0.3).String())
}

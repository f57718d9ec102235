package trader

import (
	"strade-go/internal/models"

	"github.com/shopspring/decimal"
)

// splitVolume divides volume into n equal leg amounts.
func splitVolume(volume float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	part := decimal.NewFromFloat(volume).Div(decimal.NewFromInt(int64(n)))
	amount := part.InexactFloat64()

	amounts := make([]float64, n)
	for i := range amounts {
		amounts[i] = amount
	}
	return amounts
}

// pnl is the realized profit or loss of closing a position at exit.
type pnl struct {
	Amount     float64
	Percentage float64
}

// computePnL returns (exit-entry)*volume and (exit-entry)/entry*100. Sell
// positions profit from a falling price, so both figures are negated.
func computePnL(side models.Side, entry, exit, volume float64) (pnl, error) {
	entryD := decimal.NewFromFloat(entry)
	if entryD.IsZero() {
		return pnl{}, ErrDivisionByZero
	}

	diff := decimal.NewFromFloat(exit).Sub(entryD)
	amount := diff.Mul(decimal.NewFromFloat(volume))
	percentage := diff.Div(entryD).Mul(decimal.NewFromInt(100))
	if side == models.SideSell {
		amount = amount.Neg()
		percentage = percentage.Neg()
	}
	return pnl{Amount: amount.InexactFloat64(), Percentage: percentage.InexactFloat64()}, nil
}

// orderCost is amount x price.
func orderCost(amount, price float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).Mul(decimal.NewFromFloat(price))
}

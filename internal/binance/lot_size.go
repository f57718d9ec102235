package binance

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// formatQuantity floors quantity to the symbol's LOT_SIZE step and rejects
// results below the minimum quantity. Symbols without a LOT_SIZE filter get
// the quantity back unchanged.
func formatQuantity(rule SymbolInfo, quantity float64) (string, error) {
	var lot *Filter
	for i := range rule.Filters {
		if rule.Filters[i].FilterType == "LOT_SIZE" {
			lot = &rule.Filters[i]
			break
		}
	}

	qty := decimal.NewFromFloat(quantity)
	if lot == nil || lot.StepSize == "" {
		return qty.String(), nil
	}

	step, err := decimal.NewFromString(lot.StepSize)
	if err != nil || !step.IsPositive() {
		return qty.String(), nil
	}

	formatted := qty.Div(step).Floor().Mul(step)

	if lot.MinQty != "" {
		minQty, err := decimal.NewFromString(lot.MinQty)
		if err == nil && formatted.LessThan(minQty) {
			return "", fmt.Errorf("quantity %s for %s is below minimum %s", formatted, rule.Symbol, minQty)
		}
	}
	if !formatted.IsPositive() {
		return "", fmt.Errorf("quantity %s for %s rounds to zero with step %s", qty, rule.Symbol, step)
	}
	return formatted.String(), nil
}

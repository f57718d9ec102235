package trader

import (
	"strade-go/internal/exchange"
	"strade-go/internal/models"

	"github.com/go-playground/validator/v10"
)

// OrderRequest asks for a new market or limit order with optional exit legs.
// Price is the limit price, or an optional reference price for market orders.
type OrderRequest struct {
	Exchange    string           `json:"exchange"`
	Symbol      string           `json:"symbol" validate:"required,symbol"`
	Side        models.Side      `json:"side" validate:"required,oneof=buy sell"`
	Type        models.TradeType `json:"type" validate:"required,oneof=market limit"`
	Amount      float64          `json:"amount" validate:"gt=0"`
	Price       float64          `json:"price" validate:"gte=0,required_if=Type limit"`
	TakeProfits []float64        `json:"take_profits" validate:"omitempty,dive,gt=0"`
	StopLoss    *float64         `json:"stop_loss" validate:"omitempty,gt=0"`
	Comment     string           `json:"comment" validate:"max=255"`
}

// ExitRequest attaches or replaces the exit legs of a trade.
type ExitRequest struct {
	TakeProfits []float64 `json:"take_profits" validate:"omitempty,dive,gt=0"`
	StopLoss    *float64  `json:"stop_loss" validate:"omitempty,gt=0"`
	Comment     *string   `json:"comment" validate:"omitempty,max=255"`
}

func (r ExitRequest) empty() bool {
	return len(r.TakeProfits) == 0 && r.StopLoss == nil && r.Comment == nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("symbol", func(fl validator.FieldLevel) bool {
		_, _, ok := exchange.SplitSymbol(fl.Field().String())
		return ok
	})
	return v
}

package models

import "gorm.io/gorm"

// ExitKind tags an exit leg as take-profit or stop-loss.
type ExitKind string

const (
	ExitKindTakeProfit ExitKind = "take_profit"
	ExitKindStopLoss   ExitKind = "stop_loss"
)

// ExitLeg is a reduce-only conditional order protecting a trade.
type ExitLeg struct {
	gorm.Model
	TradeID       uint     `gorm:"index;not null" json:"trade_id"`
	Kind          ExitKind `gorm:"size:20;not null;index" json:"kind"`
	TriggerPrice  float64  `gorm:"not null" json:"trigger_price"`
	Amount        float64  `gorm:"not null" json:"amount"`
	RemoteOrderID string   `gorm:"size:64" json:"remote_order_id"`
	ClientOrderID string   `gorm:"size:64" json:"client_order_id"`
}

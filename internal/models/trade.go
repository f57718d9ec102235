package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TradeType is the order type a trade was opened with.
type TradeType string

const (
	TradeTypeMarket TradeType = "market"
	TradeTypeLimit  TradeType = "limit"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that reduces a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// TradeStatus mirrors the lifecycle of the remote order behind a trade.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "pending"
	TradeStatusFilled    TradeStatus = "filled"
	TradeStatusClosed    TradeStatus = "closed"
	TradeStatusCancelled TradeStatus = "cancelled"
)

// transitions lists every allowed status change. Anything absent is a regression.
var transitions = map[TradeStatus][]TradeStatus{
	TradeStatusPending: {TradeStatusFilled, TradeStatusCancelled},
	TradeStatusFilled:  {TradeStatusClosed},
}

// CanTransition reports whether a trade in status s may move to next.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors lists the statuses from which a trade may move to s.
func (s TradeStatus) Predecessors() []TradeStatus {
	var from []TradeStatus
	for prev, next := range transitions {
		for _, n := range next {
			if n == s {
				from = append(from, prev)
			}
		}
	}
	return from
}

// Terminal reports whether no further transition is possible.
func (s TradeStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Trade represents one exchange order and its lifecycle.
type Trade struct {
	gorm.Model
	CredentialID  uint        `gorm:"index;not null" json:"credential_id"`
	Credential    *Credential `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Type          TradeType   `gorm:"size:10;not null" json:"type"`
	Side          Side        `gorm:"size:4;not null" json:"side"`
	Symbol        string      `gorm:"size:30;not null;index" json:"symbol"`
	OrderPrice    float64     `json:"order_price"`
	Volume        float64     `gorm:"not null" json:"volume"`
	Status        TradeStatus `gorm:"size:20;not null;index" json:"status"`
	RemoteOrderID string      `gorm:"size:64;index" json:"remote_order_id"`
	ClientOrderID string      `gorm:"size:64" json:"client_order_id"`
	FilledAt      *time.Time  `json:"filled_at,omitempty"`
	ClosedAt      *time.Time  `json:"closed_at,omitempty"`
	Comment       string      `gorm:"size:255" json:"comment,omitempty"`
	StopLossPrice *float64    `json:"stop_loss_price,omitempty"`

	EntryPrice            *float64 `json:"entry_price,omitempty"`
	ExitPrice             *float64 `json:"exit_price,omitempty"`
	RealizedPnLAmount     *float64 `gorm:"column:realized_pnl_amount" json:"realized_pnl_amount,omitempty"`
	RealizedPnLPercentage *float64 `gorm:"column:realized_pnl_percentage" json:"realized_pnl_percentage,omitempty"`

	ExitLegs []ExitLeg `gorm:"constraint:OnDelete:CASCADE" json:"exit_legs,omitempty"`
}

// Validate checks the row-level invariants before a write.
func (t *Trade) Validate() error {
	if t.Volume <= 0 {
		return fmt.Errorf("trade volume must be positive, got %v", t.Volume)
	}
	if t.CredentialID == 0 {
		return fmt.Errorf("trade must belong to a credential")
	}
	switch t.Type {
	case TradeTypeMarket, TradeTypeLimit:
	default:
		return fmt.Errorf("unknown trade type %q", t.Type)
	}
	return nil
}

// BeforeCreate is a gorm hook enforcing Validate on insert.
func (t *Trade) BeforeCreate(tx *gorm.DB) error {
	return t.Validate()
}

// PurchaseRate is the legacy "purchase_rate" figure: the entry price while the
// trade is open, the realized P&L percentage once it is closed.
func (t *Trade) PurchaseRate() *float64 {
	if t.Status == TradeStatusClosed {
		return t.RealizedPnLPercentage
	}
	return t.EntryPrice
}

// SellingRate is the legacy "selling_rate" figure: the realized P&L amount
// once the trade is closed, nil before.
func (t *Trade) SellingRate() *float64 {
	if t.Status == TradeStatusClosed {
		return t.RealizedPnLAmount
	}
	return nil
}

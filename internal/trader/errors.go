package trader

import (
	"errors"
	"fmt"

	"strade-go/internal/ledger"
)

var (
	// ErrValidation is returned for malformed requests. No exchange call is made.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientBalance is returned when the free quote balance cannot
	// cover amount x price. No order is placed.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOrderPlacementFailed wraps the exchange error of a rejected primary order.
	ErrOrderPlacementFailed = errors.New("order placement failed")
	// ErrDivisionByZero is returned when completing a trade whose entry price is 0.
	ErrDivisionByZero = errors.New("entry price is zero")
	// ErrInvalidTransition is returned for operations the trade's status does not allow.
	ErrInvalidTransition = ledger.ErrInvalidTransition
)

// Steps reported by StepError.
const (
	StepCommitTrade      = "commit_trade"
	StepAttachTakeProfit = "attach_take_profit"
	StepAttachStopLoss   = "attach_stop_loss"
)

// StepError reports a failure after the primary order was accepted by the
// exchange. The operation that returns it also returns everything completed
// before the failing step.
type StepError struct {
	Step  string
	Index int // 1-based leg index, 0 when not applicable
	Price float64
	Err   error
}

func (e *StepError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s #%d at %v failed: %v", e.Step, e.Index, e.Price, e.Err)
	}
	if e.Price != 0 {
		return fmt.Sprintf("%s at %v failed: %v", e.Step, e.Price, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrRemote matches every *RemoteError.
	ErrRemote = errors.New("remote exchange error")
	// ErrUnknownExchange is returned for names outside the supported set.
	ErrUnknownExchange = errors.New("unknown exchange")
	// ErrOrderNotFound is returned when the exchange does not know the order.
	ErrOrderNotFound = errors.New("order not found on exchange")
)

// RemoteError describes a failed exchange call.
type RemoteError struct {
	Exchange  Name
	Operation string
	Status    int    // HTTP status, 0 for transport faults
	Code      string // exchange-specific error code
	Message   string
	Err       error
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Exchange, e.Operation)
	if e.Status != 0 {
		msg += fmt.Sprintf(" with status %d", e.Status)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" (code %s)", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrRemote) match any RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"

	"strade-go/internal/auth"
	"strade-go/internal/credentials"
	"strade-go/internal/exchange"
	"strade-go/internal/ledger"
	"strade-go/internal/trader"

	"go.uber.org/zap"
)

type errorBody struct {
	Error   string `json:"error"`
	Step    string `json:"step,omitempty"`
	Index   int    `json:"index,omitempty"`
	Partial any    `json:"partial,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, trader.ErrValidation),
		errors.Is(err, trader.ErrInsufficientBalance),
		errors.Is(err, exchange.ErrUnknownExchange),
		errors.Is(err, credentials.ErrAmbiguousCredential):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, credentials.ErrNotFound),
		errors.Is(err, exchange.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, trader.ErrInvalidTransition),
		errors.Is(err, trader.ErrDivisionByZero),
		errors.Is(err, credentials.ErrDuplicateCredential):
		return http.StatusConflict
	case errors.Is(err, trader.ErrOrderPlacementFailed),
		errors.Is(err, exchange.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writePartial(w, err, nil)
}

// writePartial reports err together with whatever the operation completed
// before failing.
func (s *Server) writePartial(w http.ResponseWriter, err error, partial any) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	if !isNil(partial) {
		body.Partial = partial
	}

	var stepErr *trader.StepError
	if errors.As(err, &stepErr) {
		body.Step = stepErr.Step
		body.Index = stepErr.Index
		status = statusFor(stepErr.Err)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, body)
}

// isNil reports whether v is nil or a nil pointer, map or slice in an interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

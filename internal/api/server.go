// Package api exposes the order lifecycle over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"strade-go/internal/auth"
	"strade-go/internal/exchange"
	"strade-go/internal/models"
	"strade-go/internal/trader"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Trading is the order lifecycle the API drives.
type Trading interface {
	CreateOrder(ctx context.Context, accountID uint, req trader.OrderRequest) (*trader.OrderResult, error)
	AttachExitLegs(ctx context.Context, accountID, tradeID uint, req trader.ExitRequest) (*trader.ExitResult, error)
	ReplaceExitLegs(ctx context.Context, accountID, tradeID uint, req trader.ExitRequest) (*trader.ReplaceResult, error)
	CompleteTrade(ctx context.Context, accountID, tradeID uint) (*trader.CompletionResult, error)
	CancelTrade(ctx context.Context, accountID, tradeID uint) (*trader.CancelResult, error)
	CancelOrder(ctx context.Context, accountID uint, exchangeName, orderID, symbol string) (*exchange.RemoteOrder, error)
	ListTrades(ctx context.Context, accountID uint) ([]models.Trade, error)
	Dashboard(ctx context.Context, accountID uint) ([]trader.AccountSummary, error)
}

// SessionManager starts and stops reconciliation loops.
type SessionManager interface {
	Start(token string) (*trader.Session, error)
	Stop(accountID uint) bool
	Active() []trader.SessionInfo
}

// CredentialRegistrar stores newly linked exchange accounts.
type CredentialRegistrar interface {
	Register(ctx context.Context, c *models.Credential) error
}

// OrderForgetter removes the local trade behind a cancelled remote order.
type OrderForgetter interface {
	DeleteByRemoteOrder(ctx context.Context, accountID uint, exchangeName, remoteOrderID string) (bool, error)
}

// Deps bundles the collaborators of the API server.
type Deps struct {
	Trading     Trading
	Sessions    SessionManager
	Credentials CredentialRegistrar
	Orders      OrderForgetter
	Verifier    auth.Verifier
}

// Server provides the HTTP interface.
type Server struct {
	server    *http.Server
	deps      Deps
	validate  *validator.Validate
	logger    *zap.Logger
	startTime time.Time
}

// NewServer creates a new Server listening on port.
func NewServer(port int, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		deps:      deps,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.Named("api-server"),
		startTime: time.Now(),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.healthHandler)
	r.Get("/api/status", s.statusHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/sessions", s.startSession)
		r.Delete("/sessions", s.stopSession)
		r.Post("/exchanges", s.registerExchange)
		r.Get("/dashboard", s.dashboard)

		r.Get("/trades", s.listTrades)
		r.Post("/trades", s.createOrder)
		r.Route("/trades/{id}", func(r chi.Router) {
			r.Post("/exits", s.attachExits)
			r.Put("/exits", s.replaceExits)
			r.Post("/complete", s.completeTrade)
			r.Delete("/", s.cancelTrade)
		})
		r.Delete("/orders/{orderID}", s.cancelOrder)
	})
	return r
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Handled request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

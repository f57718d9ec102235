package main

import (
	"embed"
	"fmt"
	"net/http"
	"os"

	"strade-go/internal/auth"
	"strade-go/internal/config"
	"strade-go/internal/database"
	"strade-go/internal/ledger"
	"strade-go/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

//go:embed templates/index.html
var pages embed.FS

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	tokens, err := auth.NewTokens(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatal("Failed to set up token verification", zap.Error(err))
	}

	apiHandler := NewAPIHandler(log, ledger.New(db), tokens)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/api/trades", apiHandler.TradesHandler)
	r.Get("/api/statistics", apiHandler.StatisticsHandler)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, pages, "templates/index.html")
	})

	// the dashboard listens next to the API server
	addr := fmt.Sprintf(":%d", cfg.Server.Port+1)
	log.Info("Starting web server", zap.String("address", addr))

	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal("Web server failed", zap.Error(err))
	}
}

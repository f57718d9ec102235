package main

import (
	"fmt"

	"strade-go/internal/auth"
	"strade-go/internal/binance"
	"strade-go/internal/bybit"
	"strade-go/internal/config"
	"strade-go/internal/credentials"
	"strade-go/internal/database"
	"strade-go/internal/exchange"
	"strade-go/internal/ledger"
	"strade-go/internal/logger"
	"strade-go/internal/trader"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Order lifecycle service for Binance and Bybit accounts",
	Long: `strade places orders on linked exchange accounts, protects them with
take-profit and stop-loss legs, and keeps a local ledger of every trade in
sync with the exchange.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./configs", "directory holding config.yml")
}

// app holds the wired components shared by the subcommands.
type app struct {
	cfg          config.Config
	log          *zap.Logger
	db           *gorm.DB
	creds        *credentials.Store
	registry     *exchange.Registry
	ledger       *ledger.Ledger
	orchestrator *trader.Orchestrator
}

func newApp() (*app, error) {
	// Load application configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	var opts []logger.Option
	if cfg.Logger.File != "" {
		opts = append(opts, logger.WithFile(cfg.Logger.File, cfg.Logger.MaxSizeMB, cfg.Logger.MaxBackups, cfg.Logger.MaxAgeDays))
	}
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not initialize logger: %w", err)
	}
	log.Info("Configuration loaded")

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	log.Info("Database connection successful and schema migrated.")

	registry, err := exchange.NewRegistry(map[exchange.Name]exchange.Factory{
		exchange.Binance: binance.NewFactory(&cfg.Exchanges.Binance, log),
		exchange.Bybit:   bybit.NewFactory(&cfg.Exchanges.Bybit, log),
	})
	if err != nil {
		return nil, err
	}

	creds := credentials.NewStore(db, log)
	l := ledger.New(db)
	return &app{
		cfg:          cfg,
		log:          log,
		db:           db,
		creds:        creds,
		registry:     registry,
		ledger:       l,
		orchestrator: trader.NewOrchestrator(l, creds, registry, cfg.Trading, log),
	}, nil
}

func (a *app) tokens() (*auth.Tokens, error) {
	return auth.NewTokens(a.cfg.Auth.TokenSecret, a.cfg.Auth.TokenTTL)
}

func (a *app) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}

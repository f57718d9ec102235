package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"strade-go/internal/api"
	"strade-go/internal/trader"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the per-session reconciliation loops",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	tokens, err := a.tokens()
	if err != nil {
		return err
	}
	sessions := trader.NewSessions(tokens, a.orchestrator, a.cfg.Trading.ReconcileInterval, a.log)

	server := api.NewServer(a.cfg.Server.Port, api.Deps{
		Trading:     a.orchestrator,
		Sessions:    sessions,
		Credentials: a.creds,
		Orders:      a.ledger,
		Verifier:    tokens,
	}, a.log)
	server.Start()

	// Wait for a shutdown signal
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	a.log.Info("Shutdown signal received, gracefully shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		a.log.Error("API server shutdown failed", zap.Error(err))
	}
	sessions.StopAll()

	a.log.Info("Service has been shut down.")
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"strade-go/internal/credentials"
	"strade-go/internal/database"
	"strade-go/internal/models"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	accountID    uint
	exchangeName string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return database.AutoMigrate(a.db)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		tokens, err := a.tokens()
		if err != nil {
			return err
		}
		token, err := tokens.Issue(accountID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass over the pending limit orders of an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.orchestrator.CheckAndUpdateLimitOrders(cmd.Context(), accountID)
		if report != nil {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			_ = enc.Encode(report)
		}
		return err
	},
}

// serverClock is implemented by adapters that expose the exchange clock.
type serverClock interface {
	GetServerTime(ctx context.Context) (int64, error)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connectivity and clock skew with a linked exchange",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		var cred *models.Credential
		if exchangeName == "" {
			cred, err = a.creds.ResolveDefault(ctx, accountID)
		} else {
			cred, err = a.creds.Resolve(ctx, accountID, exchangeName)
		}
		if err != nil {
			return err
		}
		client, err := a.registry.Client(cred.Exchange, credentials.ExchangeCredentials(cred))
		if err != nil {
			return err
		}
		clock, ok := client.(serverClock)
		if !ok {
			return fmt.Errorf("%s does not report server time", cred.Exchange)
		}

		ms, err := clock.GetServerTime(ctx)
		if err != nil {
			return err
		}
		skew := time.Since(time.UnixMilli(ms))
		a.log.Info("Exchange reachable", zap.String("exchange", cred.Exchange), zap.Duration("clock_skew", skew))
		fmt.Fprintf(cmd.OutOrStdout(), "%s ok, clock skew %s\n", cred.Exchange, skew)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, tokenCmd, reconcileCmd, pingCmd)

	for _, c := range []*cobra.Command{tokenCmd, reconcileCmd, pingCmd} {
		c.Flags().UintVarP(&accountID, "account", "a", 0, "account id (required)")
		_ = c.MarkFlagRequired("account")
	}
	pingCmd.Flags().StringVarP(&exchangeName, "exchange", "e", "", "exchange to ping (defaults to the only linked one)")
}

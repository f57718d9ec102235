package trader

import (
	"context"

	"go.uber.org/zap"
)

// AccountSummary is one linked exchange account on the dashboard.
type AccountSummary struct {
	CredentialID  uint    `json:"credential_id"`
	Exchange      string  `json:"exchange"`
	AccountHolder string  `json:"account_holder"`
	QuoteAsset    string  `json:"quote_asset"`
	QuoteBalance  float64 `json:"quote_balance"`
	NonZeroAssets int     `json:"non_zero_assets"`
	Error         string  `json:"error,omitempty"`
}

// Dashboard fetches a fresh balance for every credential of accountID. An
// exchange that cannot be reached is reported on its row only.
func (o *Orchestrator) Dashboard(ctx context.Context, accountID uint) ([]AccountSummary, error) {
	creds, err := o.credentials.List(ctx, accountID)
	if err != nil {
		return nil, err
	}

	summaries := make([]AccountSummary, 0, len(creds))
	for i := range creds {
		cred := &creds[i]
		summary := AccountSummary{
			CredentialID:  cred.ID,
			Exchange:      cred.Exchange,
			AccountHolder: cred.AccountHolder,
			QuoteAsset:    o.quoteAsset,
		}

		client, err := o.clientFor(cred)
		if err == nil {
			balances, ferr := client.FetchBalance(ctx)
			if ferr == nil {
				summary.QuoteBalance = balances[o.quoteAsset].Total
				for _, b := range balances {
					if b.Total != 0 {
						summary.NonZeroAssets++
					}
				}
			}
			err = ferr
		}
		if err != nil {
			o.logger.Warn("Failed to load balance for dashboard",
				zap.Uint("credential_id", cred.ID), zap.String("exchange", cred.Exchange), zap.Error(err))
			summary.Error = err.Error()
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"daowatch/internal/config"
)

// BalanceSource returns an organization's treasury holdings by symbol.
type BalanceSource interface {
	Balances(ctx context.Context, org config.OrganizationConfig) (map[string]decimal.Decimal, error)
}

// TreasuryReader is satisfied by *chain.BalanceReader.
type TreasuryReader interface {
	Balances(ctx context.Context, treasury string) (map[string]decimal.Decimal, error)
}

// ConfiguredBalances prefers balances from configuration and falls back to
// reading the treasury address on chain.
type ConfiguredBalances struct {
	Reader TreasuryReader
}

// Balances implements BalanceSource.
func (c ConfiguredBalances) Balances(ctx context.Context, org config.OrganizationConfig) (map[string]decimal.Decimal, error) {
	if len(org.Balances) > 0 {
		return staticBalances(org.Balances), nil
	}
	if org.Treasury == "" {
		return nil, fmt.Errorf("organization %s has neither balances nor a treasury address", org.ID)
	}
	if c.Reader == nil {
		return nil, fmt.Errorf("organization %s: no balance reader configured", org.ID)
	}
	return c.Reader.Balances(ctx, org.Treasury)
}

var _ BalanceSource = ConfiguredBalances{}

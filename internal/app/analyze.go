package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"daowatch/internal/analytics"
	"daowatch/internal/config"
	"daowatch/internal/service"
)

// Analyze runs one analytics cycle for the selected organizations and prints
// the reports. An empty orgID analyses every configured organization.
func (a *App) Analyze(ctx context.Context, orgID string) error {
	orgs, err := a.selectOrganizations(orgID)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	prices, closePrices, err := a.newPriceSource()
	if err != nil {
		return err
	}
	defer closePrices()

	yields, err := a.newCatalog()
	if err != nil {
		return err
	}

	deps := service.Deps{
		Engine:   a.newEngine(prices),
		Balances: a.newBalances(),
		Catalog:  yields,
		Notifier: a.newNotifier(),
	}
	if store != nil {
		deps.Store = store
	}
	svc := service.New(a.Config, deps, a.Logger)

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	var errs []error
	for _, org := range orgs {
		rep, err := svc.AnalyzeOrganization(ctx, org, bucket)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", org.ID, err))
			continue
		}
		printReport(os.Stdout, rep)
	}
	return errors.Join(errs...)
}

func (a *App) selectOrganizations(orgID string) ([]config.OrganizationConfig, error) {
	if orgID == "" {
		if len(a.Config.Organizations) == 0 {
			return nil, errors.New("no organizations configured")
		}
		return a.Config.Organizations, nil
	}
	org, ok := a.Config.Organization(orgID)
	if !ok {
		return nil, fmt.Errorf("unknown organization %q", orgID)
	}
	return []config.OrganizationConfig{org}, nil
}

// Yields prints the catalog ranked by risk-adjusted yield.
func (a *App) Yields(ctx context.Context) error {
	yields, err := a.newCatalog()
	if err != nil {
		return err
	}
	ranked := analytics.RankYieldOpportunities(yields.Opportunities())
	if len(ranked) == 0 {
		fmt.Fprintln(os.Stdout, "yield catalog is empty")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tProtocol\tAsset\tAPY%\tRisk\tAdjusted%\tTVL\tLock")
	for i, o := range ranked {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i+1,
			o.Protocol,
			o.Asset,
			o.APY.StringFixed(2),
			o.RiskTier,
			o.RiskAdjustedYield().StringFixed(2),
			o.TVL.StringFixed(0),
			formatLock(o.LockPeriod),
		)
	}
	return writer.Flush()
}

func printReport(w io.Writer, rep analytics.Report) {
	fmt.Fprintf(w, "Organization: %s\n", rep.OrganizationID)
	fmt.Fprintf(w, "Generated:    %s\n", rep.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "Total value:  $%s\n", rep.Composition.TotalValueUSD.StringFixed(2))
	fmt.Fprintf(w, "Health:       %d/100\n\n", rep.Health)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Symbol\tAmount\tPrice\tValue\tAlloc%\tAPY%\tRisk\tNote")
	for _, p := range rep.Composition.Positions {
		note := ""
		switch {
		case p.PriceUnavailable:
			note = "price unavailable"
		case p.PriceStale:
			note = "stale price"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Symbol,
			p.RawAmount.String(),
			formatMaybe(p.PriceUSD, 4, p.PriceUnavailable),
			p.ValueUSD.StringFixed(2),
			p.AllocationPct.StringFixed(2),
			p.APY.StringFixed(2),
			p.RiskTier,
			note,
		)
	}
	tw.Flush()

	if rep.Risk != nil {
		r := rep.Risk
		fmt.Fprintf(w, "\nRisk (%d points): vol %.4f ann %.4f sharpe %.3f max drawdown %.2f%% VaR95 %.4f",
			r.Points, r.Volatility, r.AnnualizedVolatility, r.SharpeRatio, r.MaxDrawdown*100, r.VaR95)
		if r.Beta != nil {
			fmt.Fprintf(w, " beta %.3f", *r.Beta)
		}
		fmt.Fprintln(w)
	}

	for _, warning := range rep.Composition.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}

	if len(rep.Actions) > 0 {
		fmt.Fprintln(w, "\nSuggested actions:")
		for _, act := range rep.Actions {
			fmt.Fprintf(w, "  [%s] %s %s: %s\n", strings.ToUpper(string(act.Urgency)), act.Kind, act.Symbol, act.Reason)
		}
	}
	fmt.Fprintln(w)
}

func formatMaybe(d decimal.Decimal, places int32, missing bool) string {
	if missing {
		return "-"
	}
	return d.StringFixed(places)
}

func formatLock(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

package app

import (
	"context"
	"errors"
	"os"
	"time"

	"daowatch/internal/config"
	"daowatch/internal/pricing"
	"daowatch/internal/service"
)

// SimulateAlert 使用给定的持仓与价格跑一次分析，并通过已配置的告警通道发送结果。
func (a *App) SimulateAlert(ctx context.Context, orgID string, balances, prices map[string]float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if len(balances) == 0 {
		return errors.New("至少需要一个 --balance")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	yields, err := a.newCatalog()
	if err != nil {
		return err
	}

	svc := service.New(a.Config, service.Deps{
		Engine:   a.newEngine(pricing.NewStatic(toDecimals(prices))),
		Balances: service.ConfiguredBalances{},
		Catalog:  yields,
		Notifier: notifier,
	}, a.Logger)

	if orgID == "" {
		orgID = "simulated"
	}
	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	rep, err := svc.AnalyzeOrganization(ctx, config.OrganizationConfig{ID: orgID, Balances: balances}, bucket)
	if err != nil {
		return err
	}
	printReport(os.Stdout, rep)
	return nil
}

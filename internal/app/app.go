package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"daowatch/internal/alerting"
	"daowatch/internal/analytics"
	"daowatch/internal/catalog"
	"daowatch/internal/chain"
	"daowatch/internal/config"
	"daowatch/internal/pricing"
	"daowatch/internal/registry"
	"daowatch/internal/scheduler"
	"daowatch/internal/server"
	"daowatch/internal/service"
	"daowatch/internal/storage"
	"daowatch/internal/stream"
)

const shutdownTimeout = 10 * time.Second

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database.dsn 未配置，无法%s", action)
	}
	return store, closeStore, nil
}

// newNotifier builds the configured channels behind a cooldown. It returns
// nil when alerting is disabled.
func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil
	}

	var channels alerting.Fanout
	for _, name := range cfg.Channels {
		switch strings.ToLower(name) {
		case "telegram":
			if cfg.Telegram.Enabled {
				channels = append(channels, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger))
			}
		case "log":
			channels = append(channels, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", name).Msg("unknown alert channel ignored")
		}
	}
	if len(channels) == 0 {
		return nil
	}

	var notifier alerting.Notifier = channels
	if len(channels) == 1 {
		notifier = channels[0]
	}
	return alerting.NewCooldown(notifier, cfg.Cooldown, nil, a.Logger)
}

// newPriceSource chains the configured sources in order and wraps them in the
// TTL cache. The returned closer releases the shared Redis tier, if any.
func (a *App) newPriceSource() (pricing.Source, func(), error) {
	cfg := a.Config.Pricing

	var sources pricing.Fallback
	for _, name := range cfg.Sources {
		switch strings.ToLower(name) {
		case "market":
			sources = append(sources, pricing.NewMarket(pricing.MarketOptions{
				BaseURL:   cfg.Market.BaseURL,
				APIKey:    cfg.Market.APIKey,
				Timeout:   cfg.Timeout,
				UserAgent: cfg.Market.UserAgent,
				CoinIDs:   cfg.Market.CoinIDs,
			}, a.Logger))
		case "oracle":
			sources = append(sources, pricing.NewOracle(pricing.OracleOptions{
				RPCURL:  a.Config.Ethereum.RPCURL,
				Feeds:   cfg.Oracle.Feeds,
				Timeout: cfg.Timeout,
				MaxAge:  cfg.Oracle.MaxAge,
			}, a.Logger))
		case "static":
			sources = append(sources, pricing.NewStatic(toDecimals(cfg.Static)))
		default:
			return nil, nil, fmt.Errorf("unknown price source %q", name)
		}
	}
	if len(sources) == 0 {
		return nil, nil, errors.New("no price source configured")
	}

	var source pricing.Source = sources
	if len(sources) == 1 {
		source = sources[0]
	}

	opts := pricing.CacheOptions{TTL: cfg.TTL, Timeout: cfg.Timeout}
	closer := func() {}
	if cfg.Redis.Addr != "" {
		shared := pricing.NewRedisStore(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Redis.Prefix)
		opts.Store = shared
		closer = func() {
			if err := shared.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close redis client")
			}
		}
	}
	return pricing.NewCache(source, opts, a.Logger), closer, nil
}

func (a *App) newEngine(prices pricing.Source) *analytics.Engine {
	cfg := a.Config.Analytics

	tiers := make(map[string]analytics.RiskTier, len(cfg.RiskTiers))
	for sym, raw := range cfg.RiskTiers {
		tier, ok := analytics.ParseRiskTier(raw)
		if !ok {
			a.Logger.Warn().Str("symbol", sym).Str("tier", raw).Msg("ignoring unknown risk tier")
			continue
		}
		tiers[pricing.NormalizeSymbol(sym)] = tier
	}
	riskFree := cfg.RiskFreeRate

	return analytics.NewEngine(prices, analytics.Options{
		RiskFreeRate:            &riskFree,
		PeriodsPerYear:          cfg.PeriodsPerYear,
		ConcentrationLimit:      decimal.NewFromFloat(cfg.ConcentrationLimitPct),
		ConcentrationTarget:     decimal.NewFromFloat(cfg.ConcentrationTargetPct),
		RestakeAPYThreshold:     decimal.NewFromFloat(cfg.RestakeAPYThreshold),
		OpportunityAPYThreshold: decimal.NewFromFloat(cfg.OpportunityAPYThreshold),
		RiskTiers:               tiers,
		AssetAPY:                toDecimals(cfg.AssetAPY),
		StakingEligible:         cfg.StakingEligible,
	}, a.Logger)
}

func (a *App) newCatalog() (*catalog.Loader, error) {
	if a.Config.Catalog.Path == "" {
		return catalog.Static(nil), nil
	}
	return catalog.NewLoader(a.Config.Catalog.Path, a.Logger)
}

func (a *App) newBalances() service.BalanceSource {
	eth := a.Config.Ethereum
	if eth.RPCURL == "" {
		return service.ConfiguredBalances{}
	}
	return service.ConfiguredBalances{Reader: chain.NewBalanceReader(chain.BalanceOptions{
		RPCURL:       eth.RPCURL,
		Timeout:      eth.RequestTimeout,
		Tokens:       eth.Tokens,
		NativeSymbol: eth.NativeSymbol,
	}, a.Logger)}
}

// ethereumOptions maps the ethereum section onto the log poller. Tokens keep
// the decimals configured for their symbol; the rest are scaled by 18.
func (a *App) ethereumOptions() chain.EthereumOptions {
	eth := a.Config.Ethereum
	configured := make(map[string]int32, len(eth.TokenDecimals))
	for sym, dec := range eth.TokenDecimals {
		configured[strings.ToUpper(sym)] = dec
	}
	symbols := make(map[string]string, len(eth.Tokens))
	decimals := make(map[string]int32, len(eth.Tokens))
	for sym, addr := range eth.Tokens {
		symbols[addr] = sym
		if dec, ok := configured[strings.ToUpper(sym)]; ok {
			decimals[strings.ToUpper(sym)] = dec
			continue
		}
		a.Logger.Warn().Str("token", sym).Msg("ethereum.token_decimals 未配置，按 18 位精度换算存款")
	}
	return chain.EthereumOptions{
		PollInterval:   eth.PollInterval,
		OverlapBlocks:  eth.OverlapBlocks,
		MaxBlockRange:  eth.MaxBlockRange,
		RequestTimeout: eth.RequestTimeout,
		TokenSymbols:   symbols,
		TokenDecimals:  decimals,
	}
}

func (a *App) newDialer() *chain.Dialer {
	ethereum := chain.NewEthereumDialer(a.ethereumOptions(), a.Logger)

	gw := a.Config.Gateway
	header := http.Header{}
	if gw.AuthToken != "" {
		header.Set("Authorization", "Bearer "+gw.AuthToken)
	}
	gateway := chain.NewGatewayDialer(chain.GatewayOptions{
		HeartbeatInterval: gw.HeartbeatInterval,
		PingTimeout:       gw.PingTimeout,
		ReadLimit:         gw.ReadLimit,
		Header:            header,
	}, a.Logger)

	return chain.NewDialer(ethereum, gateway)
}

// newStream wires the stream and the registry to each other.
func (a *App) newStream(dialer stream.Dialer) (*stream.Stream, *registry.Registry) {
	reg := registry.New(registry.Options{
		GracePeriod:  a.Config.Registry.GracePeriod,
		BacklogLimit: a.Config.Registry.BacklogLimit,
	}, a.Logger)

	sc := a.Config.Stream
	st := stream.New(stream.Options{
		MaxAttempts:    sc.MaxAttempts,
		BackoffBase:    sc.BackoffBase,
		BackoffMax:     sc.BackoffMax,
		RequestTimeout: sc.RequestTimeout,
		DedupeCapacity: sc.DedupeCapacity,
		DedupeWindow:   sc.DedupeWindow,
		DedupeBucket:   sc.DedupeBucket,
	}, dialer, reg, a.Logger)
	reg.Init(st)
	return st, reg
}

// Run executes the long-running sync and analytics service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
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
	if a.Config.Catalog.Watch && a.Config.Catalog.Path != "" {
		stopWatch, err := yields.Watch()
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	st, reg := a.newStream(a.newDialer())

	deps := service.Deps{
		Scheduler: sched,
		Stream:    st,
		Registry:  reg,
		Engine:    a.newEngine(prices),
		Balances:  a.newBalances(),
		Catalog:   yields,
		Notifier:  a.newNotifier(),
	}
	if store != nil {
		deps.Store = store
	}
	svc := service.New(a.Config, deps, a.Logger)
	yields.OnChange(func(entries []analytics.YieldOpportunity) {
		a.Logger.Info().Int("opportunities", len(entries)).Msg("收益目录已更新，重新分析所有组织")
		for _, org := range a.Config.Organizations {
			svc.RequestRefresh(org.ID)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })

	if a.Config.Server.Enabled {
		opts := server.Options{
			ListenAddr:  a.Config.Server.ListenAddr,
			CORSOrigins: a.Config.Server.CORSOrigins,
			Backend:     svc,
		}
		if store != nil {
			opts.Events = store
			opts.Suggestions = store
		}
		srv := server.New(opts, a.Logger)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.Logger.Info().Int("organizations", len(a.Config.Organizations)).Msg("starting daowatch service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("daowatch service stopped")
	return nil
}

func toDecimals(in map[string]float64) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for sym, v := range in {
		out[pricing.NormalizeSymbol(sym)] = decimal.NewFromFloat(v)
	}
	return out
}

// ExportOptions hold parameters for exporting historical price samples.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ListOptions configure the events command.
type ListOptions struct {
	OrganizationID string
	Limit          int
}

// BackfillOptions configure historical event ingestion.
type BackfillOptions struct {
	OrganizationID string
	FromBlock      uint64
	Duration       time.Duration
	DryRun         bool
}

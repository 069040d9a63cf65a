package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"daowatch/internal/alerting"
	"daowatch/internal/analytics"
	"daowatch/internal/config"
	"daowatch/internal/registry"
	"daowatch/internal/scheduler"
	"daowatch/internal/storage"
	"daowatch/internal/stream"
)

const (
	persistTimeout = 5 * time.Second
	refreshBuffer  = 16
)

// Catalog supplies the current yield opportunities.
type Catalog interface {
	Opportunities() []analytics.YieldOpportunity
}

// Deps are the collaborators a Service is built from. Stores, notifier,
// stream and registry are optional; Run needs the stream and registry.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Stream    *stream.Stream
	Registry  *registry.Registry
	Engine    *analytics.Engine
	Balances  BalanceSource
	Catalog   Catalog
	Store     *storage.Store
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
	Clock     scheduler.Clock
}

// Service orchestrates event sync, persistence, analytics and alerting.
type Service struct {
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	stream    *stream.Stream
	registry  *registry.Registry
	engine    *analytics.Engine
	balances  BalanceSource
	catalog   Catalog
	notifier  alerting.Notifier
	clock     scheduler.Clock
	logger    zerolog.Logger

	events      storage.EventStore
	samples     storage.PriceSampleStore
	snapshots   storage.SnapshotStore
	suggestions storage.SuggestionStore
	locker      storage.AdvisoryLocker

	minUrgency analytics.Urgency
	channels   []string
	lockKey    int64
	refresh    chan string

	mu      sync.RWMutex
	root    context.Context
	subs    []*registry.Subscription
	reports map[string]analytics.Report

	// orgMu serialises analysis per organization between the scheduler and
	// event-triggered refreshes.
	orgMu sync.Map
}

// New constructs the service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	if cfg == nil || deps.Engine == nil || deps.Balances == nil {
		panic("service requires config, engine and balance source")
	}
	minUrgency, ok := analytics.ParseUrgency(cfg.Alerting.MinUrgency)
	if !ok {
		minUrgency = analytics.UrgencyHigh
	}
	clock := deps.Clock
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = emptyCatalog{}
	}

	s := &Service{
		cfg:        cfg,
		scheduler:  deps.Scheduler,
		stream:     deps.Stream,
		registry:   deps.Registry,
		engine:     deps.Engine,
		balances:   deps.Balances,
		catalog:    catalog,
		clock:      clock,
		logger:     logger.With().Str("component", "service").Logger(),
		minUrgency: minUrgency,
		channels:   cfg.Alerting.Channels,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		refresh:    make(chan string, refreshBuffer),
		root:       context.Background(),
		reports:    make(map[string]analytics.Report),
	}
	if cfg.Alerting.Enabled {
		s.notifier = deps.Notifier
	}
	if deps.Store != nil {
		s.events = deps.Store
		s.samples = deps.Store
		s.snapshots = deps.Store
		s.suggestions = deps.Store
		s.locker = deps.Store
	}
	if deps.Locker != nil {
		s.locker = deps.Locker
	}
	return s
}

// WithStores overrides individual stores. Nil arguments leave the store unset.
func (s *Service) WithStores(events storage.EventStore, samples storage.PriceSampleStore, snapshots storage.SnapshotStore, suggestions storage.SuggestionStore) *Service {
	s.events = events
	s.samples = samples
	s.snapshots = snapshots
	s.suggestions = suggestions
	return s
}

// Run registers every configured organization, subscribes the service's own
// listeners and blocks running the analytics schedule until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.stream == nil || s.registry == nil {
		return fmt.Errorf("stream and registry must be configured")
	}

	registered := s.Start(ctx)
	defer s.Stop()
	if registered == 0 && len(s.cfg.Organizations) > 0 {
		return errors.New("no organization could be registered")
	}

	stopRetention, err := s.startRetention(ctx)
	if err != nil {
		return err
	}
	defer stopRetention()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scheduler.Run(gctx, s.ProcessBucket) })
	g.Go(func() error { return s.refreshLoop(gctx) })
	return g.Wait()
}

// Start registers organizations with the stream and subscribes listeners. It
// returns how many organizations were registered; failures are logged and
// skipped so one unreachable node does not block the others.
func (s *Service) Start(ctx context.Context) int {
	s.mu.Lock()
	s.root = ctx
	s.mu.Unlock()

	registered := 0
	for _, org := range s.cfg.Organizations {
		params := s.connectionParams(org)
		if _, err := s.stream.RegisterOrganization(ctx, org.ID, params); err != nil {
			s.logger.Error().Err(err).Str("organization", org.ID).Msg("failed to register organization")
			continue
		}
		sub := s.registry.Subscribe(org.ID, s.handleEvent)
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
		registered++
	}
	return registered
}

// Stop disposes the service's subscriptions, the registry and the stream.
func (s *Service) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Dispose()
	}
	if s.registry != nil {
		s.registry.Dispose()
	}
	if s.stream != nil {
		s.stream.Dispose()
	}
}

func (s *Service) connectionParams(org config.OrganizationConfig) stream.ConnectionParams {
	endpoint := org.Endpoint
	if endpoint == "" {
		endpoint = s.cfg.Ethereum.RPCURL
	}
	return stream.ConnectionParams{
		Source:     org.Source,
		Endpoint:   endpoint,
		Contract:   org.Contract,
		StartBlock: org.StartBlock,
	}
}

// ProcessBucket runs analytics for every organization in one time bucket.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	var errs []error
	for _, org := range s.cfg.Organizations {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.processOrganization(ctx, org, bucket); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", org.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) processOrganization(ctx context.Context, org config.OrganizationConfig, bucket time.Time) (*analytics.Report, error) {
	release := s.lockOrganization(org.ID)
	defer release()

	unlock, proceed, err := s.acquireLock(ctx, org.ID)
	if err != nil {
		return nil, err
	}
	if !proceed {
		s.logger.Info().Str("organization", org.ID).Time("bucket", bucket).Msg("skip bucket because advisory lock held by another instance")
		return nil, nil
	}
	if unlock != nil {
		defer unlock()
	}

	rep, err := s.AnalyzeOrganization(ctx, org, bucket)
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

// LatestReport returns the most recent report computed for orgID.
func (s *Service) LatestReport(orgID string) (analytics.Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rep, ok := s.reports[orgID]
	return rep, ok
}

// Statuses returns the connection status of every configured organization.
func (s *Service) Statuses() []stream.Status {
	out := make([]stream.Status, 0, len(s.cfg.Organizations))
	for _, org := range s.cfg.Organizations {
		if s.registry == nil {
			out = append(out, stream.Status{OrganizationID: org.ID, State: stream.StateClosed})
			continue
		}
		out = append(out, s.registry.ConnectionStatus(org.ID))
	}
	return out
}

// Organizations returns the configured organizations.
func (s *Service) Organizations() []config.OrganizationConfig {
	return s.cfg.Organizations
}

func (s *Service) refreshLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case orgID := <-s.refresh:
			org, ok := s.cfg.Organization(orgID)
			if !ok {
				continue
			}
			bucket := s.clock.Now().Truncate(s.cfg.Scheduler.Interval)
			if _, err := s.processOrganization(ctx, org, bucket); err != nil {
				s.logger.Error().Err(err).Str("organization", orgID).Msg("event-triggered analytics failed")
			}
		}
	}
}

func (s *Service) startRetention(ctx context.Context) (func(), error) {
	schedule := s.cfg.Retention.Schedule
	if schedule == "" || (s.events == nil && s.suggestions == nil) {
		return func() {}, nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.Prune(ctx) }); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", schedule, err)
	}
	c.Start()
	s.logger.Info().Str("schedule", schedule).Msg("retention job registered")
	return func() {
		stopped := c.Stop()
		<-stopped.Done()
	}, nil
}

// Prune deletes events and suggestions older than the configured retention.
func (s *Service) Prune(ctx context.Context) {
	now := s.clock.Now()
	if s.events != nil && s.cfg.Retention.Events > 0 {
		n, err := s.events.DeleteEventsBefore(ctx, now.Add(-s.cfg.Retention.Events))
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to prune events")
		} else {
			pruned("chain_events", n)
			s.logger.Info().Int64("deleted", n).Msg("pruned old events")
		}
	}
	if s.suggestions != nil && s.cfg.Retention.Suggestions > 0 {
		n, err := s.suggestions.DeleteSuggestionsBefore(ctx, now.Add(-s.cfg.Retention.Suggestions))
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to prune suggestions")
		} else {
			pruned("suggestions", n)
			s.logger.Info().Int64("deleted", n).Msg("pruned old suggestions")
		}
	}
}

func (s *Service) lockOrganization(orgID string) func() {
	v, _ := s.orgMu.LoadOrStore(orgID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) acquireLock(ctx context.Context, orgID string) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, storage.LockKey(s.lockKey, orgID))
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (s *Service) rootContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root
}

type emptyCatalog struct{}

func (emptyCatalog) Opportunities() []analytics.YieldOpportunity { return nil }

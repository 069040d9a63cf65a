// Package registry fans chain events out to in-process listeners.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"daowatch/internal/chainevent"
	"daowatch/internal/metrics"
	"daowatch/internal/scheduler"
	"daowatch/internal/stream"
)

const (
	DefaultGracePeriod  = 5 * time.Second
	DefaultBacklogLimit = 200
)

// Handler receives events for one organization.
type Handler func(ev chainevent.Event) error

// Upstream is the event producer the registry is bound to.
type Upstream interface {
	IsRegistered(orgID string) bool
	Status(orgID string) (stream.Status, bool)
	Release(orgID string)
}

// Options tune teardown and buffering.
type Options struct {
	GracePeriod  time.Duration
	BacklogLimit int
	Clock        scheduler.Clock
}

// Registry tracks listeners per organization.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	upstream Upstream
	orgs     map[string]*orgListeners
	disposed bool
}

type orgListeners struct {
	id        string
	listeners []*Subscription
	backlog   []chainevent.Event
	teardown  scheduler.Timer

	// deliverMu serialises delivery so that every listener sees the
	// organization's events in emission order.
	deliverMu sync.Mutex
}

// Subscription is the handle returned by Subscribe. Dispose is its only
// cleanup path.
type Subscription struct {
	ID             uuid.UUID
	OrganizationID string

	handler  atomic.Pointer[Handler]
	active   atomic.Bool
	once     sync.Once
	registry *Registry
}

// New constructs a registry. Call Init before subscribing.
func New(opts Options, logger zerolog.Logger) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.BacklogLimit <= 0 {
		opts.BacklogLimit = DefaultBacklogLimit
	}
	if opts.Clock == nil {
		opts.Clock = scheduler.RealClock{}
	}
	return &Registry{
		opts:   opts,
		logger: logger.With().Str("component", "subscription_registry").Logger(),
		orgs:   make(map[string]*orgListeners),
	}
}

// Init binds the registry to its upstream stream.
func (r *Registry) Init(upstream Upstream) {
	if upstream == nil {
		panic("registry: nil upstream")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upstream != nil {
		panic("registry: already initialised")
	}
	r.upstream = upstream
}

// Subscribe registers handler for every future event of orgID. Subscribing to
// an organization that was never registered upstream is a programming error.
func (r *Registry) Subscribe(orgID string, handler Handler) *Subscription {
	if handler == nil {
		panic("registry: nil handler")
	}

	sub := &Subscription{ID: uuid.New(), OrganizationID: orgID, registry: r}
	sub.handler.Store(&handler)
	sub.active.Store(true)

	// A pending backlog is flushed while holding deliverMu, taken before r.mu,
	// so a concurrent Publish cannot overtake it.
	var (
		flushing *orgListeners
		backlog  []chainevent.Event
		count    int
	)
	fail := func(msg string) {
		r.mu.Unlock()
		if flushing != nil {
			flushing.deliverMu.Unlock()
		}
		panic(msg)
	}
	for {
		r.mu.Lock()
		if r.upstream == nil {
			fail("registry: Subscribe called before Init")
		}
		if r.disposed {
			fail("registry: Subscribe called after Dispose")
		}
		if !r.upstream.IsRegistered(orgID) {
			fail(fmt.Sprintf("registry: organization %q is not registered", orgID))
		}

		org := r.orgLocked(orgID)
		if len(org.backlog) > 0 && flushing != org {
			r.mu.Unlock()
			if flushing != nil {
				flushing.deliverMu.Unlock()
			}
			org.deliverMu.Lock()
			flushing = org
			continue
		}
		if org.teardown != nil {
			org.teardown.Stop()
			org.teardown = nil
		}
		org.listeners = append(org.listeners, sub)
		backlog = org.backlog
		org.backlog = nil
		count = len(org.listeners)
		r.mu.Unlock()
		break
	}

	for _, ev := range backlog {
		r.deliver(sub, ev)
	}
	if flushing != nil {
		flushing.deliverMu.Unlock()
	}

	metrics.ActiveSubscriptions.WithLabelValues(orgID).Set(float64(count))
	r.logger.Debug().Str("organization", orgID).Str("subscription", sub.ID.String()).Int("listeners", count).Msg("listener subscribed")
	return sub
}

// Publish delivers ev to every active listener of its organization. It
// implements stream.Sink.
func (r *Registry) Publish(ev chainevent.Event) {
	r.mu.Lock()
	org, ok := r.orgs[ev.OrganizationID]
	if !ok {
		org = r.orgLocked(ev.OrganizationID)
	}
	if len(org.listeners) == 0 {
		org.backlog = append(org.backlog, ev)
		if over := len(org.backlog) - r.opts.BacklogLimit; over > 0 {
			org.backlog = append(org.backlog[:0:0], org.backlog[over:]...)
		}
		r.mu.Unlock()
		return
	}
	listeners := make([]*Subscription, len(org.listeners))
	copy(listeners, org.listeners)
	r.mu.Unlock()

	org.deliverMu.Lock()
	defer org.deliverMu.Unlock()
	for _, sub := range listeners {
		r.deliver(sub, ev)
	}
}

// ConnectionStatus returns the upstream connection snapshot for orgID.
func (r *Registry) ConnectionStatus(orgID string) stream.Status {
	r.mu.Lock()
	upstream := r.upstream
	r.mu.Unlock()
	if upstream == nil {
		return stream.Status{OrganizationID: orgID, State: stream.StateClosed}
	}
	st, _ := upstream.Status(orgID)
	return st
}

// ListenerCount reports active listeners for orgID.
func (r *Registry) ListenerCount(orgID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if org, ok := r.orgs[orgID]; ok {
		return len(org.listeners)
	}
	return 0
}

// Dispose drops every listener and pending teardown.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	for id, org := range r.orgs {
		for _, sub := range org.listeners {
			sub.active.Store(false)
		}
		if org.teardown != nil {
			org.teardown.Stop()
		}
		metrics.ActiveSubscriptions.DeleteLabelValues(id)
	}
	r.orgs = make(map[string]*orgListeners)
}

// Dispose removes the listener. It is synchronous and idempotent; events
// already in flight for this listener are not delivered.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.active.Store(false)
		s.registry.remove(s)
	})
}

// Replace swaps the callback in place. Ordering and buffered events are kept.
func (s *Subscription) Replace(handler Handler) {
	if handler == nil {
		panic("registry: nil handler")
	}
	s.handler.Store(&handler)
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	org, ok := r.orgs[sub.OrganizationID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for i, candidate := range org.listeners {
		if candidate == sub {
			org.listeners = append(org.listeners[:i], org.listeners[i+1:]...)
			break
		}
	}
	count := len(org.listeners)
	if count == 0 && !r.disposed && org.teardown == nil {
		orgID := org.id
		org.teardown = r.opts.Clock.AfterFunc(r.opts.GracePeriod, func() { r.releaseIdle(orgID) })
	}
	r.mu.Unlock()

	metrics.ActiveSubscriptions.WithLabelValues(sub.OrganizationID).Set(float64(count))
	r.logger.Debug().Str("organization", sub.OrganizationID).Str("subscription", sub.ID.String()).Int("listeners", count).Msg("listener disposed")
}

// releaseIdle tears the upstream connection down if nobody resubscribed
// during the grace period.
func (r *Registry) releaseIdle(orgID string) {
	r.mu.Lock()
	org, ok := r.orgs[orgID]
	if !ok || len(org.listeners) > 0 || org.teardown == nil {
		r.mu.Unlock()
		return
	}
	delete(r.orgs, orgID)
	upstream := r.upstream
	r.mu.Unlock()

	metrics.ActiveSubscriptions.DeleteLabelValues(orgID)
	r.logger.Info().Str("organization", orgID).Msg("no listeners left after grace period, releasing connection")
	if upstream != nil {
		upstream.Release(orgID)
	}
}

func (r *Registry) orgLocked(orgID string) *orgListeners {
	org, ok := r.orgs[orgID]
	if !ok {
		org = &orgListeners{id: orgID}
		r.orgs[orgID] = org
	}
	return org
}

// deliver invokes one listener, isolating errors and panics.
func (r *Registry) deliver(sub *Subscription, ev chainevent.Event) {
	if !sub.active.Load() {
		return
	}
	handler := *sub.handler.Load()

	status := "ok"
	defer func() {
		if rec := recover(); rec != nil {
			status = "panic"
			r.logger.Error().
				Str("organization", ev.OrganizationID).
				Str("subscription", sub.ID.String()).
				Str("kind", string(ev.Kind)).
				Interface("panic", rec).
				Msg("listener panicked")
		}
		metrics.Deliveries.WithLabelValues(ev.OrganizationID, status).Inc()
	}()

	if err := handler(ev); err != nil {
		status = "error"
		r.logger.Warn().
			Err(err).
			Str("organization", ev.OrganizationID).
			Str("subscription", sub.ID.String()).
			Str("kind", string(ev.Kind)).
			Msg("listener returned error")
	}
}

var _ stream.Sink = (*Registry)(nil)

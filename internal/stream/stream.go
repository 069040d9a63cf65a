// Package stream turns raw chain payloads into one ordered, deduplicated event
// feed per organization.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"daowatch/internal/chainevent"
	"daowatch/internal/metrics"
	"daowatch/internal/scheduler"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBackoffBase    = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultDedupeCapacity = 200
	DefaultDedupeWindow   = 10 * time.Minute
)

// ErrNotRegistered is returned for operations on unknown organizations.
var ErrNotRegistered = errors.New("stream: organization not registered")

// ConnectionParams describe how to reach an organization's chain source.
type ConnectionParams struct {
	Source     string
	Endpoint   string
	Contract   string
	StartBlock uint64
}

// Source delivers raw payloads for one organization. Run blocks until the
// connection is lost or ctx is cancelled and must call deliver from a single
// goroutine.
type Source interface {
	Run(ctx context.Context, deliver func(chainevent.Raw)) error
	Close() error
}

// Forgetter is implemented by dialers that keep per-organization resume
// state. Release calls Forget so a later registration starts afresh.
type Forgetter interface {
	Forget(orgID string)
}

// Dialer opens sources.
type Dialer interface {
	Dial(ctx context.Context, orgID string, params ConnectionParams) (Source, error)
}

// Sink receives deduplicated events in emission order.
type Sink interface {
	Publish(ev chainevent.Event)
}

// State is the lifecycle of an organization's connection.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
)

// Status is a read-only snapshot of connection health.
type Status struct {
	OrganizationID string
	State          State
	IsConnected    bool
	LastEventAt    time.Time
	RetryCount     int
	LastError      string
}

// Options tune retry, timeout and dedup behaviour.
type Options struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	RequestTimeout time.Duration
	DedupeCapacity int
	DedupeWindow   time.Duration
	DedupeBucket   time.Duration
	Clock          scheduler.Clock
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DedupeCapacity <= 0 {
		o.DedupeCapacity = DefaultDedupeCapacity
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = DefaultDedupeWindow
	}
	if o.DedupeBucket <= 0 {
		o.DedupeBucket = chainevent.DefaultDedupeBucket
	}
	if o.Clock == nil {
		o.Clock = scheduler.RealClock{}
	}
	return o
}

// Stream owns one chain connection per organization.
type Stream struct {
	opts    Options
	dialer  Dialer
	sink    Sink
	decoder chainevent.Decoder
	logger  zerolog.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	regMu    sync.Mutex
	mu       sync.RWMutex
	orgs     map[string]*organization
	disposed bool
}

// Handle refers to a registered organization.
type Handle struct {
	OrganizationID string
	stream         *Stream
}

// Status returns the organization's current connection status.
func (h *Handle) Status() Status {
	st, _ := h.stream.Status(h.OrganizationID)
	return st
}

type organization struct {
	id     string
	params ConnectionParams
	cancel context.CancelFunc
	done   chan struct{}

	emitMu sync.Mutex
	cache  *dedupeCache

	statusMu sync.RWMutex
	status   Status
}

// New constructs a stream. sink must not be nil.
func New(opts Options, dialer Dialer, sink Sink, logger zerolog.Logger) *Stream {
	if dialer == nil || sink == nil {
		panic("stream requires a dialer and a sink")
	}
	opts = opts.withDefaults()
	root, cancel := context.WithCancel(context.Background())
	return &Stream{
		opts:    opts,
		dialer:  dialer,
		sink:    sink,
		decoder: chainevent.Decoder{Bucket: opts.DedupeBucket},
		logger:  logger.With().Str("component", "chain_stream").Logger(),
		root:    root,
		cancel:  cancel,
		orgs:    make(map[string]*organization),
	}
}

// RegisterOrganization establishes, or reuses, the chain connection for orgID.
func (s *Stream) RegisterOrganization(ctx context.Context, orgID string, params ConnectionParams) (*Handle, error) {
	if orgID == "" {
		return nil, errors.New("organization id is required")
	}

	s.regMu.Lock()
	defer s.regMu.Unlock()

	if s.lookup(orgID) != nil {
		return &Handle{OrganizationID: orgID, stream: s}, nil
	}
	if s.isDisposed() {
		return nil, ErrDisposed
	}

	src, attempts, err := s.dialWithRetry(ctx, orgID, params, s.opts.MaxAttempts, nil)
	if err != nil {
		return nil, &ConnectionError{OrganizationID: orgID, Attempts: attempts, Err: err}
	}

	runCtx, cancel := context.WithCancel(s.root)
	org := &organization{
		id:     orgID,
		params: params,
		cancel: cancel,
		done:   make(chan struct{}),
		cache:  newDedupeCache(s.opts.DedupeCapacity, s.opts.DedupeWindow),
		status: Status{OrganizationID: orgID, State: StateConnected, IsConnected: true},
	}

	// Dispose may have started while dialling; the disposed check and wg.Add
	// share s.mu with Dispose so it never waits on a goroutine added late.
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		cancel()
		if err := src.Close(); err != nil {
			s.logger.Debug().Err(err).Str("organization", orgID).Msg("source close failed")
		}
		return nil, ErrDisposed
	}
	s.orgs[orgID] = org
	s.wg.Add(1)
	s.mu.Unlock()
	metrics.Connected.WithLabelValues(orgID).Set(1)

	go s.run(runCtx, org, src)

	s.logger.Info().Str("organization", orgID).Str("source", params.Source).Int("attempts", attempts).Msg("organization registered")
	return &Handle{OrganizationID: orgID, stream: s}, nil
}

// IsRegistered reports whether orgID has a live registration.
func (s *Stream) IsRegistered(orgID string) bool {
	return s.lookup(orgID) != nil
}

// Organizations lists registered organizations in lexical order.
func (s *Stream) Organizations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.orgs))
	for id := range s.orgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns a snapshot for orgID.
func (s *Stream) Status(orgID string) (Status, bool) {
	org := s.lookup(orgID)
	if org == nil {
		return Status{OrganizationID: orgID, State: StateClosed}, false
	}
	org.statusMu.RLock()
	defer org.statusMu.RUnlock()
	return org.status, true
}

// Emit pushes a normalised event through the dedup cache. It reports whether
// the event was forwarded; duplicates are dropped silently.
func (s *Stream) Emit(ev chainevent.Event) (bool, error) {
	org := s.lookup(ev.OrganizationID)
	if org == nil {
		return false, fmt.Errorf("emit %s: %w", ev.OrganizationID, ErrNotRegistered)
	}
	return s.emit(org, ev), nil
}

// Release tears down orgID's connection. Buffered state and the dialer's
// resume cursor are discarded.
func (s *Stream) Release(orgID string) {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.mu.Lock()
	org, ok := s.orgs[orgID]
	if ok {
		delete(s.orgs, orgID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	org.cancel()
	<-org.done
	if f, ok := s.dialer.(Forgetter); ok {
		f.Forget(orgID)
	}
	metrics.Connected.DeleteLabelValues(orgID)
	s.logger.Info().Str("organization", orgID).Msg("organization released")
}

// Dispose stops every organization and waits for their goroutines.
func (s *Stream) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.orgs = make(map[string]*organization)
	s.mu.Unlock()
}

func (s *Stream) run(ctx context.Context, org *organization, src Source) {
	defer s.wg.Done()
	defer close(org.done)

	logger := s.logger.With().Str("organization", org.id).Logger()
	for {
		err := src.Run(ctx, func(raw chainevent.Raw) { s.onNodeEvent(org, raw) })
		if closeErr := src.Close(); closeErr != nil {
			logger.Debug().Err(closeErr).Msg("source close failed")
		}
		if ctx.Err() != nil {
			org.setClosed()
			return
		}

		err = classify(err)
		if err == nil {
			err = errors.New("source ended")
		}
		org.setDisconnected(err)
		metrics.Connected.WithLabelValues(org.id).Set(0)
		logger.Warn().Err(err).Msg("chain source disconnected, retrying")

		next, _, dialErr := s.dialWithRetry(ctx, org.id, org.params, 0, org.incRetry)
		if dialErr != nil {
			org.setClosed()
			return
		}
		src = next
		org.setConnected()
		metrics.Connected.WithLabelValues(org.id).Set(1)
		logger.Info().Msg("chain source reconnected")
	}
}

// dialWithRetry dials up to maxAttempts times (forever when maxAttempts <= 0),
// sleeping with exponential backoff between attempts.
func (s *Stream) dialWithRetry(ctx context.Context, orgID string, params ConnectionParams, maxAttempts int, onRetry func() int) (Source, int, error) {
	var lastErr error
	attempt := 0
	for maxAttempts <= 0 || attempt < maxAttempts {
		attempt++
		if onRetry != nil {
			metrics.Reconnects.WithLabelValues(orgID).Inc()
			if !scheduler.Sleep(ctx.Done(), s.opts.Clock, s.backoff(onRetry())) {
				return nil, attempt - 1, ctx.Err()
			}
		} else if attempt > 1 {
			if !scheduler.Sleep(ctx.Done(), s.opts.Clock, s.backoff(attempt-1)) {
				return nil, attempt - 1, ctx.Err()
			}
		}

		dialCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		src, err := s.dialer.Dial(dialCtx, orgID, params)
		cancel()
		if err == nil {
			return src, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}

		lastErr = classify(err)
		s.logger.Warn().Err(lastErr).Str("organization", orgID).Int("attempt", attempt).Msg("dial chain source failed")
	}
	return nil, attempt, lastErr
}

func (s *Stream) backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := s.opts.BackoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	return d
}

func (s *Stream) onNodeEvent(org *organization, raw chainevent.Raw) {
	metrics.EventsReceived.WithLabelValues(org.id).Inc()

	ev, err := s.decoder.Decode(org.id, raw, s.opts.Clock.Now())
	if err != nil {
		metrics.DecodeWarnings.WithLabelValues(org.id).Inc()
		s.logger.Warn().Err(err).Str("organization", org.id).Str("type", raw.Type).Msg("dropping undecodable payload")
		return
	}
	s.emit(org, ev)
}

func (s *Stream) emit(org *organization, ev chainevent.Event) bool {
	org.emitMu.Lock()
	defer org.emitMu.Unlock()

	if !org.cache.add(ev.DedupeKey, s.opts.Clock.Now()) {
		metrics.EventsDeduplicated.WithLabelValues(org.id).Inc()
		s.logger.Debug().Str("organization", org.id).Str("dedupe_key", ev.DedupeKey).Msg("duplicate event discarded")
		return false
	}

	org.touch(ev.ObservedAt)
	metrics.EventsEmitted.WithLabelValues(org.id, string(ev.Kind)).Inc()
	s.sink.Publish(ev)
	return true
}

func (s *Stream) lookup(orgID string) *organization {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orgs[orgID]
}

func (s *Stream) isDisposed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disposed
}

func (o *organization) touch(at time.Time) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	if at.After(o.status.LastEventAt) {
		o.status.LastEventAt = at
	}
}

func (o *organization) incRetry() int {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.RetryCount++
	return o.status.RetryCount
}

func (o *organization) setConnected() {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.State = StateConnected
	o.status.IsConnected = true
	o.status.RetryCount = 0
	o.status.LastError = ""
}

func (o *organization) setDisconnected(err error) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.State = StateDisconnected
	o.status.IsConnected = false
	if err != nil {
		o.status.LastError = err.Error()
	}
}

func (o *organization) setClosed() {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.status.State = StateClosed
	o.status.IsConnected = false
}

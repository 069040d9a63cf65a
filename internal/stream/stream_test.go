package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"daowatch/internal/chainevent"
	"daowatch/internal/scheduler"
)

type fakeSource struct {
	raws   chan chainevent.Raw
	fail   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{raws: make(chan chainevent.Raw, 16), fail: make(chan error, 1), closed: make(chan struct{})}
}

func (f *fakeSource) Run(ctx context.Context, deliver func(chainevent.Raw)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-f.fail:
			return err
		case raw := <-f.raws:
			deliver(raw)
		}
	}
}

func (f *fakeSource) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	mu        sync.Mutex
	failures  int
	dials     int
	sources   []*fakeSource
	forgotten []string
}

func (d *fakeDialer) Forget(orgID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgotten = append(d.forgotten, orgID)
}

func (d *fakeDialer) Dial(ctx context.Context, orgID string, params ConnectionParams) (Source, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	src := newFakeSource()
	d.sources = append(d.sources, src)
	return src, nil
}

func (d *fakeDialer) source(i int) *fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sources) {
		return nil
	}
	return d.sources[i]
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingSink struct {
	mu     sync.Mutex
	events []chainevent.Event
}

func (r *recordingSink) Publish(ev chainevent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) snapshot() []chainevent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chainevent.Event, len(r.events))
	copy(out, r.events)
	return out
}

// frozenClock keeps real timers but pins Now so dedupe buckets never straddle.
type frozenClock struct {
	scheduler.RealClock
	at time.Time
}

func (c frozenClock) Now() time.Time { return c.at }

func fastOptions() Options {
	return Options{
		BackoffBase:    time.Millisecond,
		BackoffMax:     4 * time.Millisecond,
		RequestTimeout: time.Second,
		Clock:          frozenClock{at: time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)},
	}
}

func voteRaw(proposal, voter string) chainevent.Raw {
	return chainevent.Raw{Type: "VoteCast", Data: json.RawMessage(`{"proposal_id":"` + proposal + `","voter":"` + voter + `","choice":"for","weight":"1"}`)}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRegisterFailsAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{failures: 10}
	s := New(fastOptions(), dialer, &recordingSink{}, zerolog.Nop())
	defer s.Dispose()

	_, err := s.RegisterOrganization(context.Background(), "org-1", ConnectionParams{})
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.Attempts != DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultMaxAttempts, connErr.Attempts)
	}
	if dialer.dialCount() != DefaultMaxAttempts {
		t.Fatalf("expected %d dials, got %d", DefaultMaxAttempts, dialer.dialCount())
	}
	if s.IsRegistered("org-1") {
		t.Fatal("failed registration must not leave state behind")
	}
}

func TestRegisterRetriesThenReuses(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	s := New(fastOptions(), dialer, &recordingSink{}, zerolog.Nop())
	defer s.Dispose()

	h, err := s.RegisterOrganization(context.Background(), "org-1", ConnectionParams{})
	if err != nil {
		t.Fatalf("registration should succeed on third attempt: %v", err)
	}
	if !h.Status().IsConnected {
		t.Fatal("handle should report connected")
	}
	if _, err := s.RegisterOrganization(context.Background(), "org-1", ConnectionParams{}); err != nil {
		t.Fatalf("re-registration failed: %v", err)
	}
	if dialer.dialCount() != 3 {
		t.Fatalf("re-registration must reuse the connection, dials=%d", dialer.dialCount())
	}
}

func TestEmitIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	s := New(fastOptions(), &fakeDialer{}, sink, zerolog.Nop())
	defer s.Dispose()

	if _, err := s.RegisterOrganization(context.Background(), "org-1", ConnectionParams{}); err != nil {
		t.Fatal(err)
	}

	ev := chainevent.New("org-1", chainevent.MemberAdded{Member: "0x1"}, time.Now(), 0, time.Minute)
	first, err := s.Emit(ev)
	if err != nil || !first {
		t.Fatalf("first emit should be forwarded: %v %v", first, err)
	}
	second, err := s.Emit(ev)
	if err != nil || second {
		t.Fatalf("duplicate emit should be discarded: %v %v", second, err)
	}
	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}

	if _, err := s.Emit(chainevent.New("org-x", chainevent.MemberAdded{Member: "0x1"}, time.Now(), 0, 0)); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestNodeEventsAreDecodedAndDeduplicated(t *testing.T) {
	sink := &recordingSink{}
	dialer := &fakeDialer{}
	s := New(fastOptions(), dialer, sink, zerolog.Nop())
	defer s.Dispose()

	if _, err := s.RegisterOrganization(context.Background(), "org-1", ConnectionParams{}); err != nil {
		t.Fatal(err)
	}
	src := dialer.source(0)
	src.raws <- voteRaw("42", "0xA")
	src.raws <- voteRaw("42", "0xA")
	src.raws <- chainevent.Raw{Type: "Mystery", Data: json.RawMessage(`{}`)}
	src.raws <- voteRaw("43", "0xA")

	waitUntil(t, func() bool { return len(sink.snapshot()) == 2 })
	events := sink.snapshot()
	first := events[0].Payload.(chainevent.VoteCast)
	second := events[1].Payload.(chainevent.VoteCast)
	if first.ProposalID != "42" || second.ProposalID != "43" {
		t.Fatalf("events out of order: %s, %s", first.ProposalID, second.ProposalID)
	}
	st, _ := s.Status("org-1")
	if st.LastEventAt.IsZero() {
		t.Fatal("last event time should be tracked")
	}
}

func TestReconnectKeepsDedupeState(t *testing.T) {
	sink := &recordingSink{}
	dialer := &fakeDialer{}
	s := New(fastOptions(), dialer, sink, zerolog.Nop())
	defer s.Dispose()

	if _, err := s.RegisterOrganization(context.Background(), "org-1", ConnectionParams{}); err != nil {
		t.Fatal(err)
	}
	first := dialer.source(0)
	first.raws <- voteRaw("42", "0xA")
	waitUntil(t, func() bool { return len(sink.snapshot()) == 1 })

	dialer.mu.Lock()
	dialer.failures = 1
	dialer.mu.Unlock()
	first.fail <- errors.New("socket closed")

	waitUntil(t, func() bool { return dialer.source(1) != nil })
	waitUntil(t, func() bool {
		st, _ := s.Status("org-1")
		return st.IsConnected
	})

	second := dialer.source(1)
	second.raws <- voteRaw("42", "0xA")
	second.raws <- voteRaw("44", "0xB")
	waitUntil(t, func() bool { return len(sink.snapshot()) == 2 })

	select {
	case <-first.closed:
	default:
		t.Fatal("dropped source should be closed")
	}
}

func TestDedupeCacheBounds(t *testing.T) {
	clock := scheduler.NewManualClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cache := newDedupeCache(2, time.Minute)

	now := clock.Now()
	if !cache.add("a", now) || !cache.add("b", now) {
		t.Fatal("fresh keys should be accepted")
	}
	if cache.add("a", now) {
		t.Fatal("duplicate within bounds must be rejected")
	}
	cache.add("c", now)
	if cache.len() != 2 {
		t.Fatalf("capacity not enforced: %d", cache.len())
	}
	if !cache.add("a", now) {
		t.Fatal("evicted key should be accepted again")
	}

	clock.Advance(2 * time.Minute)
	if !cache.add("c", clock.Now()) {
		t.Fatal("keys older than the window should expire")
	}
	if cache.len() != 1 {
		t.Fatalf("expired entries should be dropped, len=%d", cache.len())
	}
}

func TestReleaseStopsSource(t *testing.T) {
	dialer := &fakeDialer{}
	s := New(fastOptions(), dialer, &recordingSink{}, zerolog.Nop())
	defer s.Dispose()

	if _, err := s.RegisterOrganization(context.Background(), "org-1", ConnectionParams{}); err != nil {
		t.Fatal(err)
	}
	s.Release("org-1")
	if s.IsRegistered("org-1") {
		t.Fatal("released organization should be gone")
	}
	select {
	case <-dialer.source(0).closed:
	case <-time.After(time.Second):
		t.Fatal("source was not closed")
	}
	s.Release("org-1")

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.forgotten) != 1 || dialer.forgotten[0] != "org-1" {
		t.Fatalf("release should drop the resume cursor once, got %v", dialer.forgotten)
	}
}

// gatedDialer blocks Dial until release is closed.
type gatedDialer struct {
	entered chan struct{}
	release chan struct{}
	src     *fakeSource
}

func (g *gatedDialer) Dial(context.Context, string, ConnectionParams) (Source, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.src, nil
}

func TestRegisterAbortsWhenDisposedWhileDialling(t *testing.T) {
	dialer := &gatedDialer{entered: make(chan struct{}, 1), release: make(chan struct{}), src: newFakeSource()}
	s := New(fastOptions(), dialer, &recordingSink{}, zerolog.Nop())

	result := make(chan error, 1)
	go func() {
		_, err := s.RegisterOrganization(context.Background(), "org-1", ConnectionParams{})
		result <- err
	}()
	<-dialer.entered
	s.Dispose()
	close(dialer.release)

	if err := <-result; !errors.Is(err, ErrDisposed) {
		t.Fatalf("registration racing Dispose should fail with ErrDisposed, got %v", err)
	}
	select {
	case <-dialer.src.closed:
	case <-time.After(time.Second):
		t.Fatal("已拨通的连接应被关闭")
	}
	if s.IsRegistered("org-1") {
		t.Fatal("disposed stream must not keep the organization")
	}
}

func TestBackoffIsCapped(t *testing.T) {
	s := New(Options{BackoffBase: time.Second, BackoffMax: 5 * time.Second}, &fakeDialer{}, &recordingSink{}, zerolog.Nop())
	defer s.Dispose()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := s.backoff(i + 1); got != w {
			t.Fatalf("retry %d: expected %s, got %s", i+1, w, got)
		}
	}
}

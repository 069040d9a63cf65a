package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"daowatch/internal/analytics"
	"daowatch/internal/config"
	"daowatch/internal/storage"
	"daowatch/internal/stream"
)

type fakeBackend struct {
	reports map[string]analytics.Report
}

func (fakeBackend) Statuses() []stream.Status {
	return []stream.Status{
		{OrganizationID: "uniswap", State: stream.StateConnected, IsConnected: true},
		{OrganizationID: "aave", State: stream.StateDisconnected, RetryCount: 3, LastError: "dial failed"},
	}
}

func (f fakeBackend) LatestReport(orgID string) (analytics.Report, bool) {
	rep, ok := f.reports[orgID]
	return rep, ok
}

func (fakeBackend) Organizations() []config.OrganizationConfig {
	return []config.OrganizationConfig{{ID: "uniswap"}, {ID: "aave"}}
}

type fakeEvents struct {
	err   error
	limit int
}

func (f *fakeEvents) InsertEvent(context.Context, storage.EventRecord) (bool, error) { return true, nil }

func (f *fakeEvents) ListRecentEvents(_ context.Context, orgID string, limit int) ([]storage.EventRecord, error) {
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []storage.EventRecord{{DedupeKey: "k1", OrganizationID: orgID, Kind: "treasury_deposit"}}, nil
}

func (f *fakeEvents) CountEvents(context.Context, string) (int64, error) { return 1, nil }

func (f *fakeEvents) DeleteEventsBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func newTestServer(events storage.EventStore) *Server {
	backend := fakeBackend{reports: map[string]analytics.Report{
		"uniswap": {OrganizationID: "uniswap", Health: 72},
	}}
	return New(Options{Backend: backend, Events: events}, zerolog.Nop())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := get(t, newTestServer(nil), "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["organizations"].(float64) != 2 || body["connected"].(float64) != 1 {
		t.Fatalf("unexpected health body %v", body)
	}
}

func TestOrganizationsIncludeHealthScore(t *testing.T) {
	rec := get(t, newTestServer(nil), "/api/organizations")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []statusView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 organizations, got %d", len(views))
	}
	if views[0].HealthScore == nil || *views[0].HealthScore != 72 {
		t.Fatalf("uniswap should carry its health score: %+v", views[0])
	}
	if views[1].HealthScore != nil || views[1].RetryCount != 3 || views[1].IsConnected {
		t.Fatalf("unexpected aave view %+v", views[1])
	}
}

func TestStatusAndReportLookups(t *testing.T) {
	s := newTestServer(nil)

	if rec := get(t, s, "/api/organizations/aave/status"); rec.Code != http.StatusOK {
		t.Fatalf("status lookup = %d", rec.Code)
	}
	if rec := get(t, s, "/api/organizations/unknown/status"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown org status = %d", rec.Code)
	}
	if rec := get(t, s, "/api/organizations/uniswap/report"); rec.Code != http.StatusOK {
		t.Fatalf("report = %d", rec.Code)
	}
	if rec := get(t, s, "/api/organizations/aave/report"); rec.Code != http.StatusNotFound {
		t.Fatalf("尚未计算的报告应返回 404, got %d", rec.Code)
	}
}

func TestEventsRoute(t *testing.T) {
	if rec := get(t, newTestServer(nil), "/api/organizations/uniswap/events"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("without store = %d", rec.Code)
	}

	events := &fakeEvents{}
	s := newTestServer(events)
	rec := get(t, s, "/api/organizations/uniswap/events?limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("events = %d", rec.Code)
	}
	if events.limit != 5 {
		t.Fatalf("limit not forwarded, got %d", events.limit)
	}
	var out []storage.EventRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].DedupeKey != "k1" {
		t.Fatalf("unexpected events %+v", out)
	}

	events.err = errors.New("db down")
	if rec := get(t, s, "/api/organizations/uniswap/events"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("store failure = %d", rec.Code)
	}
	if events.limit != defaultListLimit {
		t.Fatalf("default limit = %d", events.limit)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	if rec := get(t, newTestServer(nil), "/metrics"); rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
}

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"daowatch/internal/stream"
)

type statusView struct {
	OrganizationID string       `json:"organization_id"`
	State          stream.State `json:"state"`
	IsConnected    bool         `json:"is_connected"`
	LastEventAt    *time.Time   `json:"last_event_at,omitempty"`
	RetryCount     int          `json:"retry_count"`
	LastError      string       `json:"last_error,omitempty"`
	HealthScore    *int         `json:"health_score,omitempty"`
}

func (s *Server) view(st stream.Status) statusView {
	v := statusView{
		OrganizationID: st.OrganizationID,
		State:          st.State,
		IsConnected:    st.IsConnected,
		RetryCount:     st.RetryCount,
		LastError:      st.LastError,
	}
	if !st.LastEventAt.IsZero() {
		at := st.LastEventAt
		v.LastEventAt = &at
	}
	if rep, ok := s.opts.Backend.LatestReport(st.OrganizationID); ok {
		health := rep.Health
		v.HealthScore = &health
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := 0
	statuses := s.opts.Backend.Statuses()
	for _, st := range statuses {
		if st.IsConnected {
			connected++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"organizations":  len(statuses),
		"connected":      connected,
	})
}

func (s *Server) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	statuses := s.opts.Backend.Statuses()
	out := make([]statusView, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, s.view(st))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, st := range s.opts.Backend.Statuses() {
		if st.OrganizationID == id {
			s.writeJSON(w, http.StatusOK, s.view(st))
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "unknown organization")
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(id) {
		s.writeError(w, http.StatusNotFound, "unknown organization")
		return
	}
	rep, ok := s.opts.Backend.LatestReport(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no report computed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(id) {
		s.writeError(w, http.StatusNotFound, "unknown organization")
		return
	}
	if s.opts.Events == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event store not configured")
		return
	}
	events, err := s.opts.Events.ListRecentEvents(r.Context(), id, limitParam(r))
	if err != nil {
		s.log.Error().Err(err).Str("organization", id).Msg("failed to list events")
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.known(id) {
		s.writeError(w, http.StatusNotFound, "unknown organization")
		return
	}
	if s.opts.Suggestions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "suggestion store not configured")
		return
	}
	suggestions, err := s.opts.Suggestions.ListRecentSuggestions(r.Context(), id, limitParam(r))
	if err != nil {
		s.log.Error().Err(err).Str("organization", id).Msg("failed to list suggestions")
		s.writeError(w, http.StatusInternalServerError, "failed to list suggestions")
		return
	}
	s.writeJSON(w, http.StatusOK, suggestions)
}

package service

import (
	"context"
	"fmt"

	"daowatch/internal/chainevent"
	"daowatch/internal/metrics"
	"daowatch/internal/storage"
)

// handleEvent is the service's registry listener. It persists the event and
// schedules a fresh analytics run when the treasury may have changed.
func (s *Service) handleEvent(ev chainevent.Event) error {
	logger := s.logger.With().Str("organization", ev.OrganizationID).Str("kind", string(ev.Kind)).Logger()
	logger.Debug().Str("dedupe_key", ev.DedupeKey).Uint64("block", ev.BlockNumber).Msg("event received")

	if changesTreasury(ev.Kind) {
		s.RequestRefresh(ev.OrganizationID)
	}

	if s.events == nil {
		return nil
	}
	rec, err := storage.NewEventRecord(ev)
	if err != nil {
		metrics.PersistedEvents.WithLabelValues("failed").Inc()
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(s.rootContext(), persistTimeout)
	defer cancel()
	inserted, err := s.events.InsertEvent(ctx, rec)
	if err != nil {
		metrics.PersistedEvents.WithLabelValues("failed").Inc()
		return fmt.Errorf("persist event: %w", err)
	}
	if inserted {
		metrics.PersistedEvents.WithLabelValues("inserted").Inc()
	} else {
		metrics.PersistedEvents.WithLabelValues("duplicate").Inc()
	}
	return nil
}

// RequestRefresh queues an out-of-schedule analytics run for orgID. It never
// blocks; when the queue is full the request is dropped and false returned.
func (s *Service) RequestRefresh(orgID string) bool {
	select {
	case s.refresh <- orgID:
		return true
	default:
		s.logger.Debug().Str("organization", orgID).Msg("analytics refresh queue full")
		return false
	}
}

func changesTreasury(kind chainevent.Kind) bool {
	return kind == chainevent.KindTreasuryDeposit || kind == chainevent.KindProposalExecuted
}

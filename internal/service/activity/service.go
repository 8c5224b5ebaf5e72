// Package activity journals orchestrator actions and fans them out to live
// feed subscribers.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/solhaug/previewd/internal/domain"
	"github.com/solhaug/previewd/internal/repository"
	"github.com/solhaug/previewd/internal/ws"
)

// Topic is the hub topic live subscribers attach to.
const Topic = "activity"

// ErrDisabled reports that journal persistence is not configured.
var ErrDisabled = errors.New("activity: journal persistence not configured")

const defaultRecentLimit = 50

// Service records activity events. Events always reach live subscribers;
// persistence is optional and failures there never block the caller.
type Service struct {
	repo      repository.ActivityRepository
	hub       *ws.Hub
	log       *slog.Logger
	retention time.Duration
	sweep     time.Duration
	now       func() time.Time
}

// New builds the journal. repo may be nil to run broadcast-only.
func New(repo repository.ActivityRepository, hub *ws.Hub, log *slog.Logger, retention, sweep time.Duration) Service {
	return Service{
		repo:      repo,
		hub:       hub,
		log:       log,
		retention: retention,
		sweep:     sweep,
		now:       time.Now,
	}
}

// Hub exposes the live feed hub for subscriber wiring.
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// Record stamps, broadcasts and persists one event.
func (s Service) Record(ctx context.Context, event domain.ActivityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}

	if payload, err := json.Marshal(event); err == nil {
		s.hub.Broadcast(Topic, payload)
	} else {
		s.log.Warn("activity event marshal failed", "error", err)
	}

	if s.repo == nil {
		return
	}
	if err := s.repo.InsertActivityEvent(ctx, &event); err != nil {
		s.log.Warn("activity event persist failed", "kind", event.Kind, "error", err)
	}
}

// Recent returns persisted events newest first.
func (s Service) Recent(ctx context.Context, limit, offset int) ([]domain.ActivityEvent, error) {
	if s.repo == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 || limit > 200 {
		limit = defaultRecentLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListActivityEvents(ctx, limit, offset)
}

// Run sweeps expired journal entries until ctx is cancelled. Returns
// immediately when persistence or retention is disabled.
func (s Service) Run(ctx context.Context) {
	if s.repo == nil || s.retention <= 0 || s.sweep <= 0 {
		return
	}

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := s.now().Add(-s.retention)
			dropped, err := s.repo.DeleteActivityEventsBefore(ctx, cutoff)
			if err != nil {
				s.log.Warn("activity sweep failed", "error", err)
				continue
			}
			if dropped > 0 {
				s.log.Info("swept activity journal", "dropped", dropped, "cutoff", cutoff)
			}
		}
	}
}

// Package repository defines the persistence boundary of the service.
package repository

import (
	"context"
	"time"

	"github.com/solhaug/previewd/internal/domain"
)

// ActivityRepository persists orchestrator activity events.
type ActivityRepository interface {
	InsertActivityEvent(ctx context.Context, event *domain.ActivityEvent) error
	ListActivityEvents(ctx context.Context, limit, offset int) ([]domain.ActivityEvent, error)
	DeleteActivityEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

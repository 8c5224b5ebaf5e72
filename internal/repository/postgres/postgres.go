// Package postgres implements the repository interfaces on top of pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/solhaug/previewd/internal/domain"
	"github.com/solhaug/previewd/internal/repository"
)

// Repository is the postgres-backed persistence layer.
type Repository struct {
	pool *pgxpool.Pool
}

// New wraps a pgx pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.ActivityRepository = (*Repository)(nil)

const insertActivityEventQuery = `
INSERT INTO activity_events (id, kind, identifier, compose_id, branch, pr_id, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// InsertActivityEvent stores one journal entry.
func (r *Repository) InsertActivityEvent(ctx context.Context, event *domain.ActivityEvent) error {
	_, err := r.pool.Exec(ctx, insertActivityEventQuery,
		event.ID, event.Kind, event.Identifier, event.ComposeID,
		event.Branch, event.PRID, event.Message, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	return nil
}

const listActivityEventsQuery = `
SELECT id, kind, identifier, compose_id, branch, pr_id, message, created_at
FROM activity_events
ORDER BY created_at DESC
LIMIT $1 OFFSET $2`

// ListActivityEvents returns journal entries newest first.
func (r *Repository) ListActivityEvents(ctx context.Context, limit, offset int) ([]domain.ActivityEvent, error) {
	rows, err := r.pool.Query(ctx, listActivityEventsQuery, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list activity events: %w", err)
	}
	defer rows.Close()

	var events []domain.ActivityEvent
	for rows.Next() {
		var event domain.ActivityEvent
		if err := rows.Scan(
			&event.ID, &event.Kind, &event.Identifier, &event.ComposeID,
			&event.Branch, &event.PRID, &event.Message, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity events: %w", err)
	}
	return events, nil
}

const deleteActivityEventsBeforeQuery = `
DELETE FROM activity_events WHERE created_at < $1`

// DeleteActivityEventsBefore removes entries older than cutoff and reports
// how many rows were dropped.
func (r *Repository) DeleteActivityEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, deleteActivityEventsBeforeQuery, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete activity events: %w", err)
	}
	return tag.RowsAffected(), nil
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"classpulse-backend/internal/models"
)

type ActivityRepo struct {
	pool *pgxpool.Pool
}

func NewActivityRepo(pool *pgxpool.Pool) *ActivityRepo {
	return &ActivityRepo{pool: pool}
}

// InsertBatch persists a batch of events. Conflicting IDs are ignored, so a
// retried batch never double-counts events.
func (r *ActivityRepo) InsertBatch(ctx context.Context, scopeID string, events []models.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		meta := ev.Metadata
		if len(meta) == 0 {
			meta = json.RawMessage("{}")
		}
		batch.Queue(`
			INSERT INTO activity_events
				(id, producer_id, producer_role, kind, scope_id, resource_id, resource_kind, metadata, occurred_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9)
			ON CONFLICT (id) DO NOTHING
		`, ev.ID, ev.ProducerID, string(ev.Role), string(ev.Kind), scopeID, ev.ResourceID, ev.ResourceKind, meta, ev.OccurredAt)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert activity batch: %w", err)
		}
	}
	return nil
}

// ListRecentByScope returns the newest persisted events for a scope, newest
// first.
func (r *ActivityRepo) ListRecentByScope(ctx context.Context, scopeID string, limit int) ([]models.ActivityEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, producer_id, producer_role, kind, COALESCE(resource_kind, ''), resource_id, metadata, occurred_at
		FROM activity_events
		WHERE scope_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2
	`, scopeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent activities: %w", err)
	}
	defer rows.Close()

	var events []models.ActivityEvent
	for rows.Next() {
		var ev models.ActivityEvent
		var role, kind string
		if err := rows.Scan(&ev.ID, &ev.ProducerID, &role, &kind, &ev.ResourceKind, &ev.ResourceID, &ev.Metadata, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		ev.Role = models.Role(role)
		ev.Kind = models.EventKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}

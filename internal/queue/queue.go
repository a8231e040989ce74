package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"classpulse-backend/internal/models"
)

// ActivityPersistQueue is drained by the worker pool into Postgres.
const ActivityPersistQueue = "queue:activity-persist"

// PersistPayload is one queued unit of work: a batch of accepted events with
// the scope they arrived under.
type PersistPayload struct {
	ScopeID    string                 `json:"scope_id,omitempty"`
	Activities []models.ActivityEvent `json:"activities"`
}

// PushActivityBatch enqueues a batch for durable persistence.
func PushActivityBatch(ctx context.Context, client *redis.Client, scopeID string, events []models.ActivityEvent) error {
	if len(events) == 0 {
		return nil
	}
	data, err := json.Marshal(PersistPayload{ScopeID: scopeID, Activities: events})
	if err != nil {
		return fmt.Errorf("failed to encode persist payload: %w", err)
	}
	return client.LPush(ctx, ActivityPersistQueue, data).Err()
}

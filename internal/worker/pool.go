package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"classpulse-backend/internal/queue"
	"classpulse-backend/internal/repository"
)

// Pool drains the activity persistence queue into Postgres. Inserts are
// idempotent by event ID, so a payload that fails mid-way can safely be
// retried whole.
type Pool struct {
	redis        *redis.Client
	activityRepo *repository.ActivityRepo
	workerCount  int
	stopChan     chan struct{}
}

func NewPool(redisClient *redis.Client, activityRepo *repository.ActivityRepo, workerCount int) *Pool {
	if workerCount <= 0 {
		workerCount = 3
	}
	return &Pool{
		redis:        redisClient,
		activityRepo: activityRepo,
		workerCount:  workerCount,
		stopChan:     make(chan struct{}),
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.worker(i)
	}
	log.Printf("Started %d persistence workers", p.workerCount)
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) worker(id int) {
	for {
		select {
		case <-p.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		// BLPOP with 30s timeout
		result, err := p.redis.BLPop(ctx, 30*time.Second, queue.ActivityPersistQueue).Result()
		if err != nil {
			continue // Timeout or error, retry
		}
		if len(result) < 2 {
			continue
		}

		var payload queue.PersistPayload
		if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
			log.Printf("Worker %d: failed to parse persist payload: %v", id, err)
			continue
		}
		if len(payload.Activities) == 0 {
			continue
		}

		if err := p.activityRepo.InsertBatch(ctx, payload.ScopeID, payload.Activities); err != nil {
			log.Printf("Worker %d: failed to persist %d events, requeueing: %v", id, len(payload.Activities), err)
			// Push back for a later attempt; duplicate inserts are no-ops.
			if pushErr := p.redis.RPush(ctx, queue.ActivityPersistQueue, result[1]).Err(); pushErr != nil {
				log.Printf("Worker %d: requeue failed, dropping batch: %v", id, pushErr)
			}
			time.Sleep(time.Second)
			continue
		}

		log.Printf("Worker %d: persisted %d events (scope %s)", id, len(payload.Activities), payload.ScopeID)
	}
}

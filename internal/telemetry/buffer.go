package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"classpulse-backend/internal/models"
)

// Sender transmits one batch over the realtime channel. Implemented by
// ConnManager.
type Sender interface {
	SendBatch(events []models.ActivityEvent) error
	Connected() bool
}

type BufferConfig struct {
	// BatchSize is the maximum number of events per transmission.
	BatchSize int
	// FlushInterval is the periodic flush timer.
	FlushInterval time.Duration
	// MaxPending caps the pending queue; oldest events are evicted past
	// it. Deliberate lossy degradation during extended outages.
	MaxPending int
	// FallbackURL is the REST endpoint for the fire-and-forget unload
	// flush. Empty disables the fallback.
	FallbackURL string
	// Token authenticates the fallback request.
	Token string
}

// EventBuffer accumulates activity events, flushes them in bounded batches,
// and spools unsent events to the durable store. Events are transmitted
// oldest first; a failed batch stays at the head of the queue.
type EventBuffer struct {
	mu       sync.Mutex
	pending  []models.ActivityEvent
	inFlight bool

	sender Sender
	store  Store
	cfg    BufferConfig

	storeBroken bool
	kickChan    chan struct{}
	stopChan    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	httpClient *http.Client
}

func NewEventBuffer(sender Sender, store Store, cfg BufferConfig) *EventBuffer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 500
	}

	b := &EventBuffer{
		sender:     sender,
		store:      store,
		cfg:        cfg,
		kickChan:   make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		httpClient: &http.Client{Timeout: 3 * time.Second},
	}

	// Recover events spooled by a previous run.
	if store != nil {
		events, err := store.Load()
		if err != nil {
			log.Printf("event buffer: failed to load spool, starting empty: %v", err)
		} else if len(events) > 0 {
			b.pending = events
			log.Printf("event buffer: recovered %d spooled events", len(events))
		}
	}

	return b
}

// Start launches the flush worker. Flushes are triggered by the periodic
// timer, by the queue reaching the batch size, and by reconnect kicks; the
// single worker serializes them so timer and threshold flushes cannot race.
func (b *EventBuffer) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-b.stopChan:
				return
			case <-ticker.C:
				b.Flush()
			case <-b.kickChan:
				b.Flush()
			}
		}
	}()
}

// Record appends an event to the pending queue and the durable spool. It
// never fails; spool errors degrade to in-memory-only buffering.
func (b *EventBuffer) Record(ev models.ActivityEvent) {
	b.mu.Lock()

	b.pending = append(b.pending, ev)
	if b.store != nil && !b.storeBroken {
		if err := b.store.Append(ev); err != nil {
			log.Printf("event buffer: spool unavailable, buffering in memory only: %v", err)
			b.storeBroken = true
		}
	}

	// Retention cap: evict oldest first rather than grow without bound.
	var evicted []uuid.UUID
	for len(b.pending) > b.cfg.MaxPending {
		evicted = append(evicted, b.pending[0].ID)
		b.pending = b.pending[1:]
	}

	shouldKick := len(b.pending) >= b.cfg.BatchSize
	b.mu.Unlock()

	if len(evicted) > 0 {
		log.Printf("event buffer: evicted %d events past cap %d", len(evicted), b.cfg.MaxPending)
		b.removeFromStore(evicted)
	}
	if shouldKick {
		b.Kick()
	}
}

// Kick requests an immediate flush without blocking. Called when the
// connection manager transitions to connected.
func (b *EventBuffer) Kick() {
	select {
	case b.kickChan <- struct{}{}:
	default:
	}
}

// Flush transmits up to BatchSize of the oldest pending events. On failure
// the batch stays at the head of the queue, order preserved. At most one
// batch is in flight at a time.
func (b *EventBuffer) Flush() {
	b.mu.Lock()
	if b.inFlight || len(b.pending) == 0 || !b.sender.Connected() {
		b.mu.Unlock()
		return
	}

	n := b.cfg.BatchSize
	if n > len(b.pending) {
		n = len(b.pending)
	}
	batch := make([]models.ActivityEvent, n)
	copy(batch, b.pending[:n])
	b.inFlight = true
	b.mu.Unlock()

	err := b.sender.SendBatch(batch)

	b.mu.Lock()
	b.inFlight = false
	if err != nil {
		// Expected under normal network variance; the next flush
		// retries the same batch.
		b.mu.Unlock()
		log.Printf("event buffer: batch of %d not transmitted: %v", n, err)
		return
	}

	// Eviction may have consumed part of the in-flight batch while the
	// send was running, so the head cannot be dropped by count. Remove
	// exactly the transmitted events.
	sent := make(map[uuid.UUID]bool, len(batch))
	for _, ev := range batch {
		sent[ev.ID] = true
	}
	kept := b.pending[:0]
	for _, ev := range b.pending {
		if !sent[ev.ID] {
			kept = append(kept, ev)
		}
	}
	b.pending = kept
	b.mu.Unlock()

	ids := make([]uuid.UUID, n)
	for i, ev := range batch {
		ids[i] = ev.ID
	}
	b.removeFromStore(ids)
}

// Pending reports the number of queued events.
func (b *EventBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops the worker and fires the best-effort REST fallback with
// whatever is still pending. It does not wait for the fallback to complete
// and does not clear the spool: unacknowledged events stay durable.
func (b *EventBuffer) Close() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()

	b.mu.Lock()
	remaining := make([]models.ActivityEvent, len(b.pending))
	copy(remaining, b.pending)
	b.mu.Unlock()

	if len(remaining) == 0 || b.cfg.FallbackURL == "" {
		return
	}

	// Fire and forget; mirrors the page-unload beacon path.
	go b.postFallback(remaining)
}

func (b *EventBuffer) postFallback(events []models.ActivityEvent) {
	body, err := json.Marshal(models.TrackRequest{Activities: events})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.FallbackURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		log.Printf("event buffer: fallback post failed: %v", err)
		return
	}
	resp.Body.Close()
}

func (b *EventBuffer) removeFromStore(ids []uuid.UUID) {
	if b.store == nil || b.storeBroken || len(ids) == 0 {
		return
	}
	if err := b.store.Remove(ids); err != nil {
		log.Printf("event buffer: failed to prune spool: %v", err)
	}
}

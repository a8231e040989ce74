package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"classpulse-backend/internal/models"
)

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	fail      bool
	batches   [][]models.ActivityEvent
}

func (s *fakeSender) SendBatch(events []models.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("send failed")
	}
	batch := make([]models.ActivityEvent, len(events))
	copy(batch, events)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeSender) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSender) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func testEvent(userID uuid.UUID) models.ActivityEvent {
	return models.ActivityEvent{
		ID:         uuid.New(),
		ProducerID: userID,
		Role:       models.RoleStudent,
		Kind:       models.KindPageView,
		OccurredAt: time.Now().UTC(),
	}
}

func TestFlushSplitsIntoBatches(t *testing.T) {
	sender := &fakeSender{connected: true}
	buf := NewEventBuffer(sender, nil, BufferConfig{BatchSize: 10, FlushInterval: time.Hour})

	user := uuid.New()
	var recorded []uuid.UUID
	for i := 0; i < 12; i++ {
		ev := testEvent(user)
		recorded = append(recorded, ev.ID)
		buf.Record(ev)
	}

	buf.Flush()
	if got := sender.batchCount(); got != 1 {
		t.Fatalf("Expected 1 batch after first flush, got %d", got)
	}
	if got := len(sender.batches[0]); got != 10 {
		t.Errorf("Expected 10 events in first batch, got %d", got)
	}
	if buf.Pending() != 2 {
		t.Errorf("Expected 2 pending after first flush, got %d", buf.Pending())
	}

	buf.Flush()
	if got := len(sender.batches[1]); got != 2 {
		t.Errorf("Expected 2 events in second batch, got %d", got)
	}
	if buf.Pending() != 0 {
		t.Errorf("Expected empty queue, got %d pending", buf.Pending())
	}

	// Oldest first, creation order preserved.
	for i, ev := range sender.batches[0] {
		if ev.ID != recorded[i] {
			t.Fatalf("Batch out of order at index %d", i)
		}
	}
	for i, ev := range sender.batches[1] {
		if ev.ID != recorded[10+i] {
			t.Fatalf("Second batch out of order at index %d", i)
		}
	}
}

func TestFlushFailureLeavesQueueIntact(t *testing.T) {
	sender := &fakeSender{connected: true, fail: true}
	buf := NewEventBuffer(sender, nil, BufferConfig{BatchSize: 5, FlushInterval: time.Hour})

	user := uuid.New()
	first := testEvent(user)
	buf.Record(first)
	buf.Record(testEvent(user))

	buf.Flush()
	if buf.Pending() != 2 {
		t.Fatalf("Expected failed flush to leave 2 pending, got %d", buf.Pending())
	}

	// Recovery retries the same events, head of queue first.
	sender.mu.Lock()
	sender.fail = false
	sender.mu.Unlock()

	buf.Flush()
	if got := sender.batchCount(); got != 1 {
		t.Fatalf("Expected 1 successful batch, got %d", got)
	}
	if sender.batches[0][0].ID != first.ID {
		t.Error("Expected retry to resend the original head event")
	}
	if buf.Pending() != 0 {
		t.Errorf("Expected empty queue after retry, got %d", buf.Pending())
	}
}

func TestFlushSkippedWhileDisconnected(t *testing.T) {
	sender := &fakeSender{connected: false}
	buf := NewEventBuffer(sender, nil, BufferConfig{BatchSize: 5, FlushInterval: time.Hour})

	buf.Record(testEvent(uuid.New()))
	buf.Flush()

	if got := sender.batchCount(); got != 0 {
		t.Errorf("Expected no transmission while disconnected, got %d batches", got)
	}
	if buf.Pending() != 1 {
		t.Errorf("Expected event retained for later, got %d pending", buf.Pending())
	}
}

func TestEvictionPastCap(t *testing.T) {
	sender := &fakeSender{connected: false}
	buf := NewEventBuffer(sender, nil, BufferConfig{BatchSize: 100, FlushInterval: time.Hour, MaxPending: 5})

	user := uuid.New()
	var ids []uuid.UUID
	for i := 0; i < 8; i++ {
		ev := testEvent(user)
		ids = append(ids, ev.ID)
		buf.Record(ev)
	}

	if buf.Pending() != 5 {
		t.Fatalf("Expected queue capped at 5, got %d", buf.Pending())
	}

	// The newest 5 survive; the oldest 3 were evicted.
	sender.mu.Lock()
	sender.connected = true
	sender.mu.Unlock()
	buf.Flush()

	if sender.batches[0][0].ID != ids[3] {
		t.Error("Expected oldest-first eviction to keep the newest events")
	}
}

func TestRecoversSpooledEvents(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir + "/pending.jsonl")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	user := uuid.New()
	for i := 0; i < 3; i++ {
		if err := store.Append(testEvent(user)); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	sender := &fakeSender{connected: true}
	buf := NewEventBuffer(sender, store, BufferConfig{BatchSize: 10, FlushInterval: time.Hour})

	if buf.Pending() != 3 {
		t.Fatalf("Expected 3 recovered events, got %d", buf.Pending())
	}

	buf.Flush()
	if got := len(sender.batches[0]); got != 3 {
		t.Errorf("Expected recovered events transmitted, got batch of %d", got)
	}

	// Acknowledged events are pruned from the spool.
	left, err := store.Load()
	if err != nil {
		t.Fatalf("Failed to reload spool: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("Expected empty spool after ack, got %d", len(left))
	}
}

func TestStoreFailureDegradesToMemory(t *testing.T) {
	sender := &fakeSender{connected: true}
	buf := NewEventBuffer(sender, failingStore{}, BufferConfig{BatchSize: 10, FlushInterval: time.Hour})

	buf.Record(testEvent(uuid.New()))
	buf.Record(testEvent(uuid.New()))

	if buf.Pending() != 2 {
		t.Errorf("Expected in-memory buffering to continue, got %d pending", buf.Pending())
	}

	buf.Flush()
	if got := sender.batchCount(); got != 1 {
		t.Errorf("Expected events still transmitted, got %d batches", got)
	}
}

// blockingSender parks SendBatch until released, so tests can interleave
// records and eviction with an in-flight batch.
type blockingSender struct {
	fakeSender
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSender) SendBatch(events []models.ActivityEvent) error {
	s.entered <- struct{}{}
	<-s.release
	return s.fakeSender.SendBatch(events)
}

func TestEvictionDuringInFlightBatch(t *testing.T) {
	sender := &blockingSender{
		fakeSender: fakeSender{connected: true},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	buf := NewEventBuffer(sender, nil, BufferConfig{BatchSize: 3, FlushInterval: time.Hour, MaxPending: 5})

	user := uuid.New()
	events := make([]models.ActivityEvent, 7)
	for i := range events {
		events[i] = testEvent(user)
	}
	for _, ev := range events[:5] {
		buf.Record(ev)
	}

	done := make(chan struct{})
	go func() {
		buf.Flush()
		close(done)
	}()
	<-sender.entered // batch events[0:3] is in flight

	// Past the cap: the two oldest events, both part of the in-flight
	// batch, are evicted while the send is still running.
	buf.Record(events[5])
	buf.Record(events[6])
	if buf.Pending() != 5 {
		t.Fatalf("Expected queue capped at 5 during in-flight send, got %d", buf.Pending())
	}

	close(sender.release)
	<-done

	// The transmitted batch is gone; events[3:7] were neither transmitted
	// nor evicted and must all survive.
	if got := buf.Pending(); got != 4 {
		t.Fatalf("Expected 4 pending after in-flight eviction race, got %d", got)
	}

	go buf.Flush()
	<-sender.entered // release is closed already, the send proceeds
	waitFor(t, 2*time.Second, func() bool { return sender.batchCount() == 2 }, "second batch")

	sender.mu.Lock()
	second := sender.batches[1]
	sender.mu.Unlock()
	for i, ev := range second {
		if ev.ID != events[3+i].ID {
			t.Fatalf("Expected events[%d] at batch index %d, got a different event", 3+i, i)
		}
	}
}

type failingStore struct{}

func (failingStore) Append(models.ActivityEvent) error { return errors.New("quota exceeded") }
func (failingStore) Remove([]uuid.UUID) error          { return errors.New("quota exceeded") }
func (failingStore) Load() ([]models.ActivityEvent, error) {
	return nil, errors.New("quota exceeded")
}

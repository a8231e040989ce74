package telemetry

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"classpulse-backend/internal/models"
)

type trackerHarness struct {
	now     time.Time
	emitted []models.ActivityEvent
	tracker *PageTracker
}

func newTrackerHarness(page int) *trackerHarness {
	h := &trackerHarness{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	h.tracker = NewPageTracker(uuid.New(), models.RoleStudent, uuid.New(), "textbook", page, func(ev models.ActivityEvent) {
		h.emitted = append(h.emitted, ev)
	})
	h.tracker.now = func() time.Time { return h.now }
	h.tracker.start = h.now
	return h
}

func (h *trackerHarness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

func (h *trackerHarness) lastMeta(t *testing.T) models.PageViewMeta {
	t.Helper()
	if len(h.emitted) == 0 {
		t.Fatal("No events emitted")
	}
	meta, ok := models.DecodePageViewMeta(h.emitted[len(h.emitted)-1])
	if !ok {
		t.Fatal("Emitted event has no page view metadata")
	}
	return meta
}

func TestCloseEmitsDuration(t *testing.T) {
	h := newTrackerHarness(1)

	h.advance(42 * time.Second)
	h.tracker.Close()

	meta := h.lastMeta(t)
	if meta.Action != ActionClose {
		t.Errorf("Expected action close, got %q", meta.Action)
	}
	if meta.DurationMS != 42000 {
		t.Errorf("Expected duration 42000ms, got %d", meta.DurationMS)
	}
	if meta.Page != 1 {
		t.Errorf("Expected page 1, got %d", meta.Page)
	}
}

func TestCloseWithinSameInstant(t *testing.T) {
	h := newTrackerHarness(1)

	h.tracker.Close()

	meta := h.lastMeta(t)
	if meta.Action != ActionClose {
		t.Errorf("Expected action close, got %q", meta.Action)
	}
	if meta.DurationMS != 0 {
		t.Errorf("Expected duration 0 for same-instant close, got %d", meta.DurationMS)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newTrackerHarness(1)

	h.tracker.Close()
	h.tracker.Close()

	if len(h.emitted) != 1 {
		t.Errorf("Expected exactly one close event, got %d", len(h.emitted))
	}
}

func TestPageChangeEmitsPreviousPage(t *testing.T) {
	h := newTrackerHarness(5)

	h.advance(30 * time.Second)
	h.tracker.PageChange(6)

	meta := h.lastMeta(t)
	if meta.Page != 5 {
		t.Errorf("Expected event for previous page 5, got %d", meta.Page)
	}
	if meta.Action != ActionTimeUpdate {
		t.Errorf("Expected action time_update, got %q", meta.Action)
	}
	if meta.DurationMS != 30000 {
		t.Errorf("Expected duration 30000ms, got %d", meta.DurationMS)
	}

	// The clock restarts on the new page.
	h.advance(10 * time.Second)
	h.tracker.Close()
	meta = h.lastMeta(t)
	if meta.Page != 6 {
		t.Errorf("Expected close for page 6, got %d", meta.Page)
	}
	if meta.DurationMS != 10000 {
		t.Errorf("Expected duration 10000ms on new page, got %d", meta.DurationMS)
	}
}

func TestHiddenTimeNotCounted(t *testing.T) {
	h := newTrackerHarness(1)

	// visible 10s, hidden 60s, visible 5s, hidden 30s, visible 3s.
	h.advance(10 * time.Second)
	h.tracker.VisibilityChange(true)
	h.advance(60 * time.Second)
	h.tracker.VisibilityChange(false)
	h.advance(5 * time.Second)
	h.tracker.VisibilityChange(true)
	h.advance(30 * time.Second)
	h.tracker.VisibilityChange(false)
	h.advance(3 * time.Second)
	h.tracker.Close()

	meta := h.lastMeta(t)
	want := int64((10 + 5 + 3) * 1000)
	if meta.DurationMS != want {
		t.Errorf("Expected cumulative visible duration %dms, got %d", want, meta.DurationMS)
	}
}

func TestCloseWhileHidden(t *testing.T) {
	h := newTrackerHarness(1)

	h.advance(8 * time.Second)
	h.tracker.VisibilityChange(true)
	h.advance(120 * time.Second)
	h.tracker.Close()

	meta := h.lastMeta(t)
	if meta.DurationMS != 8000 {
		t.Errorf("Expected only visible time counted, got %dms", meta.DurationMS)
	}
}

func TestRepeatedVisibilityTransitionIsNoOp(t *testing.T) {
	h := newTrackerHarness(1)

	h.advance(4 * time.Second)
	h.tracker.VisibilityChange(true)
	h.advance(9 * time.Second)
	h.tracker.VisibilityChange(true) // duplicate hidden signal
	h.advance(9 * time.Second)
	h.tracker.VisibilityChange(false)
	h.advance(2 * time.Second)
	h.tracker.Close()

	meta := h.lastMeta(t)
	if meta.DurationMS != 6000 {
		t.Errorf("Expected 6000ms (4s + 2s visible), got %d", meta.DurationMS)
	}
}

func TestDurationNeverNegative(t *testing.T) {
	h := newTrackerHarness(1)

	// Clock skew: time appears to move backwards.
	h.now = h.now.Add(-5 * time.Second)
	h.tracker.Close()

	meta := h.lastMeta(t)
	if meta.DurationMS < 0 {
		t.Errorf("Expected non-negative duration, got %d", meta.DurationMS)
	}
}

package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"classpulse-backend/internal/models"
)

// Page-view actions carried in PageViewMeta.
const (
	ActionTimeUpdate = "time_update"
	ActionClose      = "close"
)

// PageTracker converts page-change and visibility transitions for one viewed
// document into duration-annotated page_view events. Time spent while the
// tab is hidden is never counted.
type PageTracker struct {
	mu sync.Mutex

	producerID   uuid.UUID
	role         models.Role
	resourceID   uuid.UUID
	resourceKind string

	page        int
	start       time.Time
	accumulated time.Duration
	hidden      bool
	closed      bool

	emit func(models.ActivityEvent)
	now  func() time.Time
}

// NewPageTracker starts tracking in the visible state on the given page.
func NewPageTracker(producerID uuid.UUID, role models.Role, resourceID uuid.UUID, resourceKind string, page int, emit func(models.ActivityEvent)) *PageTracker {
	t := &PageTracker{
		producerID:   producerID,
		role:         role,
		resourceID:   resourceID,
		resourceKind: resourceKind,
		page:         page,
		emit:         emit,
		now:          time.Now,
	}
	t.start = t.now()
	return t
}

// PageChange emits a page_view for the previous page with its accumulated
// duration, then restarts the clock on the new page. Callers are responsible
// for invoking it once per logical transition.
func (t *PageTracker) PageChange(newPage int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	t.emitLocked(ActionTimeUpdate)
	t.page = newPage
	t.accumulated = 0
	t.start = t.now()
}

// VisibilityChange freezes duration accumulation while hidden and resumes it
// on return to visible. Repeated transitions to the current state are no-ops.
func (t *PageTracker) VisibilityChange(hidden bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || hidden == t.hidden {
		return
	}

	if hidden {
		t.accumulated += t.now().Sub(t.start)
	} else {
		t.start = t.now()
	}
	t.hidden = hidden
}

// Close emits the terminal page_view with action "close" and the final
// duration. A tracker created and closed within the same instant still emits
// one close event with duration 0.
func (t *PageTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.emitLocked(ActionClose)
	t.closed = true
}

func (t *PageTracker) elapsedLocked() time.Duration {
	elapsed := t.accumulated
	if !t.hidden {
		elapsed += t.now().Sub(t.start)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

func (t *PageTracker) emitLocked(action string) {
	if t.emit == nil {
		return
	}
	resourceID := t.resourceID
	t.emit(models.ActivityEvent{
		ID:           uuid.New(),
		ProducerID:   t.producerID,
		Role:         t.role,
		Kind:         models.KindPageView,
		ResourceID:   &resourceID,
		ResourceKind: t.resourceKind,
		Metadata: models.EncodeMeta(models.PageViewMeta{
			Page:       t.page,
			Action:     action,
			DurationMS: t.elapsedLocked().Milliseconds(),
		}),
		OccurredAt: t.now(),
	})
}

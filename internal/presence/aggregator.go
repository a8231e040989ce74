package presence

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"classpulse-backend/internal/models"
)

// Config holds the elapsed-time thresholds driving status derivation.
type Config struct {
	// ViewingWindow is how recently a page_view must have occurred for a
	// producer to count as actively viewing/answering.
	ViewingWindow time.Duration
	// IdleAfter demotes a producer to idle once no activity arrived for
	// this long.
	IdleAfter time.Duration
	// OfflineAfter marks a producer offline once neither activity nor
	// heartbeats arrived for this long, even without an explicit leave.
	OfflineAfter time.Duration
	// ReevalInterval is how often statuses are recomputed without new
	// events.
	ReevalInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		ViewingWindow:  5 * time.Minute,
		IdleAfter:      10 * time.Minute,
		OfflineAfter:   2 * time.Minute,
		ReevalInterval: 30 * time.Second,
	}
}

// Aggregator maintains the live per-user presence table purely as a function
// of the incoming event stream. It never polls external storage.
type Aggregator struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*models.PresenceRecord
	cfg     Config

	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

func New(cfg Config) *Aggregator {
	if cfg.ViewingWindow <= 0 {
		cfg.ViewingWindow = DefaultConfig().ViewingWindow
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = DefaultConfig().IdleAfter
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = DefaultConfig().OfflineAfter
	}
	if cfg.ReevalInterval <= 0 {
		cfg.ReevalInterval = DefaultConfig().ReevalInterval
	}
	return &Aggregator{
		records:  make(map[uuid.UUID]*models.PresenceRecord),
		cfg:      cfg,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start launches the periodic status re-evaluation loop. Statuses depend on
// wall-clock elapsed time, so they must be recomputed even without events.
func (a *Aggregator) Start() {
	go func() {
		ticker := time.NewTicker(a.cfg.ReevalInterval)
		defer ticker.Stop()

		for {
			select {
			case <-a.stopChan:
				return
			case <-ticker.C:
				a.Reevaluate(a.now())
			}
		}
	}()
}

func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
}

// ApplySnapshot replaces the full presence table. Idempotent: applying the
// same snapshot twice yields the same state.
func (a *Aggregator) ApplySnapshot(users []models.PresenceRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.records = make(map[uuid.UUID]*models.PresenceRecord, len(users))
	for _, u := range users {
		if u.UserID == uuid.Nil {
			continue
		}
		rec := u
		if rec.LastSeenAt.IsZero() {
			rec.LastSeenAt = now
		}
		rec.Status = a.derive(&rec, now)
		a.records[rec.UserID] = &rec
	}
}

// ApplyEvent incrementally updates the record for the event's producer.
// Events may arrive out of chronological order; fields derived from activity
// only move forward in time (last write wins by occurred_at). Events carry
// no scope of their own, so the connection's scope is passed alongside.
func (a *Aggregator) ApplyEvent(ev models.ActivityEvent, scopeID string) {
	if ev.ProducerID == uuid.Nil {
		// Malformed event, dropped silently.
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	rec, ok := a.records[ev.ProducerID]
	if !ok {
		rec = &models.PresenceRecord{
			UserID:   ev.ProducerID,
			Role:     ev.Role,
			IsOnline: true,
		}
		a.records[ev.ProducerID] = rec
	}
	if ev.ProducerName != "" {
		rec.DisplayName = ev.ProducerName
	}
	if scopeID != "" {
		rec.ScopeID = scopeID
	}
	rec.LastSeenAt = now

	// A stale event (older than what we already applied) must not rewind
	// the record. Replays of the same event fall through here unchanged.
	if ev.OccurredAt.Before(rec.LastActivityAt) {
		rec.Status = a.derive(rec, now)
		return
	}

	rec.LastActivityAt = ev.OccurredAt
	rec.LastEventKind = ev.Kind
	if ev.ResourceID != nil {
		rec.CurrentResourceID = ev.ResourceID
	}
	if meta, ok := models.DecodePageViewMeta(ev); ok {
		rec.CurrentPage = meta.Page
	}
	rec.Status = a.derive(rec, now)
}

// SetOnline records a connection-level join or leave for a user.
func (a *Aggregator) SetOnline(userID uuid.UUID, name string, role models.Role, scopeID string, online bool) {
	if userID == uuid.Nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	rec, ok := a.records[userID]
	if !ok {
		rec = &models.PresenceRecord{UserID: userID, LastActivityAt: now}
		a.records[userID] = rec
	}
	if name != "" {
		rec.DisplayName = name
	}
	if role != "" {
		rec.Role = role
	}
	if scopeID != "" {
		rec.ScopeID = scopeID
	}
	rec.IsOnline = online
	rec.LastSeenAt = now
	rec.Status = a.derive(rec, now)
}

// Touch records a heartbeat. Liveness only: it keeps the user online but
// does not count as activity.
func (a *Aggregator) Touch(userID uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[userID]
	if !ok {
		return
	}
	rec.IsOnline = true
	rec.LastSeenAt = a.now()
}

// Reevaluate recomputes every status against the given instant. Safe to run
// at any time, any number of times.
func (a *Aggregator) Reevaluate(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	demoted := 0
	for _, rec := range a.records {
		if rec.IsOnline && !rec.LastSeenAt.IsZero() && now.Sub(rec.LastSeenAt) > a.cfg.OfflineAfter {
			rec.IsOnline = false
			demoted++
		}
		rec.Status = a.derive(rec, now)
	}
	if demoted > 0 {
		log.Printf("presence: marked %d users offline after %s without liveness", demoted, a.cfg.OfflineAfter)
	}
}

// ScopeSnapshot returns a copy of all records in the scope, sorted by
// display name for stable output.
func (a *Aggregator) ScopeSnapshot(scopeID string) []models.PresenceRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]models.PresenceRecord, 0, len(a.records))
	for _, rec := range a.records {
		if scopeID != "" && rec.ScopeID != scopeID {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out
}

// Scopes lists scope IDs that currently have at least one record.
func (a *Aggregator) Scopes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, rec := range a.records {
		if rec.ScopeID != "" && !seen[rec.ScopeID] {
			seen[rec.ScopeID] = true
			out = append(out, rec.ScopeID)
		}
	}
	sort.Strings(out)
	return out
}

// derive computes the status classification. Connection-level offline always
// overrides the activity-derived status. Between the active window and the
// idle threshold the last active classification is retained.
func (a *Aggregator) derive(rec *models.PresenceRecord, now time.Time) models.PresenceStatus {
	if !rec.IsOnline {
		return models.StatusOffline
	}

	elapsed := now.Sub(rec.LastActivityAt)
	if elapsed > a.cfg.IdleAfter {
		return models.StatusIdle
	}

	if elapsed <= a.cfg.ViewingWindow {
		if rec.LastEventKind == models.KindAssignmentSubmit {
			return models.StatusAnswering
		}
		return models.StatusViewing
	}

	if rec.Status == models.StatusViewing || rec.Status == models.StatusAnswering {
		return rec.Status
	}
	return models.StatusViewing
}

package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"classpulse-backend/internal/middleware"
	"classpulse-backend/internal/models"
	"classpulse-backend/internal/presence"
	"classpulse-backend/internal/websocket"
)

type handlerFixture struct {
	jwtAuth *middleware.JWTAuth
	agg     *presence.Aggregator
	router  http.Handler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	jwtAuth := middleware.NewJWTAuth("test-secret")
	agg := presence.New(presence.DefaultConfig())
	hub := websocket.NewHub(agg, nil, nil, jwtAuth, time.Minute)
	h := NewActivityHandler(hub, agg, nil)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Post("/api/v1/activities/track", h.Track)
		r.Get("/api/v1/presence/{scopeID}", h.Presence)
	})

	return &handlerFixture{jwtAuth: jwtAuth, agg: agg, router: r}
}

func (f *handlerFixture) authedRequest(t *testing.T, method, target string, body []byte, userID uuid.UUID, role models.Role, name string) *http.Request {
	t.Helper()

	token, err := f.jwtAuth.GenerateAccessToken(userID, role, name)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestTrackAcceptsActivities(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()

	body, _ := json.Marshal(models.TrackRequest{
		Activities: []models.ActivityEvent{
			{
				ID:         uuid.New(),
				ProducerID: userID,
				Role:       models.RoleStudent,
				Kind:       models.KindPageView,
				OccurredAt: time.Now().UTC(),
			},
		},
	})

	req := f.authedRequest(t, http.MethodPost, "/api/v1/activities/track?scope_id=class-1", body, userID, models.RoleStudent, "Aisha")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}

	users := f.agg.ScopeSnapshot("class-1")
	if len(users) != 1 {
		t.Fatalf("Expected 1 presence record after track, got %d", len(users))
	}
	if users[0].DisplayName != "Aisha" {
		t.Errorf("Expected display name enrichment from token, got %q", users[0].DisplayName)
	}
}

func TestTrackRejectsInvalidBody(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()

	req := f.authedRequest(t, http.MethodPost, "/api/v1/activities/track", []byte("{not json"), userID, models.RoleStudent, "Aisha")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}

func TestTrackRejectsEmptyActivities(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()

	body, _ := json.Marshal(models.TrackRequest{})
	req := f.authedRequest(t, http.MethodPost, "/api/v1/activities/track", body, userID, models.RoleStudent, "Aisha")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", rr.Code)
	}
}

func TestTrackRequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)

	body, _ := json.Marshal(models.TrackRequest{Activities: []models.ActivityEvent{{ID: uuid.New()}}})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/activities/track", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestTrackIgnoresForeignProducer(t *testing.T) {
	f := newHandlerFixture(t)
	userID := uuid.New()

	// The event claims to come from a different user than the token.
	body, _ := json.Marshal(models.TrackRequest{
		Activities: []models.ActivityEvent{
			{
				ID:         uuid.New(),
				ProducerID: uuid.New(),
				Kind:       models.KindPageView,
				OccurredAt: time.Now().UTC(),
			},
		},
	})

	req := f.authedRequest(t, http.MethodPost, "/api/v1/activities/track?scope_id=class-1", body, userID, models.RoleStudent, "Aisha")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rr.Code)
	}
	if got := len(f.agg.ScopeSnapshot("class-1")); got != 0 {
		t.Errorf("Expected foreign-producer event dropped, found %d records", got)
	}
}

func TestPresenceSnapshotEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	teacherID := uuid.New()
	studentID := uuid.New()

	f.agg.SetOnline(studentID, "Bakyt", models.RoleStudent, "class-7", true)

	req := f.authedRequest(t, http.MethodGet, "/api/v1/presence/class-7", nil, teacherID, models.RoleTeacher, "Ms. Dana")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}

	var resp struct {
		ScopeID string                  `json:"scope_id"`
		Users   []models.PresenceRecord `json:"users"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ScopeID != "class-7" {
		t.Errorf("Expected scope class-7, got %q", resp.ScopeID)
	}
	if len(resp.Users) != 1 || resp.Users[0].DisplayName != "Bakyt" {
		t.Errorf("Expected snapshot with Bakyt, got %+v", resp.Users)
	}
}

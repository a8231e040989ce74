package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"classpulse-backend/internal/models"
)

func TestRateLimiterKeysOnAuthenticatedUser(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	limiter := NewRateLimiter(2, time.Minute)

	handler := jwtAuth.Middleware(limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/activities/track", nil)
		req.RemoteAddr = "10.0.0.1:34567" // shared NAT address for everyone
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	tokenA, err := jwtAuth.GenerateAccessToken(uuid.New(), models.RoleStudent, "Aisha")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	tokenB, err := jwtAuth.GenerateAccessToken(uuid.New(), models.RoleStudent, "Bakyt")
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	for i := 0; i < 2; i++ {
		if code := do(tokenA); code != http.StatusAccepted {
			t.Fatalf("Request %d for first user: expected 202, got %d", i+1, code)
		}
	}
	if code := do(tokenA); code != http.StatusTooManyRequests {
		t.Errorf("Expected first user limited after 2 requests, got %d", code)
	}

	// A different user behind the same address is not affected.
	if code := do(tokenB); code != http.StatusAccepted {
		t.Errorf("Expected second user unaffected by first user's limit, got %d", code)
	}
}

func TestRateLimiterFallsBackToRemoteAddr(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	if code := do("10.0.0.1:1000"); code != http.StatusOK {
		t.Fatalf("Expected first request allowed, got %d", code)
	}
	if code := do("10.0.0.1:1000"); code != http.StatusTooManyRequests {
		t.Errorf("Expected second request from same address limited, got %d", code)
	}
	if code := do("10.0.0.2:1000"); code != http.StatusOK {
		t.Errorf("Expected request from another address allowed, got %d", code)
	}
}

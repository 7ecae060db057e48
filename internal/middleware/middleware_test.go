package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle-backend/pkg/jwt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRevocation struct {
	revoked bool
	err     error
}

func (s stubRevocation) IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error) {
	return s.revoked, s.err
}

func authRouter(manager *jwt.JWTManager, checker RevocationChecker) *gin.Engine {
	r := gin.New()
	r.Use(AuthMiddleware(manager, checker))
	handler := func(c *gin.Context) {
		userID, _ := c.Get("user_id")
		c.String(http.StatusOK, userID.(uuid.UUID).String())
	}
	r.GET("/me", handler)
	r.POST("/me", handler)
	return r
}

func TestAuthMiddleware(t *testing.T) {
	manager := jwt.NewJWTManager("test-secret", "huddle-api", time.Minute)
	userID := uuid.New()
	token, err := manager.GenerateAccessToken(userID, "alice")
	require.NoError(t, err)

	tests := []struct {
		name    string
		method  string
		target  string
		header  string
		checker RevocationChecker
		want    int
	}{
		{"bearer header", http.MethodGet, "/me", "Bearer " + token, nil, http.StatusOK},
		{"query token on GET", http.MethodGet, "/me?token=" + token, "", nil, http.StatusOK},
		{"query token ignored on POST", http.MethodPost, "/me?token=" + token, "", nil, http.StatusUnauthorized},
		{"missing token", http.MethodGet, "/me", "", nil, http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "/me", "Basic " + token, nil, http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/me", "Bearer nope", nil, http.StatusUnauthorized},
		{"revoked", http.MethodGet, "/me", "Bearer " + token, stubRevocation{revoked: true}, http.StatusUnauthorized},
		{"revocation store down", http.MethodGet, "/me", "Bearer " + token, stubRevocation{err: errors.New("down")}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			authRouter(manager, tt.checker).ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, userID.String(), w.Body.String())
			}
		})
	}
}

type memoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (m *memoryCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func TestRateLimiter(t *testing.T) {
	counter := &memoryCounter{counts: make(map[string]int64)}
	r := gin.New()
	r.Use(NewRateLimiter(counter, "initiate", 2, time.Hour).Middleware())
	r.POST("/calls", func(c *gin.Context) { c.Status(http.StatusCreated) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/calls", nil))
		codes = append(codes, w.Code)
		if i == 0 {
			assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
			assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
		}
	}
	assert.Equal(t, []int{http.StatusCreated, http.StatusCreated, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_FailsOpen(t *testing.T) {
	counter := &memoryCounter{err: errors.New("redis is in degraded mode")}
	r := gin.New()
	r.Use(NewRateLimiter(counter, "initiate", 1, time.Minute).Middleware())
	r.POST("/calls", func(c *gin.Context) { c.Status(http.StatusCreated) })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/calls", nil))
		assert.Equal(t, http.StatusCreated, w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://app.example.com"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "non-browser clients send no Origin")
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(), Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `"request_id":"req-42"`, "error envelope carries the caller's request ID")
}

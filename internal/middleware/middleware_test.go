package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"https://www.example-motors.com"})(okHandler())

	tests := []struct {
		name       string
		origin     string
		method     string
		wantOrigin string
		wantCreds  string
		wantStatus int
	}{
		{"allowed origin", "https://www.example-motors.com", http.MethodPost, "https://www.example-motors.com", "true", http.StatusOK},
		{"other origin", "https://evil.example", http.MethodPost, "", "", http.StatusOK},
		{"preflight", "https://www.example-motors.com", http.MethodOptions, "https://www.example-motors.com", "true", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, "/chat", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestCORSWildcardNoCredentials(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"*"})(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://anywhere.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRateLimitPerKey(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(0.001, 2)
	h := RateLimit(limiter, func(r *http.Request) string { return r.Header.Get("X-Key") })(okHandler())

	do := func(key string) int {
		req := httptest.NewRequest(http.MethodPost, "/chat", nil)
		req.Header.Set("X-Key", key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
	assert.Equal(t, http.StatusOK, do("b"))
}

func TestRateLimiterEvictsIdleBuckets(t *testing.T) {
	t.Parallel()

	now := time.Now()
	limiter := NewRateLimiter(1, 1)
	limiter.now = func() time.Time { return now }
	limiter.Allow("a")
	limiter.Allow("b")

	now = now.Add(5 * time.Minute)
	limiter.Allow("b")
	now = now.Add(6 * time.Minute)

	assert.Equal(t, 1, limiter.evict())
	assert.Len(t, limiter.buckets, 1)
}

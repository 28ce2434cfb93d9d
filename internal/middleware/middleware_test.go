package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brandon/cotex-billing/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func hit(h http.Handler, path, ip string) int {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimiterMemory(t *testing.T) {
	h := NewRateLimiter(NewMemoryLimiter(), 2, "/api/stripe/webhook").Middleware(okHandler)

	assert.Equal(t, http.StatusOK, hit(h, "/api/stripe/create-checkout-session", "1.1.1.1"))
	assert.Equal(t, http.StatusOK, hit(h, "/api/stripe/create-checkout-session", "1.1.1.1"))
	assert.Equal(t, http.StatusTooManyRequests, hit(h, "/api/stripe/create-checkout-session", "1.1.1.1"))

	// Other clients and exempt paths are unaffected
	assert.Equal(t, http.StatusOK, hit(h, "/api/stripe/create-checkout-session", "2.2.2.2"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, hit(h, "/api/stripe/webhook", "1.1.1.1"))
	}
}

func TestMemoryLimiterWindowSlides(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := l.Allow(ctx, "k", 1, time.Minute)
	assert.True(t, ok)
	ok, _ = l.Allow(ctx, "k", 1, time.Minute)
	assert.False(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = l.Allow(ctx, "k", 1, time.Minute)
	assert.True(t, ok)
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l, err := NewRedisLimiter("redis://" + mr.Addr())
	require.NoError(t, err)
	defer l.Close()

	h := NewRateLimiter(l, 3).Middleware(okHandler)
	codes := []int{}
	for i := 0; i < 7; i++ {
		codes = append(codes, hit(h, "/api/paddle/create-checkout-session", "3.3.3.3"))
	}
	// Seven calls straddle at most one window boundary, so one window sees a fourth call
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)

	keys := mr.Keys()
	require.NotEmpty(t, keys)
	assert.Contains(t, keys[0], "ratelimit:3.3.3.3:")
	assert.True(t, mr.TTL(keys[0]) > 0)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	l, err := NewRedisLimiter("redis://" + mr.Addr())
	require.NoError(t, err)
	defer l.Close()
	mr.Close()

	h := NewRateLimiter(l, 1).Middleware(okHandler)
	assert.Equal(t, http.StatusOK, hit(h, "/api/stripe/create-portal-session", "4.4.4.4"))
	assert.Equal(t, http.StatusOK, hit(h, "/api/stripe/create-portal-session", "4.4.4.4"))
}

func TestNewRedisLimiterBadURL(t *testing.T) {
	_, err := NewRedisLimiter("not a url")
	assert.Error(t, err)
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware([]string{"http://localhost:3000"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/stripe/create-checkout-session", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodPost, "/api/stripe/create-checkout-session", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginCheckMiddleware(t *testing.T) {
	h := OriginCheckMiddleware([]string{"app://desktop"})(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/paddle/webhook", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/paddle/create-checkout-session", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry(), nil)
	mux := http.NewServeMux()
	mux.Handle("POST /api/stripe/webhook", okHandler)
	h := MetricsMiddleware(m)(mux)

	hit(h, "/api/stripe/webhook", "5.5.5.5")
	hit(h, "/nope/123", "5.5.5.5")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `billing_http_requests_total{method="POST",path="POST /api/stripe/webhook",status="200"} 1`)
	assert.Contains(t, body, `billing_http_requests_total{method="POST",path="unmatched",status="404"} 1`)
}

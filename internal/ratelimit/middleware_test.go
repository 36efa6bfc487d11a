package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/signup/internal/observability"
)

func newLimitedRouter(store Store, stats StatsRecorder, calls *int) http.Handler {
	r := chi.NewRouter()
	r.With(Middleware(Options{
		Store:               store,
		Stats:               stats,
		AddRateLimitHeaders: true,
		Logger:              zap.NewNop(),
	})).Post("/activities/{name}/signup", func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func TestMiddlewareRejectsSixthRequest(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(5, time.Minute, WithClock(clock.Now))
	stats := NewMemoryStats()
	calls := 0
	h := newLimitedRouter(store, stats, &calls)

	deniedBefore := testutil.ToFloat64(observability.RateLimitCount("denied"))

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/activities/Chess%20Club/signup?email=a@b.edu", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	}

	// payload does not matter once the budget is spent
	req := httptest.NewRequest(http.MethodPost, "/activities/NoSuchClub/signup", nil)
	req.RemoteAddr = "10.0.0.1:5678"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "rate_limited", body["type"])
	require.Equal(t, RejectDetail, body["detail"])

	require.Equal(t, 5, calls)
	require.Equal(t, Counters{Allowed: 5, Denied: 1}, stats.Total())
	require.Equal(t, Counters{Allowed: 5, Denied: 1}, stats.ByRoute()["POST /activities/{name}/signup"])
	require.Equal(t, deniedBefore+1, testutil.ToFloat64(observability.RateLimitCount("denied")))
}

func TestMiddlewareRetryAfterRoundsUp(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(1, time.Minute, WithClock(clock.Now))
	calls := 0
	h := newLimitedRouter(store, nil, &calls)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/activities/x/signup", nil)
		req.RemoteAddr = "10.0.0.9:1"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, send().Code)
	clock.Advance(59*time.Second + 500*time.Millisecond)
	rec := send()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestMiddlewareFailsOpen(t *testing.T) {
	calls := 0
	h := newLimitedRouter(failingStore{}, nil, &calls)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodPost, "/activities/x/signup", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, 10, calls)
}

func TestDefaultKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "192.0.2.10:4321"
	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	require.Equal(t, "192.0.2.10", DefaultKeyFunc("", false)(req))
	require.Equal(t, "203.0.113.5", DefaultKeyFunc("", true)(req))

	req.Header.Set("X-Client-Id", "kiosk-3")
	require.Equal(t, "kiosk-3", DefaultKeyFunc("X-Client-Id", true)(req))

	req.RemoteAddr = "no-port"
	req.Header.Del("X-Forwarded-For")
	require.Equal(t, "no-port", DefaultKeyFunc("", true)(req))
}

type failingStore struct{}

func (failingStore) Take(context.Context, Key) (Decision, error) {
	return Decision{}, errors.New("redis: connection refused")
}

func (failingStore) Limit() int { return 5 }

package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsHandlerServesMemorySnapshot(t *testing.T) {
	ctx := context.Background()
	stats := NewMemoryStats()
	require.NoError(t, stats.Record(ctx, StatsEvent{Allowed: true, Method: "POST", Route: "/activities/{name}/signup"}))
	require.NoError(t, stats.Record(ctx, StatsEvent{Allowed: true, Method: "POST", Route: "/activities/{name}/unregister"}))
	require.NoError(t, stats.Record(ctx, StatsEvent{Allowed: false, Method: "POST", Route: "/activities/{name}/signup"}))

	rec := httptest.NewRecorder()
	StatsHandler(stats, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/ratelimit", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, Counters{Allowed: 2, Denied: 1}, snap.Total)
	require.Equal(t, map[string]Counters{
		"POST /activities/{name}/signup":     {Allowed: 1, Denied: 1},
		"POST /activities/{name}/unregister": {Allowed: 1},
	}, snap.Routes)
}

func TestStatsHandlerEmpty(t *testing.T) {
	rec := httptest.NewRecorder()
	StatsHandler(NewMemoryStats(), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/ratelimit", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"total":{"allowed":0,"denied":0},"routes":{}}`, rec.Body.String())
}

type failingStats struct{}

func (failingStats) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot{}, errors.New("connection refused")
}

func TestStatsHandlerReadError(t *testing.T) {
	rec := httptest.NewRecorder()
	StatsHandler(failingStats{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/ratelimit", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection refused")
}

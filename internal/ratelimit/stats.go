package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Counters tallies decisions.
type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// Snapshot is a point-in-time copy of the decision counters.
type Snapshot struct {
	Total  Counters            `json:"total"`
	Routes map[string]Counters `json:"routes"`
}

// StatsReader exposes the counters accumulated by a StatsRecorder.
type StatsReader interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// StatsHandler serves the reader's snapshot as JSON.
func StatsHandler(reader StatsReader, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := reader.Snapshot(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			logger.Warn("read rate limit stats", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"type":   "unavailable",
				"detail": "rate limit stats unavailable",
			})
			return
		}
		if snap.Routes == nil {
			snap.Routes = map[string]Counters{}
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(snap)
	}
}

// MemoryStats keeps decision counters in process memory. It never expires anything.
type MemoryStats struct {
	mu      sync.Mutex
	total   Counters
	byRoute map[string]Counters
}

// NewMemoryStats constructs a MemoryStats.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{byRoute: make(map[string]Counters)}
}

// Record implements StatsRecorder.
func (s *MemoryStats) Record(_ context.Context, ev StatsEvent) error {
	route := routeLabel(ev)

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.byRoute[route]
	if ev.Allowed {
		s.total.Allowed++
		c.Allowed++
	} else {
		s.total.Denied++
		c.Denied++
	}
	s.byRoute[route] = c
	return nil
}

// Total returns the counters across all routes.
func (s *MemoryStats) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// ByRoute returns a copy of the per-route counters.
func (s *MemoryStats) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

// Snapshot implements StatsReader.
func (s *MemoryStats) Snapshot(context.Context) (Snapshot, error) {
	return Snapshot{Total: s.Total(), Routes: s.ByRoute()}, nil
}

// RedisStats accumulates decision counters in Redis hashes: a cumulative total,
// per-minute buckets that expire after ttl, and per-route fields.
type RedisStats struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStats constructs a RedisStats under prefix.
func NewRedisStats(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStats {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "ratelimit:stats"
	}
	return &RedisStats{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Record implements StatsRecorder.
func (s *RedisStats) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	pipe.HIncrBy(ctx, s.prefix+":route", routeLabel(ev)+":"+field, 1)

	_, err := pipe.Exec(ctx)
	return err
}

// Total reads the cumulative counters.
func (s *RedisStats) Total(ctx context.Context) (Counters, error) {
	vals, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return Counters{}, err
	}
	allowed, _ := strconv.ParseInt(vals["allowed"], 10, 64)
	denied, _ := strconv.ParseInt(vals["denied"], 10, 64)
	return Counters{Allowed: allowed, Denied: denied}, nil
}

// Snapshot implements StatsReader.
func (s *RedisStats) Snapshot(ctx context.Context) (Snapshot, error) {
	total, err := s.Total(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	vals, err := s.rdb.HGetAll(ctx, s.prefix+":route").Result()
	if err != nil {
		return Snapshot{}, err
	}

	routes := make(map[string]Counters, len(vals)/2)
	for field, raw := range vals {
		i := strings.LastIndex(field, ":")
		if i < 0 {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		route := field[:i]
		c := routes[route]
		switch field[i+1:] {
		case "allowed":
			c.Allowed = n
		case "denied":
			c.Denied = n
		default:
			continue
		}
		routes[route] = c
	}
	return Snapshot{Total: total, Routes: routes}, nil
}

func routeLabel(ev StatsEvent) string {
	route := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Route))
	if route == "" {
		return "unknown"
	}
	return route
}

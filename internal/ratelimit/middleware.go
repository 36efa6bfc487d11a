package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"example.com/signup/internal/observability"
)

// RejectDetail is the message returned to throttled clients.
const RejectDetail = "Rate limit exceeded. Please try again later."

// KeyFunc derives the client identity from a request.
type KeyFunc func(r *http.Request) string

// Options configures Middleware.
type Options struct {
	Store     Store
	Stats     StatsRecorder
	KeyFn     KeyFunc
	KeyHeader string
	// TrustXForwardedFor takes the first X-Forwarded-For hop as the client address.
	// Enable only behind a proxy that overwrites the header.
	TrustXForwardedFor  bool
	AddRateLimitHeaders bool
	Logger              *zap.Logger
	Now                 func() time.Time
}

// DefaultKeyFunc resolves the identity from keyHeader, then X-Forwarded-For when
// trusted, then the host part of RemoteAddr.
func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// Middleware rejects requests whose client has exhausted its window with 429.
// Store failures let the request through.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	rejectLog := &rate.Sometimes{First: 5, Interval: 10 * time.Second}
	failLog := &rate.Sometimes{First: 1, Interval: 30 * time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Store == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := Key(opts.KeyFn(r))

			dec, err := opts.Store.Take(r.Context(), key)
			if err != nil {
				failLog.Do(func() {
					opts.Logger.Warn("rate limit store unavailable, admitting request", zap.Error(err))
				})
				next.ServeHTTP(w, r)
				return
			}

			observability.RecordRateLimit(dec.Allowed)
			if opts.Stats != nil {
				if err := opts.Stats.Record(r.Context(), StatsEvent{
					Key:     key,
					Allowed: dec.Allowed,
					Method:  r.Method,
					Route:   routePattern(r),
					At:      opts.Now(),
				}); err != nil {
					opts.Logger.Debug("rate limit stats dropped", zap.Error(err))
				}
			}

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(opts.Store.Limit()))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			}

			if !dec.Allowed {
				rejectLog.Do(func() {
					opts.Logger.Info("rate limited",
						zap.String("key", string(key)),
						zap.String("path", r.URL.Path),
						zap.Duration("retry_after", dec.RetryAfter),
					)
				})
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(dec.RetryAfter)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"type":   "rate_limited",
					"detail": RejectDetail,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

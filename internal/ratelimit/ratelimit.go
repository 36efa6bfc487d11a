// Package ratelimit provides per-client admission control for mutating HTTP routes.
//
// Limits are enforced with a sliding-window log: a request is admitted only when
// fewer than Limit admissions for the same key happened within the trailing
// Window. Rejected requests are not recorded, so a client that keeps retrying is
// admitted again as soon as its oldest admission ages out.
package ratelimit

import (
	"context"
	"time"
)

// Key identifies a client.
type Key string

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed bool
	// Remaining is the number of admissions left in the current window.
	Remaining int
	// RetryAfter is how long until the next admission can succeed. Zero when allowed.
	RetryAfter time.Duration
}

// Store records admissions and decides whether a key may proceed.
type Store interface {
	Take(ctx context.Context, key Key) (Decision, error)
	Limit() int
}

// StatsEvent is one admission decision as seen by a stats recorder.
type StatsEvent struct {
	Key     Key
	Allowed bool
	Method  string
	Route   string
	At      time.Time
}

// StatsRecorder persists decision statistics. Errors are treated as best effort.
type StatsRecorder interface {
	Record(ctx context.Context, ev StatsEvent) error
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	signupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signup_service",
		Subsystem: "registration",
		Name:      "signups_total",
		Help:      "Signup attempts that reached the registration service, labeled by outcome.",
	}, []string{"outcome"})
	unregisterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signup_service",
		Subsystem: "registration",
		Name:      "unregisters_total",
		Help:      "Unregister attempts that reached the registration service, labeled by outcome.",
	}, []string{"outcome"})
	rateLimitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signup_service",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Admission decisions taken by the rate limiter.",
	}, []string{"decision"})
)

func init() {
	prometheus.MustRegister(signupCounter, unregisterCounter, rateLimitCounter)
}

// RecordSignup counts a signup attempt by outcome.
func RecordSignup(outcome string) {
	signupCounter.WithLabelValues(outcome).Inc()
}

// RecordUnregister counts an unregister attempt by outcome.
func RecordUnregister(outcome string) {
	unregisterCounter.WithLabelValues(outcome).Inc()
}

// RecordRateLimit counts an admission decision.
func RecordRateLimit(allowed bool) {
	if allowed {
		rateLimitCounter.WithLabelValues("allowed").Inc()
		return
	}
	rateLimitCounter.WithLabelValues("denied").Inc()
}

// SignupCount exposes the counter for one outcome, for tests and dashboards built in-process.
func SignupCount(outcome string) prometheus.Counter {
	return signupCounter.WithLabelValues(outcome)
}

// RateLimitCount exposes the decision counter for one decision label.
func RateLimitCount(decision string) prometheus.Counter {
	return rateLimitCounter.WithLabelValues(decision)
}

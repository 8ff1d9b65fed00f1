package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	resultAuthorized = "authorized"
	resultLocked     = "locked"
	resultFailure    = "failure"
	resultInvalid    = "invalid"
	resultEmpty      = "empty"
	resultSuccess    = "success"
)

type metrics struct {
	logins          *prometheus.CounterVec
	resumes         *prometheus.CounterVec
	locks           *prometheus.CounterVec
	forks           *prometheus.CounterVec
	events          *prometheus.CounterVec
	persistFailures prometheus.Counter
}

// newMetrics registers the service collectors on reg. A nil reg creates
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "auth",
			Name:      "logins_total",
			Help:      "Login attempts by outcome.",
		}, []string{"result"}),
		resumes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "auth",
			Name:      "resumes_total",
			Help:      "Session resume attempts by source and outcome.",
		}, []string{"source", "result"}),
		locks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "auth",
			Name:      "lock_operations_total",
			Help:      "Session lock operations by outcome.",
		}, []string{"op", "result"}),
		forks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "auth",
			Name:      "fork_operations_total",
			Help:      "Session fork operations by outcome.",
		}, []string{"op", "result"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "auth",
			Name:      "api_events_total",
			Help:      "Network layer events handled by the service.",
		}, []string{"type"}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "auth",
			Name:      "persist_failures_total",
			Help:      "Session persistence attempts that failed.",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return resultFailure
	}
	return resultSuccess
}

// Package metrics records OAuth flow counters for Prometheus.
//
// A nil *Recorder is valid and records nothing, so callers never need to check
// whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hfconnect"

// Recorder holds the OAuth flow collectors.
type Recorder struct {
	flowsStarted     *prometheus.CounterVec
	exchanges        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	discovery        *prometheus.CounterVec
	sessionReads     *prometheus.CounterVec
	sessionWrites    *prometheus.CounterVec
}

// NewRecorder creates a Recorder and registers its collectors with reg. A nil
// reg registers nothing; the collectors still count.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		flowsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_flows_started_total",
			Help:      "OAuth authorization redirects issued, by state format.",
		}, []string{"state_format"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_exchanges_total",
			Help:      "Authorization code exchanges, by exchange method and outcome.",
		}, []string{"method", "outcome"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oauth_exchange_duration_seconds",
			Help:      "Time spent exchanging an authorization code, including discovery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		discovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oauth_discovery_total",
			Help:      "Token endpoint resolutions, by result (discovered or fallback).",
		}, []string{"result"}),
		sessionReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_reads_total",
			Help:      "Session cookie reads, by result.",
		}, []string{"result"}),
		sessionWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_writes_total",
			Help:      "Session cookie writes, by source (exchange, callback, manual or clear).",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(
			r.flowsStarted,
			r.exchanges,
			r.exchangeDuration,
			r.discovery,
			r.sessionReads,
			r.sessionWrites,
		)
	}
	return r
}

// FlowStarted counts a /oauth/start redirect.
func (r *Recorder) FlowStarted(stateFormat string) {
	if r == nil {
		return
	}
	r.flowsStarted.WithLabelValues(stateFormat).Inc()
}

// ExchangeOutcome counts a finished exchange and observes its duration.
func (r *Recorder) ExchangeOutcome(method, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.exchanges.WithLabelValues(method, outcome).Inc()
	r.exchangeDuration.WithLabelValues(method).Observe(d.Seconds())
}

// DiscoveryResult counts a token endpoint resolution.
func (r *Recorder) DiscoveryResult(result string) {
	if r == nil {
		return
	}
	r.discovery.WithLabelValues(result).Inc()
}

// SessionRead counts a session cookie read.
func (r *Recorder) SessionRead(result string) {
	if r == nil {
		return
	}
	r.sessionReads.WithLabelValues(result).Inc()
}

// SessionWrite counts a session cookie being set or cleared.
func (r *Recorder) SessionWrite(source string) {
	if r == nil {
		return
	}
	r.sessionWrites.WithLabelValues(source).Inc()
}

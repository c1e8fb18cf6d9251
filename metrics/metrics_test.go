package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.FlowStarted("token")
	r.FlowStarted("token")
	r.ExchangeOutcome("pkce", "success", 120*time.Millisecond)
	r.ExchangeOutcome("pkce", "validation", time.Millisecond)
	r.DiscoveryResult("fallback")
	r.SessionRead("valid")
	r.SessionWrite("manual")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.flowsStarted.WithLabelValues("token")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.exchanges.WithLabelValues("pkce", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.exchanges.WithLabelValues("pkce", "validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.discovery.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionReads.WithLabelValues("valid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessionWrites.WithLabelValues("manual")))

	expected := `
# HELP hfconnect_oauth_discovery_total Token endpoint resolutions, by result (discovered or fallback).
# TYPE hfconnect_oauth_discovery_total counter
hfconnect_oauth_discovery_total{result="fallback"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "hfconnect_oauth_discovery_total"))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.FlowStarted("token")
	r.ExchangeOutcome("pkce", "success", time.Second)
	r.DiscoveryResult("discovered")
	r.SessionRead("none")
	r.SessionWrite("clear")
}

func TestNewRecorder_NilRegisterer(t *testing.T) {
	r := NewRecorder(nil)
	r.FlowStarted("legacy")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.flowsStarted.WithLabelValues("legacy")))
}

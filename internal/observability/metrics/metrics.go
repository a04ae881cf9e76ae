// Package metrics holds the Prometheus collectors. All methods are safe on a
// nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	MessagesDetected *prometheus.CounterVec
	MessagesSkipped  *prometheus.CounterVec
	AlertsTotal      *prometheus.CounterVec
	DispatchAttempts *prometheus.CounterVec
	DispatchResults  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	SessionState     *prometheus.GaugeVec
	ConnectFailures  *prometheus.CounterVec
	CycleDuration    *prometheus.HistogramVec
	CycleFailures    *prometheus.CounterVec
	DedupeEntries    prometheus.Gauge
}

// New registers every collector on a private registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := func(c prometheus.Collector) { reg.MustRegister(c) }

	m := &Metrics{
		reg: reg,
		MessagesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwatch_messages_detected_total",
			Help: "Unseen messages fetched and parsed, per account.",
		}, []string{"account"}),
		MessagesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwatch_messages_skipped_total",
			Help: "Messages skipped because fetch or parse failed.",
		}, []string{"account", "reason"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwatch_alerts_total",
			Help: "Alerts generated, per severity tier.",
		}, []string{"tier"}),
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwatch_dispatch_attempts_total",
			Help: "Channel send attempts, per channel and outcome.",
		}, []string{"channel", "outcome"}),
		DispatchResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwatch_dispatch_results_total",
			Help: "Per-destination delivery results.",
		}, []string{"channel", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailwatch_dispatch_duration_seconds",
			Help:    "Time to deliver to one destination, retries included.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 15, 30, 60, 120},
		}, []string{"channel"}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailwatch_session_state",
			Help: "1 for the current session state of each account.",
		}, []string{"account", "state"}),
		ConnectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwatch_connect_failures_total",
			Help: "Failed session attempts, per account and kind (network, auth).",
		}, []string{"account", "kind"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailwatch_poll_cycle_duration_seconds",
			Help:    "Duration of a poll cycle including dispatch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"account"}),
		CycleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailwatch_poll_cycle_failures_total",
			Help: "Poll cycles that ended early.",
		}, []string{"account"}),
		DedupeEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailwatch_dedupe_entries",
			Help: "Keys currently held by the dedupe store.",
		}),
	}
	f(m.MessagesDetected)
	f(m.MessagesSkipped)
	f(m.AlertsTotal)
	f(m.DispatchAttempts)
	f(m.DispatchResults)
	f(m.DispatchDuration)
	f(m.SessionState)
	f(m.ConnectFailures)
	f(m.CycleDuration)
	f(m.CycleFailures)
	f(m.DedupeEntries)
	f(collectors.NewGoCollector())
	f(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) MessageDetected(account string) {
	if m != nil {
		m.MessagesDetected.WithLabelValues(account).Inc()
	}
}

func (m *Metrics) MessageSkipped(account, reason string) {
	if m != nil {
		m.MessagesSkipped.WithLabelValues(account, reason).Inc()
	}
}

func (m *Metrics) Alert(tier string) {
	if m != nil {
		m.AlertsTotal.WithLabelValues(tier).Inc()
	}
}

func (m *Metrics) DispatchAttempt(channel string, ok bool) {
	if m != nil {
		m.DispatchAttempts.WithLabelValues(channel, outcome(ok)).Inc()
	}
}

func (m *Metrics) DispatchResult(channel string, ok bool, d time.Duration) {
	if m != nil {
		m.DispatchResults.WithLabelValues(channel, outcome(ok)).Inc()
		m.DispatchDuration.WithLabelValues(channel).Observe(d.Seconds())
	}
}

// SetSessionState marks state as current for account and clears the others.
func (m *Metrics) SetSessionState(account, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(account, s).Set(v)
	}
}

func (m *Metrics) ConnectFailure(account, kind string) {
	if m != nil {
		m.ConnectFailures.WithLabelValues(account, kind).Inc()
	}
}

func (m *Metrics) Cycle(account string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.CycleDuration.WithLabelValues(account).Observe(d.Seconds())
	if !ok {
		m.CycleFailures.WithLabelValues(account).Inc()
	}
}

func (m *Metrics) SetDedupeEntries(n int) {
	if m != nil {
		m.DedupeEntries.Set(float64(n))
	}
}

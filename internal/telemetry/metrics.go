// Package telemetry exports registry probes, health notifications and settlement
// activity as Prometheus metrics and InfluxDB points.
package telemetry

import (
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/registry"
)

const namespace = "chainsettle"

// Metrics implements registry.ProbeRecorder, registry.Notifier and
// settlement.Recorder on a private Prometheus registry.
type Metrics struct {
	reg *prometheus.Registry

	health        *prometheus.GaugeVec
	failures      *prometheus.GaugeVec
	probeLatency  *prometheus.HistogramVec
	probes        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	burns         *prometheus.CounterVec
	burned        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		health: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_health",
			Help:      "Chain health: 1 healthy, 2 degraded, 3 unhealthy.",
		}, []string{"chain"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_consecutive_failures",
			Help:      "Consecutive failed health probes.",
		}, []string{"chain"}),
		probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"chain"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Health probes by result.",
		}, []string{"chain", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_notifications_total",
			Help:      "Unhealthy and recovered notifications.",
		}, []string{"chain", "kind"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Ledger write submissions by operation and result.",
		}, []string{"chain", "op", "result"}),
		burns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burns_total",
			Help:      "Executed burns by confirmation status.",
		}, []string{"chain", "status"}),
		burned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "burned_tokens_total",
			Help:      "Token base units burned. Approximate above 2^53.",
		}, []string{"chain"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.health, m.failures, m.probeLatency, m.probes,
		m.notifications, m.submissions, m.burns, m.burned,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) RecordProbe(status registry.ChainStatus, latency time.Duration, err error) {
	ct := string(status.Chain)
	m.health.WithLabelValues(ct).Set(float64(status.Health))
	m.failures.WithLabelValues(ct).Set(float64(status.ConsecutiveFailures))
	m.probeLatency.WithLabelValues(ct).Observe(latency.Seconds())
	m.probes.WithLabelValues(ct, result(err)).Inc()
}

func (m *Metrics) Notify(n registry.Notification) {
	m.notifications.WithLabelValues(string(n.Status.Chain), string(n.Kind)).Inc()
}

func (m *Metrics) RecordSubmission(ct chain.Type, op string, err error) {
	m.submissions.WithLabelValues(string(ct), op, result(err)).Inc()
}

func (m *Metrics) RecordBurn(ct chain.Type, status chain.TxStatus, burn *big.Int) {
	m.burns.WithLabelValues(string(ct), string(status)).Inc()
	if burn != nil && burn.Sign() > 0 {
		f, _ := new(big.Float).SetInt(burn).Float64()
		m.burned.WithLabelValues(string(ct)).Add(f)
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Package metrics exposes Prometheus instrumentation for the proxy and
// the sink. Each process registers its own bundle against an injected
// registerer so tests can use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Proxy holds the data-plane metrics published by sentinelproxy.
type Proxy struct {
	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	ContainedTotal    *prometheus.CounterVec
	BytesTotal        *prometheus.CounterVec
	SamplesTotal      *prometheus.CounterVec
	VerdictsTotal     *prometheus.CounterVec
	DetectionSeconds  prometheus.Histogram
	AlertDeliveries   *prometheus.CounterVec
	AlertPostSeconds  prometheus.Histogram
	ForwardErrorTotal *prometheus.CounterVec
	MonitorFaults     prometheus.Counter
}

// NewProxy registers the proxy bundle with reg. A nil reg falls back
// to the default registerer.
func NewProxy(reg prometheus.Registerer) *Proxy {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Proxy{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_proxy_sessions_active",
			Help: "Number of VNC sessions currently being relayed",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_proxy_sessions_total",
			Help: "Total VNC sessions accepted since start",
		}),
		ContainedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_proxy_sessions_contained_total",
			Help: "Total sessions placed in containment, by trigger",
		}, []string{"trigger"}), // trigger: sink, auto, operator
		BytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_proxy_bytes_total",
			Help: "Bytes relayed, by direction",
		}, []string{"direction"}),
		SamplesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_proxy_samples_total",
			Help: "Traffic samples recorded, by direction",
		}, []string{"direction"}),
		VerdictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_proxy_verdicts_total",
			Help: "Detection verdicts, by severity",
		}, []string{"severity"}),
		DetectionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_proxy_detection_seconds",
			Help:    "Inline detection latency per sample",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01},
		}),
		AlertDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_proxy_alert_deliveries_total",
			Help: "Alert posts to the sink, by outcome",
		}, []string{"outcome"}), // outcome: ok, error, shed
		AlertPostSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_proxy_alert_post_seconds",
			Help:    "Latency of alert posts to the sink",
			Buckets: prometheus.DefBuckets,
		}),
		ForwardErrorTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_proxy_forward_errors_total",
			Help: "Forwarding loop errors, by direction",
		}, []string{"direction"}),
		MonitorFaults: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_proxy_monitor_faults_total",
			Help: "Detection panics recovered in the forwarding path",
		}),
	}
}

// RecordSessionOpen marks a session accepted.
func (p *Proxy) RecordSessionOpen() {
	p.SessionsTotal.Inc()
	p.SessionsActive.Inc()
}

// RecordSessionClose marks a session torn down.
func (p *Proxy) RecordSessionClose() {
	p.SessionsActive.Dec()
}

// RecordTraffic records one forwarded chunk.
func (p *Proxy) RecordTraffic(direction string, n int) {
	p.BytesTotal.WithLabelValues(direction).Add(float64(n))
	p.SamplesTotal.WithLabelValues(direction).Inc()
}

// RecordVerdict records an evaluated sample by verdict severity.
func (p *Proxy) RecordVerdict(severity string, seconds float64) {
	p.VerdictsTotal.WithLabelValues(severity).Inc()
	p.DetectionSeconds.Observe(seconds)
}

// RecordAlertDelivery records one alert post attempt.
func (p *Proxy) RecordAlertDelivery(outcome string, seconds float64) {
	p.AlertDeliveries.WithLabelValues(outcome).Inc()
	if outcome != "shed" {
		p.AlertPostSeconds.Observe(seconds)
	}
}

// RecordContainment marks a session contained. Trigger is what flipped
// the state: "sink", "auto", or "operator".
func (p *Proxy) RecordContainment(trigger string) {
	p.ContainedTotal.WithLabelValues(trigger).Inc()
}

// RecordForwardError records a non-EOF error in a forwarding loop.
func (p *Proxy) RecordForwardError(direction string) {
	p.ForwardErrorTotal.WithLabelValues(direction).Inc()
}

// RecordMonitorFault records a recovered detection panic.
func (p *Proxy) RecordMonitorFault() {
	p.MonitorFaults.Inc()
}

// Sink holds the control-plane metrics published by sentineld.
type Sink struct {
	AlertsIngested   *prometheus.CounterVec
	AlertsRejected   *prometheus.CounterVec
	MLScore          prometheus.Histogram
	Downgrades       prometheus.Counter
	RequestSeconds   *prometheus.HistogramVec
	ForensicWrites   *prometheus.CounterVec
	AnchorBatches    prometheus.Counter
	AnchorPending    prometheus.Gauge
	Containments     *prometheus.CounterVec
	StreamClients    prometheus.Gauge
	TamperDetections prometheus.Counter
}

// NewSink registers the sink bundle with reg. A nil reg falls back to
// the default registerer.
func NewSink(reg prometheus.Registerer) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Sink{
		AlertsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_sink_alerts_ingested_total",
			Help: "Alerts accepted, by severity",
		}, []string{"severity"}),
		AlertsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_sink_alerts_rejected_total",
			Help: "Alert posts rejected, by reason",
		}, []string{"reason"}), // reason: schema, content_type, body, store
		MLScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_sink_ml_score",
			Help:    "Anomaly scores of re-evaluated alerts",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		Downgrades: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_sink_verdict_downgrades_total",
			Help: "Alerts whose sink re-evaluation scored below the proxy verdict",
		}),
		RequestSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_sink_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
		ForensicWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_sink_forensic_writes_total",
			Help: "Forensic record writes, by outcome",
		}, []string{"outcome"}), // outcome: ok, error
		AnchorBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_sink_anchor_batches_total",
			Help: "Merkle anchor batches sealed",
		}),
		AnchorPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_sink_anchor_pending_leaves",
			Help: "Forensic hashes queued for the next anchor",
		}),
		Containments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_sink_containments_total",
			Help: "Containment requests sent to the proxy, by outcome",
		}, []string{"outcome"}), // outcome: ok, error
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_sink_stream_clients",
			Help: "Connected websocket alert stream clients",
		}),
		TamperDetections: f.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_sink_tamper_detections_total",
			Help: "Forensic files whose content no longer matches the sealed hash",
		}),
	}
}

// RecordIngest records an accepted alert.
func (s *Sink) RecordIngest(severity string, mlScore float64) {
	s.AlertsIngested.WithLabelValues(severity).Inc()
	s.MLScore.Observe(mlScore)
}

// RecordReject records a rejected alert post.
func (s *Sink) RecordReject(reason string) {
	s.AlertsRejected.WithLabelValues(reason).Inc()
}

// RecordForensicWrite records one forensic store write attempt.
func (s *Sink) RecordForensicWrite(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.ForensicWrites.WithLabelValues(outcome).Inc()
}

// RecordContainment records one containment call to the proxy.
func (s *Sink) RecordContainment(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.Containments.WithLabelValues(outcome).Inc()
}

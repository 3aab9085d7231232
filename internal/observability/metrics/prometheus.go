// Package metrics provides Prometheus metrics for the layout services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxlayout/internal/validation"
	"github.com/drfirst/go-rxlayout/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	ValidationFindings  *prometheus.CounterVec
	RendersTotal        *prometheus.CounterVec
	RenderDuration      *prometheus.HistogramVec
	SnapshotsIssued     prometheus.Counter
	IssuanceBlocked     prometheus.Counter
	Reprints            *prometheus.CounterVec
	QRFaults            prometheus.Counter
	PrintJobs           *prometheus.CounterVec
	OutboxPending       prometheus.Gauge
	PrintBacklog        *prometheus.GaugeVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg.
// A nil reg registers with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ValidationFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layout_validation_findings_total",
			Help: "Validation findings reported, by severity",
		}, []string{"severity"}),
		RendersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "layout_renders_total",
			Help: "Render calls, by target and output format",
		}, []string{"target", "format"}),
		RenderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "layout_render_duration_seconds",
			Help:    "Render plus encode duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"format"}),
		SnapshotsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_snapshots_issued_total",
			Help: "Snapshots frozen at issuance",
		}),
		IssuanceBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_issuance_blocked_total",
			Help: "Issuance attempts refused by validation errors",
		}),
		Reprints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_reprints_total",
			Help: "Reprints of issued snapshots, by format",
		}, []string{"format"}),
		QRFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "verification_qr_faults_total",
			Help: "Snapshots issued without a verification code",
		}),
		PrintJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "print_jobs_total",
			Help: "Print jobs processed by the worker, by outcome",
		}, []string{"outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		PrintBacklog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "print_backlog_records",
			Help: "Records the print worker group has yet to consume, by topic",
		}, []string{"topic"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.ValidationFindings,
		m.RendersTotal,
		m.RenderDuration,
		m.SnapshotsIssued,
		m.IssuanceBlocked,
		m.Reprints,
		m.QRFaults,
		m.PrintJobs,
		m.OutboxPending,
		m.PrintBacklog,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveReport counts the findings of a validation report
func (m *Metrics) ObserveReport(r validation.Report) {
	if m == nil {
		return
	}
	m.ValidationFindings.WithLabelValues(string(validation.SeverityError)).Add(float64(r.Errors))
	m.ValidationFindings.WithLabelValues(string(validation.SeverityWarning)).Add(float64(r.Warnings))
	m.ValidationFindings.WithLabelValues(string(validation.SeverityInfo)).Add(float64(r.Infos))
}

// ObserveRender records one render of target encoded as format
func (m *Metrics) ObserveRender(target, format string, started time.Time) {
	if m == nil {
		return
	}
	m.RendersTotal.WithLabelValues(target, format).Inc()
	m.RenderDuration.WithLabelValues(format).Observe(time.Since(started).Seconds())
}

// ObserveBreakers publishes the state of every breaker in mgr
func (m *Metrics) ObserveBreakers(mgr *circuitbreaker.Manager) {
	if m == nil || mgr == nil {
		return
	}
	for _, s := range mgr.GetHealthStatus() {
		var v float64
		switch s.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(v)
	}
}

// ObserveBacklog sets the consumer lag gauge for each topic
func (m *Metrics) ObserveBacklog(lag map[string]int64) {
	if m == nil {
		return
	}
	for topic, n := range lag {
		m.PrintBacklog.WithLabelValues(topic).Set(float64(n))
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics exposes Prometheus instrumentation for the detector.
//
// Metrics exposed, all labelled by meter:
//   - flowwatch_adapter_collect_seconds: reading collection duration
//   - flowwatch_detect_seconds: continuous flow scan duration
//   - flowwatch_events_detected_total: newly detected events by kind
//   - flowwatch_events: events in the latest report by kind
//   - flowwatch_series_samples: readings in the latest scan
//   - flowwatch_mnf_min / flowwatch_mnf_avg: minimum night flow averages
//   - flowwatch_last_success_timestamp_seconds: end of the last good tick
//   - flowwatch_errors_total: errors by component and reason
package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	CollectSeconds *prometheus.HistogramVec
	DetectSeconds  *prometheus.HistogramVec
	EventsDetected *prometheus.CounterVec
	Events         *prometheus.GaugeVec
	SeriesSamples  *prometheus.GaugeVec
	MNFMin         *prometheus.GaugeVec
	MNFAvg         *prometheus.GaugeVec
	LastSuccess    *prometheus.GaugeVec
	ErrorsTotal    *prometheus.CounterVec
}

// New registers all metrics with reg. Use prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		CollectSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowwatch_adapter_collect_seconds",
			Help:    "Time spent collecting meter readings",
			Buckets: prometheus.DefBuckets,
		}, []string{"meter", "adapter"}),

		DetectSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowwatch_detect_seconds",
			Help:    "Time spent scanning a series for continuous flow",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"meter"}),

		EventsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowwatch_events_detected_total",
			Help: "Continuous flow events seen for the first time",
		}, []string{"meter", "kind"}),

		Events: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowwatch_events",
			Help: "Continuous flow events in the latest report",
		}, []string{"meter", "kind"}),

		SeriesSamples: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowwatch_series_samples",
			Help: "Readings in the latest scanned series",
		}, []string{"meter"}),

		MNFMin: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowwatch_mnf_min",
			Help: "Mean of nightly minimum consumption inside the MNF window",
		}, []string{"meter"}),

		MNFAvg: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowwatch_mnf_avg",
			Help: "Mean of nightly mean consumption inside the MNF window",
		}, []string{"meter"}),

		LastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowwatch_last_success_timestamp_seconds",
			Help: "Unix time of the last successful detection tick",
		}, []string{"meter"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flowwatch_errors_total",
			Help: "Errors by component and reason",
		}, []string{"meter", "component", "reason"}),
	}
}

func (m *Metrics) RecordCollect(meter, adapter string, d time.Duration) {
	m.CollectSeconds.WithLabelValues(meter, adapter).Observe(d.Seconds())
}

func (m *Metrics) RecordDetect(meter string, d time.Duration) {
	m.DetectSeconds.WithLabelValues(meter).Observe(d.Seconds())
}

// RecordNewEvents counts first-time events per kind.
func (m *Metrics) RecordNewEvents(meter string, actual, imputed int) {
	m.EventsDetected.WithLabelValues(meter, "actual").Add(float64(actual))
	m.EventsDetected.WithLabelValues(meter, "imputed").Add(float64(imputed))
}

// SetReport publishes the figures of the latest report. NaN MNF values, for
// meters without any night reading, are exported as NaN.
func (m *Metrics) SetReport(meter string, samples, actual, imputed int, mnfMin, mnfAvg float64, at time.Time) {
	m.SeriesSamples.WithLabelValues(meter).Set(float64(samples))
	m.Events.WithLabelValues(meter, "actual").Set(float64(actual))
	m.Events.WithLabelValues(meter, "imputed").Set(float64(imputed))
	m.MNFMin.WithLabelValues(meter).Set(orNaN(mnfMin))
	m.MNFAvg.WithLabelValues(meter).Set(orNaN(mnfAvg))
	m.LastSuccess.WithLabelValues(meter).Set(float64(at.Unix()))
}

func (m *Metrics) RecordError(meter, component, reason string) {
	m.ErrorsTotal.WithLabelValues(meter, component, reason).Inc()
}

func orNaN(v float64) float64 {
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

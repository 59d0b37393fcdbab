package acq

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the prometheus collectors updated by a Loop
type Metrics struct {
	Samples         prometheus.Counter
	Iterations      prometheus.Counter
	Stalls          prometheus.Counter
	PublishFailures prometheus.Counter
	Faults          prometheus.Counter
	BatchRows       prometheus.Histogram
	BatchDuration   prometheus.Histogram
	Position        prometheus.Gauge
}

// NewMetrics creates the collectors with the given constant labels and
// registers them with reg.  A nil reg skips registration
func NewMetrics(reg prometheus.Registerer, labels prometheus.Labels) (*Metrics, error) {
	m := &Metrics{
		Samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "golacq", Name: "samples_total",
			Help: "rows written to the double buffer", ConstLabels: labels,
		}),
		Iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "golacq", Name: "iterations_total",
			Help: "loop iterations that advanced the position", ConstLabels: labels,
		}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "golacq", Name: "stalls_total",
			Help: "polls that found no whole row", ConstLabels: labels,
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "golacq", Name: "publish_failures_total",
			Help: "position notifications that failed", ConstLabels: labels,
		}),
		Faults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "golacq", Name: "faults_total",
			Help: "driver faults that stopped acquisition", ConstLabels: labels,
		}),
		BatchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "golacq", Name: "batch_rows",
			Help:        "rows committed per iteration",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 10),
			ConstLabels: labels,
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "golacq", Name: "batch_duration_seconds",
			Help:        "time from poll to consume of one iteration",
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 10),
			ConstLabels: labels,
		}),
		Position: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "golacq", Name: "position",
			Help: "last published absolute position", ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Samples, m.Iterations, m.Stalls, m.PublishFailures,
		m.Faults, m.BatchRows, m.BatchDuration, m.Position,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

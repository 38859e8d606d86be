package tracer

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports traces as a histogram and counts as a counter, both
// labelled by trace name.
type Prometheus struct {
	traces *prometheus.HistogramVec
	counts *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg. An
// already registered identical collector is reused.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		traces: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trace_duration_seconds",
			Help:      "Duration of traced keeper operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"name"}),
		counts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Counted keeper events such as retries and session loss.",
		}, []string{"name"}),
	}

	if err := reg.Register(p.traces); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		p.traces = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	if err := reg.Register(p.counts); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		p.counts = are.ExistingCollector.(*prometheus.CounterVec)
	}
	return p, nil
}

func (p *Prometheus) AddTrace(name string, d time.Duration) {
	p.traces.WithLabelValues(name).Observe(d.Seconds())
}

func (p *Prometheus) AddCount(name string, n int) {
	p.counts.WithLabelValues(name).Add(float64(n))
}

// Counter exposes the counter vector for tests and custom exporters.
func (p *Prometheus) Counter() *prometheus.CounterVec {
	return p.counts
}

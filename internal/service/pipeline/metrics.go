package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
)

var stageBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

// Metrics records pipeline outcomes.
type Metrics struct {
	builds        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	active        prometheus.Gauge
}

// NewMetrics registers pipeline collectors on reg, reusing collectors that
// are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codeflow",
			Subsystem: "pipeline",
			Name:      "builds_total",
			Help:      "Builds that reached a terminal status",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "codeflow",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages",
			Buckets:   stageBuckets,
		}, []string{"stage", "status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codeflow",
			Subsystem: "pipeline",
			Name:      "builds_active",
			Help:      "Builds currently executing in this process",
		}),
	}
	if reg == nil {
		return m
	}
	collectors := []prometheus.Collector{m.builds, m.stageDuration, m.active}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					m.builds = existing
				case *prometheus.HistogramVec:
					m.stageDuration = existing
				case prometheus.Gauge:
					m.active = existing
				}
			}
		}
	}
	return m
}

func (m *Metrics) buildFinished(status domain.BuildStatus) {
	if m == nil {
		return
	}
	m.builds.With(prometheus.Labels{"status": string(status)}).Inc()
}

func (m *Metrics) stageFinished(stage string, status domain.StageStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.With(prometheus.Labels{"stage": stage, "status": string(status)}).Observe(d.Seconds())
}

func (m *Metrics) buildStarted() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) buildStopped() {
	if m != nil {
		m.active.Dec()
	}
}

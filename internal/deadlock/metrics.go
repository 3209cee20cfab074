package deadlock

import "github.com/prometheus/client_golang/prometheus"

// Metrics contains Prometheus metrics for deadlock scans.
type Metrics struct {
	CyclesDetected prometheus.Gauge
	ScansTotal     prometheus.Counter
}

// NewMetrics creates and registers the deadlock scan metrics.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		CyclesDetected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "txlock_deadlock_cycles",
			Help: "Deadlock cycles found by the most recent scan",
		}),
		ScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "txlock_deadlock_scans_total",
			Help: "Total number of deadlock scans",
		}),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.CyclesDetected.Describe(ch)
	m.ScansTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.CyclesDetected.Collect(ch)
	m.ScansTotal.Collect(ch)
}

func (m *Metrics) record(cycles int) {
	if m == nil {
		return
	}
	m.ScansTotal.Inc()
	m.CyclesDetected.Set(float64(cycles))
}

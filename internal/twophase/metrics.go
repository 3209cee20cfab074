package twophase

import (
	"time"

	"github.com/RezaEskandarii/txlock/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Acquisition outcomes recorded in the result label.
const (
	resultAcquired  = "acquired"
	resultReentered = "reentered"
	resultTimeout   = "timeout"
	resultViolation = "violation"
	resultError     = "error"
)

// Metrics contains Prometheus metrics for the lock manager. A nil *Metrics
// records nothing.
type Metrics struct {
	acquisitionsTotal   *prometheus.CounterVec
	waitDurationSeconds *prometheus.HistogramVec
	releasedTotal       *prometheus.CounterVec
	transactionsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers the lock manager metrics.
func NewMetrics(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		acquisitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txlock_acquisitions_total",
				Help: "Lock acquisition attempts by lock type and outcome",
			},
			[]string{"lock_type", "result"},
		),
		waitDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txlock_acquire_wait_seconds",
				Help:    "Time spent inside AcquireLock, including retries",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"lock_type"},
		),
		releasedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txlock_released_total",
				Help: "Locks released, by how they were released",
			},
			[]string{"reason"}, // explicit, transaction, expired
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txlock_transactions_total",
				Help: "Transactions run through the transaction wrapper by outcome",
			},
			[]string{"status"}, // success, error
		),
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.acquisitionsTotal.Describe(ch)
	m.waitDurationSeconds.Describe(ch)
	m.releasedTotal.Describe(ch)
	m.transactionsTotal.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.acquisitionsTotal.Collect(ch)
	m.waitDurationSeconds.Collect(ch)
	m.releasedTotal.Collect(ch)
	m.transactionsTotal.Collect(ch)
}

func (m *Metrics) recordAcquire(lockType types.LockType, result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.acquisitionsTotal.WithLabelValues(string(lockType), result).Inc()
	m.waitDurationSeconds.WithLabelValues(string(lockType)).Observe(waited.Seconds())
}

func (m *Metrics) recordRelease(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.releasedTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) recordTransaction(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.transactionsTotal.WithLabelValues(status).Inc()
}

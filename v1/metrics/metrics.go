package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks the number of successful lock acquisitions.
	AcquireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dirlock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	})
	// ReleaseCounter tracks the number of lock releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dirlock_release_total",
		Help: "Total number of lock releases",
	})
	// TimeoutCounter tracks the number of acquisitions that timed out.
	TimeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dirlock_timeout_total",
		Help: "Total number of lock attempts that timed out",
	})
	// ReapCounter tracks the number of stale tickets removed.
	ReapCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dirlock_reaped_tickets_total",
		Help: "Total number of stale tickets removed",
	})
	// HeldGauge reports the number of locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dirlock_held",
		Help: "Current number of locks held by this process",
	})
	// WaitHistogram observes how long successful acquisitions waited.
	WaitHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dirlock_wait_seconds",
		Help:    "Time spent waiting for a lock",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 60},
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers dirlock metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, TimeoutCounter, ReapCounter, HeldGauge, WaitHistogram)
}

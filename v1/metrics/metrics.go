package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks successful lock acquisitions by kind
	// (new, takeover, reentrant).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_acquire_total",
		Help: "Total number of successful lock acquisitions",
	}, []string{"kind"})
	// ContendedCounter tracks acquisition attempts that found the lock held.
	ContendedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_contended_total",
		Help: "Total number of acquisition attempts that found the lock held",
	})
	// ReleaseCounter tracks releases by outcome (deleted, decremented, expired, illegal).
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_release_total",
		Help: "Total number of lock releases",
	}, []string{"outcome"})
	// ClockFallbackCounter tracks clock replies that could not be parsed.
	ClockFallbackCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dlock_clock_fallback_total",
		Help: "Total number of clock readings that fell back to the local clock",
	})
	// ClockRequestCounter tracks clock server requests by command.
	ClockRequestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dlock_clock_requests_total",
		Help: "Total number of clock server requests",
	}, []string{"command"})
	// ClockConnGauge reports the number of open clock server connections.
	ClockConnGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlock_clock_connections",
		Help: "Current number of clock server connections",
	})
	// ClockPendingGauge reports how many connections have unflushed replies.
	ClockPendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dlock_clock_pending_writes",
		Help: "Current number of clock server connections with queued reply bytes",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock client metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ContendedCounter, ReleaseCounter, ClockFallbackCounter)
}

// RegisterClockMetrics registers the clock server metrics on the provided registry.
func RegisterClockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ClockRequestCounter, ClockConnGauge, ClockPendingGauge)
}

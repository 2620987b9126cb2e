package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks lock acquisition attempts by variant and result.
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keylock_acquire_total",
		Help: "Total number of lock acquisition calls",
	}, []string{"variant", "result"})
	// ReleaseCounter tracks lock releases by variant and result.
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keylock_release_total",
		Help: "Total number of lock release calls",
	}, []string{"variant", "result"})
	// StaleRepairCounter counts lock records rewritten after their holder was
	// presumed dead.
	StaleRepairCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keylock_stale_repair_total",
		Help: "Total number of stale lock records repaired",
	})
	// MalformedRecordCounter counts lock records that could not be parsed.
	MalformedRecordCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keylock_malformed_record_total",
		Help: "Total number of unparsable lock records observed",
	})
	// StoreErrors counts store transport failures by operation.
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keylock_store_errors_total",
		Help: "Total number of failed store operations",
	}, []string{"op"})
	// ExpiredKeysCounter counts key expiration events seen by the listener.
	ExpiredKeysCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keylock_expired_keys_total",
		Help: "Total number of key expiration events received",
	})
	// WaitHistogram observes how long callers waited for a lock.
	WaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "keylock_wait_seconds",
		Help:    "Time spent waiting for a lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"variant"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers keylock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, StaleRepairCounter,
		MalformedRecordCounter, StoreErrors, ExpiredKeysCounter, WaitHistogram)
}

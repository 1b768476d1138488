package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
)

var (
	once       sync.Once
	registered atomic.Bool
	collectors []prometheus.Collector
)

func register(cs ...prometheus.Collector) {
	collectors = append(collectors, cs...)
}

// MustRegister registers every collector with the default registry exactly
// once.
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(collectors...)
		registered.Store(true)
	})
}

// MetricsRegistered reports whether MustRegister has run.
func MetricsRegistered() bool {
	return registered.Load()
}

func init() {
	register(jobsStarted, jobsFinished, unitsTotal, unitDuration)
}

var (
	jobsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsadash_jobs_started_total",
			Help: "Jobs started per role.",
		},
		[]string{"role"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsadash_jobs_finished_total",
			Help: "Jobs reaching a terminal status per role.",
		},
		[]string{"role", "status"},
	)

	unitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gsadash_units_total",
			Help: "Work units (draws) completed per role.",
		},
		[]string{"role"},
	)

	unitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gsadash_unit_duration_seconds",
			Help:    "Duration of a single work unit.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		},
		[]string{"role"},
	)
)

// JobObserver feeds executor events into the job collectors.
type JobObserver struct{}

var _ jobregistry.Observer = JobObserver{}

func (JobObserver) JobStarted(role jobregistry.Role) {
	jobsStarted.WithLabelValues(string(role)).Inc()
}

func (JobObserver) UnitDone(role jobregistry.Role, d time.Duration) {
	r := string(role)
	unitsTotal.WithLabelValues(r).Inc()
	unitDuration.WithLabelValues(r).Observe(d.Seconds())
}

func (JobObserver) JobFinished(role jobregistry.Role, status jobregistry.Status) {
	jobsFinished.WithLabelValues(string(role), string(status)).Inc()
}

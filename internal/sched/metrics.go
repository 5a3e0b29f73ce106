// internal/sched/metrics.go

package sched

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	contextSwitchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fairsched_context_switches_total",
			Help: "Total number of context switches across all CPUs",
		},
	)

	preemptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fairsched_preemptions_total",
			Help: "Total number of involuntary preemptions",
		},
	)

	migrationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fairsched_migrations_total",
			Help: "Total number of tasks migrated off a CPU going offline",
		},
	)

	runnableTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fairsched_runnable_tasks",
			Help: "Runnable tasks (ready plus active) per CPU",
		},
		[]string{"cpu"},
	)
)

// RegisterMetrics registers the scheduler collectors with reg. Call at most
// once per registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		contextSwitchesTotal,
		preemptionsTotal,
		migrationsTotal,
		runnableTasks,
	)
}

func runnableGauge(cpu CPUID, n int) {
	runnableTasks.WithLabelValues(strconv.Itoa(int(cpu))).Set(float64(n))
}

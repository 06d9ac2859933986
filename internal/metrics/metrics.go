// Package metrics wires the counters, gauges, histograms and timers called
// out in spec §6.6, following the same package-level prometheus.MustRegister
// idiom github.com/cuemby/warren uses for its own metric set.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// Scheduler counters.
	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_scheduler_tasks_submitted_total",
		Help: "Total number of tasks submitted to the task graph.",
	})
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_scheduler_tasks_completed_total",
		Help: "Total number of tasks that reached status=completed.",
	})
	TasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_scheduler_tasks_failed_total",
		Help: "Total number of tasks that reached a terminal status=failed.",
	})
	TasksRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_scheduler_tasks_retried_total",
		Help: "Total number of task retry re-entries into scheduled.",
	})
	TasksCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_scheduler_tasks_cancelled_total",
		Help: "Total number of tasks cancelled.",
	})

	// Swarm counters.
	SwarmTasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_swarm_tasks_completed_total",
		Help: "Total number of swarm subtasks that completed successfully.",
	})
	SwarmTasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_swarm_tasks_failed_total",
		Help: "Total number of swarm subtasks that failed.",
	})
	SwarmWorkersCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_swarm_workers_created_total",
		Help: "Total number of workers created by swarm auto-scaling.",
	})
	SwarmWorkersRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_swarm_workers_removed_total",
		Help: "Total number of workers removed by swarm auto-scaling.",
	})
	SwarmWorkersCreationFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_swarm_workers_creation_failed_total",
		Help: "Total number of failed worker creation attempts during auto-scaling.",
	})

	// Load-balancer counters.
	LoadBalancerSelectionsSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_loadbalancer_selections_success_total",
		Help: "Total number of successful load-balancer agent selections.",
	})
	LoadBalancerSelectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchflow_loadbalancer_selections_failed_total",
		Help: "Total number of load-balancer selections that found no eligible agent.",
	})

	// Gauges.
	SchedulerAgentsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchflow_scheduler_agents_total",
		Help: "Current number of agents known to the registry.",
	})
	SwarmWorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchflow_swarm_workers_active",
		Help: "Current number of workers managed by swarm auto-scaling.",
	})

	// Histograms.
	TaskWaitTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchflow_scheduler_task_wait_time_seconds",
		Help:    "Time a task spent scheduled before it started running.",
		Buckets: prometheus.DefBuckets,
	})
	TaskExecutionTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchflow_scheduler_task_execution_time_seconds",
		Help:    "Time a task spent running before a terminal status.",
		Buckets: prometheus.DefBuckets,
	})
	LoadBalancerResponseTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchflow_loadbalancer_response_time_seconds",
		Help:    "Observed agent response time samples fed to the ResponseTime discipline.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		TasksSubmitted, TasksCompleted, TasksFailed, TasksRetried, TasksCancelled,
		SwarmTasksCompleted, SwarmTasksFailed,
		SwarmWorkersCreated, SwarmWorkersRemoved, SwarmWorkersCreationFailed,
		LoadBalancerSelectionsSuccess, LoadBalancerSelectionsFailed,
		SchedulerAgentsTotal, SwarmWorkersActive,
		TaskWaitTime, TaskExecutionTime, LoadBalancerResponseTime,
	)
}

// Handler exposes the registered metrics for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall time around an operation, mirroring the
// teacher-pack's Timer helper in cuemby/warren's metrics package.
type Timer struct{ start time.Time }

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns elapsed time without recording it.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

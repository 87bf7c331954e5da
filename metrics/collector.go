// Package metrics exports scheduler statistics to Prometheus.
//
// Example:
//
//	pool, _ := swarm.NewPool()
//	prometheus.MustRegister(metrics.NewCollector(pool))
//	http.Handle("/metrics", promhttp.Handler())
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tahsin716/swarm"
)

const namespace = "swarm"

// StatsSource is implemented by *swarm.Pool.
type StatsSource interface {
	Stats() swarm.Stats
}

// Collector is a prometheus.Collector that takes one Stats snapshot per
// scrape.
type Collector struct {
	source StatsSource

	threads      *prometheus.Desc
	goal         *prometheus.Desc
	processing   *prometheus.Desc
	idle         *prometheus.Desc
	bounds       *prometheus.Desc
	requested    *prometheus.Desc
	outstanding  *prometheus.Desc
	pending      *prometheus.Desc
	cpu          *prometheus.Desc
	latency      *prometheus.Desc
	workItems    *prometheus.Desc
	workers      *prometheus.Desc
	starvation   *prometheus.Desc
	transitions  *prometheus.Desc
	workerTasks  *prometheus.Desc
	workerQueued *prometheus.Desc
}

// NewCollector returns a Collector reading from source. Labels in
// constLabels are attached to every metric, which lets several pools share
// one registry.
func NewCollector(source StatsSource, constLabels ...prometheus.Labels) *Collector {
	var labels prometheus.Labels
	if len(constLabels) > 0 {
		labels = constLabels[0]
	}
	desc := func(name, help string, variableLabels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variableLabels, labels)
	}

	return &Collector{
		source:       source,
		threads:      desc("threads", "Number of live worker threads."),
		goal:         desc("thread_goal", "Target number of concurrently processing workers."),
		processing:   desc("threads_processing", "Number of workers not idle waiting for work."),
		idle:         desc("threads_idle", "Number of workers blocked waiting for a wake-up."),
		bounds:       desc("thread_bound", "Configured thread bounds.", "bound"),
		requested:    desc("worker_requests", "Worker requests not yet served."),
		outstanding:  desc("worker_requests_outstanding", "Worker requests issued by the queues and not yet picked up."),
		pending:      desc("work_items_pending", "Queued work items that have not started."),
		cpu:          desc("cpu_utilization_percent", "Last CPU utilization sample taken by the gate."),
		latency:      desc("work_item_latency_seconds", "Work item execution time.", "stat"),
		workItems:    desc("work_items_total", "Work items by outcome.", "outcome"),
		workers:      desc("worker_events_total", "Worker thread lifecycle events.", "event"),
		starvation:   desc("starvation_events_total", "Times the gate raised the goal for starved work."),
		transitions:  desc("hill_climbing_transitions", "Recent hill-climbing goal changes by reason.", "state"),
		workerTasks:  desc("worker_tasks_total", "Work items executed per worker.", "worker", "result"),
		workerQueued: desc("worker_queue_depth", "Items in a worker's local queue.", "worker"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.threads
	ch <- c.goal
	ch <- c.processing
	ch <- c.idle
	ch <- c.bounds
	ch <- c.requested
	ch <- c.outstanding
	ch <- c.pending
	ch <- c.cpu
	ch <- c.latency
	ch <- c.workItems
	ch <- c.workers
	ch <- c.starvation
	ch <- c.transitions
	ch <- c.workerTasks
	ch <- c.workerQueued
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.threads, float64(s.Threads))
	gauge(c.goal, float64(s.Goal))
	gauge(c.processing, float64(s.Processing))
	gauge(c.idle, float64(s.Idle))
	gauge(c.bounds, float64(s.MinThreads), "min")
	gauge(c.bounds, float64(s.MaxThreads), "max")
	gauge(c.requested, float64(s.Requested))
	gauge(c.outstanding, float64(s.Outstanding))
	gauge(c.pending, float64(s.Pending))
	gauge(c.cpu, float64(s.CPUUtilization))
	gauge(c.latency, s.LatencyAvg.Seconds(), "avg")
	gauge(c.latency, s.LatencyMax.Seconds(), "max")

	counter(c.workItems, s.Enqueued, "enqueued")
	counter(c.workItems, s.Completed, "completed")
	counter(c.workItems, s.BlockingCompleted, "blocking_completed")
	counter(c.workItems, s.Failed, "failed")
	counter(c.workItems, s.Removed, "removed")
	counter(c.workItems, s.Dropped, "dropped")

	counter(c.workers, s.Spawned, "spawned")
	counter(c.workers, s.Retired, "retired")
	counter(c.workers, s.SpawnFailures, "spawn_failed")

	counter(c.starvation, s.StarvationEvents)

	byState := make(map[string]int)
	for _, t := range s.Transitions {
		byState[t.State.String()]++
	}
	for state, n := range byState {
		gauge(c.transitions, float64(n), state)
	}

	for _, w := range s.WorkerStats {
		id := strconv.Itoa(w.WorkerID)
		counter(c.workerTasks, w.TasksExecuted-w.TasksFailed, id, "ok")
		counter(c.workerTasks, w.TasksFailed, id, "panicked")
		gauge(c.workerQueued, float64(w.QueueDepth), id)
	}
}

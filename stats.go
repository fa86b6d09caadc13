// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package dataexecutor

import "github.com/prometheus/client_golang/prometheus"

// PoolStats is a derived, read-only snapshot of a pool. It is recomputed on
// demand from counters the scheduler maintains.
type PoolStats struct {
	TotalWorkers        int
	AvailableWorkers    int
	QueuedTasks         int
	TotalTasksProcessed uint64
}

// PoolCollector exposes a pool's statistics as prometheus metrics. Register
// it with a prometheus registry; each scrape takes a fresh Stats snapshot.
type PoolCollector struct {
	pool *Pool

	workersTotal     *prometheus.Desc
	workersAvailable *prometheus.Desc
	tasksQueued      *prometheus.Desc
	tasksProcessed   *prometheus.Desc
}

// NewPoolCollector creates a collector for the given pool.
func NewPoolCollector(pool *Pool) *PoolCollector {
	return &PoolCollector{
		pool: pool,
		workersTotal: prometheus.NewDesc(
			"dataexecutor_pool_workers_total",
			"Number of workers owned by the pool.",
			nil, nil,
		),
		workersAvailable: prometheus.NewDesc(
			"dataexecutor_pool_workers_available",
			"Number of workers currently ready for a task.",
			nil, nil,
		),
		tasksQueued: prometheus.NewDesc(
			"dataexecutor_pool_tasks_queued",
			"Number of tasks waiting for a free worker.",
			nil, nil,
		),
		tasksProcessed: prometheus.NewDesc(
			"dataexecutor_pool_tasks_processed_total",
			"Total number of tasks the pool has completed.",
			nil, nil,
		),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workersTotal
	ch <- c.workersAvailable
	ch <- c.tasksQueued
	ch <- c.tasksProcessed
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.workersTotal, prometheus.GaugeValue, float64(stats.TotalWorkers))
	ch <- prometheus.MustNewConstMetric(c.workersAvailable, prometheus.GaugeValue, float64(stats.AvailableWorkers))
	ch <- prometheus.MustNewConstMetric(c.tasksQueued, prometheus.GaugeValue, float64(stats.QueuedTasks))
	ch <- prometheus.MustNewConstMetric(c.tasksProcessed, prometheus.CounterValue, float64(stats.TotalTasksProcessed))
}

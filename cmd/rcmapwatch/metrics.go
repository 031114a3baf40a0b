// Copyright (c) 2024 Arista Networks, Inc.
// Use of this source code is governed by the Apache License 2.0
// that can be found in the COPYING file.

package main

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristanetworks/rcmap/rcmap"
)

// statsCollector is a prometheus.Collector that reads a live
// *rcmap.SyncMap's Stats() on every scrape, the same pull-on-Collect shape
// ocprometheus's collector uses against its own cached metric map.
type statsCollector struct {
	files *rcmap.SyncMap[string, *os.File]

	size      *prometheus.Desc
	capacity  *prometheus.Desc
	sealed    *prometheus.Desc
	migrating *prometheus.Desc
	grows     *prometheus.Desc
	shrinks   *prometheus.Desc
	advisory  *prometheus.Desc
}

func newStatsCollector(files *rcmap.SyncMap[string, *os.File]) *statsCollector {
	const ns = "rcmapwatch"
	return &statsCollector{
		files:     files,
		size:      prometheus.NewDesc(ns+"_open_files", "Number of file handles currently tracked.", nil, nil),
		capacity:  prometheus.NewDesc(ns+"_table_capacity", "Backing hash table capacity.", nil, nil),
		sealed:    prometheus.NewDesc(ns+"_sealed_entries", "Entries marked for removal but still held open by a reader.", nil, nil),
		migrating: prometheus.NewDesc(ns+"_migrating", "1 while an incremental rehash is in progress.", nil, nil),
		grows:     prometheus.NewDesc(ns+"_grow_total", "Number of times the table has grown.", nil, nil),
		shrinks:   prometheus.NewDesc(ns+"_shrink_total", "Number of times the table has shrunk.", nil, nil),
		advisory:  prometheus.NewDesc(ns+"_resize_advisory_total", "Number of times a resize was skipped because it would exceed the configured max capacity.", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.capacity
	ch <- c.sealed
	ch <- c.migrating
	ch <- c.grows
	ch <- c.shrinks
	ch <- c.advisory
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.files.Stats()
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(stats.Size))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(stats.Capacity))
	ch <- prometheus.MustNewConstMetric(c.sealed, prometheus.GaugeValue, float64(stats.Sealed))
	migrating := 0.0
	if stats.Migrating {
		migrating = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.migrating, prometheus.GaugeValue, migrating)
	ch <- prometheus.MustNewConstMetric(c.grows, prometheus.CounterValue, float64(stats.GrowCount))
	ch <- prometheus.MustNewConstMetric(c.shrinks, prometheus.CounterValue, float64(stats.ShrinkCount))
	ch <- prometheus.MustNewConstMetric(c.advisory, prometheus.CounterValue, float64(stats.AdvisoryCount))
}

// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package metrics exposes the DPI pipeline's counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"walleye.is/walleye/internal/cache"
	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/dispatch"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/policy"
)

// Collector gathers gauges from the live pipeline components on scrape.
type Collector struct {
	dispatcher *dispatch.Dispatcher
	store      *flow.Store
	plugin     *classify.Plugin
	engine     classify.Engine
	policies   *policy.Engine
	verdicts   *cache.VerdictCache

	packetsIn    *prometheus.Desc
	packetsDrop  *prometheus.Desc
	flowsLive    *prometheus.Desc
	flowsTotal   *prometheus.Desc
	connections  *prometheus.Desc
	streams      *prometheus.Desc
	scanErrors   *prometheus.Desc
	engineAlloc  *prometheus.Desc
	enginePeak   *prometheus.Desc
	engineFailed *prometheus.Desc
	policyEvals  *prometheus.Desc
	policyHits   *prometheus.Desc
	cacheEntries *prometheus.Desc
}

// NewCollector wires the pipeline components into a Prometheus collector.
func NewCollector(d *dispatch.Dispatcher, store *flow.Store, plugin *classify.Plugin,
	engine classify.Engine, policies *policy.Engine, verdicts *cache.VerdictCache) *Collector {
	return &Collector{
		dispatcher: d,
		store:      store,
		plugin:     plugin,
		engine:     engine,
		policies:   policies,
		verdicts:   verdicts,

		packetsIn:    prometheus.NewDesc("walleye_dpi_packets_total", "Packets handed to the dispatcher", nil, nil),
		packetsDrop:  prometheus.NewDesc("walleye_dpi_packets_dropped_total", "Packets given a drop verdict", nil, nil),
		flowsLive:    prometheus.NewDesc("walleye_dpi_flows", "Live flow accumulators", nil, nil),
		flowsTotal:   prometheus.NewDesc("walleye_dpi_flows_total", "Flow accumulators ever created", nil, nil),
		connections:  prometheus.NewDesc("walleye_dpi_classifier_connections_total", "Classifier connections created", nil, nil),
		streams:      prometheus.NewDesc("walleye_dpi_classifier_streams_total", "Classifier streams created", nil, nil),
		scanErrors:   prometheus.NewDesc("walleye_dpi_scan_errors_total", "Classifier errors by kind", []string{"kind"}, nil),
		engineAlloc:  prometheus.NewDesc("walleye_dpi_engine_alloc_bytes", "Engine sandbox current allocation", nil, nil),
		enginePeak:   prometheus.NewDesc("walleye_dpi_engine_peak_bytes", "Engine sandbox peak allocation", nil, nil),
		engineFailed: prometheus.NewDesc("walleye_dpi_engine_failed_allocs_total", "Engine sandbox refused allocations", nil, nil),
		policyEvals:  prometheus.NewDesc("walleye_policy_evaluations_total", "Policy table evaluations", nil, nil),
		policyHits:   prometheus.NewDesc("walleye_policy_matches_total", "Policy evaluations with a match", nil, nil),
		cacheEntries: prometheus.NewDesc("walleye_verdict_cache_entries", "Verdict cache entries by kind", []string{"kind"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.dispatcher != nil {
		ch <- prometheus.MustNewConstMetric(c.packetsIn, prometheus.CounterValue, float64(c.dispatcher.PacketsIn))
		ch <- prometheus.MustNewConstMetric(c.packetsDrop, prometheus.CounterValue, float64(c.dispatcher.PacketsDropped))
	}
	if c.store != nil {
		ch <- prometheus.MustNewConstMetric(c.flowsLive, prometheus.GaugeValue, float64(c.store.Len()))
		ch <- prometheus.MustNewConstMetric(c.flowsTotal, prometheus.CounterValue, float64(c.store.TotalFlows))
	}
	if c.plugin != nil {
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.CounterValue, float64(c.plugin.Connections))
		ch <- prometheus.MustNewConstMetric(c.streams, prometheus.CounterValue, float64(c.plugin.Streams))
		ch <- prometheus.MustNewConstMetric(c.scanErrors, prometheus.CounterValue, float64(c.plugin.ErrCreate), "create")
		ch <- prometheus.MustNewConstMetric(c.scanErrors, prometheus.CounterValue, float64(c.plugin.ErrScan), "scan")
		ch <- prometheus.MustNewConstMetric(c.scanErrors, prometheus.CounterValue, float64(c.plugin.ErrIncomplete), "incomplete")
	}
	if c.engine != nil {
		usage := c.engine.Usage()
		ch <- prometheus.MustNewConstMetric(c.engineAlloc, prometheus.GaugeValue, float64(usage.CurrAlloc))
		ch <- prometheus.MustNewConstMetric(c.enginePeak, prometheus.GaugeValue, float64(usage.PeakAlloc))
		ch <- prometheus.MustNewConstMetric(c.engineFailed, prometheus.CounterValue, float64(usage.FailAlloc))
	}
	if c.policies != nil {
		ch <- prometheus.MustNewConstMetric(c.policyEvals, prometheus.CounterValue, float64(c.policies.Evaluations))
		ch <- prometheus.MustNewConstMetric(c.policyHits, prometheus.CounterValue, float64(c.policies.Matches))
	}
	if c.verdicts != nil {
		names, ips := c.verdicts.Len()
		ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(names), "name")
		ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(ips), "ip")
	}
}

// Handler registers the collector on a fresh registry and returns the scrape
// handler.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

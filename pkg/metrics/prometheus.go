// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"math"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bridge adapts a Collector to the client_golang prometheus.Collector
// interface, so the registry can be served through promhttp next to the Go
// runtime and process collectors. Metrics are converted on scrape with const
// metrics; nothing is registered ahead of time, which keeps label sets free
// to grow.
type Bridge struct {
	collector *Collector
}

// Compile-time interface assertion.
var _ prometheus.Collector = (*Bridge)(nil)

// NewBridge wraps a Collector for client_golang registration.
func NewBridge(c *Collector) *Bridge {
	return &Bridge{collector: c}
}

// Describe implements prometheus.Collector via DescribeByCollect: the metric
// set is dynamic, so descriptors are derived from a live collection pass.
func (b *Bridge) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(b, ch)
}

// Collect implements prometheus.Collector.
func (b *Bridge) Collect(ch chan<- prometheus.Metric) {
	c := b.collector
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, counter := range []*Counter{
		c.agentExecutions, c.agentInsights,
		c.messagesSent, c.messagesReceived,
		c.blackboardWrites, c.blackboardReads,
		c.collaborations,
		c.llmRequests, c.llmTokens, c.llmCost,
		c.analysisRequests, c.competitors,
		c.errorsTotal, c.securityEvents,
	} {
		collectSlots(ch, counter.name, counter.help, prometheus.CounterValue, counter.slotsLocked())
	}
	for _, gauge := range []*Gauge{c.agentsRunning, c.blackboardEntries, c.collabsActive} {
		collectSlots(ch, gauge.name, gauge.help, prometheus.GaugeValue, gauge.slotsLocked())
	}
	for _, histogram := range []*Histogram{c.agentDuration, c.llmLatency, c.analysisDuration, c.analysisScore} {
		collectHistogram(ch, histogram)
	}
}

// slotsLocked snapshots the slots under the primitive's own lock.
func (c *Counter) slotsLocked() []counterSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]counterSlot, 0, len(c.slots))
	for _, slot := range c.slots {
		out = append(out, counterSlot{labels: copyLabels(slot.labels), value: slot.value})
	}
	return out
}

func (g *Gauge) slotsLocked() []counterSlot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]counterSlot, 0, len(g.slots))
	for _, slot := range g.slots {
		out = append(out, counterSlot{labels: copyLabels(slot.labels), value: slot.value})
	}
	return out
}

func collectSlots(ch chan<- prometheus.Metric, name, help string, vt prometheus.ValueType, slots []counterSlot) {
	for _, slot := range slots {
		keys, values := splitLabels(slot.labels)
		desc := prometheus.NewDesc(name, help, keys, nil)
		ch <- prometheus.MustNewConstMetric(desc, vt, slot.value, values...)
	}
}

func collectHistogram(ch chan<- prometheus.Metric, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, slot := range h.slots {
		buckets := make(map[float64]uint64, len(h.buckets))
		for i, bound := range h.buckets {
			// The +Inf bucket is implied by the total count.
			if math.IsInf(bound, 1) {
				continue
			}
			buckets[bound] = slot.buckets[i]
		}
		keys, values := splitLabels(slot.labels)
		desc := prometheus.NewDesc(h.name, h.help, keys, nil)
		ch <- prometheus.MustNewConstHistogram(desc, slot.count, slot.sum, buckets, values...)
	}
}

// splitLabels returns label keys and their values in matching sorted order.
func splitLabels(labels Labels) ([]string, []string) {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	return keys, values
}

// Handler returns an HTTP handler serving the collector, the Go runtime
// collector, and the process collector in Prometheus exposition format.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewBridge(c),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

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

// Package metrics provides label-keyed Counter, Gauge, and Histogram
// primitives with Prometheus text exposition, plus a process-wide Collector
// registry for run and agent instrumentation.
//
// The primitives have no dependencies and can be embedded anywhere; the
// Bridge in prometheus.go adapts a Collector to client_golang so the daemon
// can serve them through promhttp alongside the default Go runtime metrics.
package metrics

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Labels is one unordered label combination. Two Labels maps with the same
// key/value pairs address the same slot regardless of construction order.
type Labels map[string]string

// labelKey canonicalizes a label set into a slot key by sorting pairs.
func labelKey(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

// formatLabels renders a label set as `k1="v1",k2="v2"` sorted by key.
// extra is appended last (used for the histogram le label).
func formatLabels(labels Labels, extra ...string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+len(extra)/2)
	for _, k := range keys {
		parts = append(parts, k+`="`+escapeLabelValue(labels[k])+`"`)
	}
	for i := 0; i+1 < len(extra); i += 2 {
		parts = append(parts, extra[i]+`="`+escapeLabelValue(extra[i+1])+`"`)
	}
	if len(parts) == 0 {
		return ""
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return v
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatBound(b float64) string {
	if math.IsInf(b, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(b, 'g', -1, 64)
}

func copyLabels(labels Labels) Labels {
	if len(labels) == 0 {
		return nil
	}
	out := make(Labels, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Counter is a monotonically increasing metric, aggregated per label set.
type Counter struct {
	name string
	help string

	mu    sync.Mutex
	slots map[string]*counterSlot
}

type counterSlot struct {
	labels Labels
	value  float64
}

// NewCounter creates a counter metric.
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help, slots: make(map[string]*counterSlot)}
}

// Name returns the exposition name.
func (c *Counter) Name() string { return c.name }

// Inc adds 1 to the slot for the given labels.
func (c *Counter) Inc(labels Labels) {
	c.Add(1, labels)
}

// Add adds a non-negative delta to the slot, creating it on first touch.
// Negative deltas are ignored; counters only go up.
func (c *Counter) Add(delta float64, labels Labels) {
	if delta < 0 {
		return
	}
	key := labelKey(labels)

	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slots[key]
	if !ok {
		slot = &counterSlot{labels: copyLabels(labels)}
		c.slots[key] = slot
	}
	slot.value += delta
}

// Value returns the current value for the given labels, zero if untouched.
func (c *Counter) Value(labels Labels) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot, ok := c.slots[labelKey(labels)]; ok {
		return slot.value
	}
	return 0
}

func (c *Counter) exportLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := []string{
		"# HELP " + c.name + " " + c.help,
		"# TYPE " + c.name + " counter",
	}
	for _, key := range sortedKeys(c.slots) {
		slot := c.slots[key]
		lines = append(lines, c.name+formatLabels(slot.labels)+" "+formatValue(slot.value))
	}
	return lines
}

func (c *Counter) snapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]float64, len(c.slots))
	for key, slot := range c.slots {
		out[key] = slot.value
	}
	return out
}

func (c *Counter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots = make(map[string]*counterSlot)
}

// Gauge is a freely settable metric, aggregated per label set.
type Gauge struct {
	name string
	help string

	mu    sync.Mutex
	slots map[string]*counterSlot
}

// NewGauge creates a gauge metric.
func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help, slots: make(map[string]*counterSlot)}
}

// Name returns the exposition name.
func (g *Gauge) Name() string { return g.name }

// Set overwrites the slot value.
func (g *Gauge) Set(value float64, labels Labels) {
	g.adjust(labels, func(v float64) float64 { return value })
}

// Inc adds 1.
func (g *Gauge) Inc(labels Labels) { g.Add(1, labels) }

// Dec subtracts 1.
func (g *Gauge) Dec(labels Labels) { g.Add(-1, labels) }

// Add adjusts by a signed delta.
func (g *Gauge) Add(delta float64, labels Labels) {
	g.adjust(labels, func(v float64) float64 { return v + delta })
}

func (g *Gauge) adjust(labels Labels, fn func(float64) float64) {
	key := labelKey(labels)

	g.mu.Lock()
	defer g.mu.Unlock()
	slot, ok := g.slots[key]
	if !ok {
		slot = &counterSlot{labels: copyLabels(labels)}
		g.slots[key] = slot
	}
	slot.value = fn(slot.value)
}

// Value returns the current value for the given labels, zero if untouched.
func (g *Gauge) Value(labels Labels) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if slot, ok := g.slots[labelKey(labels)]; ok {
		return slot.value
	}
	return 0
}

func (g *Gauge) exportLines() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	lines := []string{
		"# HELP " + g.name + " " + g.help,
		"# TYPE " + g.name + " gauge",
	}
	for _, key := range sortedKeys(g.slots) {
		slot := g.slots[key]
		lines = append(lines, g.name+formatLabels(slot.labels)+" "+formatValue(slot.value))
	}
	return lines
}

func (g *Gauge) snapshot() map[string]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]float64, len(g.slots))
	for key, slot := range g.slots {
		out[key] = slot.value
	}
	return out
}

func (g *Gauge) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots = make(map[string]*counterSlot)
}

// DefaultBuckets are the histogram bucket boundaries used when none are
// supplied, sized for sub-second to multi-minute operation latencies.
var DefaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, math.Inf(1)}

// Histogram accumulates cumulative bucket counts per label set. Buckets are
// cumulative in the Prometheus sense: an observation v increments every
// bucket whose boundary b satisfies v <= b.
type Histogram struct {
	name    string
	help    string
	buckets []float64

	mu    sync.Mutex
	slots map[string]*histogramSlot
}

type histogramSlot struct {
	labels  Labels
	buckets []uint64
	sum     float64
	count   uint64
}

// NewHistogram creates a histogram metric. A +Inf boundary is appended when
// the supplied buckets do not end with one, so _count always equals the last
// bucket.
func NewHistogram(name, help string, buckets []float64) *Histogram {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	if !math.IsInf(sorted[len(sorted)-1], 1) {
		sorted = append(sorted, math.Inf(1))
	}
	return &Histogram{
		name:    name,
		help:    help,
		buckets: sorted,
		slots:   make(map[string]*histogramSlot),
	}
}

// Name returns the exposition name.
func (h *Histogram) Name() string { return h.name }

// Observe records one observation into the slot for the given labels.
func (h *Histogram) Observe(value float64, labels Labels) {
	key := labelKey(labels)

	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.slots[key]
	if !ok {
		slot = &histogramSlot{labels: copyLabels(labels), buckets: make([]uint64, len(h.buckets))}
		h.slots[key] = slot
	}
	slot.sum += value
	slot.count++
	for i, bound := range h.buckets {
		if value <= bound {
			slot.buckets[i]++
		}
	}
}

// Count returns the observation count for the given labels.
func (h *Histogram) Count(labels Labels) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot, ok := h.slots[labelKey(labels)]; ok {
		return slot.count
	}
	return 0
}

// Sum returns the observation sum for the given labels.
func (h *Histogram) Sum(labels Labels) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot, ok := h.slots[labelKey(labels)]; ok {
		return slot.sum
	}
	return 0
}

// BucketCount returns the cumulative count of the bucket with boundary le
// for the given labels, zero when no such boundary is configured.
func (h *Histogram) BucketCount(le float64, labels Labels) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.slots[labelKey(labels)]
	if !ok {
		return 0
	}
	for i, bound := range h.buckets {
		if bound == le {
			return slot.buckets[i]
		}
	}
	return 0
}

func (h *Histogram) exportLines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	lines := []string{
		"# HELP " + h.name + " " + h.help,
		"# TYPE " + h.name + " histogram",
	}
	for _, key := range sortedKeys(h.slots) {
		slot := h.slots[key]
		for i, bound := range h.buckets {
			lines = append(lines, h.name+"_bucket"+formatLabels(slot.labels, "le", formatBound(bound))+
				" "+strconv.FormatUint(slot.buckets[i], 10))
		}
		lines = append(lines, h.name+"_sum"+formatLabels(slot.labels)+" "+formatValue(slot.sum))
		lines = append(lines, h.name+"_count"+formatLabels(slot.labels)+" "+strconv.FormatUint(slot.count, 10))
	}
	return lines
}

// HistogramValue is one slot's aggregated state as exposed by Snapshot.
type HistogramValue struct {
	Buckets map[string]uint64 `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   uint64            `json:"count"`
}

func (h *Histogram) snapshot() map[string]HistogramValue {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]HistogramValue, len(h.slots))
	for key, slot := range h.slots {
		hv := HistogramValue{
			Buckets: make(map[string]uint64, len(h.buckets)),
			Sum:     slot.sum,
			Count:   slot.count,
		}
		for i, bound := range h.buckets {
			hv.Buckets[formatBound(bound)] = slot.buckets[i]
		}
		out[key] = hv
	}
	return out
}

func (h *Histogram) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.slots = make(map[string]*histogramSlot)
}

// sortedKeys returns map keys in sorted order so exposition is stable.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

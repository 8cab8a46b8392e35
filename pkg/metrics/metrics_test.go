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
	"strings"
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test_total", "A test counter")

	t.Run("accumulates per label set", func(t *testing.T) {
		c.Inc(Labels{"op": "read"})
		c.Inc(Labels{"op": "read"})
		c.Add(3, Labels{"op": "write"})

		if got := c.Value(Labels{"op": "read"}); got != 2 {
			t.Errorf("read = %v, want 2", got)
		}
		if got := c.Value(Labels{"op": "write"}); got != 3 {
			t.Errorf("write = %v, want 3", got)
		}
	})

	t.Run("label order does not matter", func(t *testing.T) {
		c.Inc(Labels{"a": "1", "b": "2"})
		c.Inc(Labels{"b": "2", "a": "1"})

		if got := c.Value(Labels{"b": "2", "a": "1"}); got != 2 {
			t.Errorf("value = %v, want 2", got)
		}
	})

	t.Run("negative delta ignored", func(t *testing.T) {
		before := c.Value(Labels{"op": "read"})
		c.Add(-5, Labels{"op": "read"})
		if got := c.Value(Labels{"op": "read"}); got != before {
			t.Errorf("value = %v, want %v", got, before)
		}
	})

	t.Run("untouched slot is zero", func(t *testing.T) {
		if got := c.Value(Labels{"op": "never"}); got != 0 {
			t.Errorf("value = %v, want 0", got)
		}
	})
}

func TestGauge(t *testing.T) {
	g := NewGauge("test_gauge", "A test gauge")

	g.Set(10, Labels{"id": "a"})
	g.Inc(Labels{"id": "a"})
	g.Dec(Labels{"id": "a"})
	g.Add(-3, Labels{"id": "a"})

	if got := g.Value(Labels{"id": "a"}); got != 7 {
		t.Errorf("value = %v, want 7", got)
	}

	g.Set(-1, Labels{"id": "a"})
	if got := g.Value(Labels{"id": "a"}); got != -1 {
		t.Errorf("value = %v, want -1", got)
	}
}

func TestHistogramCumulativeBuckets(t *testing.T) {
	h := NewHistogram("test_seconds", "A test histogram", []float64{1, 5, 10})

	for _, v := range []float64{0.5, 1, 3, 7, 20} {
		h.Observe(v, Labels{"op": "x"})
	}

	cases := []struct {
		le   float64
		want uint64
	}{
		{1, 2},  // 0.5, 1 (boundary inclusive)
		{5, 3},  // + 3
		{10, 4}, // + 7
		{math.Inf(1), 5},
	}
	for _, tc := range cases {
		if got := h.BucketCount(tc.le, Labels{"op": "x"}); got != tc.want {
			t.Errorf("bucket le=%v count = %d, want %d", tc.le, got, tc.want)
		}
	}

	if got := h.Count(Labels{"op": "x"}); got != 5 {
		t.Errorf("count = %d, want 5", got)
	}
	if got := h.Sum(Labels{"op": "x"}); got != 31.5 {
		t.Errorf("sum = %v, want 31.5", got)
	}
}

func TestHistogramAppendsInfBucket(t *testing.T) {
	h := NewHistogram("test_seconds", "A test histogram", []float64{1, 2})
	h.Observe(100, nil)

	if got := h.BucketCount(math.Inf(1), nil); got != 1 {
		t.Errorf("+Inf bucket = %d, want 1", got)
	}
}

func TestCounterExportFormat(t *testing.T) {
	c := NewCounter("app_requests_total", "Total requests")
	c.Inc(Labels{"method": "GET", "code": "200"})
	c.Add(2, Labels{"method": "POST", "code": "500"})

	lines := c.exportLines()
	want := []string{
		"# HELP app_requests_total Total requests",
		"# TYPE app_requests_total counter",
		`app_requests_total{code="200",method="GET"} 1`,
		`app_requests_total{code="500",method="POST"} 2`,
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), strings.Join(lines, "\n"))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestHistogramExportFormat(t *testing.T) {
	h := NewHistogram("app_latency_seconds", "Request latency", []float64{0.5, 1})
	h.Observe(0.25, Labels{"op": "get"})
	h.Observe(0.75, Labels{"op": "get"})

	out := strings.Join(h.exportLines(), "\n")
	for _, want := range []string{
		"# TYPE app_latency_seconds histogram",
		`app_latency_seconds_bucket{op="get",le="0.5"} 1`,
		`app_latency_seconds_bucket{op="get",le="1"} 2`,
		`app_latency_seconds_bucket{op="get",le="+Inf"} 2`,
		`app_latency_seconds_sum{op="get"} 1`,
		`app_latency_seconds_count{op="get"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q:\n%s", want, out)
		}
	}
}

func TestExportDeterministic(t *testing.T) {
	build := func() string {
		c := NewCounter("det_total", "Determinism check")
		c.Inc(Labels{"z": "1", "a": "2"})
		c.Inc(Labels{"m": "x"})
		c.Inc(Labels{"a": "2", "z": "1"})
		return strings.Join(c.exportLines(), "\n")
	}

	first := build()
	for i := 0; i < 10; i++ {
		if got := build(); got != first {
			t.Fatalf("export not deterministic:\n%s\nvs\n%s", first, got)
		}
	}
}

func TestEscapeLabelValue(t *testing.T) {
	c := NewCounter("esc_total", "Escaping")
	c.Inc(Labels{"path": `a"b\c` + "\n"})

	out := strings.Join(c.exportLines(), "\n")
	if !strings.Contains(out, `path="a\"b\\c\n"`) {
		t.Errorf("unexpected escaping: %s", out)
	}
}

func TestConcurrentPrimitives(t *testing.T) {
	c := NewCounter("conc_total", "Concurrency check")
	h := NewHistogram("conc_seconds", "Concurrency check", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Inc(Labels{"worker": "w"})
				h.Observe(0.1, Labels{"worker": "w"})
			}
		}()
	}
	wg.Wait()

	if got := c.Value(Labels{"worker": "w"}); got != 8000 {
		t.Errorf("counter = %v, want 8000", got)
	}
	if got := h.Count(Labels{"worker": "w"}); got != 8000 {
		t.Errorf("histogram count = %d, want 8000", got)
	}
}

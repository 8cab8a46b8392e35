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

package tracing

import (
	"context"
	"log/slog"
	"sync"
)

// Exporter receives batches of finished spans.
type Exporter interface {
	// Export delivers a batch. The batch slice must not be retained.
	Export(ctx context.Context, spans []*Span) error

	// Shutdown releases exporter resources.
	Shutdown(ctx context.Context) error
}

// ConsoleExporter logs finished spans through slog, one line per span.
type ConsoleExporter struct {
	logger  *slog.Logger
	verbose bool
}

var _ Exporter = (*ConsoleExporter)(nil)

// NewConsoleExporter creates a logging exporter. Verbose mode includes span
// attributes.
func NewConsoleExporter(logger *slog.Logger, verbose bool) *ConsoleExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleExporter{logger: logger.With("component", "tracing.console"), verbose: verbose}
}

// Export implements Exporter.
func (e *ConsoleExporter) Export(ctx context.Context, spans []*Span) error {
	for _, span := range spans {
		status, _ := span.Status()
		attrs := []any{
			slog.String("trace_id", span.TraceID),
			slog.String("span_id", span.SpanID),
			slog.String("name", span.Name),
			slog.String("status", string(status)),
			slog.Duration("duration", span.Duration()),
		}
		if span.AgentID != "" {
			attrs = append(attrs, slog.String("agent_id", span.AgentID))
		}
		if e.verbose {
			attrs = append(attrs, slog.Any("attributes", span.Attributes()))
		}
		e.logger.Info("span", attrs...)
	}
	return nil
}

// Shutdown implements Exporter.
func (e *ConsoleExporter) Shutdown(ctx context.Context) error { return nil }

// MemoryExporter collects spans in a capped ring, newest kept. Intended for
// tests and the daemon's debug surface.
type MemoryExporter struct {
	mu       sync.Mutex
	spans    []*Span
	maxSpans int
}

var _ Exporter = (*MemoryExporter)(nil)

// NewMemoryExporter creates a memory exporter holding at most maxSpans
// (default 1000).
func NewMemoryExporter(maxSpans int) *MemoryExporter {
	if maxSpans <= 0 {
		maxSpans = 1000
	}
	return &MemoryExporter{maxSpans: maxSpans}
}

// Export implements Exporter.
func (e *MemoryExporter) Export(ctx context.Context, spans []*Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, spans...)
	if len(e.spans) > e.maxSpans {
		e.spans = e.spans[len(e.spans)-e.maxSpans:]
	}
	return nil
}

// Shutdown implements Exporter.
func (e *MemoryExporter) Shutdown(ctx context.Context) error { return nil }

// Spans returns a copy of the collected spans.
func (e *MemoryExporter) Spans() []*Span {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Span, len(e.spans))
	copy(out, e.spans)
	return out
}

// Clear discards collected spans.
func (e *MemoryExporter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = nil
}

// SpanFilter narrows FindSpans results. Empty fields match everything.
type SpanFilter struct {
	Name    string
	TraceID string
	AgentID string
	Status  SpanStatus
}

// FindSpans returns collected spans matching the filter.
func (e *MemoryExporter) FindSpans(filter SpanFilter) []*Span {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Span
	for _, span := range e.spans {
		if filter.Name != "" && span.Name != filter.Name {
			continue
		}
		if filter.TraceID != "" && span.TraceID != filter.TraceID {
			continue
		}
		if filter.AgentID != "" && span.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" {
			if status, _ := span.Status(); status != filter.Status {
				continue
			}
		}
		out = append(out, span)
	}
	return out
}

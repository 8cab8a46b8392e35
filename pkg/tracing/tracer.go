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
	"math/rand/v2"
	"sync"
	"time"
)

// Config controls tracer behavior. Zero values take the listed defaults.
type Config struct {
	// ServiceName is stamped on every span. Default "flightrec".
	ServiceName string

	// SampleRate is the probability a finished span is queued for export,
	// evaluated once per span at end time. Values >= 1 export everything;
	// <= 0 disables export. Default 1.0 (a zero Config samples everything;
	// set Disabled to turn export off).
	SampleRate float64

	// Disabled drops every span instead of treating a zero SampleRate as
	// the 1.0 default.
	Disabled bool

	// BatchSize triggers a flush once this many spans are pending.
	// Default 10.
	BatchSize int

	// FlushInterval triggers a time-based flush of partial batches.
	// Default 5s.
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = "flightrec"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 1.0
	}
	if c.Disabled {
		c.SampleRate = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	return c
}

// Tracer creates spans and exports them in sampled batches.
//
// The ambient current span travels in context.Context, not in the tracer:
// concurrent execution flows each carry their own lineage, and ending a span
// "restores" the parent simply because the caller still holds the
// pre-StartSpan context.
type Tracer struct {
	cfg       Config
	exporters []Exporter
	logger    *slog.Logger

	mu      sync.Mutex
	pending []*Span
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a tracer and starts its background flusher. Callers must
// Shutdown to stop the flusher and drain pending spans. With no exporters
// the tracer still tracks lineage; finished spans are simply dropped.
func New(cfg Config, logger *slog.Logger, exporters ...Exporter) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracer{
		cfg:       cfg.withDefaults(),
		exporters: exporters,
		logger:    logger.With("component", "tracing"),
		done:      make(chan struct{}),
	}

	t.wg.Add(1)
	go t.flushLoop()
	return t
}

// StartOption customizes StartSpan.
type StartOption func(*startOptions)

type startOptions struct {
	parentID   string
	traceID    string
	agentID    string
	attributes map[string]any
}

// WithParent overrides the ambient parent span id.
func WithParent(parentID string) StartOption {
	return func(o *startOptions) { o.parentID = parentID }
}

// WithTraceID forces the trace id instead of inheriting or minting one.
func WithTraceID(traceID string) StartOption {
	return func(o *startOptions) { o.traceID = traceID }
}

// WithAgentID tags the span with the executing agent.
func WithAgentID(agentID string) StartOption {
	return func(o *startOptions) { o.agentID = agentID }
}

// WithAttributes sets initial span attributes.
func WithAttributes(attributes map[string]any) StartOption {
	return func(o *startOptions) { o.attributes = attributes }
}

// StartSpan begins a span and returns a context carrying it as the ambient
// current span. The trace id is inherited from the context when present,
// minted otherwise; the parent defaults to the ambient span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...StartOption) (context.Context, *Span) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	ambient := lineageFromContext(ctx)
	traceID := o.traceID
	if traceID == "" {
		traceID = ambient.TraceID
	}
	if traceID == "" {
		traceID = newTraceID()
	}
	parentID := o.parentID
	if parentID == "" {
		parentID = ambient.SpanID
	}

	span := &Span{
		TraceID:     traceID,
		SpanID:      newSpanID(),
		ParentID:    parentID,
		Name:        name,
		ServiceName: t.cfg.ServiceName,
		AgentID:     o.agentID,
		StartTime:   time.Now().UTC(),
	}
	if len(o.attributes) > 0 {
		span.SetAttributes(o.attributes)
	}

	return ContextWithSpan(ctx, span), span
}

// EndSpan finalizes the span and queues it for export. A status of
// StatusUnset leaves any status recorded on the span in place, defaulting to
// ok. Sampling is decided here, once per span.
func (t *Tracer) EndSpan(span *Span, status SpanStatus) {
	if span == nil {
		return
	}
	if status != "" && status != StatusUnset {
		_, desc := span.Status()
		span.SetStatus(status, desc)
	}
	if st, _ := span.Status(); st == StatusUnset {
		span.SetStatus(StatusOK, "")
	}
	span.End()

	if !t.shouldSample() {
		return
	}

	var batch []*Span
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.pending = append(t.pending, span)
	if len(t.pending) >= t.cfg.BatchSize {
		batch = t.pending
		t.pending = nil
	}
	t.mu.Unlock()

	if batch != nil {
		t.export(context.Background(), batch)
	}
}

// WithSpan runs fn inside a span. On error the exception is recorded and the
// error returned; the span always ends.
func (t *Tracer) WithSpan(ctx context.Context, name string, fn func(context.Context, *Span) error, opts ...StartOption) error {
	ctx, span := t.StartSpan(ctx, name, opts...)

	err := fn(ctx, span)
	if err != nil {
		span.RecordError(err)
		t.EndSpan(span, StatusError)
		return err
	}
	t.EndSpan(span, StatusOK)
	return nil
}

// Flush exports all pending spans immediately.
func (t *Tracer) Flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	if len(batch) > 0 {
		t.export(ctx, batch)
	}
}

// Shutdown flushes pending spans, stops the background flusher, and shuts
// down the exporters. The tracer drops spans ended after Shutdown.
func (t *Tracer) Shutdown(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	batch := t.pending
	t.pending = nil
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()

	if len(batch) > 0 {
		t.export(ctx, batch)
	}
	for _, exporter := range t.exporters {
		if err := exporter.Shutdown(ctx); err != nil {
			t.logger.Warn("exporter shutdown failed", slog.Any("error", err))
		}
	}
}

func (t *Tracer) shouldSample() bool {
	if t.cfg.SampleRate >= 1 {
		return true
	}
	if t.cfg.SampleRate <= 0 {
		return false
	}
	return rand.Float64() < t.cfg.SampleRate
}

func (t *Tracer) flushLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Flush(context.Background())
		case <-t.done:
			return
		}
	}
}

// export fans a batch out to every exporter. Failures, panics included, are
// isolated per exporter so one broken sink cannot take down the rest.
func (t *Tracer) export(ctx context.Context, batch []*Span) {
	for _, exporter := range t.exporters {
		t.exportOne(ctx, exporter, batch)
	}
}

func (t *Tracer) exportOne(ctx context.Context, exporter Exporter, batch []*Span) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("span exporter panicked", slog.Any("panic", r))
		}
	}()

	if err := exporter.Export(ctx, batch); err != nil {
		t.logger.Warn("span export failed",
			slog.Int("spans", len(batch)),
			slog.Any("error", err))
	}
}

// lineage is the ambient trace/span pair carried by a context.
type lineage struct {
	TraceID string
	SpanID  string
}

type contextKey struct{}

var spanKey contextKey

// ContextWithSpan returns a context carrying span as the ambient current
// span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanKey, span)
}

// SpanFromContext returns the ambient current span, nil when none.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey).(*Span)
	return span
}

// lineageFromContext resolves the ambient trace/span ids, preferring a live
// span and falling back to remotely extracted ids.
func lineageFromContext(ctx context.Context) lineage {
	if span := SpanFromContext(ctx); span != nil {
		return lineage{TraceID: span.TraceID, SpanID: span.SpanID}
	}
	if remote, ok := ctx.Value(remoteKey).(lineage); ok {
		return remote
	}
	return lineage{}
}

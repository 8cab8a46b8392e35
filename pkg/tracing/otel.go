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
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelExporter bridges finished spans into the OpenTelemetry SDK: each batch
// is converted to ReadOnlySpans and handed to any sdktrace.SpanExporter
// (OTLP over HTTP, stdout, or anything else implementing the interface).
type OTelExporter struct {
	exporter sdktrace.SpanExporter
	resource *resource.Resource
}

var _ Exporter = (*OTelExporter)(nil)

// NewOTelExporter wraps an SDK span exporter.
func NewOTelExporter(serviceName string, exporter sdktrace.SpanExporter) *OTelExporter {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}
	return &OTelExporter{exporter: exporter, resource: res}
}

// NewOTLPExporter creates an OTelExporter delivering to an OTLP/HTTP
// collector endpoint ("host:port", no scheme).
func NewOTLPExporter(ctx context.Context, serviceName, endpoint string, insecure bool) (*OTelExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}
	return NewOTelExporter(serviceName, exporter), nil
}

// NewStdoutExporter creates an OTelExporter printing spans as JSON, for
// development use.
func NewStdoutExporter(serviceName string) (*OTelExporter, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}
	return NewOTelExporter(serviceName, exporter), nil
}

// Export implements Exporter.
func (e *OTelExporter) Export(ctx context.Context, spans []*Span) error {
	converted := make([]sdktrace.ReadOnlySpan, 0, len(spans))
	for _, span := range spans {
		ro, err := e.convert(span)
		if err != nil {
			// Spans with malformed ids cannot be represented; skip them
			// rather than fail the batch.
			continue
		}
		converted = append(converted, ro)
	}
	if len(converted) == 0 {
		return nil
	}
	return e.exporter.ExportSpans(ctx, converted)
}

// Shutdown implements Exporter.
func (e *OTelExporter) Shutdown(ctx context.Context) error {
	return e.exporter.Shutdown(ctx)
}

// convert rebuilds a finished span as an SDK ReadOnlySpan via a span stub
// snapshot, the inverse of the usual OTel-to-domain conversion.
func (e *OTelExporter) convert(span *Span) (sdktrace.ReadOnlySpan, error) {
	traceID, err := trace.TraceIDFromHex(span.TraceID)
	if err != nil {
		return nil, fmt.Errorf("invalid trace id %q: %w", span.TraceID, err)
	}
	spanID, err := trace.SpanIDFromHex(span.SpanID)
	if err != nil {
		return nil, fmt.Errorf("invalid span id %q: %w", span.SpanID, err)
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	var parent trace.SpanContext
	if span.ParentID != "" {
		if parentID, err := trace.SpanIDFromHex(span.ParentID); err == nil {
			parent = trace.NewSpanContext(trace.SpanContextConfig{
				TraceID:    traceID,
				SpanID:     parentID,
				TraceFlags: trace.FlagsSampled,
			})
		}
	}

	attrs := toOTelAttributes(span.Attributes())
	if span.AgentID != "" {
		attrs = append(attrs, attribute.String("agent.id", span.AgentID))
	}

	events := make([]sdktrace.Event, 0, len(span.Events()))
	for _, ev := range span.Events() {
		events = append(events, sdktrace.Event{
			Name:       ev.Name,
			Time:       ev.Timestamp,
			Attributes: toOTelAttributes(ev.Attributes),
		})
	}

	status, desc := span.Status()
	stub := tracetest.SpanStub{
		Name:        span.Name,
		SpanContext: sc,
		Parent:      parent,
		SpanKind:    trace.SpanKindInternal,
		StartTime:   span.StartTime,
		EndTime:     span.EndTime(),
		Attributes:  attrs,
		Events:      events,
		Status:      sdktrace.Status{Code: toOTelCode(status), Description: desc},
		Resource:    e.resource,
	}
	return stub.Snapshot(), nil
}

func toOTelCode(status SpanStatus) codes.Code {
	switch status {
	case StatusOK:
		return codes.Ok
	case StatusError:
		return codes.Error
	default:
		return codes.Unset
	}
}

func toOTelAttributes(attrs map[string]any) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, toOTelAttribute(k, v))
	}
	return out
}

func toOTelAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

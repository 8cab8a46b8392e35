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
	"net/http"
)

// Carrier keys for map-based propagation.
const (
	carrierTraceID = "trace_id"
	carrierSpanID  = "span_id"
)

// HTTP headers for cross-service propagation.
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderSpanID  = "X-Span-ID"
)

type remoteContextKey struct{}

var remoteKey remoteContextKey

// Inject writes the ambient trace context into a map carrier for delivery to
// another service. Nothing is written when the context carries no trace.
func Inject(ctx context.Context, carrier map[string]string) {
	l := lineageFromContext(ctx)
	if l.TraceID != "" {
		carrier[carrierTraceID] = l.TraceID
	}
	if l.SpanID != "" {
		carrier[carrierSpanID] = l.SpanID
	}
}

// Extract reads trace context from a map carrier. Spans started from the
// returned context join the remote trace, parented under the remote span.
func Extract(ctx context.Context, carrier map[string]string) context.Context {
	l := lineage{
		TraceID: carrier[carrierTraceID],
		SpanID:  carrier[carrierSpanID],
	}
	if l.TraceID == "" && l.SpanID == "" {
		return ctx
	}
	return context.WithValue(ctx, remoteKey, l)
}

// InjectHTTP writes the ambient trace context into outgoing request headers.
func InjectHTTP(ctx context.Context, header http.Header) {
	l := lineageFromContext(ctx)
	if l.TraceID != "" {
		header.Set(HeaderTraceID, l.TraceID)
	}
	if l.SpanID != "" {
		header.Set(HeaderSpanID, l.SpanID)
	}
}

// ExtractHTTP reads trace context from incoming request headers.
func ExtractHTTP(ctx context.Context, header http.Header) context.Context {
	l := lineage{
		TraceID: header.Get(HeaderTraceID),
		SpanID:  header.Get(HeaderSpanID),
	}
	if l.TraceID == "" && l.SpanID == "" {
		return ctx
	}
	return context.WithValue(ctx, remoteKey, l)
}

// Middleware extracts incoming trace context and opens a server span per
// request, so handlers see an ambient span without wiring it themselves.
func Middleware(tracer *Tracer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ExtractHTTP(r.Context(), r.Header)
		ctx, span := tracer.StartSpan(ctx, r.Method+" "+r.URL.Path, WithAttributes(map[string]any{
			"http.method": r.Method,
			"http.target": r.URL.Path,
		}))
		defer tracer.EndSpan(span, StatusUnset)

		w.Header().Set(HeaderTraceID, span.TraceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

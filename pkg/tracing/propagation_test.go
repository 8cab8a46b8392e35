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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	tracer := newTestTracer(t, Config{})
	ctx, span := tracer.StartSpan(context.Background(), "origin")

	carrier := map[string]string{}
	Inject(ctx, carrier)
	assert.Equal(t, span.TraceID, carrier["trace_id"])
	assert.Equal(t, span.SpanID, carrier["span_id"])

	// The receiving side joins the remote trace.
	remoteCtx := Extract(context.Background(), carrier)
	_, remote := tracer.StartSpan(remoteCtx, "remote")
	assert.Equal(t, span.TraceID, remote.TraceID)
	assert.Equal(t, span.SpanID, remote.ParentID)
}

func TestInjectEmptyContext(t *testing.T) {
	carrier := map[string]string{}
	Inject(context.Background(), carrier)
	assert.Empty(t, carrier)
}

func TestExtractEmptyCarrier(t *testing.T) {
	ctx := Extract(context.Background(), map[string]string{})
	tracer := newTestTracer(t, Config{})
	_, span := tracer.StartSpan(ctx, "work")
	assert.Empty(t, span.ParentID)
}

func TestHTTPHeaderPropagation(t *testing.T) {
	tracer := newTestTracer(t, Config{})
	ctx, span := tracer.StartSpan(context.Background(), "client")

	header := http.Header{}
	InjectHTTP(ctx, header)
	assert.Equal(t, span.TraceID, header.Get(HeaderTraceID))
	assert.Equal(t, span.SpanID, header.Get(HeaderSpanID))

	serverCtx := ExtractHTTP(context.Background(), header)
	_, serverSpan := tracer.StartSpan(serverCtx, "server")
	assert.Equal(t, span.TraceID, serverSpan.TraceID)
	assert.Equal(t, span.SpanID, serverSpan.ParentID)
}

func TestMiddleware(t *testing.T) {
	exporter := NewMemoryExporter(0)
	tracer := newTestTracer(t, Config{BatchSize: 1}, exporter)

	var seen *Span
	handler := Middleware(tracer, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SpanFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/runs/r1", nil)
	req.Header.Set(HeaderTraceID, "00000000000000000000000000000abc")
	req.Header.Set(HeaderSpanID, "0000000000000def")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, seen)
	assert.Equal(t, "00000000000000000000000000000abc", seen.TraceID)
	assert.Equal(t, "0000000000000def", seen.ParentID)
	assert.Equal(t, seen.TraceID, rec.Header().Get(HeaderTraceID))

	spans := exporter.FindSpans(SpanFilter{Name: "GET /runs/r1"})
	assert.Len(t, spans, 1)
}

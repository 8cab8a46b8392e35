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

// Package tracing provides lightweight distributed tracing for run
// execution: spans with trace/span ids that convert cleanly to
// OpenTelemetry, a context-ambient Tracer with sampled batch export, and
// pluggable exporters.
package tracing

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanStatus is the terminal disposition of a span.
type SpanStatus string

const (
	// StatusUnset means no status was recorded; EndSpan defaults it to ok.
	StatusUnset SpanStatus = "unset"
	// StatusOK marks a successful span.
	StatusOK SpanStatus = "ok"
	// StatusError marks a failed span.
	StatusError SpanStatus = "error"
)

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is one traced unit of work.
//
// Ids use the OpenTelemetry wire shape (32 hex chars for the trace, 16 for
// the span) so spans can be handed to OTel exporters without translation.
// A span is mutable until End; mutation is safe from concurrent goroutines,
// though spans normally belong to a single execution flow.
type Span struct {
	TraceID     string `json:"trace_id"`
	SpanID      string `json:"span_id"`
	ParentID    string `json:"parent_id,omitempty"`
	Name        string `json:"name"`
	ServiceName string `json:"service_name"`
	AgentID     string `json:"agent_id,omitempty"`

	StartTime time.Time `json:"start_time"`

	mu         sync.Mutex
	endTime    time.Time
	status     SpanStatus
	statusDesc string
	attributes map[string]any
	events     []SpanEvent
	links      []string
}

// SetAttribute sets one attribute.
func (s *Span) SetAttribute(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attributes == nil {
		s.attributes = make(map[string]any)
	}
	s.attributes[key] = value
}

// SetAttributes sets multiple attributes.
func (s *Span) SetAttributes(attributes map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attributes == nil {
		s.attributes = make(map[string]any, len(attributes))
	}
	for k, v := range attributes {
		s.attributes[k] = v
	}
}

// AddEvent appends a timestamped event.
func (s *Span) AddEvent(name string, attributes map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, SpanEvent{
		Name:       name,
		Timestamp:  time.Now().UTC(),
		Attributes: attributes,
	})
}

// AddLink records a related trace id.
func (s *Span) AddLink(traceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, traceID)
}

// SetStatus sets the span status with an optional description.
func (s *Span) SetStatus(status SpanStatus, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.statusDesc = description
}

// RecordError adds an exception event and marks the span failed.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.AddEvent("exception", map[string]any{
		"exception.type":    errTypeName(err),
		"exception.message": err.Error(),
	})
	s.SetStatus(StatusError, err.Error())
}

// End stamps the end time. Idempotent; only the first call sticks.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime.IsZero() {
		s.endTime = time.Now().UTC()
	}
}

// Ended reports whether End was called.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.endTime.IsZero()
}

// EndTime returns the end time, zero while the span is active.
func (s *Span) EndTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endTime
}

// Status returns the recorded status and its description.
func (s *Span) Status() (SpanStatus, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == "" {
		return StatusUnset, ""
	}
	return s.status, s.statusDesc
}

// Duration returns the span duration, measured against now while active.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.endTime.Sub(s.StartTime)
}

// Attributes returns a copy of the span's attributes.
func (s *Span) Attributes() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.attributes) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.attributes))
	for k, v := range s.attributes {
		out[k] = v
	}
	return out
}

// Events returns a copy of the span's events.
func (s *Span) Events() []SpanEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	out := make([]SpanEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Links returns a copy of the span's links.
func (s *Span) Links() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.links) == 0 {
		return nil
	}
	out := make([]string, len(s.links))
	copy(out, s.links)
	return out
}

// newTraceID returns a 32-char lowercase hex trace id.
func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newSpanID returns a 16-char lowercase hex span id.
func newSpanID() string {
	return newTraceID()[:16]
}

// errTypeName derives a short classification for exception events: the text
// before the first colon of a wrapped error chain.
func errTypeName(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, ':'); i > 0 {
		return msg[:i]
	}
	return msg
}

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

package runstore

import (
	"time"
)

// Status is the lifecycle state of a run.
//
// Transitions are monotone: pending → running → {completed, failed}, and any
// non-terminal status may move to cancelled. Terminal states are not locked by
// the store; a later SetStatus still applies (last write wins). Callers must
// not rely on the store rejecting writes after a terminal state; the
// permissive behavior is what lets a cancellation override an in-flight
// completion race.
type Status string

const (
	// StatusPending is the initial status assigned by CreateRun.
	StatusPending Status = "pending"
	// StatusRunning indicates a worker has begun executing the run.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run finished with an error.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the run was cancelled by a caller.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RunMeta holds identity and bookkeeping for one run.
//
// RunID is caller-supplied and opaque; callers are responsible for
// uniqueness. StartedAt and CompletedAt are stamped by the store on status
// transitions and are each set at most once.
type RunMeta struct {
	RunID       string         `json:"run_id"`
	UserID      string         `json:"user_id,omitempty"`
	URL         string         `json:"url,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Run is the aggregate view of one run: metadata, current status, and the
// final result when the run has reached a terminal state.
type Run struct {
	Meta   RunMeta        `json:"meta"`
	Status Status         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
}

// Event is one entry in a run's ordered log.
//
// ID is backend-assigned and strictly increasing within a run; "0" is the
// "beginning of stream" sentinel accepted by ReadEvents. Events are immutable
// once appended.
type Event struct {
	ID        string         `json:"event_id,omitempty"`
	Type      string         `json:"event_type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent constructs an event stamped with the current time.
func NewEvent(eventType, agentID string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ListFilter narrows and pages the result of ListRuns.
// Filters combine with AND; zero values mean "no filter".
type ListFilter struct {
	// Status keeps only runs whose current status matches.
	Status Status

	// UserID keeps only runs created for the given user.
	UserID string

	// Limit caps the number of returned runs. Zero means DefaultListLimit.
	Limit int

	// Offset skips that many runs of the filtered, sorted result.
	Offset int
}

// DefaultListLimit is applied when ListFilter.Limit is zero.
const DefaultListLimit = 50

// BeginningID is the ReadEvents position sentinel meaning "from the start".
const BeginningID = "0"

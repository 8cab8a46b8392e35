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

// Package runstore tracks the lifecycle of long-running asynchronous runs.
//
// A Store owns, per run: metadata, status, an optional result, a bounded
// trace log for retrospective inspection, a cancellation marker, and an
// append-only event stream supporting position-based resumable reads. Two
// implementations exist: MemoryStore for a single process and RedisStore for
// multi-worker deployments. Both satisfy the same contract and are verified
// by one shared contract test suite.
//
// Unknown runs surface as *errors.NotFoundError; backend faults as
// *errors.StorageError. ReadEvents is the exception: it swallows read
// failures and returns an empty slice so long-poll consumers stay resilient.
package runstore

import (
	"context"
	"time"
)

// Store is the run-state storage contract.
//
// All operations may be invoked concurrently from multiple goroutines, and,
// for the Redis implementation, from multiple independent worker processes.
type Store interface {
	// CreateRun initializes a run: status pending, empty result and logs,
	// any previous cancellation flag cleared. Calling it again with the same
	// id overwrites prior state; uniqueness is the caller's responsibility.
	CreateRun(ctx context.Context, runID string, meta RunMeta) error

	// SetStatus updates the run's status and keeps the status indexes
	// consistent. The first transition into running stamps StartedAt; the
	// first transition into a terminal status stamps CompletedAt. Returns a
	// not-found error for unknown runs.
	SetStatus(ctx context.Context, runID string, status Status) error

	// GetStatus returns the run's current status.
	GetStatus(ctx context.Context, runID string) (Status, error)

	// SetResult stores the run's final result payload.
	SetResult(ctx context.Context, runID string, result map[string]any) error

	// GetResult returns the stored result, or nil when none has been set.
	GetResult(ctx context.Context, runID string) (map[string]any, error)

	// GetRun returns the aggregate meta+status+result view. Unknown runs
	// report not-found uniformly, regardless of which keys exist.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns runs newest-CreatedAt-first, filtered and paged per
	// the filter.
	ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error)

	// Cancel sets a short-lived cancellation marker and moves the status to
	// cancelled. It succeeds even for unknown runs.
	Cancel(ctx context.Context, runID string) error

	// IsCancelled reads only the cancellation marker. It is called on a
	// tight poll cadence by workers and must stay a single cheap lookup.
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// AppendTrace appends to the run's bounded trace log.
	AppendTrace(ctx context.Context, runID string, event Event) error

	// GetTrace returns the most recent limit trace entries,
	// oldest-among-returned first.
	GetTrace(ctx context.Context, runID string, limit int) ([]Event, error)

	// EmitEvent appends to the run's event stream and returns the assigned
	// event id, strictly increasing within the run.
	EmitEvent(ctx context.Context, runID string, event Event) (string, error)

	// ReadEvents returns events with id greater than lastID, oldest-first,
	// up to count. With block > 0 and no events available, the call waits up
	// to that duration for new events before returning empty. Cancelling ctx
	// releases a blocked read.
	ReadEvents(ctx context.Context, runID string, lastID string, count int, block time.Duration) ([]Event, error)

	// Close releases backend resources.
	Close() error
}

// Retention defaults. The cancellation marker is deliberately much shorter
// lived than run data: it only matters while workers are still polling.
const (
	DefaultRunDataTTL     = 7 * 24 * time.Hour
	DefaultCancelTTL      = 6 * time.Hour
	DefaultEventStreamTTL = 24 * time.Hour
	DefaultStreamMaxLen   = 1000
)

// Config controls store selection and retention.
type Config struct {
	// RedisURL selects the Redis backend when non-empty
	// (e.g. "redis://localhost:6379/0").
	RedisURL string

	// ForceMemory pins the in-process backend even when RedisURL is set.
	ForceMemory bool

	// RunDataTTL bounds the lifetime of meta/status/result/trace keys.
	RunDataTTL time.Duration

	// CancelTTL bounds the lifetime of the cancellation marker.
	CancelTTL time.Duration

	// EventStreamTTL bounds the lifetime of the event stream.
	EventStreamTTL time.Duration

	// StreamMaxLen caps the event stream length; oldest entries are dropped
	// once the cap is exceeded.
	StreamMaxLen int64
}

// DefaultConfig returns a Config with the default retention policy.
func DefaultConfig() Config {
	return Config{
		RunDataTTL:     DefaultRunDataTTL,
		CancelTTL:      DefaultCancelTTL,
		EventStreamTTL: DefaultEventStreamTTL,
		StreamMaxLen:   DefaultStreamMaxLen,
	}
}

// withDefaults fills zero-valued retention settings.
func (c Config) withDefaults() Config {
	if c.RunDataTTL <= 0 {
		c.RunDataTTL = DefaultRunDataTTL
	}
	if c.CancelTTL <= 0 {
		c.CancelTTL = DefaultCancelTTL
	}
	if c.EventStreamTTL <= 0 {
		c.EventStreamTTL = DefaultEventStreamTTL
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = DefaultStreamMaxLen
	}
	return c
}

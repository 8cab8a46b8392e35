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
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/flightrec/pkg/errors"
)

// Compile-time interface assertion.
var _ Store = (*MemoryStore)(nil)

// memRun is the mutable per-run record. Access requires MemoryStore.mu.
type memRun struct {
	meta      RunMeta
	status    Status
	result    map[string]any
	trace     []Event
	events    []Event
	nextEvent int64
}

// MemoryStore is the single-process, volatile Store implementation.
//
// It is intended for development and tests; state is lost on restart and is
// not visible to other processes. ReadEvents implements its long-poll wait
// with a broadcast channel rather than polling: every append closes the
// current notify channel, waking all blocked readers.
type MemoryStore struct {
	mu        sync.RWMutex
	runs      map[string]*memRun
	cancelled map[string]struct{}
	notify    map[string]chan struct{}
	cfg       Config
	logger    *slog.Logger
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(cfg Config, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		runs:      make(map[string]*memRun),
		cancelled: make(map[string]struct{}),
		notify:    make(map[string]chan struct{}),
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "runstore.memory"),
	}
}

// CreateRun initializes (or overwrites) a run.
func (s *MemoryStore) CreateRun(ctx context.Context, runID string, meta RunMeta) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.RunID = runID

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[runID] = &memRun{
		meta:   meta,
		status: StatusPending,
	}
	delete(s.cancelled, runID)
	s.wakeReadersLocked(runID)
	return nil
}

// SetStatus updates the status and stamps lifecycle timestamps.
func (s *MemoryStore) SetStatus(ctx context.Context, runID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}

	now := time.Now().UTC()
	if status == StatusRunning && run.meta.StartedAt == nil {
		run.meta.StartedAt = &now
	}
	if status.Terminal() && run.meta.CompletedAt == nil {
		run.meta.CompletedAt = &now
	}
	run.status = status
	return nil
}

// GetStatus returns the current status.
func (s *MemoryStore) GetStatus(ctx context.Context, runID string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return "", &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run.status, nil
}

// SetResult stores the final result payload.
func (s *MemoryStore) SetResult(ctx context.Context, runID string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	run.result = copyMap(result)
	return nil
}

// GetResult returns the stored result, nil when none was set.
func (s *MemoryStore) GetResult(ctx context.Context, runID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return copyMap(run.result), nil
}

// GetRun returns the aggregate run view.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run.snapshot(), nil
}

// ListRuns filters via a linear scan, sorts newest-first, then pages.
func (s *MemoryStore) ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Run
	for _, run := range s.runs {
		if filter.Status != "" && run.status != filter.Status {
			continue
		}
		if filter.UserID != "" && run.meta.UserID != filter.UserID {
			continue
		}
		result = append(result, run.snapshot())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Meta.CreatedAt.After(result[j].Meta.CreatedAt)
	})

	return pageRuns(result, filter.Offset, filter.Limit), nil
}

// Cancel marks the run cancelled. The marker is kept independently of the
// run record, so cancelling an unknown run is not an error: workers polling
// that id still observe the flag.
func (s *MemoryStore) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelled[runID] = struct{}{}
	if run, ok := s.runs[runID]; ok {
		now := time.Now().UTC()
		if run.meta.CompletedAt == nil {
			run.meta.CompletedAt = &now
		}
		run.status = StatusCancelled
	}
	return nil
}

// IsCancelled reads only the cancellation marker.
func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.cancelled[runID]
	return ok, nil
}

// AppendTrace appends to the bounded trace log.
func (s *MemoryStore) AppendTrace(ctx context.Context, runID string, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	run.trace = append(run.trace, event)
	return nil
}

// GetTrace returns the most recent limit entries, oldest-among-returned first.
func (s *MemoryStore) GetTrace(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, nil
	}
	trace := run.trace
	if len(trace) > limit {
		trace = trace[len(trace)-limit:]
	}
	out := make([]Event, len(trace))
	copy(out, trace)
	return out, nil
}

// EmitEvent appends to the stream log, assigning the next decimal id.
func (s *MemoryStore) EmitEvent(ctx context.Context, runID string, event Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		// Events may arrive for runs this process never created; keep the
		// stream so a later resumable read still sees them.
		run = &memRun{status: StatusPending, meta: RunMeta{RunID: runID, CreatedAt: time.Now().UTC()}}
		s.runs[runID] = run
	}

	run.nextEvent++
	event.ID = strconv.FormatInt(run.nextEvent, 10)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	run.events = append(run.events, event)

	// Enforce the stream cap, dropping oldest entries.
	if int64(len(run.events)) > s.cfg.StreamMaxLen {
		run.events = run.events[int64(len(run.events))-s.cfg.StreamMaxLen:]
	}

	s.wakeReadersLocked(runID)
	return event.ID, nil
}

// ReadEvents returns events with id > lastID. When none are available and
// block > 0 it waits on the run's notify channel until an append, the block
// duration elapsing, or ctx cancellation.
func (s *MemoryStore) ReadEvents(ctx context.Context, runID string, lastID string, count int, block time.Duration) ([]Event, error) {
	if count <= 0 {
		count = 100
	}
	last := parseEventID(lastID)

	events, wait := s.collectEvents(runID, last, count, block > 0)
	if len(events) > 0 || block <= 0 {
		return events, nil
	}

	timer := time.NewTimer(block)
	defer timer.Stop()

	select {
	case <-wait:
		events, _ = s.collectEvents(runID, last, count, false)
		return events, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// collectEvents snapshots matching events; when arm is set and none match it
// also returns the notify channel to wait on, registered under the lock so a
// concurrent append cannot be missed.
func (s *MemoryStore) collectEvents(runID string, last int64, count int, arm bool) ([]Event, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	if run, ok := s.runs[runID]; ok {
		for _, ev := range run.events {
			if parseEventID(ev.ID) <= last {
				continue
			}
			out = append(out, ev)
			if len(out) >= count {
				break
			}
		}
	}

	if len(out) > 0 || !arm {
		return out, nil
	}

	ch, ok := s.notify[runID]
	if !ok {
		ch = make(chan struct{})
		s.notify[runID] = ch
	}
	return nil, ch
}

// wakeReadersLocked broadcasts to blocked readers of runID. Caller holds mu.
func (s *MemoryStore) wakeReadersLocked(runID string) {
	if ch, ok := s.notify[runID]; ok {
		close(ch)
		delete(s.notify, runID)
	}
}

// Close is a no-op for the in-process store.
func (s *MemoryStore) Close() error { return nil }

// snapshot deep-copies the run so callers never alias internal state.
func (r *memRun) snapshot() *Run {
	meta := r.meta
	meta.Metadata = copyMap(r.meta.Metadata)
	if r.meta.StartedAt != nil {
		t := *r.meta.StartedAt
		meta.StartedAt = &t
	}
	if r.meta.CompletedAt != nil {
		t := *r.meta.CompletedAt
		meta.CompletedAt = &t
	}
	return &Run{
		Meta:   meta,
		Status: r.status,
		Result: copyMap(r.result),
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// parseEventID converts a decimal event id; non-numeric ids order as zero.
func parseEventID(id string) int64 {
	if id == "" || id == BeginningID {
		return 0
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func pageRuns(runs []*Run, offset, limit int) []*Run {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset >= len(runs) {
		return nil
	}
	runs = runs[offset:]
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

func pageIDs(ids []string, offset, limit int) []string {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset >= len(ids) {
		return nil
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

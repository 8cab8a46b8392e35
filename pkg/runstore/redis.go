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
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tombee/flightrec/pkg/errors"
)

// Compile-time interface assertion.
var _ Store = (*RedisStore)(nil)

// Redis key layout. One logical run spans several keys; all of them carry the
// run-data TTL except the cancellation marker (short-lived) and the event
// stream (its own retention), so abandoned runs are eventually reclaimed.
//
//	run:{run_id}:meta       JSON RunMeta
//	run:{run_id}:status     plain status string
//	run:{run_id}:result     JSON result payload
//	run:{run_id}:trace      LIST of JSON events
//	run:{run_id}:cancelled  marker "1"
//	run:{run_id}:events     STREAM, capped
//	runs:index              ZSET run_id -> created_at unix seconds
//	runs:status:{status}    SET of run_ids
const (
	keyIndex        = "runs:index"
	keyStatusPrefix = "runs:status:"
)

func runKey(runID, suffix string) string {
	return fmt.Sprintf("run:%s:%s", runID, suffix)
}

func statusKey(status Status) string {
	return keyStatusPrefix + string(status)
}

var allStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// RedisStore is the distributed, TTL-bounded Store implementation.
//
// It holds no load-bearing in-process state: every operation round-trips to
// Redis, so any worker process can pick up any run. Multi-key writes are
// pipelined to keep them a single round trip; the event stream uses native
// Redis streams so ReadEvents can block server-side instead of polling.
type RedisStore struct {
	client redis.UniversalClient
	cfg    Config
	logger *slog.Logger
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client redis.UniversalClient, cfg Config, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "runstore.redis"),
	}
}

// storageErr wraps a backend fault so callers can tell it apart from
// not-found.
func storageErr(op string, err error) error {
	return &errors.StorageError{Backend: "redis", Op: op, Cause: err}
}

// CreateRun initializes (or overwrites) a run in a single pipeline.
func (s *RedisStore) CreateRun(ctx context.Context, runID string, meta RunMeta) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.RunID = runID

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encoding run meta")
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, runKey(runID, "meta"), metaJSON, s.cfg.RunDataTTL)
	pipe.Set(ctx, runKey(runID, "status"), string(StatusPending), s.cfg.RunDataTTL)
	pipe.Del(ctx, runKey(runID, "cancelled"), runKey(runID, "result"), runKey(runID, "trace"), runKey(runID, "events"))
	pipe.ZAdd(ctx, keyIndex, redis.Z{
		Score:  float64(meta.CreatedAt.UnixMilli()) / 1000.0,
		Member: runID,
	})
	// Overwrites must not leave the id behind in a stale status set.
	for _, st := range allStatuses {
		if st == StatusPending {
			pipe.SAdd(ctx, statusKey(st), runID)
		} else {
			pipe.SRem(ctx, statusKey(st), runID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("create_run", err)
	}

	s.logger.Debug("run created", slog.String("run_id", runID))
	return nil
}

// SetStatus updates the status string, the per-status index sets, and the
// lifecycle timestamps in the meta record.
func (s *RedisStore) SetStatus(ctx context.Context, runID string, status Status) error {
	metaJSON, err := s.client.Get(ctx, runKey(runID, "meta")).Result()
	if err == redis.Nil {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return storageErr("set_status", err)
	}

	var meta RunMeta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return storageErr("set_status", errors.Wrap(err, "decoding run meta"))
	}

	oldStatus, err := s.client.Get(ctx, runKey(runID, "status")).Result()
	if err != nil && err != redis.Nil {
		return storageErr("set_status", err)
	}

	now := time.Now().UTC()
	if status == StatusRunning && meta.StartedAt == nil {
		meta.StartedAt = &now
	}
	if status.Terminal() && meta.CompletedAt == nil {
		meta.CompletedAt = &now
	}
	updated, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encoding run meta")
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, runKey(runID, "status"), string(status), s.cfg.RunDataTTL)
	pipe.Set(ctx, runKey(runID, "meta"), updated, s.cfg.RunDataTTL)
	if oldStatus != "" && oldStatus != string(status) {
		pipe.SRem(ctx, keyStatusPrefix+oldStatus, runID)
	}
	pipe.SAdd(ctx, statusKey(status), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("set_status", err)
	}

	s.logger.Debug("run status changed",
		slog.String("run_id", runID),
		slog.String("from", oldStatus),
		slog.String("to", string(status)))
	return nil
}

// GetStatus returns the current status.
func (s *RedisStore) GetStatus(ctx context.Context, runID string) (Status, error) {
	val, err := s.client.Get(ctx, runKey(runID, "status")).Result()
	if err == redis.Nil {
		return "", &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return "", storageErr("get_status", err)
	}
	return Status(val), nil
}

// SetResult stores the final result payload.
func (s *RedisStore) SetResult(ctx context.Context, runID string, result map[string]any) error {
	exists, err := s.client.Exists(ctx, runKey(runID, "meta")).Result()
	if err != nil {
		return storageErr("set_result", err)
	}
	if exists == 0 {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return errors.Wrap(err, "encoding run result")
	}
	if err := s.client.Set(ctx, runKey(runID, "result"), payload, s.cfg.RunDataTTL).Err(); err != nil {
		return storageErr("set_result", err)
	}
	return nil
}

// GetResult returns the stored result, nil when none was set.
func (s *RedisStore) GetResult(ctx context.Context, runID string) (map[string]any, error) {
	val, err := s.client.Get(ctx, runKey(runID, "result")).Result()
	if err == redis.Nil {
		// Distinguish "no result yet" from "no such run".
		exists, eerr := s.client.Exists(ctx, runKey(runID, "meta")).Result()
		if eerr != nil {
			return nil, storageErr("get_result", eerr)
		}
		if exists == 0 {
			return nil, &errors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get_result", err)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, storageErr("get_result", errors.Wrap(err, "decoding run result"))
	}
	return result, nil
}

// GetRun fetches meta, status, and result in one pipeline. A missing meta
// key means not-found regardless of which other keys remain.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.Get(ctx, runKey(runID, "meta"))
	statusCmd := pipe.Get(ctx, runKey(runID, "status"))
	resultCmd := pipe.Get(ctx, runKey(runID, "result"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storageErr("get_run", err)
	}

	metaJSON, err := metaCmd.Result()
	if err == redis.Nil {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, storageErr("get_run", err)
	}

	run := &Run{Status: StatusPending}
	if err := json.Unmarshal([]byte(metaJSON), &run.Meta); err != nil {
		return nil, storageErr("get_run", errors.Wrap(err, "decoding run meta"))
	}
	if status, err := statusCmd.Result(); err == nil {
		run.Status = Status(status)
	}
	if resultJSON, err := resultCmd.Result(); err == nil {
		if err := json.Unmarshal([]byte(resultJSON), &run.Result); err != nil {
			return nil, storageErr("get_run", errors.Wrap(err, "decoding run result"))
		}
	}
	return run, nil
}

// ListRuns resolves candidate ids newest-first, then hydrates them.
// Status filtering uses the per-status index set (not a scan); the user
// filter is a linear post-filter, so paging happens after it.
func (s *RedisStore) ListRuns(ctx context.Context, filter ListFilter) ([]*Run, error) {
	ids, err := s.listIDs(ctx, filter.Status)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	// Without a user filter the page boundaries are known up front.
	if filter.UserID == "" {
		ids = pageIDs(ids, filter.Offset, limit)
	}

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue // index entry outlived the expired run keys
			}
			return nil, err
		}
		if filter.UserID != "" && run.Meta.UserID != filter.UserID {
			continue
		}
		runs = append(runs, run)
	}

	if filter.UserID != "" {
		runs = pageRuns(runs, filter.Offset, limit)
	}
	return runs, nil
}

// listIDs returns candidate run ids ordered newest-first.
func (s *RedisStore) listIDs(ctx context.Context, status Status) ([]string, error) {
	if status == "" {
		ids, err := s.client.ZRevRange(ctx, keyIndex, 0, -1).Result()
		if err != nil {
			return nil, storageErr("list_runs", err)
		}
		return ids, nil
	}

	members, err := s.client.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, storageErr("list_runs", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	scores, err := s.client.ZMScore(ctx, keyIndex, members...).Result()
	if err != nil {
		return nil, storageErr("list_runs", err)
	}

	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, 0, len(members))
	for i, id := range members {
		if i < len(scores) {
			ranked = append(ranked, scored{id: id, score: scores[i]})
		}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	ids := make([]string, len(ranked))
	for i, r := range ranked {
		ids[i] = r.id
	}
	return ids, nil
}

// Cancel writes the short-TTL marker first so pollers observe it even if the
// subsequent status write races with a completing worker.
func (s *RedisStore) Cancel(ctx context.Context, runID string) error {
	if err := s.client.Set(ctx, runKey(runID, "cancelled"), "1", s.cfg.CancelTTL).Err(); err != nil {
		return storageErr("cancel", err)
	}
	if err := s.SetStatus(ctx, runID, StatusCancelled); err != nil && !errors.IsNotFound(err) {
		return err
	}
	s.logger.Info("run cancelled", slog.String("run_id", runID))
	return nil
}

// IsCancelled is a single GET; it is on every worker's poll path.
func (s *RedisStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	val, err := s.client.Get(ctx, runKey(runID, "cancelled")).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, storageErr("is_cancelled", err)
	}
	return val == "1", nil
}

// AppendTrace pushes onto the trace list and refreshes its TTL.
func (s *RedisStore) AppendTrace(ctx context.Context, runID string, event Event) error {
	exists, err := s.client.Exists(ctx, runKey(runID, "meta")).Result()
	if err != nil {
		return storageErr("append_trace", err)
	}
	if exists == 0 {
		return &errors.NotFoundError{Resource: "run", ID: runID}
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encoding trace event")
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, runKey(runID, "trace"), payload)
	pipe.Expire(ctx, runKey(runID, "trace"), s.cfg.RunDataTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("append_trace", err)
	}
	return nil
}

// GetTrace returns the most recent limit entries, oldest-among-returned first.
func (s *RedisStore) GetTrace(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, runKey(runID, "trace"), int64(-limit), -1).Result()
	if err != nil {
		return nil, storageErr("get_trace", err)
	}

	events := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			s.logger.Warn("skipping undecodable trace event",
				slog.String("run_id", runID), slog.Any("error", err))
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// EmitEvent appends to the run's capped stream and returns the Redis stream
// id, which is strictly increasing within the stream.
func (s *RedisStore) EmitEvent(ctx context.Context, runID string, event Event) (string, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return "", errors.Wrap(err, "encoding event data")
	}

	streamKey := runKey(runID, "events")
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: s.cfg.StreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"type":      event.Type,
			"agent_id":  event.AgentID,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"data":      string(data),
		},
	}).Result()
	if err != nil {
		return "", storageErr("emit_event", err)
	}

	// Refresh the stream retention window on every append.
	if err := s.client.Expire(ctx, streamKey, s.cfg.EventStreamTTL).Err(); err != nil {
		s.logger.Warn("failed to refresh event stream TTL",
			slog.String("run_id", runID), slog.Any("error", err))
	}
	return id, nil
}

// ReadEvents reads from the stream with an optional server-side block. Read
// failures deliberately collapse to an empty result: the long-poll consumers
// driving this call must outlive transient backend trouble.
func (s *RedisStore) ReadEvents(ctx context.Context, runID string, lastID string, count int, block time.Duration) ([]Event, error) {
	if lastID == "" {
		lastID = BeginningID
	}
	if count <= 0 {
		count = 100
	}
	if block <= 0 {
		// go-redis only omits BLOCK for a negative duration.
		block = -1
	}

	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{runKey(runID, "events"), lastID},
		Count:   int64(count),
		Block:   block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Error("event stream read failed",
			slog.String("run_id", runID), slog.Any("error", err))
		return nil, nil
	}

	var events []Event
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			events = append(events, eventFromStream(msg))
		}
	}
	return events, nil
}

// eventFromStream rebuilds an Event from its flat stream representation.
func eventFromStream(msg redis.XMessage) Event {
	ev := Event{ID: msg.ID, Type: "unknown"}
	if v, ok := msg.Values["type"].(string); ok && v != "" {
		ev.Type = v
	}
	if v, ok := msg.Values["agent_id"].(string); ok {
		ev.AgentID = v
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			ev.Timestamp = ts
		}
	}
	if v, ok := msg.Values["data"].(string); ok && v != "" {
		_ = json.Unmarshal([]byte(v), &ev.Data)
	}
	return ev
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

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
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flightrec/pkg/errors"
)

// forEachStore runs fn against every available backend. The in-memory store
// always runs; the Redis subtest is skipped unless REDIS_URL points at a
// reachable instance (e.g. REDIS_URL=redis://localhost:6379/15).
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		store := NewMemoryStore(DefaultConfig(), nil)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})

	t.Run("redis", func(t *testing.T) {
		url := os.Getenv("REDIS_URL")
		if url == "" {
			t.Skipf("REDIS_URL not set, skipping Redis integration test")
		}
		opts, err := redis.ParseURL(url)
		require.NoError(t, err)
		client := redis.NewClient(opts)
		if err := client.Ping(context.Background()).Err(); err != nil {
			t.Skipf("Redis not reachable at %s: %v", opts.Addr, err)
		}
		store := NewRedisStore(client, DefaultConfig(), nil)
		t.Cleanup(func() { store.Close() })
		fn(t, store)
	})
}

// newRunID returns an id unique across test runs so backends shared between
// runs (a real Redis) never collide.
func newRunID(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-%s-%s", t.Name(), uuid.NewString()[:8])
}

func TestStoreLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		runID := newRunID(t)

		err := store.CreateRun(ctx, runID, RunMeta{
			UserID:   "user-1",
			URL:      "https://example.com/target",
			Metadata: map[string]any{"depth": "full"},
		})
		require.NoError(t, err)

		status, err := store.GetStatus(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, status)

		run, err := store.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, runID, run.Meta.RunID)
		assert.Equal(t, "user-1", run.Meta.UserID)
		assert.False(t, run.Meta.CreatedAt.IsZero())
		assert.Nil(t, run.Meta.StartedAt)
		assert.Nil(t, run.Meta.CompletedAt)
		assert.Nil(t, run.Result)

		require.NoError(t, store.SetStatus(ctx, runID, StatusRunning))
		run, err = store.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, run.Status)
		require.NotNil(t, run.Meta.StartedAt)
		startedAt := *run.Meta.StartedAt

		require.NoError(t, store.SetResult(ctx, runID, map[string]any{"findings": float64(3)}))
		require.NoError(t, store.SetStatus(ctx, runID, StatusCompleted))

		run, err = store.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, run.Status)
		require.NotNil(t, run.Meta.CompletedAt)
		assert.Equal(t, map[string]any{"findings": float64(3)}, run.Result)

		// StartedAt is stamped once and never moves.
		require.NoError(t, store.SetStatus(ctx, runID, StatusRunning))
		run, err = store.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.True(t, run.Meta.StartedAt.Equal(startedAt))
	})
}

func TestStoreNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		runID := newRunID(t)

		_, err := store.GetStatus(ctx, runID)
		assert.True(t, errors.IsNotFound(err))

		err = store.SetStatus(ctx, runID, StatusRunning)
		assert.True(t, errors.IsNotFound(err))

		err = store.SetResult(ctx, runID, map[string]any{})
		assert.True(t, errors.IsNotFound(err))

		_, err = store.GetResult(ctx, runID)
		assert.True(t, errors.IsNotFound(err))

		_, err = store.GetRun(ctx, runID)
		assert.True(t, errors.IsNotFound(err))

		err = store.AppendTrace(ctx, runID, NewEvent("progress", "", nil))
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestStoreResultBeforeSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		runID := newRunID(t)

		require.NoError(t, store.CreateRun(ctx, runID, RunMeta{}))

		result, err := store.GetResult(ctx, runID)
		require.NoError(t, err)
		assert.Nil(t, result)
	})
}

func TestStoreCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()

		t.Run("known run", func(t *testing.T) {
			runID := newRunID(t)
			require.NoError(t, store.CreateRun(ctx, runID, RunMeta{}))
			require.NoError(t, store.SetStatus(ctx, runID, StatusRunning))

			require.NoError(t, store.Cancel(ctx, runID))

			cancelled, err := store.IsCancelled(ctx, runID)
			require.NoError(t, err)
			assert.True(t, cancelled)

			status, err := store.GetStatus(ctx, runID)
			require.NoError(t, err)
			assert.Equal(t, StatusCancelled, status)
		})

		t.Run("unknown run", func(t *testing.T) {
			runID := newRunID(t)
			require.NoError(t, store.Cancel(ctx, runID))

			cancelled, err := store.IsCancelled(ctx, runID)
			require.NoError(t, err)
			assert.True(t, cancelled)
		})

		t.Run("status write after cancel wins", func(t *testing.T) {
			runID := newRunID(t)
			require.NoError(t, store.CreateRun(ctx, runID, RunMeta{}))
			require.NoError(t, store.Cancel(ctx, runID))

			// A worker that finished before observing the flag may still
			// report completion; the marker stays set regardless.
			require.NoError(t, store.SetStatus(ctx, runID, StatusCompleted))

			status, err := store.GetStatus(ctx, runID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, status)

			cancelled, err := store.IsCancelled(ctx, runID)
			require.NoError(t, err)
			assert.True(t, cancelled)
		})

		t.Run("recreate clears flag", func(t *testing.T) {
			runID := newRunID(t)
			require.NoError(t, store.Cancel(ctx, runID))
			require.NoError(t, store.CreateRun(ctx, runID, RunMeta{}))

			cancelled, err := store.IsCancelled(ctx, runID)
			require.NoError(t, err)
			assert.False(t, cancelled)
		})
	})
}

func TestStoreEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		runID := newRunID(t)

		require.NoError(t, store.CreateRun(ctx, runID, RunMeta{}))

		id1, err := store.EmitEvent(ctx, runID, NewEvent("progress", "recon", map[string]any{"step": "dns"}))
		require.NoError(t, err)
		require.NotEmpty(t, id1)

		id2, err := store.EmitEvent(ctx, runID, NewEvent("progress", "recon", map[string]any{"step": "ports"}))
		require.NoError(t, err)
		require.NotEmpty(t, id2)
		assert.NotEqual(t, id1, id2)

		events, err := store.ReadEvents(ctx, runID, BeginningID, 100, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, id1, events[0].ID)
		assert.Equal(t, id2, events[1].ID)
		assert.Equal(t, "progress", events[0].Type)
		assert.Equal(t, "recon", events[0].AgentID)
		assert.Equal(t, map[string]any{"step": "dns"}, events[0].Data)

		// Resumable read: only events after the cursor.
		events, err = store.ReadEvents(ctx, runID, id1, 100, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, id2, events[0].ID)

		// Count caps the page.
		events, err = store.ReadEvents(ctx, runID, BeginningID, 1, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, id1, events[0].ID)

		// Caught up: non-blocking read returns empty immediately.
		events, err = store.ReadEvents(ctx, runID, id2, 100, 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestStoreReadEventsBlocking(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		runID := newRunID(t)

		require.NoError(t, store.CreateRun(ctx, runID, RunMeta{}))

		t.Run("timeout", func(t *testing.T) {
			start := time.Now()
			events, err := store.ReadEvents(ctx, runID, BeginningID, 10, 100*time.Millisecond)
			require.NoError(t, err)
			assert.Empty(t, events)
			assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
		})

		t.Run("wakes on append", func(t *testing.T) {
			go func() {
				time.Sleep(50 * time.Millisecond)
				_, _ = store.EmitEvent(context.Background(), runID, NewEvent("progress", "", nil))
			}()

			events, err := store.ReadEvents(ctx, runID, BeginningID, 10, 5*time.Second)
			require.NoError(t, err)
			require.NotEmpty(t, events)
			assert.Equal(t, "progress", events[0].Type)
		})
	})
}

func TestStoreTrace(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		runID := newRunID(t)

		require.NoError(t, store.CreateRun(ctx, runID, RunMeta{}))

		for i := 0; i < 5; i++ {
			ev := NewEvent("tool_call", "agent-1", map[string]any{"seq": fmt.Sprint(i)})
			require.NoError(t, store.AppendTrace(ctx, runID, ev))
		}

		trace, err := store.GetTrace(ctx, runID, 100)
		require.NoError(t, err)
		require.Len(t, trace, 5)
		assert.Equal(t, map[string]any{"seq": "0"}, trace[0].Data)

		// Limit keeps the most recent entries.
		trace, err = store.GetTrace(ctx, runID, 2)
		require.NoError(t, err)
		require.Len(t, trace, 2)
		assert.Equal(t, map[string]any{"seq": "3"}, trace[0].Data)
		assert.Equal(t, map[string]any{"seq": "4"}, trace[1].Data)
	})
}

func TestStoreListRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		user := "list-" + uuid.NewString()[:8]
		base := time.Now().UTC().Add(-time.Hour)

		ids := make([]string, 3)
		for i := range ids {
			ids[i] = newRunID(t)
			err := store.CreateRun(ctx, ids[i], RunMeta{
				UserID:    user,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
		}
		require.NoError(t, store.SetStatus(ctx, ids[0], StatusCompleted))
		require.NoError(t, store.SetStatus(ctx, ids[1], StatusRunning))

		t.Run("by user newest first", func(t *testing.T) {
			runs, err := store.ListRuns(ctx, ListFilter{UserID: user})
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, ids[2], runs[0].Meta.RunID)
			assert.Equal(t, ids[1], runs[1].Meta.RunID)
			assert.Equal(t, ids[0], runs[2].Meta.RunID)
		})

		t.Run("by status", func(t *testing.T) {
			runs, err := store.ListRuns(ctx, ListFilter{UserID: user, Status: StatusRunning})
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, ids[1], runs[0].Meta.RunID)
		})

		t.Run("paging", func(t *testing.T) {
			runs, err := store.ListRuns(ctx, ListFilter{UserID: user, Limit: 2})
			require.NoError(t, err)
			require.Len(t, runs, 2)

			runs, err = store.ListRuns(ctx, ListFilter{UserID: user, Limit: 2, Offset: 2})
			require.NoError(t, err)
			require.Len(t, runs, 1)
			assert.Equal(t, ids[0], runs[0].Meta.RunID)
		})

		t.Run("no match", func(t *testing.T) {
			runs, err := store.ListRuns(ctx, ListFilter{UserID: user, Status: StatusFailed})
			require.NoError(t, err)
			assert.Empty(t, runs)
		})
	})
}

func TestStoreCreateOverwrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		runID := newRunID(t)

		require.NoError(t, store.CreateRun(ctx, runID, RunMeta{UserID: "first"}))
		require.NoError(t, store.SetStatus(ctx, runID, StatusFailed))
		require.NoError(t, store.SetResult(ctx, runID, map[string]any{"old": true}))

		require.NoError(t, store.CreateRun(ctx, runID, RunMeta{UserID: "second"}))

		run, err := store.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, run.Status)
		assert.Equal(t, "second", run.Meta.UserID)
		assert.Nil(t, run.Result)
		assert.Nil(t, run.Meta.CompletedAt)
	})
}

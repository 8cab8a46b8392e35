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

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/flightrec/internal/config"
	"github.com/tombee/flightrec/pkg/metrics"
	"github.com/tombee/flightrec/pkg/runstore"
	"github.com/tombee/flightrec/pkg/tracing"
)

func newTestServer(t *testing.T) (*httptest.Server, runstore.Store) {
	t.Helper()

	store := runstore.NewMemoryStore(runstore.DefaultConfig(), nil)
	tracer := tracing.New(tracing.Config{Disabled: true}, nil)
	t.Cleanup(func() {
		tracer.Shutdown(context.Background())
		store.Close()
	})

	srv := New(config.Default().Server, store, metrics.NewCollector(), tracer, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, ts.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestGetRun(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, "r1", runstore.RunMeta{UserID: "u1"}))
	require.NoError(t, store.SetStatus(ctx, "r1", runstore.StatusRunning))

	var body struct {
		Run       *runstore.Run `json:"run"`
		Cancelled bool          `json:"cancelled"`
	}
	code := getJSON(t, ts.URL+"/api/v1/runs/r1", &body)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "r1", body.Run.Meta.RunID)
	assert.Equal(t, runstore.StatusRunning, body.Run.Status)
	assert.False(t, body.Cancelled)
}

func TestGetRunNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, ts.URL+"/api/v1/runs/missing", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "missing")
}

func TestListRuns(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, store.CreateRun(ctx, id, runstore.RunMeta{
			UserID:    "u1",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.SetStatus(ctx, "r2", runstore.StatusRunning))

	t.Run("all", func(t *testing.T) {
		var body struct {
			Runs []*runstore.Run `json:"runs"`
		}
		code := getJSON(t, ts.URL+"/api/v1/runs", &body)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, body.Runs, 3)
		assert.Equal(t, "r3", body.Runs[0].Meta.RunID)
	})

	t.Run("status filter", func(t *testing.T) {
		var body struct {
			Runs []*runstore.Run `json:"runs"`
		}
		code := getJSON(t, ts.URL+"/api/v1/runs?status=running", &body)
		require.Equal(t, http.StatusOK, code)
		require.Len(t, body.Runs, 1)
		assert.Equal(t, "r2", body.Runs[0].Meta.RunID)
	})

	t.Run("invalid status", func(t *testing.T) {
		var body map[string]string
		code := getJSON(t, ts.URL+"/api/v1/runs?status=bogus", &body)
		assert.Equal(t, http.StatusBadRequest, code)
	})
}

func TestRunEvents(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, "r1", runstore.RunMeta{}))
	_, err := store.EmitEvent(ctx, "r1", runstore.NewEvent("progress", "scout", map[string]any{"step": "dns"}))
	require.NoError(t, err)
	id2, err := store.EmitEvent(ctx, "r1", runstore.NewEvent("progress", "scout", nil))
	require.NoError(t, err)

	var body struct {
		Events []runstore.Event `json:"events"`
		Next   string           `json:"next"`
	}
	code := getJSON(t, ts.URL+"/api/v1/runs/r1/events", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Events, 2)
	assert.Equal(t, id2, body.Next)

	// Resume from the cursor.
	code = getJSON(t, ts.URL+"/api/v1/runs/r1/events?after="+id2, &body)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body.Events)
	assert.Equal(t, id2, body.Next)
}

func TestRunEventsLongPoll(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, "r1", runstore.RunMeta{}))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = store.EmitEvent(context.Background(), "r1", runstore.NewEvent("progress", "", nil))
	}()

	start := time.Now()
	var body struct {
		Events []runstore.Event `json:"events"`
	}
	code := getJSON(t, ts.URL+"/api/v1/runs/r1/events?block_ms=5000", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Events, 1)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunTrace(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRun(ctx, "r1", runstore.RunMeta{}))
	require.NoError(t, store.AppendTrace(ctx, "r1", runstore.NewEvent("tool_call", "scout", nil)))

	var body struct {
		Trace []runstore.Event `json:"trace"`
	}
	code := getJSON(t, ts.URL+"/api/v1/runs/r1/trace", &body)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body.Trace, 1)
	assert.Equal(t, "tool_call", body.Trace[0].Type)
}

func TestCancelRun(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.CreateRun(ctx, "r1", runstore.RunMeta{}))

	resp, err := http.Post(ts.URL+"/api/v1/runs/r1/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	cancelled, err := store.IsCancelled(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsSnapshotEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]any
	code := getJSON(t, ts.URL+"/api/v1/metrics", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "flightrec_agent_executions_total")
}
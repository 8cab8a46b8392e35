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

package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordAgentExecution(t *testing.T) {
	c := NewCollector()

	c.RecordAgentExecution("scout", 2*time.Second, "complete")
	c.RecordAgentExecution("scout", 500*time.Millisecond, "complete")
	c.RecordAgentExecution("scout", time.Second, "error")

	assert.Equal(t, 2.0, c.agentExecutions.Value(Labels{"agent_id": "scout", "status": "complete"}))
	assert.Equal(t, 1.0, c.agentExecutions.Value(Labels{"agent_id": "scout", "status": "error"}))
	assert.Equal(t, uint64(3), c.agentDuration.Count(Labels{"agent_id": "scout"}))
}

func TestCollectorRecordLLMRequest(t *testing.T) {
	c := NewCollector()

	c.RecordLLMRequest("scout", "gpt-4", "success", LLMUsage{
		Duration:     3 * time.Second,
		InputTokens:  1200,
		OutputTokens: 300,
		CostUSD:      0.05,
	})
	// Usage fields are optional.
	c.RecordLLMRequest("scout", "gpt-4", "error", LLMUsage{})

	labels := Labels{"agent_id": "scout", "model": "gpt-4"}
	assert.Equal(t, 1.0, c.llmRequests.Value(Labels{"agent_id": "scout", "model": "gpt-4", "status": "success"}))
	assert.Equal(t, 1.0, c.llmRequests.Value(Labels{"agent_id": "scout", "model": "gpt-4", "status": "error"}))
	assert.Equal(t, uint64(1), c.llmLatency.Count(labels))
	assert.Equal(t, 1200.0, c.llmTokens.Value(Labels{"agent_id": "scout", "model": "gpt-4", "token_type": "input"}))
	assert.Equal(t, 300.0, c.llmTokens.Value(Labels{"agent_id": "scout", "model": "gpt-4", "token_type": "output"}))
	assert.Equal(t, 0.05, c.llmCost.Value(labels))
}

func TestTrackAgentExecution(t *testing.T) {
	c := NewCollector()

	t.Run("success", func(t *testing.T) {
		err := c.TrackAgentExecution("scout", func() error {
			assert.Equal(t, 1.0, c.agentsRunning.Value(Labels{"agent_id": "scout"}))
			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, 0.0, c.agentsRunning.Value(Labels{"agent_id": "scout"}))
		assert.Equal(t, 1.0, c.agentExecutions.Value(Labels{"agent_id": "scout", "status": "complete"}))
	})

	t.Run("failure records error and status", func(t *testing.T) {
		wantErr := errors.New("upstream timeout")
		err := c.TrackAgentExecution("scout", func() error { return wantErr })
		require.ErrorIs(t, err, wantErr)

		assert.Equal(t, 0.0, c.agentsRunning.Value(Labels{"agent_id": "scout"}))
		assert.Equal(t, 1.0, c.agentExecutions.Value(Labels{"agent_id": "scout", "status": "error"}))
		assert.Equal(t, 1.0, c.errorsTotal.Value(Labels{"agent_id": "scout", "error_type": "upstream timeout"}))
	})
}

func TestTrackLLMRequest(t *testing.T) {
	c := NewCollector()

	err := c.TrackLLMRequest("scout", "gpt-4", func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1.0, c.llmRequests.Value(Labels{"agent_id": "scout", "model": "gpt-4", "status": "success"}))

	err = c.TrackLLMRequest("scout", "gpt-4", func() error { return errors.New("boom") })
	require.Error(t, err)
	assert.Equal(t, 1.0, c.llmRequests.Value(Labels{"agent_id": "scout", "model": "gpt-4", "status": "error"}))
	assert.Equal(t, uint64(2), c.llmLatency.Count(Labels{"agent_id": "scout", "model": "gpt-4"}))
}

func TestCollectorExport(t *testing.T) {
	c := NewCollector()
	c.RecordAgentExecution("scout", time.Second, "complete")
	c.RecordError("scout", "timeout")

	out := c.Export()
	for _, want := range []string{
		"# TYPE flightrec_agent_executions_total counter",
		`flightrec_agent_executions_total{agent_id="scout",status="complete"} 1`,
		"# TYPE flightrec_agent_execution_seconds histogram",
		`flightrec_agent_execution_seconds_count{agent_id="scout"} 1`,
		`flightrec_errors_total{agent_id="scout",error_type="timeout"} 1`,
	} {
		assert.Contains(t, out, want)
	}

	// Families with no samples still expose HELP/TYPE headers.
	assert.Contains(t, out, "# TYPE flightrec_llm_requests_total counter")

	// Stable across repeated export.
	assert.Equal(t, out, c.Export())
}

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.RecordAgentExecution("scout", time.Second, "complete")
	c.SetBlackboardEntries(7)

	snap := c.Snapshot()

	counters, ok := snap["flightrec_agent_executions_total"].(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 1.0, counters["agent_id=scout,status=complete"])

	gauges, ok := snap["flightrec_blackboard_entries"].(map[string]float64)
	require.True(t, ok)
	assert.Equal(t, 7.0, gauges[""])

	hist, ok := snap["flightrec_agent_execution_seconds"].(map[string]HistogramValue)
	require.True(t, ok)
	assert.Equal(t, uint64(1), hist["agent_id=scout"].Count)
}

func TestCollectorReset(t *testing.T) {
	c := NewCollector()
	c.RecordAgentExecution("scout", time.Second, "complete")
	c.Reset()

	assert.Equal(t, 0.0, c.agentExecutions.Value(Labels{"agent_id": "scout", "status": "complete"}))
	assert.Equal(t, uint64(0), c.agentDuration.Count(Labels{"agent_id": "scout"}))
}

func TestPrometheusHandler(t *testing.T) {
	c := NewCollector()
	c.RecordAgentExecution("scout", time.Second, "complete")
	c.RecordLLMRequest("scout", "gpt-4", "success", LLMUsage{Duration: 2 * time.Second})

	srv := httptest.NewServer(Handler(c))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(raw)

	assert.Contains(t, body, `flightrec_agent_executions_total{agent_id="scout",status="complete"} 1`)
	assert.Contains(t, body, `flightrec_llm_request_seconds_count{agent_id="scout",model="gpt-4"} 1`)
	// Runtime collectors ride along.
	assert.Contains(t, body, "go_goroutines")
}

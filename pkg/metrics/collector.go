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
	"strings"
	"sync"
	"time"
)

// Collector is the process-wide instrumentation registry. All primitives are
// created up front so /metrics always exposes the full families, and every
// Record* method is safe under concurrent use from many workers.
type Collector struct {
	mu sync.RWMutex

	// Agent metrics
	agentExecutions *Counter
	agentDuration   *Histogram
	agentInsights   *Counter
	agentsRunning   *Gauge

	// Swarm metrics
	messagesSent      *Counter
	messagesReceived  *Counter
	blackboardWrites  *Counter
	blackboardReads   *Counter
	blackboardEntries *Gauge
	collaborations    *Counter
	collabsActive     *Gauge

	// LLM metrics
	llmRequests *Counter
	llmLatency  *Histogram
	llmTokens   *Counter
	llmCost     *Counter

	// Analysis metrics
	analysisRequests *Counter
	analysisDuration *Histogram
	analysisScore    *Histogram
	competitors      *Counter

	// Error metrics
	errorsTotal    *Counter
	securityEvents *Counter
}

// NewCollector creates a registry with the full metric families initialized.
func NewCollector() *Collector {
	c := &Collector{}
	c.initialize()
	return c
}

func (c *Collector) initialize() {
	c.agentExecutions = NewCounter(
		"flightrec_agent_executions_total",
		"Total number of agent executions")
	c.agentDuration = NewHistogram(
		"flightrec_agent_execution_seconds",
		"Agent execution duration in seconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300})
	c.agentInsights = NewCounter(
		"flightrec_agent_insights_total",
		"Total number of insights emitted by agents")
	c.agentsRunning = NewGauge(
		"flightrec_agents_running",
		"Number of currently running agents")

	c.messagesSent = NewCounter(
		"flightrec_messages_sent_total",
		"Total messages sent between agents")
	c.messagesReceived = NewCounter(
		"flightrec_messages_received_total",
		"Total messages received by agents")
	c.blackboardWrites = NewCounter(
		"flightrec_blackboard_writes_total",
		"Total blackboard write operations")
	c.blackboardReads = NewCounter(
		"flightrec_blackboard_reads_total",
		"Total blackboard read operations")
	c.blackboardEntries = NewGauge(
		"flightrec_blackboard_entries",
		"Current number of entries in the blackboard")
	c.collaborations = NewCounter(
		"flightrec_collaborations_total",
		"Total collaboration sessions")
	c.collabsActive = NewGauge(
		"flightrec_collaborations_active",
		"Currently active collaboration sessions")

	c.llmRequests = NewCounter(
		"flightrec_llm_requests_total",
		"Total LLM API requests")
	c.llmLatency = NewHistogram(
		"flightrec_llm_request_seconds",
		"LLM request latency in seconds",
		[]float64{0.5, 1, 2, 5, 10, 20, 30, 60})
	c.llmTokens = NewCounter(
		"flightrec_llm_tokens_total",
		"Total LLM tokens used")
	c.llmCost = NewCounter(
		"flightrec_llm_cost_usd_total",
		"Estimated LLM API cost in USD")

	c.analysisRequests = NewCounter(
		"flightrec_analysis_requests_total",
		"Total analysis requests")
	c.analysisDuration = NewHistogram(
		"flightrec_analysis_duration_seconds",
		"Full analysis duration in seconds",
		[]float64{5, 10, 30, 60, 120, 300, 600})
	c.analysisScore = NewHistogram(
		"flightrec_analysis_score",
		"Analysis overall scores",
		[]float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100})
	c.competitors = NewCounter(
		"flightrec_competitors_analyzed_total",
		"Total competitors analyzed")

	c.errorsTotal = NewCounter(
		"flightrec_errors_total",
		"Total errors by agent and type")
	c.securityEvents = NewCounter(
		"flightrec_security_events_total",
		"Security-related events such as validation failures")
}

// all returns the registry in a fixed exposition order.
func (c *Collector) all() []interface{ exportLines() []string } {
	return []interface{ exportLines() []string }{
		c.agentExecutions, c.agentDuration, c.agentInsights, c.agentsRunning,
		c.messagesSent, c.messagesReceived,
		c.blackboardWrites, c.blackboardReads, c.blackboardEntries,
		c.collaborations, c.collabsActive,
		c.llmRequests, c.llmLatency, c.llmTokens, c.llmCost,
		c.analysisRequests, c.analysisDuration, c.analysisScore, c.competitors,
		c.errorsTotal, c.securityEvents,
	}
}

// RecordAgentExecution records one finished agent execution.
func (c *Collector) RecordAgentExecution(agentID string, duration time.Duration, status string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.agentExecutions.Inc(Labels{"agent_id": agentID, "status": status})
	c.agentDuration.Observe(duration.Seconds(), Labels{"agent_id": agentID})
}

// RecordAgentInsight records an insight emitted by an agent.
func (c *Collector) RecordAgentInsight(agentID, priority, insightType string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.agentInsights.Inc(Labels{"agent_id": agentID, "priority": priority, "insight_type": insightType})
}

// SetAgentRunning adjusts the running gauge for an agent.
func (c *Collector) SetAgentRunning(agentID string, running bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if running {
		c.agentsRunning.Inc(Labels{"agent_id": agentID})
	} else {
		c.agentsRunning.Dec(Labels{"agent_id": agentID})
	}
}

// RecordMessageSent records a message sent between agents. An empty toAgent
// counts as a broadcast.
func (c *Collector) RecordMessageSent(fromAgent, toAgent, messageType string) {
	if toAgent == "" {
		toAgent = "broadcast"
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.messagesSent.Inc(Labels{"from_agent": fromAgent, "to_agent": toAgent, "message_type": messageType})
}

// RecordMessageReceived records a message received by an agent.
func (c *Collector) RecordMessageReceived(agentID, messageType string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.messagesReceived.Inc(Labels{"agent_id": agentID, "message_type": messageType})
}

// RecordBlackboardWrite records a blackboard write.
func (c *Collector) RecordBlackboardWrite(agentID, category string) {
	if category == "" {
		category = "default"
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.blackboardWrites.Inc(Labels{"agent_id": agentID, "category": category})
}

// RecordBlackboardRead records a blackboard read.
func (c *Collector) RecordBlackboardRead(agentID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.blackboardReads.Inc(Labels{"agent_id": agentID})
}

// SetBlackboardEntries sets the current blackboard entry count.
func (c *Collector) SetBlackboardEntries(count int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.blackboardEntries.Set(float64(count), nil)
}

// RecordCollaboration records a collaboration session outcome.
func (c *Collector) RecordCollaboration(status string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.collaborations.Inc(Labels{"status": status})
}

// SetActiveCollaborations sets the active collaboration count.
func (c *Collector) SetActiveCollaborations(count int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.collabsActive.Set(float64(count), nil)
}

// LLMUsage carries the optional measurements for one LLM request. Negative
// values mean "not measured" and are skipped.
type LLMUsage struct {
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// RecordLLMRequest records an LLM request with whatever usage detail the
// caller measured.
func (c *Collector) RecordLLMRequest(agentID, model, status string, usage LLMUsage) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.llmRequests.Inc(Labels{"agent_id": agentID, "model": model, "status": status})
	if usage.Duration > 0 {
		c.llmLatency.Observe(usage.Duration.Seconds(), Labels{"agent_id": agentID, "model": model})
	}
	if usage.InputTokens > 0 {
		c.llmTokens.Add(float64(usage.InputTokens), Labels{"agent_id": agentID, "model": model, "token_type": "input"})
	}
	if usage.OutputTokens > 0 {
		c.llmTokens.Add(float64(usage.OutputTokens), Labels{"agent_id": agentID, "model": model, "token_type": "output"})
	}
	if usage.CostUSD > 0 {
		c.llmCost.Add(usage.CostUSD, Labels{"agent_id": agentID, "model": model})
	}
}

// RecordAnalysis records an analysis request. Duration, score, and
// competitor count are recorded only when positive.
func (c *Collector) RecordAnalysis(status, language string, duration time.Duration, score, competitorCount int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.analysisRequests.Inc(Labels{"status": status, "language": language})
	if duration > 0 {
		c.analysisDuration.Observe(duration.Seconds(), Labels{"language": language})
	}
	if score > 0 {
		c.analysisScore.Observe(float64(score), nil)
	}
	if competitorCount > 0 {
		c.competitors.Add(float64(competitorCount), nil)
	}
}

// RecordError counts an error by agent and type.
func (c *Collector) RecordError(agentID, errorType string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.errorsTotal.Inc(Labels{"agent_id": agentID, "error_type": errorType})
}

// RecordSecurityEvent counts a security-related event.
func (c *Collector) RecordSecurityEvent(eventType string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.securityEvents.Inc(Labels{"event_type": eventType})
}

// TrackAgentExecution runs fn with full execution instrumentation: the
// running gauge is held for the duration, and the duration, terminal status,
// and error type (on failure) are recorded on every exit path.
func (c *Collector) TrackAgentExecution(agentID string, fn func() error) error {
	c.SetAgentRunning(agentID, true)
	start := time.Now()
	status := "complete"

	defer func() {
		c.RecordAgentExecution(agentID, time.Since(start), status)
		c.SetAgentRunning(agentID, false)
	}()

	if err := fn(); err != nil {
		status = "error"
		c.RecordError(agentID, errorType(err))
		return err
	}
	return nil
}

// TrackLLMRequest runs fn and records the request count and latency with the
// terminal status.
func (c *Collector) TrackLLMRequest(agentID, model string, fn func() error) error {
	start := time.Now()
	status := "success"

	defer func() {
		c.RecordLLMRequest(agentID, model, status, LLMUsage{Duration: time.Since(start)})
	}()

	if err := fn(); err != nil {
		status = "error"
		return err
	}
	return nil
}

// errorType derives a stable label from an error. The first path segment of
// the message keeps cardinality bounded for wrapped error chains.
func errorType(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, ':'); i > 0 {
		msg = msg[:i]
	}
	if len(msg) > 64 {
		msg = msg[:64]
	}
	return msg
}

// Export renders the whole registry in Prometheus text format. Output is
// deterministic: metrics appear in registration order, slots sorted by
// label key.
func (c *Collector) Export() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	for _, metric := range c.all() {
		for _, line := range metric.exportLines() {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Snapshot exports the registry as a nested map for JSON APIs. Counter and
// gauge values map slot key to value; histograms map slot key to bucket,
// sum, and count detail.
func (c *Collector) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any)
	counters := []*Counter{
		c.agentExecutions, c.agentInsights,
		c.messagesSent, c.messagesReceived,
		c.blackboardWrites, c.blackboardReads,
		c.collaborations,
		c.llmRequests, c.llmTokens, c.llmCost,
		c.analysisRequests, c.competitors,
		c.errorsTotal, c.securityEvents,
	}
	for _, counter := range counters {
		out[counter.Name()] = counter.snapshot()
	}
	gauges := []*Gauge{c.agentsRunning, c.blackboardEntries, c.collabsActive}
	for _, gauge := range gauges {
		out[gauge.Name()] = gauge.snapshot()
	}
	histograms := []*Histogram{c.agentDuration, c.llmLatency, c.analysisDuration, c.analysisScore}
	for _, histogram := range histograms {
		out[histogram.Name()] = histogram.snapshot()
	}
	return out
}

// Reset discards all recorded values, keeping the registry shape and metric
// identities. Intended for tests.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, metric := range []interface{ reset() }{
		c.agentExecutions, c.agentDuration, c.agentInsights, c.agentsRunning,
		c.messagesSent, c.messagesReceived,
		c.blackboardWrites, c.blackboardReads, c.blackboardEntries,
		c.collaborations, c.collabsActive,
		c.llmRequests, c.llmLatency, c.llmTokens, c.llmCost,
		c.analysisRequests, c.analysisDuration, c.analysisScore, c.competitors,
		c.errorsTotal, c.securityEvents,
	} {
		metric.reset()
	}
}

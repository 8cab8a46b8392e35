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

import "context"

type contextKey string

const (
	runIDKey   contextKey = "run_id"
	agentIDKey contextKey = "agent_id"
)

// WithRunID attaches a run id to the context so downstream layers can
// correlate work with its run without threading the id explicitly.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFrom extracts the run id, returning "" when none is attached.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// WithAgentID attaches an agent id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// AgentIDFrom extracts the agent id, returning "" when none is attached.
func AgentIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}

/*
Copyright 2024 Patze, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package projector

import (
	"time"

	"github.com/patzehq/patze/lib/telemetry"
)

// Machine is the server-side projection of one managed host.
type Machine struct {
	ID           string                  `json:"id"`
	Name         string                  `json:"name,omitempty"`
	Kind         telemetry.MachineKind   `json:"kind,omitempty"`
	Status       telemetry.MachineStatus `json:"status"`
	LastSeenAt   time.Time               `json:"lastSeenAt"`
	LastEventID  string                  `json:"lastEventId"`
	LastResource *telemetry.Resource     `json:"lastResource,omitempty"`
}

// Session is the projection of one agent session.
type Session struct {
	ID          string                   `json:"id"`
	MachineID   string                   `json:"machineId"`
	AgentID     string                   `json:"agentId,omitempty"`
	State       telemetry.LifecycleState `json:"state"`
	CreatedAt   time.Time                `json:"createdAt"`
	UpdatedAt   time.Time                `json:"updatedAt"`
	EndedAt     *time.Time               `json:"endedAt,omitempty"`
	LastEventID string                   `json:"lastEventId"`
}

// Run is the projection of one agent run.
type Run struct {
	ID            string                   `json:"id"`
	SessionID     string                   `json:"sessionId,omitempty"`
	MachineID     string                   `json:"machineId"`
	AgentID       string                   `json:"agentId,omitempty"`
	State         telemetry.LifecycleState `json:"state"`
	CreatedAt     time.Time                `json:"createdAt"`
	UpdatedAt     time.Time                `json:"updatedAt"`
	EndedAt       *time.Time               `json:"endedAt,omitempty"`
	FailureReason string                   `json:"failureReason,omitempty"`
	LastEventID   string                   `json:"lastEventId"`
}

// ToolCall is one tool invocation retained inside a RunDetail.
type ToolCall struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ModelUsage accumulates token counts across the usage events of one
// run. EstimatedCostUSD only grows when an event carries a cost.
type ModelUsage struct {
	Provider         string  `json:"provider,omitempty"`
	Model            string  `json:"model,omitempty"`
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64   `json:"cacheWriteTokens,omitempty"`
	EstimatedCostUSD float64 `json:"estimatedCostUsd,omitempty"`
	Events           int64   `json:"events"`
}

// RunDetail is the drill-down view of one run: its tool calls, bounded
// with earliest-started eviction, and its accumulated model usage.
type RunDetail struct {
	RunID      string      `json:"runId"`
	ToolCalls  []ToolCall  `json:"toolCalls"`
	ModelUsage *ModelUsage `json:"modelUsage,omitempty"`
}

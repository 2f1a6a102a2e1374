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

package telemetry

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// Resource is a point-in-time host resource sample carried by
// heartbeats and resource usage events.
type Resource struct {
	CPUPct         float64 `json:"cpuPct"`
	MemoryBytes    uint64  `json:"memoryBytes"`
	MemoryPct      float64 `json:"memoryPct"`
	NetRx          uint64  `json:"netRx,omitempty"`
	NetTx          uint64  `json:"netTx,omitempty"`
	DiskUsedBytes  uint64  `json:"diskUsedBytes,omitempty"`
	DiskTotalBytes uint64  `json:"diskTotalBytes,omitempty"`
	DiskPct        float64 `json:"diskPct,omitempty"`
}

// MachinePayload is the body of machine.registered and
// machine.heartbeat events.
type MachinePayload struct {
	MachineID string        `json:"machineId,omitempty"`
	Name      string        `json:"name,omitempty"`
	Kind      MachineKind   `json:"kind,omitempty"`
	Status    MachineStatus `json:"status,omitempty"`
	Resource  *Resource     `json:"resource,omitempty"`
}

// StateChangePayload is the body of agent.state.changed,
// session.state.changed and run.state.changed events.
type StateChangePayload struct {
	MachineID string         `json:"machineId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	RunID     string         `json:"runId,omitempty"`
	From      LifecycleState `json:"from,omitempty"`
	To        LifecycleState `json:"to"`
	Reason    string         `json:"reason,omitempty"`
}

// LogPayload is the body of run.log.emitted events.
type LogPayload struct {
	MachineID string `json:"machineId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	RunID     string `json:"runId,omitempty"`
	Level     string `json:"level,omitempty"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
}

// ToolCallPayload is the body of run.tool.started and
// run.tool.completed events.
type ToolCallPayload struct {
	MachineID   string `json:"machineId,omitempty"`
	RunID       string `json:"runId"`
	ToolCallID  string `json:"toolCallId"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status,omitempty"`
	StartedAt   string `json:"startedAt,omitempty"`
	CompletedAt string `json:"completedAt,omitempty"`
	DurationMs  int64  `json:"durationMs,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ModelUsagePayload is the body of run.model.usage events. Token
// counts are per-event deltas; projections accumulate them.
type ModelUsagePayload struct {
	MachineID        string   `json:"machineId,omitempty"`
	RunID            string   `json:"runId"`
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	InputTokens      int64    `json:"inputTokens"`
	OutputTokens     int64    `json:"outputTokens"`
	CacheReadTokens  int64    `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64    `json:"cacheWriteTokens,omitempty"`
	EstimatedCostUSD *float64 `json:"estimatedCostUsd,omitempty"`
}

// ResourceUsagePayload is the body of run.resource.usage events.
type ResourceUsagePayload struct {
	MachineID string    `json:"machineId,omitempty"`
	RunID     string    `json:"runId"`
	Resource  *Resource `json:"resource,omitempty"`
}

// SpanPayload is the body of trace.span.recorded events.
type SpanPayload struct {
	MachineID  string            `json:"machineId,omitempty"`
	Name       string            `json:"name"`
	StartTs    string            `json:"startTs,omitempty"`
	EndTs      string            `json:"endTs,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MachinePayload decodes the payload of a machine event.
func (e *Envelope) MachinePayload() (*MachinePayload, error) {
	var p MachinePayload
	if err := e.decodePayload(&p); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

// StateChangePayload decodes the payload of a state change event.
func (e *Envelope) StateChangePayload() (*StateChangePayload, error) {
	var p StateChangePayload
	if err := e.decodePayload(&p); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

// LogPayload decodes the payload of a log event.
func (e *Envelope) LogPayload() (*LogPayload, error) {
	var p LogPayload
	if err := e.decodePayload(&p); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

// ToolCallPayload decodes the payload of a tool call event.
func (e *Envelope) ToolCallPayload() (*ToolCallPayload, error) {
	var p ToolCallPayload
	if err := e.decodePayload(&p); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

// ModelUsagePayload decodes the payload of a model usage event.
func (e *Envelope) ModelUsagePayload() (*ModelUsagePayload, error) {
	var p ModelUsagePayload
	if err := e.decodePayload(&p); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

// SpanPayload decodes the payload of a span event.
func (e *Envelope) SpanPayload() (*SpanPayload, error) {
	var p SpanPayload
	if err := e.decodePayload(&p); err != nil {
		return nil, trace.Wrap(err)
	}
	return &p, nil
}

func (e *Envelope) decodePayload(out any) error {
	if len(e.Payload) == 0 {
		return trace.NotFound("event %v has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

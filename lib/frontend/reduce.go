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

package frontend

import (
	"fmt"
	"time"

	"github.com/patzehq/patze/lib/projector"
	"github.com/patzehq/patze/lib/telemetry"
)

// Reduce folds one event into a snapshot and returns the successor
// snapshot. The input snapshot is never mutated. Reductions are
// deterministic: the same prev and event always yield the same next.
func Reduce(prev *Snapshot, env *telemetry.Envelope, ctx ReduceContext) *Snapshot {
	ctx.setDefaults()
	next := prev.clone()

	switch env.Type {
	case telemetry.EventMachineRegistered, telemetry.EventMachineHeartbeat:
		reduceMachine(next, env)
	case telemetry.EventSessionState:
		reduceSession(next, env)
	case telemetry.EventRunState:
		reduceRun(next, env)
	case telemetry.EventRunLog:
		reduceLog(next, env, ctx)
	case telemetry.EventRunToolStarted, telemetry.EventRunToolCompleted:
		reduceToolCall(next, env, ctx)
	case telemetry.EventRunModelUsage:
		reduceModelUsage(next, env)
	}

	// heartbeats keep the feed quiet
	if env.Type != telemetry.EventMachineHeartbeat {
		next.RecentEvents = append(next.RecentEvents, EventSummary{
			ID:        env.ID,
			TS:        env.TS,
			MachineID: env.MachineID,
			Type:      env.Type,
			Severity:  env.Severity,
			Summary:   summarize(env),
		})
		if len(next.RecentEvents) > ctx.MaxRecentEvents {
			next.RecentEvents = next.RecentEvents[len(next.RecentEvents)-ctx.MaxRecentEvents:]
		}
	}

	if env.TS.After(next.LastUpdated) {
		next.LastUpdated = env.TS
	}
	next.ActiveRuns = activeRuns(next.Runs)
	next.Health = deriveHealth(next.Machines, next.Runs)
	return next
}

// ReduceAll folds a sequence of events in order.
func ReduceAll(prev *Snapshot, envs []*telemetry.Envelope, ctx ReduceContext) *Snapshot {
	snap := prev
	for _, env := range envs {
		snap = Reduce(snap, env, ctx)
	}
	return snap
}

func reduceMachine(next *Snapshot, env *telemetry.Envelope) {
	payload := machinePayload(env)

	idx := -1
	for i := range next.Machines {
		if next.Machines[i].ID == env.MachineID {
			idx = i
			break
		}
	}
	if idx < 0 {
		next.Machines = append(next.Machines, projector.Machine{ID: env.MachineID})
		idx = len(next.Machines) - 1
	}
	machine := &next.Machines[idx]

	registered := env.Type == telemetry.EventMachineRegistered
	if payload.Name != "" || registered {
		machine.Name = payload.Name
	}
	if payload.Kind != "" || registered {
		machine.Kind = payload.Kind
	}
	switch {
	case payload.Status != "":
		machine.Status = payload.Status
	case machine.Status == "":
		machine.Status = telemetry.MachineOnline
	}
	if payload.Resource != nil {
		machine.LastResource = payload.Resource
	}
	machine.LastSeenAt = env.TS
	machine.LastEventID = env.ID
	sortMachines(next.Machines)
}

func reduceSession(next *Snapshot, env *telemetry.Envelope) {
	payload, err := env.StateChangePayload()
	if err != nil || payload.SessionID == "" {
		return
	}

	idx := -1
	for i := range next.Sessions {
		if next.Sessions[i].ID == payload.SessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		next.Sessions = append(next.Sessions, projector.Session{
			ID:        payload.SessionID,
			MachineID: env.MachineID,
			CreatedAt: env.TS,
		})
		idx = len(next.Sessions) - 1
	}
	session := &next.Sessions[idx]
	if payload.AgentID != "" {
		session.AgentID = payload.AgentID
	}
	session.State = payload.To
	session.UpdatedAt = env.TS
	session.LastEventID = env.ID
	if payload.To.Terminal() {
		endedAt := env.TS
		session.EndedAt = &endedAt
	}
	sortSessions(next.Sessions)
}

func reduceRun(next *Snapshot, env *telemetry.Envelope) {
	payload, err := env.StateChangePayload()
	if err != nil || payload.RunID == "" {
		return
	}

	idx := -1
	for i := range next.Runs {
		if next.Runs[i].ID == payload.RunID {
			idx = i
			break
		}
	}
	if idx < 0 {
		next.Runs = append(next.Runs, projector.Run{
			ID:        payload.RunID,
			MachineID: env.MachineID,
			CreatedAt: env.TS,
		})
		idx = len(next.Runs) - 1
	}
	run := &next.Runs[idx]
	if payload.SessionID != "" {
		run.SessionID = payload.SessionID
	}
	if payload.AgentID != "" {
		run.AgentID = payload.AgentID
	}
	run.State = payload.To
	run.UpdatedAt = env.TS
	run.LastEventID = env.ID
	if payload.To == telemetry.StateFailed && payload.Reason != "" {
		run.FailureReason = payload.Reason
	}
	if payload.To.Terminal() {
		endedAt := env.TS
		run.EndedAt = &endedAt
	}
	sortRuns(next.Runs)
}

func reduceLog(next *Snapshot, env *telemetry.Envelope, ctx ReduceContext) {
	payload, err := env.LogPayload()
	if err != nil {
		return
	}
	next.Logs = append(next.Logs, LogLine{
		TS:        env.TS,
		MachineID: env.MachineID,
		RunID:     payload.RunID,
		SessionID: payload.SessionID,
		Level:     payload.Level,
		Message:   payload.Message,
		Source:    payload.Source,
	})
	if len(next.Logs) > ctx.MaxLogs {
		next.Logs = next.Logs[len(next.Logs)-ctx.MaxLogs:]
	}
}

func reduceToolCall(next *Snapshot, env *telemetry.Envelope, ctx ReduceContext) {
	payload, err := env.ToolCallPayload()
	if err != nil || payload.RunID == "" {
		return
	}

	detail := next.RunDetails[payload.RunID]
	detail.RunID = payload.RunID

	idx := -1
	for i := range detail.ToolCalls {
		if detail.ToolCalls[i].ID == payload.ToolCallID {
			idx = i
			break
		}
	}

	if env.Type == telemetry.EventRunToolStarted {
		call := toolCall(payload, env.TS)
		if idx >= 0 {
			detail.ToolCalls[idx] = call
		} else {
			detail.ToolCalls = append(detail.ToolCalls, call)
		}
	} else {
		if idx < 0 {
			detail.ToolCalls = append(detail.ToolCalls, toolCall(payload, env.TS))
			idx = len(detail.ToolCalls) - 1
		}
		call := &detail.ToolCalls[idx]
		call.Status = payload.Status
		if call.Status == "" {
			call.Status = "completed"
		}
		completedAt := env.TS
		call.CompletedAt = &completedAt
		call.DurationMs = payload.DurationMs
		call.Error = payload.Error
	}

	for len(detail.ToolCalls) > ctx.MaxToolCalls {
		earliest := 0
		for i := range detail.ToolCalls {
			if detail.ToolCalls[i].StartedAt.Before(detail.ToolCalls[earliest].StartedAt) {
				earliest = i
			}
		}
		detail.ToolCalls = append(detail.ToolCalls[:earliest], detail.ToolCalls[earliest+1:]...)
	}
	next.RunDetails[payload.RunID] = detail
}

func reduceModelUsage(next *Snapshot, env *telemetry.Envelope) {
	payload, err := env.ModelUsagePayload()
	if err != nil || payload.RunID == "" {
		return
	}

	detail := next.RunDetails[payload.RunID]
	detail.RunID = payload.RunID
	if detail.ModelUsage == nil {
		detail.ModelUsage = &projector.ModelUsage{}
	}
	usage := detail.ModelUsage
	usage.Provider = payload.Provider
	usage.Model = payload.Model
	usage.InputTokens += payload.InputTokens
	usage.OutputTokens += payload.OutputTokens
	usage.CacheReadTokens += payload.CacheReadTokens
	usage.CacheWriteTokens += payload.CacheWriteTokens
	if payload.EstimatedCostUSD != nil {
		usage.EstimatedCostUSD += *payload.EstimatedCostUSD
	}
	usage.Events++
	next.RunDetails[payload.RunID] = detail
}

// summarize renders the fixed per-type feed line.
func summarize(env *telemetry.Envelope) string {
	switch env.Type {
	case telemetry.EventMachineRegistered:
		payload := machinePayload(env)
		if payload.Name != "" {
			return fmt.Sprintf("machine %s registered as %q", env.MachineID, payload.Name)
		}
		return fmt.Sprintf("machine %s registered", env.MachineID)

	case telemetry.EventAgentStateChanged:
		payload, err := env.StateChangePayload()
		if err != nil {
			return string(env.Type)
		}
		return fmt.Sprintf("agent %s: %s → %s", payload.AgentID, orUnknown(string(payload.From)), payload.To)

	case telemetry.EventSessionState:
		payload, err := env.StateChangePayload()
		if err != nil {
			return string(env.Type)
		}
		return fmt.Sprintf("session %s: %s → %s", payload.SessionID, orUnknown(string(payload.From)), payload.To)

	case telemetry.EventRunState:
		payload, err := env.StateChangePayload()
		if err != nil {
			return string(env.Type)
		}
		return fmt.Sprintf("run %s: %s → %s", payload.RunID, orUnknown(string(payload.From)), payload.To)

	case telemetry.EventRunLog:
		payload, err := env.LogPayload()
		if err != nil {
			return string(env.Type)
		}
		return fmt.Sprintf("log %s: %s", orUnknown(payload.Level), truncate(payload.Message, 120))

	case telemetry.EventRunToolStarted:
		payload, err := env.ToolCallPayload()
		if err != nil {
			return string(env.Type)
		}
		return fmt.Sprintf("run %s tool %s started", payload.RunID, payload.Name)

	case telemetry.EventRunToolCompleted:
		payload, err := env.ToolCallPayload()
		if err != nil {
			return string(env.Type)
		}
		status := payload.Status
		if status == "" {
			status = "completed"
		}
		return fmt.Sprintf("run %s tool call %s %s", payload.RunID, payload.ToolCallID, status)

	case telemetry.EventRunModelUsage:
		payload, err := env.ModelUsagePayload()
		if err != nil {
			return string(env.Type)
		}
		return fmt.Sprintf("run %s used %d+%d tokens (%s/%s)",
			payload.RunID, payload.InputTokens, payload.OutputTokens, payload.Provider, payload.Model)

	case telemetry.EventRunResourceUsage:
		return fmt.Sprintf("resource sample from %s", env.MachineID)

	case telemetry.EventTraceSpan:
		payload, err := env.SpanPayload()
		if err != nil {
			return string(env.Type)
		}
		return fmt.Sprintf("span %s recorded", payload.Name)
	}
	return string(env.Type)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func machinePayload(env *telemetry.Envelope) telemetry.MachinePayload {
	if len(env.Payload) == 0 {
		return telemetry.MachinePayload{}
	}
	decoded, err := env.MachinePayload()
	if err != nil {
		return telemetry.MachinePayload{}
	}
	return *decoded
}

func toolCall(payload *telemetry.ToolCallPayload, fallback time.Time) projector.ToolCall {
	startedAt := fallback
	if payload.StartedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, payload.StartedAt); err == nil {
			startedAt = ts.UTC()
		}
	}
	return projector.ToolCall{
		ID:        payload.ToolCallID,
		Name:      payload.Name,
		Status:    "running",
		StartedAt: startedAt,
	}
}

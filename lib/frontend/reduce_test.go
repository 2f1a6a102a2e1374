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
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze/lib/telemetry"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func event(t *testing.T, ts time.Time, typ telemetry.EventType, machineID string, payload any) *telemetry.Envelope {
	t.Helper()
	env, err := telemetry.NewEnvelope(ts, typ, telemetry.SeverityInfo, machineID, payload)
	require.NoError(t, err)
	return env
}

func heartbeat(t *testing.T, ts time.Time, machineID string) *telemetry.Envelope {
	t.Helper()
	return event(t, ts, telemetry.EventMachineHeartbeat, machineID, telemetry.MachinePayload{
		Status:   telemetry.MachineOnline,
		Resource: &telemetry.Resource{CPUPct: 10, MemoryBytes: 1 << 20, MemoryPct: 40},
	})
}

func TestReduceHeartbeatAndRunLifecycle(t *testing.T) {
	events := []*telemetry.Envelope{
		event(t, t0, telemetry.EventMachineRegistered, "m-1", telemetry.MachinePayload{
			Status: telemetry.MachineOnline,
		}),
		event(t, t0.Add(time.Second), telemetry.EventRunState, "m-1", telemetry.StateChangePayload{
			RunID: "r-1", To: telemetry.StateRunning,
		}),
		event(t, t0.Add(2*time.Second), telemetry.EventRunState, "m-1", telemetry.StateChangePayload{
			RunID: "r-1", From: telemetry.StateRunning, To: telemetry.StateCompleted,
		}),
	}

	snap := ReduceAll(NewSnapshot(), events, ReduceContext{})

	require.Len(t, snap.Machines, 1)
	require.Equal(t, "m-1", snap.Machines[0].ID)

	require.Len(t, snap.Runs, 1)
	require.Equal(t, telemetry.StateCompleted, snap.Runs[0].State)
	require.NotNil(t, snap.Runs[0].EndedAt)
	require.Equal(t, t0.Add(2*time.Second), *snap.Runs[0].EndedAt)

	require.Empty(t, snap.ActiveRuns)
	require.Equal(t, HealthHealthy, snap.Health.Overall)
	require.Equal(t, t0.Add(2*time.Second), snap.LastUpdated)

	for _, summary := range snap.RecentEvents {
		require.NotEqual(t, telemetry.EventMachineHeartbeat, summary.Type)
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	base := ReduceAll(NewSnapshot(), []*telemetry.Envelope{
		event(t, t0, telemetry.EventMachineRegistered, "m-1", telemetry.MachinePayload{Status: telemetry.MachineOnline}),
		event(t, t0, telemetry.EventRunState, "m-1", telemetry.StateChangePayload{RunID: "r-1", To: telemetry.StateRunning}),
	}, ReduceContext{})

	before, err := json.Marshal(base)
	require.NoError(t, err)

	_ = Reduce(base, event(t, t0.Add(time.Minute), telemetry.EventRunState, "m-1", telemetry.StateChangePayload{
		RunID: "r-1", To: telemetry.StateFailed, Reason: "boom",
	}), ReduceContext{})

	after, err := json.Marshal(base)
	require.NoError(t, err)
	require.JSONEq(t, string(before), string(after))
}

func TestReduceDeterminism(t *testing.T) {
	var events []*telemetry.Envelope
	for i := 0; i < 40; i++ {
		machineID := fmt.Sprintf("m-%d", i%3)
		events = append(events,
			heartbeat(t, t0.Add(time.Duration(i)*time.Second), machineID),
			event(t, t0.Add(time.Duration(i)*time.Second), telemetry.EventRunState, machineID, telemetry.StateChangePayload{
				RunID: fmt.Sprintf("r-%d", i%5), To: telemetry.StateRunning,
			}),
		)
	}

	a := ReduceAll(NewSnapshot(), events, ReduceContext{})
	b := ReduceAll(NewSnapshot(), events, ReduceContext{})

	aJSON, err := json.Marshal(a)
	require.NoError(t, err)
	bJSON, err := json.Marshal(b)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(string(aJSON), string(bJSON)))
}

func TestReduceMachineSortOrder(t *testing.T) {
	snap := ReduceAll(NewSnapshot(), []*telemetry.Envelope{
		heartbeat(t, t0, "m-charlie"),
		heartbeat(t, t0.Add(time.Second), "m-alpha"),
		heartbeat(t, t0.Add(2*time.Second), "m-bravo"),
	}, ReduceContext{})

	require.Equal(t, "m-alpha", snap.Machines[0].ID)
	require.Equal(t, "m-bravo", snap.Machines[1].ID)
	require.Equal(t, "m-charlie", snap.Machines[2].ID)

	require.Equal(t, "m-alpha", snap.Health.Machines[0].MachineID)
	require.Equal(t, "m-charlie", snap.Health.Machines[2].MachineID)
}

func TestReduceRunsSortedNewestFirst(t *testing.T) {
	snap := ReduceAll(NewSnapshot(), []*telemetry.Envelope{
		event(t, t0, telemetry.EventRunState, "m-1", telemetry.StateChangePayload{RunID: "r-a", To: telemetry.StateRunning}),
		event(t, t0.Add(time.Minute), telemetry.EventRunState, "m-1", telemetry.StateChangePayload{RunID: "r-b", To: telemetry.StateRunning}),
		// tie on updatedAt breaks by id
		event(t, t0.Add(time.Minute), telemetry.EventRunState, "m-1", telemetry.StateChangePayload{RunID: "r-a2", To: telemetry.StateRunning}),
	}, ReduceContext{})

	require.Equal(t, "r-a2", snap.Runs[0].ID)
	require.Equal(t, "r-b", snap.Runs[1].ID)
	require.Equal(t, "r-a", snap.Runs[2].ID)
}

func TestReduceLogBound(t *testing.T) {
	snap := NewSnapshot()
	ctx := ReduceContext{MaxLogs: 5}
	for i := 0; i < 8; i++ {
		snap = Reduce(snap, event(t, t0.Add(time.Duration(i)*time.Second), telemetry.EventRunLog, "m-1", telemetry.LogPayload{
			Message: fmt.Sprintf("line %d", i),
		}), ctx)
	}
	require.Len(t, snap.Logs, 5)
	require.Equal(t, "line 3", snap.Logs[0].Message)
	require.Equal(t, "line 7", snap.Logs[4].Message)
}

func TestReduceRecentEventsBound(t *testing.T) {
	snap := NewSnapshot()
	ctx := ReduceContext{MaxRecentEvents: 3}
	for i := 0; i < 6; i++ {
		snap = Reduce(snap, event(t, t0.Add(time.Duration(i)*time.Second), telemetry.EventRunState, "m-1", telemetry.StateChangePayload{
			RunID: fmt.Sprintf("r-%d", i), To: telemetry.StateRunning,
		}), ctx)
	}
	require.Len(t, snap.RecentEvents, 3)
	require.Contains(t, snap.RecentEvents[2].Summary, "r-5")
}

func TestReduceHealthDerivation(t *testing.T) {
	// no machines
	require.Equal(t, HealthUnknown, NewSnapshot().Health.Overall)

	// healthy fleet
	snap := ReduceAll(NewSnapshot(), []*telemetry.Envelope{heartbeat(t, t0, "m-1")}, ReduceContext{})
	require.Equal(t, HealthHealthy, snap.Health.Overall)

	// a degraded machine degrades the fleet
	snap = Reduce(snap, event(t, t0.Add(time.Second), telemetry.EventMachineHeartbeat, "m-2", telemetry.MachinePayload{
		Status:   telemetry.MachineDegraded,
		Resource: &telemetry.Resource{CPUPct: 99, MemoryBytes: 1, MemoryPct: 99},
	}), ReduceContext{})
	require.Equal(t, HealthDegraded, snap.Health.Overall)

	// an offline machine is critical
	snap = Reduce(snap, event(t, t0.Add(2*time.Second), telemetry.EventMachineHeartbeat, "m-3", telemetry.MachinePayload{
		Status:   telemetry.MachineOffline,
		Resource: &telemetry.Resource{CPUPct: 0, MemoryBytes: 1, MemoryPct: 0},
	}), ReduceContext{})
	require.Equal(t, HealthCritical, snap.Health.Overall)
}

func TestReduceFailedRunIsCritical(t *testing.T) {
	snap := ReduceAll(NewSnapshot(), []*telemetry.Envelope{
		heartbeat(t, t0, "m-1"),
		event(t, t0.Add(time.Second), telemetry.EventRunState, "m-1", telemetry.StateChangePayload{
			RunID: "r-1", To: telemetry.StateFailed, Reason: "exploded",
		}),
	}, ReduceContext{})

	require.Equal(t, HealthCritical, snap.Health.Overall)
	require.Equal(t, "exploded", snap.Runs[0].FailureReason)
}

func TestReduceModelUsageAccumulation(t *testing.T) {
	cost := 0.10
	snap := ReduceAll(NewSnapshot(), []*telemetry.Envelope{
		event(t, t0, telemetry.EventRunModelUsage, "m-1", telemetry.ModelUsagePayload{
			RunID: "r-1", Provider: "anthropic", Model: "sonnet",
			InputTokens: 10, OutputTokens: 5, EstimatedCostUSD: &cost,
		}),
		event(t, t0.Add(time.Second), telemetry.EventRunModelUsage, "m-1", telemetry.ModelUsagePayload{
			RunID: "r-1", Provider: "anthropic", Model: "sonnet",
			InputTokens: 20, OutputTokens: 15,
		}),
	}, ReduceContext{})

	usage := snap.RunDetails["r-1"].ModelUsage
	require.NotNil(t, usage)
	require.Equal(t, int64(30), usage.InputTokens)
	require.Equal(t, int64(20), usage.OutputTokens)
	require.Equal(t, 0.10, usage.EstimatedCostUSD)
}

func TestReduceToolCallEviction(t *testing.T) {
	snap := NewSnapshot()
	ctx := ReduceContext{MaxToolCalls: 2}
	for i := 0; i < 4; i++ {
		snap = Reduce(snap, event(t, t0.Add(time.Duration(i)*time.Second), telemetry.EventRunToolStarted, "m-1", telemetry.ToolCallPayload{
			RunID: "r-1", ToolCallID: fmt.Sprintf("t-%d", i), Name: "bash",
		}), ctx)
	}
	calls := snap.RunDetails["r-1"].ToolCalls
	require.Len(t, calls, 2)
	require.Equal(t, "t-2", calls[0].ID)
	require.Equal(t, "t-3", calls[1].ID)
}

func TestPrunedDropsGhostMachines(t *testing.T) {
	snap := ReduceAll(NewSnapshot(), []*telemetry.Envelope{
		heartbeat(t, t0, "m-ghost"), // unnamed, stale below
		event(t, t0, telemetry.EventMachineRegistered, "m-named", telemetry.MachinePayload{
			Name: "keeper", Status: telemetry.MachineOnline,
		}),
	}, ReduceContext{})

	// 3 minutes later the unnamed machine is a ghost
	now := t0.Add(3 * time.Minute)
	pruned := snap.Pruned(now)

	require.Len(t, pruned.Machines, 1)
	require.Equal(t, "m-named", pruned.Machines[0].ID)
	require.Len(t, pruned.Health.Machines, 1)

	// the unpruned snapshot is untouched
	require.Len(t, snap.Machines, 2)
}

func TestPrunedKeepsMachineWithRecentRun(t *testing.T) {
	snap := ReduceAll(NewSnapshot(), []*telemetry.Envelope{
		heartbeat(t, t0, "m-busy"),
		event(t, t0.Add(2*time.Minute+30*time.Second), telemetry.EventRunState, "m-busy", telemetry.StateChangePayload{
			RunID: "r-1", To: telemetry.StateRunning,
		}),
	}, ReduceContext{})

	// heartbeat is stale but the run is fresh
	now := t0.Add(3 * time.Minute)
	pruned := snap.Pruned(now)
	require.Len(t, pruned.Machines, 1)
}

func TestPrunedNoGhostsReturnsSameSnapshot(t *testing.T) {
	snap := ReduceAll(NewSnapshot(), []*telemetry.Envelope{heartbeat(t, t0, "m-1")}, ReduceContext{})
	require.Same(t, snap, snap.Pruned(t0.Add(time.Second)))
}

func TestSummaryFormulas(t *testing.T) {
	env := event(t, t0, telemetry.EventRunState, "m-1", telemetry.StateChangePayload{
		RunID: "r-1", From: telemetry.StateRunning, To: telemetry.StateCompleted,
	})
	require.Equal(t, "run r-1: running → completed", summarize(env))

	env = event(t, t0, telemetry.EventRunState, "m-1", telemetry.StateChangePayload{
		RunID: "r-1", To: telemetry.StateRunning,
	})
	require.Equal(t, "run r-1: unknown → running", summarize(env))

	env = event(t, t0, telemetry.EventMachineRegistered, "m-1", telemetry.MachinePayload{Name: "builder"})
	require.Equal(t, `machine m-1 registered as "builder"`, summarize(env))
}

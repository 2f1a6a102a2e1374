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

package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze/lib/frontend"
	"github.com/patzehq/patze/lib/projector"
	"github.com/patzehq/patze/lib/telemetry"
)

func TestIngestProjectsReadModels(t *testing.T) {
	t.Parallel()
	p := newTestPlane(t, nil)

	p.ingest(t, p.newEnvelope(t, telemetry.EventMachineRegistered, "m-1", telemetry.MachinePayload{
		Name:   "builder-1",
		Kind:   telemetry.MachineKindVPS,
		Status: telemetry.MachineOnline,
	}))
	p.ingest(t, p.newEnvelope(t, telemetry.EventSessionState, "m-1", telemetry.StateChangePayload{
		SessionID: "s-1",
		AgentID:   "agent-1",
		To:        telemetry.StateRunning,
	}))
	p.ingest(t, p.newEnvelope(t, telemetry.EventRunState, "m-1", telemetry.StateChangePayload{
		SessionID: "s-1",
		RunID:     "r-1",
		AgentID:   "agent-1",
		To:        telemetry.StateRunning,
	}))
	p.ingest(t, p.newEnvelope(t, telemetry.EventRunToolStarted, "m-1", telemetry.ToolCallPayload{
		RunID:      "r-1",
		ToolCallID: "tc-1",
		Name:       "bash",
	}))
	p.ingest(t, p.newEnvelope(t, telemetry.EventRunToolCompleted, "m-1", telemetry.ToolCallPayload{
		RunID:      "r-1",
		ToolCallID: "tc-1",
		Name:       "bash",
		Status:     "ok",
		DurationMs: 420,
	}))

	var machines listMachinesResponse
	require.Equal(t, http.StatusOK, p.get(t, "/machines", &machines))
	require.Len(t, machines.Machines, 1)
	require.Equal(t, "builder-1", machines.Machines[0].Name)

	var machine projector.Machine
	require.Equal(t, http.StatusOK, p.get(t, "/machines/m-1", &machine))
	require.Equal(t, telemetry.MachineKindVPS, machine.Kind)

	require.Equal(t, http.StatusNotFound, p.get(t, "/machines/m-404", nil))

	var sessions listSessionsResponse
	require.Equal(t, http.StatusOK, p.get(t, "/sessions", &sessions))
	require.Len(t, sessions.Sessions, 1)
	require.Equal(t, "s-1", sessions.Sessions[0].ID)

	var runs listRunsResponse
	require.Equal(t, http.StatusOK, p.get(t, "/runs", &runs))
	require.Len(t, runs.Runs, 1)

	var detail runDetailResponse
	require.Equal(t, http.StatusOK, p.get(t, "/runs/r-1", &detail))
	require.Equal(t, "r-1", detail.Run.ID)
	require.Len(t, detail.Detail.ToolCalls, 1)
	require.Equal(t, int64(420), detail.Detail.ToolCalls[0].DurationMs)

	require.Equal(t, http.StatusNotFound, p.get(t, "/runs/r-404", nil))

	var snapshot frontend.Snapshot
	require.Equal(t, http.StatusOK, p.get(t, "/snapshot", &snapshot))
	require.Len(t, snapshot.Machines, 1)
	require.Len(t, snapshot.Runs, 1)
}

func TestIngestRejectionShapes(t *testing.T) {
	t.Parallel()
	p := newTestPlane(t, nil)

	// machine.registered is the one type that is valid without a
	// payload, which makes it the cleanest base for mutations.
	valid := func() map[string]any {
		env := p.newEnvelope(t, telemetry.EventMachineRegistered, "m-1", nil)
		data, err := json.Marshal(env)
		require.NoError(t, err)
		var generic map[string]any
		require.NoError(t, json.Unmarshal(data, &generic))
		return generic
	}

	testCases := []struct {
		comment string
		mutate  func(map[string]any)
		raw     string
		code    string
	}{
		{
			comment: "unparsable body",
			raw:     "{nope",
			code:    telemetry.CodeInvalidEnvelope,
		},
		{
			comment: "wrong schema version",
			mutate:  func(e map[string]any) { e["version"] = "telemetry.v0" },
			code:    telemetry.CodeInvalidSchemaVersion,
		},
		{
			comment: "unknown event type",
			mutate:  func(e map[string]any) { e["type"] = "machine.rebooted" },
			code:    telemetry.CodeInvalidEventType,
		},
		{
			comment: "missing machine id",
			mutate:  func(e map[string]any) { delete(e, "machineId") },
			code:    telemetry.CodeMissingMachineID,
		},
		{
			comment: "bad severity",
			mutate:  func(e map[string]any) { e["severity"] = "loud" },
			code:    telemetry.CodeInvalidSeverity,
		},
		{
			comment: "oversized payload",
			mutate: func(e map[string]any) {
				e["payload"] = map[string]any{"blob": strings.Repeat("x", 600*1024)}
			},
			code: telemetry.CodeInvalidEnvelope,
		},
	}
	for _, tc := range testCases {
		body := tc.raw
		if body == "" {
			generic := valid()
			tc.mutate(generic)
			data, err := json.Marshal(generic)
			require.NoError(t, err)
			body = string(data)
		}
		var rejection telemetry.RejectionError
		status := p.roundTripRaw(t, http.MethodPost, "/ingest", strings.NewReader(body), &rejection)
		require.Equal(t, http.StatusBadRequest, status, tc.comment)
		require.Equal(t, tc.code, rejection.Code, tc.comment)
		require.NotEmpty(t, rejection.Message, tc.comment)
	}

	// Nothing invalid reached the store.
	require.Zero(t, p.store.Len())
}

func TestIngestDuplicateIsIdempotent(t *testing.T) {
	t.Parallel()
	p := newTestPlane(t, nil)

	env := p.heartbeat(t, "m-1")
	p.ingest(t, env)
	p.ingest(t, env)

	var health healthStatus
	require.Equal(t, http.StatusOK, p.get(t, "/healthz", &health))
	require.Equal(t, uint64(1), health.Store.Appended)
	require.Equal(t, uint64(1), health.Store.Duplicates)
	require.Equal(t, uint64(1), health.EventsApplied)
}

func TestIngestBatchMixed(t *testing.T) {
	t.Parallel()
	p := newTestPlane(t, nil)

	good1, err := json.Marshal(p.newEnvelope(t, telemetry.EventMachineRegistered, "m-1", nil))
	require.NoError(t, err)
	good2, err := json.Marshal(p.newEnvelope(t, telemetry.EventMachineRegistered, "m-2", nil))
	require.NoError(t, err)
	body := fmt.Sprintf(`{"events": [%s, {"version": "telemetry.v9"}, %s]}`, good1, good2)

	var resp batchIngestResponse
	status := p.roundTripRaw(t, http.MethodPost, "/ingest/batch", bytes.NewReader([]byte(body)), &resp)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 2, resp.Accepted)
	require.Len(t, resp.Rejected, 1)
	require.Equal(t, 1, resp.Rejected[0].Index)
	require.Equal(t, telemetry.CodeInvalidSchemaVersion, resp.Rejected[0].Code)
	require.Equal(t, 2, p.store.Len())
}

func TestSnapshotPrunesGhosts(t *testing.T) {
	t.Parallel()
	p := newTestPlane(t, nil)

	// A machine that registered without ever identifying itself.
	p.ingest(t, p.newEnvelope(t, telemetry.EventMachineRegistered, "m-ghost", telemetry.MachinePayload{
		Status: telemetry.MachineOnline,
	}))
	p.ingest(t, p.newEnvelope(t, telemetry.EventMachineRegistered, "m-real", telemetry.MachinePayload{
		Name:   "builder-1",
		Status: telemetry.MachineOnline,
	}))

	var snapshot frontend.Snapshot
	require.Equal(t, http.StatusOK, p.get(t, "/snapshot", &snapshot))
	require.Len(t, snapshot.Machines, 2)

	// Quiet for a long time: the unnamed ghost drops out of the
	// snapshot, the named machine stays, the event history is
	// untouched.
	p.clock.Advance(time.Hour)
	require.Equal(t, http.StatusOK, p.get(t, "/snapshot", &snapshot))
	require.Len(t, snapshot.Machines, 1)
	require.Equal(t, "m-real", snapshot.Machines[0].ID)
	require.Equal(t, 2, p.store.Len())
}

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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// envelopeJSON builds a minimal valid heartbeat envelope and lets each
// test case overwrite individual fields.
func envelopeJSON(t *testing.T, overrides map[string]any) []byte {
	t.Helper()
	base := map[string]any{
		"version":   "telemetry.v1",
		"id":        "ev-1",
		"ts":        "2026-03-01T10:00:00Z",
		"machineId": "m-1",
		"severity":  "info",
		"type":      "machine.heartbeat",
		"payload": map[string]any{
			"machineId": "m-1",
			"status":    "online",
			"resource": map[string]any{
				"cpuPct":      12.5,
				"memoryBytes": 1024,
				"memoryPct":   50.0,
			},
		},
	}
	for k, v := range overrides {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	data, err := json.Marshal(base)
	require.NoError(t, err)
	return data
}

func TestParseAndValidateAccepts(t *testing.T) {
	env, err := ParseAndValidate(envelopeJSON(t, nil))
	require.NoError(t, err)
	require.Equal(t, "ev-1", env.ID)
	require.Equal(t, "m-1", env.MachineID)
	require.Equal(t, EventMachineHeartbeat, env.Type)
	require.Equal(t, SeverityInfo, env.Severity)
	require.Equal(t, time.UTC, env.TS.Location())
}

func TestParseAndValidateNormalizesTimestamp(t *testing.T) {
	env, err := ParseAndValidate(envelopeJSON(t, map[string]any{
		"ts": "2026-03-01T12:00:00+02:00",
	}))
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), env.TS)
}

func TestParseAndValidateRejections(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		code      string
	}{
		{
			name:      "wrong schema version",
			overrides: map[string]any{"version": "telemetry.v2"},
			code:      CodeInvalidSchemaVersion,
		},
		{
			name:      "missing version",
			overrides: map[string]any{"version": nil},
			code:      CodeInvalidSchemaVersion,
		},
		{
			name:      "missing id",
			overrides: map[string]any{"id": nil},
			code:      CodeInvalidEnvelope,
		},
		{
			name:      "id with newline",
			overrides: map[string]any{"id": "ev\n1"},
			code:      CodeInvalidEnvelope,
		},
		{
			name:      "id too long",
			overrides: map[string]any{"id": strings.Repeat("x", 257)},
			code:      CodeInvalidEnvelope,
		},
		{
			name: "missing machine id",
			overrides: map[string]any{
				"machineId": nil,
				"payload":   map[string]any{"resource": map[string]any{"cpuPct": 1.0, "memoryBytes": 1, "memoryPct": 1.0}},
			},
			code: CodeMissingMachineID,
		},
		{
			name:      "bad timestamp",
			overrides: map[string]any{"ts": "yesterday"},
			code:      CodeInvalidTimestamp,
		},
		{
			name:      "unknown severity",
			overrides: map[string]any{"severity": "fatal"},
			code:      CodeInvalidSeverity,
		},
		{
			name:      "unknown event type",
			overrides: map[string]any{"type": "machine.rebooted"},
			code:      CodeInvalidEventType,
		},
		{
			name: "empty trace id",
			overrides: map[string]any{
				"trace": map[string]any{"traceId": ""},
			},
			code: CodeInvalidTrace,
		},
		{
			name: "span event without trace",
			overrides: map[string]any{
				"type":    "trace.span.recorded",
				"payload": map[string]any{"name": "connect"},
			},
			code: CodeInvalidTrace,
		},
		{
			name: "payload machine id mismatch",
			overrides: map[string]any{
				"payload": map[string]any{
					"machineId": "m-other",
					"resource":  map[string]any{"cpuPct": 1.0, "memoryBytes": 1, "memoryPct": 1.0},
				},
			},
			code: CodeInvalidPayload,
		},
		{
			name: "heartbeat without resource",
			overrides: map[string]any{
				"payload": map[string]any{"machineId": "m-1", "status": "online"},
			},
			code: CodeInvalidPayload,
		},
		{
			name: "heartbeat with partial resource",
			overrides: map[string]any{
				"payload": map[string]any{
					"resource": map[string]any{"cpuPct": 1.0},
				},
			},
			code: CodeInvalidPayload,
		},
		{
			name: "model usage without token counts",
			overrides: map[string]any{
				"type": "run.model.usage",
				"payload": map[string]any{
					"runId":    "r-1",
					"provider": "anthropic",
					"model":    "sonnet",
				},
			},
			code: CodeInvalidPayload,
		},
		{
			name: "model usage with negative tokens",
			overrides: map[string]any{
				"type": "run.model.usage",
				"payload": map[string]any{
					"runId":        "r-1",
					"provider":     "anthropic",
					"model":        "sonnet",
					"inputTokens":  -5,
					"outputTokens": 10,
				},
			},
			code: CodeInvalidPayload,
		},
		{
			name: "run state change with unknown state",
			overrides: map[string]any{
				"type": "run.state.changed",
				"payload": map[string]any{
					"runId": "r-1",
					"to":    "exploded",
				},
			},
			code: CodeInvalidPayload,
		},
		{
			name: "tool start without name",
			overrides: map[string]any{
				"type": "run.tool.started",
				"payload": map[string]any{
					"runId":      "r-1",
					"toolCallId": "t-1",
				},
			},
			code: CodeInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAndValidate(envelopeJSON(t, tt.overrides))
			require.Error(t, err)
			rej := AsRejection(err)
			require.Equal(t, tt.code, rej.Code, "message: %s", rej.Message)
		})
	}
}

func TestParseAndValidateMalformedJSON(t *testing.T) {
	_, err := ParseAndValidate([]byte(`{"version": "telemetry.v1",`))
	rej := AsRejection(err)
	require.Equal(t, CodeInvalidEnvelope, rej.Code)

	// wrong top-level type
	_, err = ParseAndValidate([]byte(`[1,2,3]`))
	rej = AsRejection(err)
	require.Equal(t, CodeInvalidEnvelope, rej.Code)
}

func TestParseAndValidateOversizedPayload(t *testing.T) {
	big := strings.Repeat("a", 513*1024)
	raw := envelopeJSON(t, map[string]any{
		"type":    "run.log.emitted",
		"payload": map[string]any{"message": big},
	})
	_, err := ParseAndValidate(raw)
	rej := AsRejection(err)
	require.Equal(t, CodeInvalidEnvelope, rej.Code)
	require.Contains(t, rej.Message, "exceeds")
}

func TestParseAndValidateAllowsBareRegistration(t *testing.T) {
	raw := envelopeJSON(t, map[string]any{
		"type":    "machine.registered",
		"payload": nil,
	})
	env, err := ParseAndValidate(raw)
	require.NoError(t, err)
	require.Equal(t, EventMachineRegistered, env.Type)
}

func TestValidateEnvelopeMirrorsWireRules(t *testing.T) {
	env, err := NewEnvelope(time.Now(), EventRunLog, SeverityInfo, "m-1", LogPayload{Message: "hello"})
	require.NoError(t, err)
	require.NoError(t, ValidateEnvelope(env))

	env.Severity = "loud"
	err = ValidateEnvelope(env)
	require.Equal(t, CodeInvalidSeverity, AsRejection(err).Code)

	env.Severity = SeverityInfo
	env.MachineID = ""
	err = ValidateEnvelope(env)
	require.Equal(t, CodeMissingMachineID, AsRejection(err).Code)
}

func TestRejectionErrorWireShape(t *testing.T) {
	rej := Reject(CodeInvalidTimestamp, "cannot parse ts %q", "xyz")
	data, err := json.Marshal(rej)
	require.NoError(t, err)
	require.JSONEq(t, fmt.Sprintf(`{"code":%q,"message":"cannot parse ts \"xyz\""}`, CodeInvalidTimestamp), string(data))
}

func TestDedupKey(t *testing.T) {
	a := &Envelope{MachineID: "m-1", ID: "e-1"}
	b := &Envelope{MachineID: "m-1", ID: "e-1"}
	c := &Envelope{MachineID: "m-2", ID: "e-1"}
	require.Equal(t, a.DedupKey(), b.DedupKey())
	require.NotEqual(t, a.DedupKey(), c.DedupKey())
}

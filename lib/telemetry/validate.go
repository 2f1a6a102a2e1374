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
	"strings"
	"time"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
)

// wireEnvelope mirrors incoming JSON before any validation, everything
// as loose as the wire allows.
type wireEnvelope struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	TS        string          `json:"ts"`
	MachineID string          `json:"machineId"`
	Severity  string          `json:"severity"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Trace     *Trace          `json:"trace"`
}

// ParseAndValidate turns raw wire bytes into a canonical Envelope.
// Every failure is a *RejectionError carrying one of the Code*
// constants; there is no partial acceptance.
func ParseAndValidate(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, Reject(CodeInvalidEnvelope, "malformed envelope: %v", err)
	}

	if w.Version != patze.TelemetrySchemaVersion {
		return nil, Reject(CodeInvalidSchemaVersion, "unsupported schema version %q", w.Version)
	}

	if err := checkIdentifier("id", w.ID); err != nil {
		return nil, err
	}
	if w.MachineID == "" {
		return nil, Reject(CodeMissingMachineID, "envelope has no machineId")
	}
	if err := checkIdentifier("machineId", w.MachineID); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, w.TS)
	if err != nil {
		return nil, Reject(CodeInvalidTimestamp, "cannot parse ts %q: %v", w.TS, err)
	}

	severity, err := ParseSeverity(w.Severity)
	if err != nil {
		return nil, Reject(CodeInvalidSeverity, "unknown severity %q", w.Severity)
	}

	eventType, err := ParseEventType(w.Type)
	if err != nil {
		return nil, Reject(CodeInvalidEventType, "unknown event type %q", w.Type)
	}

	if err := checkTrace(eventType, w.Trace); err != nil {
		return nil, err
	}

	if len(w.Payload) > defaults.MaxPayloadBytes {
		return nil, Reject(CodeInvalidEnvelope, "payload of %d bytes exceeds the %d byte limit", len(w.Payload), defaults.MaxPayloadBytes)
	}
	if err := validatePayload(eventType, w.MachineID, w.Payload); err != nil {
		return nil, err
	}

	return &Envelope{
		Version:   w.Version,
		ID:        w.ID,
		TS:        ts.UTC(),
		MachineID: w.MachineID,
		Severity:  severity,
		Type:      eventType,
		Payload:   w.Payload,
		Trace:     w.Trace,
	}, nil
}

// ValidateEnvelope applies the ingest rules to an already-decoded
// envelope. Producers use it as a pre-flight before enqueueing into
// the delivery sink.
func ValidateEnvelope(e *Envelope) error {
	if e == nil {
		return Reject(CodeInvalidEnvelope, "envelope is empty")
	}
	if e.Version != patze.TelemetrySchemaVersion {
		return Reject(CodeInvalidSchemaVersion, "unsupported schema version %q", e.Version)
	}
	if err := checkIdentifier("id", e.ID); err != nil {
		return err
	}
	if e.MachineID == "" {
		return Reject(CodeMissingMachineID, "envelope has no machineId")
	}
	if err := checkIdentifier("machineId", e.MachineID); err != nil {
		return err
	}
	if e.TS.IsZero() {
		return Reject(CodeInvalidTimestamp, "envelope has no ts")
	}
	if _, err := ParseSeverity(string(e.Severity)); err != nil {
		return Reject(CodeInvalidSeverity, "unknown severity %q", e.Severity)
	}
	if _, err := ParseEventType(string(e.Type)); err != nil {
		return Reject(CodeInvalidEventType, "unknown event type %q", e.Type)
	}
	if err := checkTrace(e.Type, e.Trace); err != nil {
		return err
	}
	if len(e.Payload) > defaults.MaxPayloadBytes {
		return Reject(CodeInvalidEnvelope, "payload of %d bytes exceeds the %d byte limit", len(e.Payload), defaults.MaxPayloadBytes)
	}
	return validatePayload(e.Type, e.MachineID, e.Payload)
}

func checkIdentifier(field, value string) error {
	code := CodeInvalidEnvelope
	if value == "" {
		return Reject(code, "envelope has no %s", field)
	}
	if len(value) > defaults.MaxIDLength {
		return Reject(code, "%s exceeds %d characters", field, defaults.MaxIDLength)
	}
	if strings.ContainsAny(value, "\n\r") {
		return Reject(code, "%s must not contain newlines", field)
	}
	return nil
}

func checkTrace(eventType EventType, tr *Trace) error {
	if tr == nil {
		if eventType == EventTraceSpan {
			return Reject(CodeInvalidTrace, "event %v requires trace correlation", eventType)
		}
		return nil
	}
	if tr.TraceID == "" {
		return Reject(CodeInvalidTrace, "trace.traceId must not be empty")
	}
	return nil
}

// payloadRequired lists the event types that cannot carry an empty
// payload.
func payloadRequired(t EventType) bool {
	switch t {
	case EventMachineRegistered:
		return false
	}
	return true
}

func validatePayload(eventType EventType, machineID string, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		if payloadRequired(eventType) {
			return Reject(CodeInvalidPayload, "event %v requires a payload", eventType)
		}
		return nil
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return Reject(CodeInvalidPayload, "payload must be a JSON object: %v", err)
	}

	if v, ok := body["machineId"]; ok {
		s, isString := v.(string)
		if !isString {
			return Reject(CodeInvalidPayload, "payload.machineId must be a string")
		}
		if s != "" && s != machineID {
			return Reject(CodeInvalidPayload, "payload.machineId %q does not match envelope machineId %q", s, machineID)
		}
	}

	switch eventType {
	case EventMachineRegistered:
		return checkMachineFields(eventType, body)

	case EventMachineHeartbeat:
		if err := checkMachineFields(eventType, body); err != nil {
			return err
		}
		res, ok := body["resource"].(map[string]any)
		if !ok {
			return Reject(CodeInvalidPayload, "event %v payload missing resource", eventType)
		}
		for _, key := range []string{"cpuPct", "memoryBytes", "memoryPct"} {
			if _, ok := res[key].(float64); !ok {
				return Reject(CodeInvalidPayload, "event %v payload missing resource.%s", eventType, key)
			}
		}

	case EventAgentStateChanged:
		if _, err := requireString(eventType, body, "agentId"); err != nil {
			return err
		}
		if _, err := requireString(eventType, body, "to"); err != nil {
			return err
		}

	case EventSessionState:
		if _, err := requireString(eventType, body, "sessionId"); err != nil {
			return err
		}
		return requireState(eventType, body)

	case EventRunState:
		if _, err := requireString(eventType, body, "runId"); err != nil {
			return err
		}
		return requireState(eventType, body)

	case EventRunLog:
		if _, err := requireString(eventType, body, "message"); err != nil {
			return err
		}

	case EventRunToolStarted:
		for _, key := range []string{"runId", "toolCallId", "name"} {
			if _, err := requireString(eventType, body, key); err != nil {
				return err
			}
		}

	case EventRunToolCompleted:
		for _, key := range []string{"runId", "toolCallId"} {
			if _, err := requireString(eventType, body, key); err != nil {
				return err
			}
		}

	case EventRunModelUsage:
		for _, key := range []string{"runId", "provider", "model"} {
			if _, err := requireString(eventType, body, key); err != nil {
				return err
			}
		}
		for _, key := range []string{"inputTokens", "outputTokens"} {
			n, ok := body[key].(float64)
			if !ok {
				return Reject(CodeInvalidPayload, "event %v payload missing %s", eventType, key)
			}
			if n < 0 {
				return Reject(CodeInvalidPayload, "event %v payload field %s must not be negative", eventType, key)
			}
		}

	case EventRunResourceUsage:
		if _, err := requireString(eventType, body, "runId"); err != nil {
			return err
		}

	case EventTraceSpan:
		if _, err := requireString(eventType, body, "name"); err != nil {
			return err
		}
	}
	return nil
}

func checkMachineFields(eventType EventType, body map[string]any) error {
	if v, ok := body["kind"]; ok {
		s, _ := v.(string)
		if !MachineKind(s).IsValid() {
			return Reject(CodeInvalidPayload, "event %v payload has unknown kind %q", eventType, v)
		}
	}
	if v, ok := body["status"]; ok {
		s, _ := v.(string)
		if !MachineStatus(s).IsValid() {
			return Reject(CodeInvalidPayload, "event %v payload has unknown status %q", eventType, v)
		}
	}
	return nil
}

func requireString(eventType EventType, body map[string]any, key string) (string, error) {
	v, ok := body[key]
	if !ok {
		return "", Reject(CodeInvalidPayload, "event %v payload missing %s", eventType, key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", Reject(CodeInvalidPayload, "event %v payload field %s must be a non-empty string", eventType, key)
	}
	return s, nil
}

func requireState(eventType EventType, body map[string]any) error {
	to, err := requireString(eventType, body, "to")
	if err != nil {
		return err
	}
	if !LifecycleState(to).IsValid() {
		return Reject(CodeInvalidPayload, "event %v payload has unknown state %q", eventType, to)
	}
	if v, ok := body["from"]; ok {
		s, _ := v.(string)
		if s != "" && !LifecycleState(s).IsValid() {
			return Reject(CodeInvalidPayload, "event %v payload has unknown state %q", eventType, v)
		}
	}
	return nil
}

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

// Package telemetry defines the canonical event envelope exchanged
// between bridges and the control plane, and the ingest validator that
// guards it.
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/patzehq/patze"
)

// Severity grades an event for display and filtering.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a wire severity value.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError, SeverityCritical:
		return Severity(s), nil
	}
	return "", trace.BadParameter("unknown severity %q", s)
}

// EventType tags an envelope with the payload schema it carries. The
// set is closed; unknown types are rejected on ingest.
type EventType string

const (
	EventMachineRegistered EventType = "machine.registered"
	EventMachineHeartbeat  EventType = "machine.heartbeat"
	EventAgentStateChanged EventType = "agent.state.changed"
	EventSessionState      EventType = "session.state.changed"
	EventRunState          EventType = "run.state.changed"
	EventRunLog            EventType = "run.log.emitted"
	EventRunToolStarted    EventType = "run.tool.started"
	EventRunToolCompleted  EventType = "run.tool.completed"
	EventRunModelUsage     EventType = "run.model.usage"
	EventRunResourceUsage  EventType = "run.resource.usage"
	EventTraceSpan         EventType = "trace.span.recorded"
)

// ParseEventType validates a wire event type value.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventMachineRegistered, EventMachineHeartbeat, EventAgentStateChanged,
		EventSessionState, EventRunState, EventRunLog,
		EventRunToolStarted, EventRunToolCompleted,
		EventRunModelUsage, EventRunResourceUsage, EventTraceSpan:
		return EventType(s), nil
	}
	return "", trace.BadParameter("unknown event type %q", s)
}

// Trace carries distributed tracing correlation ids.
type Trace struct {
	TraceID      string `json:"traceId"`
	SpanID       string `json:"spanId,omitempty"`
	ParentSpanID string `json:"parentSpanId,omitempty"`
}

// Envelope is one validated telemetry event. Envelopes are immutable
// once stored; every consumer shares the same instance and must not
// mutate it.
type Envelope struct {
	// Version is always patze.TelemetrySchemaVersion.
	Version string `json:"version"`
	// ID is unique per emitting machine; (MachineID, ID) is the
	// dedup key.
	ID string `json:"id"`
	// TS is the emission time, normalized to UTC on ingest.
	TS time.Time `json:"ts"`
	// MachineID is the stable identity of the emitting host.
	MachineID string `json:"machineId"`
	// Severity grades the event.
	Severity Severity `json:"severity"`
	// Type selects the payload schema.
	Type EventType `json:"type"`
	// Payload is the type-specific body, kept raw until a consumer
	// needs it.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Trace is optional correlation metadata; required for span
	// events.
	Trace *Trace `json:"trace,omitempty"`
}

// NewEnvelope builds a producer-side envelope around payload. The
// payload is marshaled immediately so producers learn about bad
// payloads at emit time, not at flush time.
func NewEnvelope(ts time.Time, eventType EventType, severity Severity, machineID string, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		raw = data
	}
	return &Envelope{
		Version:   patze.TelemetrySchemaVersion,
		ID:        uuid.NewString(),
		TS:        ts.UTC(),
		MachineID: machineID,
		Severity:  severity,
		Type:      eventType,
		Payload:   raw,
	}, nil
}

// DedupKey returns the (machineId, id) ingest deduplication key.
func (e *Envelope) DedupKey() string {
	return e.MachineID + "\x00" + e.ID
}

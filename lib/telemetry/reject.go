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
	"errors"
	"fmt"
)

// Rejection codes surfaced to callers when an envelope fails
// validation. Each validation rule maps to exactly one code.
const (
	CodeInvalidEnvelope      = "invalid_envelope"
	CodeInvalidPayload       = "invalid_payload"
	CodeInvalidSchemaVersion = "invalid_schema_version"
	CodeInvalidEventType     = "invalid_event_type"
	CodeMissingMachineID     = "missing_machine_id"
	CodeInvalidTimestamp     = "invalid_timestamp"
	CodeInvalidSeverity      = "invalid_severity"
	CodeInvalidTrace         = "invalid_trace"
)

// RejectionError is the structured validation failure returned to
// ingest callers. It serializes to the wire form {code, message}.
type RejectionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Reject builds a RejectionError with a formatted message.
func Reject(code string, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRejection extracts a RejectionError from an error chain, wrapping
// unknown errors as invalid_envelope so callers always have a wire
// shape to return.
func AsRejection(err error) *RejectionError {
	if err == nil {
		return nil
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej
	}
	return &RejectionError{Code: CodeInvalidEnvelope, Message: err.Error()}
}

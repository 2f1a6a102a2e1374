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

// Package cronsync mirrors each machine's OpenClaw cron surface onto
// the control plane. The bridge side tails jobs.json and the run logs
// behind a byte-offset watermark and pushes deltas; the plane side
// keeps a per-machine registry and echoes its stored config hash so
// bridges know when to mirror the raw config.
package cronsync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gravitational/trace"
)

// Report is one bridge push: the jobs declared in jobs.json when they
// changed since the last push, the run records appended since the
// watermark, and the bridge's hash of openclaw.json.
type Report struct {
	// MachineID is the pushing machine.
	MachineID string `json:"machineId"`
	// ConfigHash is the sha256 of the bridge's openclaw.json.
	ConfigHash string `json:"configHash,omitempty"`
	// ConfigRaw carries openclaw.json verbatim when the plane's stored
	// hash disagreed with ConfigHash on the previous push.
	ConfigRaw json.RawMessage `json:"configRaw,omitempty"`
	// JobsDelta is the full declared job set, present only when
	// jobs.json changed. OpenClaw owns the job schema; records pass
	// through verbatim and are indexed by their "id" field.
	JobsDelta []json.RawMessage `json:"jobsDelta,omitempty"`
	// RunsDelta are run log records appended since the watermark.
	RunsDelta []json.RawMessage `json:"runsDelta,omitempty"`
}

// Check validates the report.
func (r *Report) Check() error {
	if r.MachineID == "" {
		return trace.BadParameter("missing parameter machineId")
	}
	return nil
}

// Ack is the plane's reply. ConfigHash is what the plane holds after
// applying the report; a bridge seeing a hash different from its own
// mirrors the raw config on its next push.
type Ack struct {
	MachineID  string `json:"machineId"`
	ConfigHash string `json:"configHash,omitempty"`
	JobsStored int    `json:"jobsStored"`
	RunsStored int    `json:"runsStored"`
}

// HashConfig is the config hash both sides agree on: hex sha256 over
// the raw file bytes.
func HashConfig(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// jobID extracts the "id" field a job record is indexed by.
func jobID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}

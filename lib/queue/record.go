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

// Package queue implements the bridge command queue: a lease-based
// work queue where the plane enqueues commands and each target's
// bridge polls for at most one leased command at a time.
package queue

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
)

// State is the lifecycle state of a queued command.
type State string

const (
	// StateQueued means the command waits to be polled. Commands that
	// require approval stay queued but are not pollable until approved.
	StateQueued State = "queued"
	// StateLeased means one machine holds the command under a lease.
	StateLeased State = "leased"
	// StateRunning means the leaseholder acknowledged execution.
	StateRunning State = "running"
	// StateSucceeded is terminal: the result reported success.
	StateSucceeded State = "succeeded"
	// StateFailed is terminal: the result reported failure.
	StateFailed State = "failed"
	// StateRejected is terminal: an operator rejected the command.
	StateRejected State = "rejected"
	// StateExpired means a lease ran out; expired commands are polled
	// again.
	StateExpired State = "expired"
	// StateDeadletter is terminal: the command expired too many times
	// and left the retry cycle.
	StateDeadletter State = "deadletter"
)

// Terminal reports whether a command in this state is finished.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRejected, StateDeadletter:
		return true
	}
	return false
}

// Intent names what the bridge should do with a command.
type Intent string

const (
	IntentTriggerJob      Intent = "trigger_job"
	IntentAgentSetEnabled Intent = "agent_set_enabled"
	IntentApproveRequest  Intent = "approve_request"
	IntentRunCommand      Intent = "run_command"
)

// ParseIntent validates a wire intent value.
func ParseIntent(s string) (Intent, error) {
	switch Intent(s) {
	case IntentTriggerJob, IntentAgentSetEnabled, IntentApproveRequest, IntentRunCommand:
		return Intent(s), nil
	}
	return "", trace.BadParameter("unknown command intent %q", s)
}

// Snapshot is the immutable description of what was requested. It is
// captured at create time and never mutated afterwards, so executors
// and auditors see exactly what the caller asked for.
type Snapshot struct {
	// TargetID is the managed target the command addresses.
	TargetID string `json:"targetId"`
	// MachineID is the machine whose bridge may lease this command.
	MachineID string `json:"machineId"`
	// TargetVersion guards approvals against the target changing
	// between review and approval.
	TargetVersion string `json:"targetVersion,omitempty"`
	// Intent selects the executor on the bridge.
	Intent Intent `json:"intent"`
	// Args are intent-specific arguments.
	Args json.RawMessage `json:"args,omitempty"`
	// CreatedBy records the requesting principal.
	CreatedBy string `json:"createdBy,omitempty"`
	// IdempotencyKey lets executors deduplicate re-deliveries after a
	// lease expiry; leases are at-most-once per lease, not per command.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// ApprovalRequired gates polling behind an explicit approval.
	ApprovalRequired bool `json:"approvalRequired,omitempty"`
	// PolicyVersion records which approval policy was in force.
	PolicyVersion string `json:"policyVersion,omitempty"`
}

// CheckAndSetDefaults checks and sets defaults.
func (s *Snapshot) CheckAndSetDefaults() error {
	if s.TargetID == "" {
		return trace.BadParameter("missing parameter TargetID")
	}
	if s.MachineID == "" {
		return trace.BadParameter("missing parameter MachineID")
	}
	if _, err := ParseIntent(string(s.Intent)); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Result is what the bridge reports back when execution finishes.
type Result struct {
	// Status is succeeded or failed.
	Status string `json:"status"`
	// ExitCode is the process exit code for run_command intents.
	ExitCode int `json:"exitCode"`
	// DurationMs is the execution wall time.
	DurationMs int64 `json:"durationMs"`
	// Stdout and Stderr are captured output, possibly truncated.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	// Truncated reports whether output hit the capture bound.
	Truncated bool `json:"truncated,omitempty"`
	// Artifact is an optional reference to out-of-band output.
	Artifact string `json:"artifact,omitempty"`
	// Duplicate reports that the executor recognized the idempotency
	// key and skipped re-execution.
	Duplicate bool `json:"duplicate,omitempty"`
}

// CheckAndSetDefaults checks and sets defaults.
func (r *Result) CheckAndSetDefaults() error {
	switch State(r.Status) {
	case StateSucceeded, StateFailed:
		return nil
	}
	return trace.BadParameter("result status must be %q or %q, got %q", StateSucceeded, StateFailed, r.Status)
}

// Record is one command and its full lease history.
type Record struct {
	// ID identifies the command.
	ID string `json:"id"`
	// CreatedAt and UpdatedAt bracket the record's mutations.
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// State is the current lifecycle state.
	State State `json:"state"`
	// LeaseOwnerMachineID is set while leased or running.
	LeaseOwnerMachineID string `json:"leaseOwnerMachineId,omitempty"`
	// LeaseUntil is the lease deadline while leased or running.
	LeaseUntil *time.Time `json:"leaseUntil,omitempty"`
	// LeaseAttempts counts how many times the command was leased.
	LeaseAttempts int `json:"leaseAttempts"`
	// ExecutionAttempts counts leased-to-running transitions.
	ExecutionAttempts int `json:"executionAttempts"`
	// ApprovedAt and ApprovedBy record the approval, when required.
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy string     `json:"approvedBy,omitempty"`
	// RejectedReason explains a rejected state.
	RejectedReason string `json:"rejectedReason,omitempty"`
	// Result is present once terminal via pushResult.
	Result *Result `json:"result,omitempty"`
	// Snapshot is the immutable request.
	Snapshot Snapshot `json:"snapshot"`
}

// pollable reports whether a record is eligible for poll by the given
// machine: right machine, queued or expired, and approved when the
// snapshot demands it.
func (r *Record) pollable(machineID string) bool {
	if r.Snapshot.MachineID != machineID {
		return false
	}
	if r.State != StateQueued && r.State != StateExpired {
		return false
	}
	if r.Snapshot.ApprovalRequired && r.ApprovedAt == nil {
		return false
	}
	return true
}

// leasedBy reports whether machineID currently owns the record's lease.
func (r *Record) leasedBy(machineID string) bool {
	if r.State != StateLeased && r.State != StateRunning {
		return false
	}
	return r.LeaseOwnerMachineID == machineID
}

// clearLease drops the lease fields after expiry or completion.
func (r *Record) clearLease() {
	r.LeaseOwnerMachineID = ""
	r.LeaseUntil = nil
}

// clone returns a deep copy so callers never alias queue-owned memory.
func (r *Record) clone() *Record {
	out := *r
	if r.LeaseUntil != nil {
		t := *r.LeaseUntil
		out.LeaseUntil = &t
	}
	if r.ApprovedAt != nil {
		t := *r.ApprovedAt
		out.ApprovedAt = &t
	}
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	if len(r.Snapshot.Args) > 0 {
		out.Snapshot.Args = append(json.RawMessage(nil), r.Snapshot.Args...)
	}
	return &out
}

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
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/patzehq/patze/lib/httplib"
	"github.com/patzehq/patze/lib/queue"
)

// createCommand enqueues a remote command.
//
// POST /commands
//
// {"targetId": "agent-1", "machineId": "m-1", "intent": "trigger_job", "args": {...}, "createdBy": "ops", "idempotencyKey": "k", "approvalRequired": false}
//
// Response is the queued record. The idempotency key is carried to
// the executor, which uses it to skip re-deliveries after a lease
// expiry; the queue itself stores every posted command.
func (h *Handler) createCommand(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var snapshot queue.Snapshot
	if err := httplib.ReadJSON(r, &snapshot); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := h.cfg.Queue.Create(snapshot)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

type listCommandsResponse struct {
	Commands []*queue.Record `json:"commands"`
}

// listCommands returns queued commands, newest first.
//
// GET /commands?limit=100
func (h *Handler) listCommands(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, trace.BadParameter("limit: expected an integer, got %q", raw)
		}
		limit = parsed
	}
	return listCommandsResponse{Commands: h.cfg.Queue.List(limit)}, nil
}

// getOrPollCommand serves both GET /commands/:id and GET
// /commands/poll; the poll shortcut rides the :id route because the
// router cannot mix a static and a wildcard child at one position.
func (h *Handler) getOrPollCommand(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if p.ByName("id") == "poll" {
		return h.pollCommand(w, r, p)
	}
	record, err := h.cfg.Queue.Get(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

// pollCommand leases the oldest dispatchable command for a machine.
//
// GET /commands/poll?machineId=m-1&leaseTtlMs=30000
//
// Response is the leased record, or null when nothing is waiting. A
// null is the common case and not an error; pollers just come back
// next interval.
func (h *Handler) pollCommand(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	machineID := r.URL.Query().Get("machineId")
	leaseTTL, err := parseLeaseTTL(r.URL.Query().Get("leaseTtlMs"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := h.cfg.Queue.Poll(machineID, leaseTTL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

func parseLeaseTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, trace.BadParameter("leaseTtlMs: expected an integer, got %q", raw)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

type approveCommandReq struct {
	TargetID      string `json:"targetId"`
	TargetVersion string `json:"targetVersion"`
	ApprovedBy    string `json:"approvedBy"`
}

// approveCommand approves a gated command. The caller restates the
// target and its version; a mismatch with the queued snapshot fails
// the compare and leaves the command untouched.
//
// POST /commands/:id/approve
//
// {"targetId": "agent-1", "targetVersion": "v3", "approvedBy": "ops"}
func (h *Handler) approveCommand(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req approveCommandReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := h.cfg.Queue.Approve(p.ByName("id"), req.TargetID, req.TargetVersion, req.ApprovedBy)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

type rejectCommandReq struct {
	Reason string `json:"reason"`
}

// rejectCommand rejects a gated command.
//
// POST /commands/:id/reject
//
// {"reason": "wrong window"}
func (h *Handler) rejectCommand(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req rejectCommandReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := h.cfg.Queue.Reject(p.ByName("id"), req.Reason)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

type ackRunningReq struct {
	MachineID string `json:"machineId"`
}

// ackRunningCommand moves a leased command to running. A caller that
// lost its lease in the meantime gets null back and is expected to
// stop working on the command.
//
// POST /commands/:id/ack-running
//
// {"machineId": "m-1"}
func (h *Handler) ackRunningCommand(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req ackRunningReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := h.cfg.Queue.AckRunning(p.ByName("id"), req.MachineID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

type renewLeaseReq struct {
	MachineID  string `json:"machineId"`
	LeaseTTLMs int    `json:"leaseTtlMs"`
}

// renewCommandLease extends the caller's lease. Null means the lease
// is gone.
//
// POST /commands/:id/renew-lease
//
// {"machineId": "m-1", "leaseTtlMs": 30000}
func (h *Handler) renewCommandLease(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req renewLeaseReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := h.cfg.Queue.RenewLease(p.ByName("id"), req.MachineID, time.Duration(req.LeaseTTLMs)*time.Millisecond)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

type pushResultReq struct {
	MachineID string `json:"machineId"`
	queue.Result
}

// pushCommandResult records the terminal result of a command. Null
// means the caller no longer owns the command and the result was
// discarded.
//
// POST /commands/:id/result
//
// {"machineId": "m-1", "status": "succeeded", "exitCode": 0, "durationMs": 1200, "stdout": "...", "stderr": ""}
func (h *Handler) pushCommandResult(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req pushResultReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	record, err := h.cfg.Queue.PushResult(p.ByName("id"), req.MachineID, req.Result)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record, nil
}

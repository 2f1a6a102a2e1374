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
	"context"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/patzehq/patze/lib/cronsync"
	"github.com/patzehq/patze/lib/httplib"
	"github.com/patzehq/patze/lib/lifecycle"
)

// BridgeManager is the part of the lifecycle manager the API uses.
// *lifecycle.Manager implements it; tests substitute a fake.
type BridgeManager interface {
	Setup(ctx context.Context, req lifecycle.SetupRequest) (lifecycle.Status, error)
	Preflight(ctx context.Context, req lifecycle.SetupRequest) (*lifecycle.PreflightResult, error)
	RetryInstallWithSudoPassword(ctx context.Context, id, password string) (lifecycle.Status, error)
	RetryInstallUserMode(ctx context.Context, id string) (lifecycle.Status, error)
	Disconnect(id string) (lifecycle.Status, error)
	Remove(id string) error
	Get(id string) (lifecycle.Status, error)
	List() []lifecycle.Status
}

func (h *Handler) bridges() (BridgeManager, error) {
	if h.cfg.Bridges == nil {
		return nil, trace.NotImplemented("this plane runs without bridge management")
	}
	return h.cfg.Bridges, nil
}

// preflightBridge checks SSH reachability without installing anything.
//
// POST /bridge/preflight
//
// {"sshHost": "10.0.0.5", "sshPort": 22, "sshUser": "ops", "sshKeyPath": "", "sshMode": ""}
//
// Response:
//
// {"ok": true, "mode": "system", "sshHost": "10.0.0.5", "sshPort": 22, "sshUser": "ops", "authMethod": "agent", "hints": []}
//
// Probe failures come back with ok=false and hints inside a 200; only
// malformed requests error.
func (h *Handler) preflightBridge(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.bridges()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req lifecycle.SetupRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := manager.Preflight(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

// setupBridge connects a host and starts the bridge install in the
// background. The returned status is the install's starting point;
// progress is observed through GET /bridge/connections/:id.
//
// POST /bridge/setup
func (h *Handler) setupBridge(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.bridges()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req lifecycle.SetupRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := manager.Setup(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

type listBridgesResponse struct {
	Connections []lifecycle.Status `json:"connections"`
}

// listBridges returns all managed connections.
//
// GET /bridge/connections
func (h *Handler) listBridges(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.bridges()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listBridgesResponse{Connections: manager.List()}, nil
}

// getBridge returns one connection by id.
//
// GET /bridge/connections/:id
func (h *Handler) getBridge(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.bridges()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := manager.Get(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

type sudoRetryReq struct {
	SudoPassword string `json:"sudoPassword"`
}

// sudoRetryBridge retries a system install that stopped on
// needs_sudo_password. The password is used for this attempt and
// never persisted.
//
// POST /bridge/connections/:id/sudo-retry
//
// {"sudoPassword": "secret"}
func (h *Handler) sudoRetryBridge(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.bridges()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req sudoRetryReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := manager.RetryInstallWithSudoPassword(r.Context(), p.ByName("id"), req.SudoPassword)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

// userModeRetryBridge retries a stalled install in user mode, without
// systemd system units or sudo.
//
// POST /bridge/connections/:id/user-mode-retry
func (h *Handler) userModeRetryBridge(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.bridges()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := manager.RetryInstallUserMode(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

// disconnectBridge closes the SSH transport but keeps the connection
// record so it can be set up again later.
//
// POST /bridge/connections/:id/disconnect
func (h *Handler) disconnectBridge(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.bridges()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := manager.Disconnect(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

// removeBridge disconnects and forgets a connection.
//
// DELETE /bridge/connections/:id
//
// Response:
//
// {"message": "ok"}
func (h *Handler) removeBridge(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.bridges()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := manager.Remove(p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

// applyCronSync ingests one cron state report from a bridge.
//
// POST /openclaw/bridge/cron-sync
//
// {"machineId": "m-1", "configHash": "hex", "configRaw": {...}, "jobsDelta": [...], "runsDelta": [...]}
//
// Response:
//
// {"machineId": "m-1", "configHash": "hex", "jobsStored": 3, "runsStored": 17}
//
// The acked hash is the hash of the config the plane actually holds;
// a bridge that sees a mismatch mirrors its full config on the next
// push.
func (h *Handler) applyCronSync(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var report cronsync.Report
	if err := httplib.ReadJSON(r, &report); err != nil {
		return nil, trace.Wrap(err)
	}
	ack, err := h.cfg.Cron.Apply(report)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return ack, nil
}

type listCronMachinesResponse struct {
	Machines []cronsync.MachineState `json:"machines"`
}

// listCronMachines returns the mirrored cron state of every machine.
//
// GET /openclaw/bridge/cron-sync
func (h *Handler) listCronMachines(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return listCronMachinesResponse{Machines: h.cfg.Cron.Machines()}, nil
}

// getCronMachine returns the mirrored cron state of one machine.
//
// GET /openclaw/bridge/cron-sync/:machineId
func (h *Handler) getCronMachine(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	state, err := h.cfg.Cron.Machine(p.ByName("machineId"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return state, nil
}

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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/patzehq/patze/lib/httplib"
	"github.com/patzehq/patze/lib/tasks"
)

// createTask creates a scheduled task.
//
// POST /tasks
//
// {"name": "nightly report", "schedule": {"kind": "cron", "cron": "30 2 * * *"}, "action": "openclaw run nightly-report", "status": "active"}
//
// Response is the stored task with its id and next run time filled in.
func (h *Handler) createTask(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var task tasks.Task
	if err := httplib.ReadJSON(r, &task); err != nil {
		return nil, trace.Wrap(err)
	}
	created, err := h.cfg.Tasks.Create(task)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return created, nil
}

type listTasksResponse struct {
	Tasks []tasks.Task `json:"tasks"`
}

// listTasks returns all tasks.
//
// GET /tasks
func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return listTasksResponse{Tasks: h.cfg.Tasks.List()}, nil
}

// getTask returns one task by id.
//
// GET /tasks/:id
func (h *Handler) getTask(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	task, err := h.cfg.Tasks.Get(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return task, nil
}

// updateTask replaces a task definition. The id in the path wins over
// any id in the body; creation time and run history ride along.
//
// PUT /tasks/:id
func (h *Handler) updateTask(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var task tasks.Task
	if err := httplib.ReadJSON(r, &task); err != nil {
		return nil, trace.Wrap(err)
	}
	task.ID = p.ByName("id")
	updated, err := h.cfg.Tasks.Update(task)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return updated, nil
}

// deleteTask removes a task.
//
// DELETE /tasks/:id
//
// Response:
//
// {"message": "ok"}
func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Tasks.Delete(p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return ok(), nil
}

type captureSnapshotReq struct {
	Description string `json:"description"`
}

// captureTaskSnapshot stores a manual snapshot of the task set.
//
// POST /tasksnapshots
//
// {"description": "before migration"}
//
// Response is the snapshot metadata.
func (h *Handler) captureTaskSnapshot(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	var req captureSnapshotReq
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	meta, err := h.cfg.Tasks.Capture(tasks.SourceManual, req.Description)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return meta, nil
}

type listTaskSnapshotsResponse struct {
	Snapshots []tasks.Meta `json:"snapshots"`
}

// listTaskSnapshots returns snapshot metadata, newest first. Automatic
// pre-mutation snapshots are included.
//
// GET /tasksnapshots
func (h *Handler) listTaskSnapshots(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	metas, err := h.cfg.Tasks.Snapshots()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return listTaskSnapshotsResponse{Snapshots: metas}, nil
}

// getTaskSnapshot returns one snapshot with its full task payload.
//
// GET /tasksnapshots/:id
func (h *Handler) getTaskSnapshot(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	snapshot, err := h.cfg.Tasks.GetSnapshot(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return snapshot, nil
}

type rollbackResponse struct {
	Tasks []tasks.Task `json:"tasks"`
}

// rollbackTasks restores the task set to a snapshot. The pre-rollback
// state is itself snapshotted first, so a rollback can be rolled back.
//
// POST /tasksnapshots/:id/rollback
//
// Response is the restored task set.
func (h *Handler) rollbackTasks(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	restored, err := h.cfg.Tasks.Rollback(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return rollbackResponse{Tasks: restored}, nil
}

type taskHistoryResponse struct {
	Runs []tasks.Run `json:"runs"`
}

// taskHistory returns the most recent persisted runs across all
// tasks, oldest first.
//
// GET /taskhistory?limit=100
func (h *Handler) taskHistory(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, trace.BadParameter("limit: expected an integer, got %q", raw)
		}
		limit = parsed
	}
	runs, err := h.cfg.Tasks.History(limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return taskHistoryResponse{Runs: runs}, nil
}

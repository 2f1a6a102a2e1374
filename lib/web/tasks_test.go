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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze/lib/tasks"
)

func taskFixture(name string) tasks.Task {
	return tasks.Task{
		Name:     name,
		Action:   "openclaw run " + name,
		Schedule: tasks.Schedule{Kind: tasks.ScheduleEvery, EveryMs: 60000},
	}
}

// createTask posts a minute-interval task and returns the stored copy.
func createTask(t *testing.T, p *testPlane, name string) tasks.Task {
	t.Helper()
	var created tasks.Task
	status := p.post(t, "/tasks", taskFixture(name), &created)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, created.ID)
	return created
}

func TestTaskCRUDOverHTTP(t *testing.T) {
	t.Parallel()
	p := newTestPlane(t, nil)

	created := createTask(t, p, "nightly-report")
	require.Equal(t, tasks.StatusActive, created.Status)
	require.NotNil(t, created.NextRunAt)
	require.Equal(t, created.CreatedAt.Add(time.Minute), *created.NextRunAt)

	var got tasks.Task
	require.Equal(t, http.StatusOK, p.get(t, "/tasks/"+created.ID, &got))
	require.Empty(t, cmp.Diff(created, got))

	var list listTasksResponse
	require.Equal(t, http.StatusOK, p.get(t, "/tasks", &list))
	require.Len(t, list.Tasks, 1)

	// The id in the path wins; the body carries none.
	edit := taskFixture("nightly-report-v2")
	edit.Status = tasks.StatusPaused
	var updated tasks.Task
	status := p.roundTrip(t, http.MethodPut, "/tasks/"+created.ID, edit, &updated)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, created.ID, updated.ID)
	require.Equal(t, "nightly-report-v2", updated.Name)
	require.Equal(t, created.CreatedAt, updated.CreatedAt)
	// paused tasks do not schedule
	require.Nil(t, updated.NextRunAt)

	var reply map[string]any
	status = p.roundTrip(t, http.MethodDelete, "/tasks/"+created.ID, nil, &reply)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", reply["message"])

	require.Equal(t, http.StatusNotFound, p.get(t, "/tasks/"+created.ID, nil))
	require.Equal(t, http.StatusOK, p.get(t, "/tasks", &list))
	require.Empty(t, list.Tasks)
}

func TestTaskSnapshotRollbackOverHTTP(t *testing.T) {
	t.Parallel()
	p := newTestPlane(t, nil)

	// Every mutation below captures an automatic pre-change snapshot;
	// the clock advances keep their capture times distinct.
	alpha := createTask(t, p, "alpha")
	p.clock.Advance(time.Second)
	beta := createTask(t, p, "beta")
	p.clock.Advance(time.Second)

	var meta tasks.Meta
	status := p.post(t, "/tasksnapshots", captureSnapshotReq{Description: "before migration"}, &meta)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, meta.ID)
	require.Equal(t, tasks.SourceManual, meta.Source)
	require.Equal(t, "before migration", meta.Description)
	require.Equal(t, 2, meta.TaskCount)

	p.clock.Advance(time.Second)
	require.Equal(t, http.StatusOK, p.roundTrip(t, http.MethodDelete, "/tasks/"+beta.ID, nil, nil))

	// Two auto captures from the creates, the manual one, and the
	// pre-delete capture, newest first.
	var snaps listTaskSnapshotsResponse
	require.Equal(t, http.StatusOK, p.get(t, "/tasksnapshots", &snaps))
	require.Len(t, snaps.Snapshots, 4)
	require.Equal(t, tasks.SourceAuto, snaps.Snapshots[0].Source)
	require.Equal(t, "before delete beta", snaps.Snapshots[0].Description)

	var snapshot tasks.Snapshot
	require.Equal(t, http.StatusOK, p.get(t, "/tasksnapshots/"+meta.ID, &snapshot))
	require.Equal(t, meta.ID, snapshot.ID)
	require.Len(t, snapshot.Tasks, 2)

	var list listTasksResponse
	require.Equal(t, http.StatusOK, p.get(t, "/tasks", &list))
	require.Len(t, list.Tasks, 1)

	var rolled rollbackResponse
	require.Equal(t, http.StatusOK, p.post(t, "/tasksnapshots/"+meta.ID+"/rollback", nil, &rolled))
	require.Len(t, rolled.Tasks, 2)
	require.Equal(t, "alpha", rolled.Tasks[0].Name)
	require.Equal(t, "beta", rolled.Tasks[1].Name)

	// The deleted task is back verbatim, same id.
	var restored tasks.Task
	require.Equal(t, http.StatusOK, p.get(t, "/tasks/"+beta.ID, &restored))
	require.Equal(t, "beta", restored.Name)
	require.Equal(t, http.StatusOK, p.get(t, "/tasks/"+alpha.ID, nil))

	// The rollback captured the pre-rollback state too.
	require.Equal(t, http.StatusOK, p.get(t, "/tasksnapshots", &snaps))
	require.Len(t, snaps.Snapshots, 5)

	require.Equal(t, http.StatusNotFound, p.get(t, "/tasksnapshots/ghost", nil))
	require.Equal(t, http.StatusNotFound, p.post(t, "/tasksnapshots/ghost/rollback", nil, nil))
}

func TestTaskHistoryOverHTTP(t *testing.T) {
	t.Parallel()
	p := newTestPlane(t, nil)

	created := createTask(t, p, "sweeper")

	var history taskHistoryResponse
	require.Equal(t, http.StatusOK, p.get(t, "/taskhistory", &history))
	require.Empty(t, history.Runs)

	for i, output := range []string{"run-1", "run-2", "run-3"} {
		p.clock.Advance(time.Second)
		_, err := p.tasks.RecordRun(created.ID, tasks.Run{
			Status:   "succeeded",
			ExitCode: i,
			Output:   output,
		})
		require.NoError(t, err)
	}

	require.Equal(t, http.StatusOK, p.get(t, "/taskhistory", &history))
	require.Len(t, history.Runs, 3)
	require.Equal(t, created.ID, history.Runs[0].TaskID)
	require.Equal(t, "run-1", history.Runs[0].Output)
	require.Equal(t, "run-3", history.Runs[2].Output)

	// A limit keeps the most recent runs, still oldest first.
	require.Equal(t, http.StatusOK, p.get(t, "/taskhistory?limit=2", &history))
	require.Len(t, history.Runs, 2)
	require.Equal(t, "run-2", history.Runs[0].Output)
	require.Equal(t, "run-3", history.Runs[1].Output)

	require.Equal(t, http.StatusBadRequest, p.get(t, "/taskhistory?limit=soon", nil))
}

func TestTaskValidationOverHTTP(t *testing.T) {
	t.Parallel()
	p := newTestPlane(t, nil)

	missingName := taskFixture("x")
	missingName.Name = ""
	require.Equal(t, http.StatusBadRequest, p.post(t, "/tasks", missingName, nil))

	badCron := taskFixture("x")
	badCron.Schedule = tasks.Schedule{Kind: tasks.ScheduleCron, Cron: "not cron"}
	require.Equal(t, http.StatusBadRequest, p.post(t, "/tasks", badCron, nil))

	badStatus := taskFixture("x")
	badStatus.Status = "dormant"
	require.Equal(t, http.StatusBadRequest, p.post(t, "/tasks", badStatus, nil))

	require.Equal(t, http.StatusNotFound, p.get(t, "/tasks/missing", nil))
	require.Equal(t, http.StatusNotFound,
		p.roundTrip(t, http.MethodPut, "/tasks/missing", taskFixture("x"), nil))
	require.Equal(t, http.StatusNotFound,
		p.roundTrip(t, http.MethodDelete, "/tasks/missing", nil, nil))
}

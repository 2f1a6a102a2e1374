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

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/queue"
)

// fakeQueuePlane serves the plane's command queue API backed by a real
// in-memory queue, so the poller is tested against the exact wire
// shapes and lease semantics the plane uses.
type fakeQueuePlane struct {
	srv   *httptest.Server
	queue *queue.Queue
}

func newFakeQueuePlane(t *testing.T, clock clockwork.Clock) *fakeQueuePlane {
	q, err := queue.New(queue.Config{Clock: clock})
	require.NoError(t, err)

	f := &fakeQueuePlane{queue: q}
	router := httprouter.New()
	router.GET("/commands/:id", f.poll)
	router.POST("/commands/:id/ack-running", f.ackRunning)
	router.POST("/commands/:id/renew-lease", f.renewLease)
	router.POST("/commands/:id/result", f.pushResult)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		router.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeQueuePlane) poll(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if params.ByName("id") != "poll" {
		http.NotFound(w, r)
		return
	}
	ttlMs, _ := strconv.Atoi(r.URL.Query().Get("leaseTtlMs"))
	record, err := f.queue.Poll(r.URL.Query().Get("machineId"), time.Duration(ttlMs)*time.Millisecond)
	f.reply(w, record, err)
}

func (f *fakeQueuePlane) ackRunning(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req ackRunningReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	record, err := f.queue.AckRunning(params.ByName("id"), req.MachineID)
	f.reply(w, record, err)
}

func (f *fakeQueuePlane) renewLease(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req renewLeaseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	record, err := f.queue.RenewLease(params.ByName("id"), req.MachineID, time.Duration(req.LeaseTTLMs)*time.Millisecond)
	f.reply(w, record, err)
}

func (f *fakeQueuePlane) pushResult(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req pushResultReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	record, err := f.queue.PushResult(params.ByName("id"), req.MachineID, req.Result)
	f.reply(w, record, err)
}

func (f *fakeQueuePlane) reply(w http.ResponseWriter, record *queue.Record, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

func (f *fakeQueuePlane) enqueue(t *testing.T, intent queue.Intent, args string, idempotencyKey string) *queue.Record {
	t.Helper()
	record, err := f.queue.Create(queue.Snapshot{
		TargetID:       "target-1",
		MachineID:      "machine-1",
		Intent:         intent,
		Args:           json.RawMessage(args),
		IdempotencyKey: idempotencyKey,
	})
	require.NoError(t, err)
	return record
}

func newTestPoller(t *testing.T, plane *fakeQueuePlane, clock clockwork.Clock, dedupPath string) *Poller {
	t.Helper()
	poller, err := NewPoller(PollerConfig{
		Endpoint:    plane.srv.URL,
		Token:       "test-token",
		MachineID:   "machine-1",
		DedupPath:   dedupPath,
		OpenClawBin: "echo",
		Clock:       clock,
	})
	require.NoError(t, err)
	return poller
}

func TestPollerConfigDefaults(t *testing.T) {
	err := (&PollerConfig{}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	err = (&PollerConfig{Endpoint: "http://127.0.0.1:1"}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))

	cfg := PollerConfig{Endpoint: "http://127.0.0.1:1/", MachineID: "m"}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, "http://127.0.0.1:1", cfg.Endpoint)
	require.Equal(t, defaults.CommandPollInterval, cfg.Interval)
	require.Equal(t, defaults.CommandLeaseTTL, cfg.LeaseTTL)
	require.Equal(t, defaults.CommandExecTimeout, cfg.ExecTimeout)
	require.NotEmpty(t, cfg.OpenClawBin)
}

func TestPollerRunsCommand(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeQueuePlane(t, clock)
	poller := newTestPoller(t, plane, clock, "")

	created := plane.enqueue(t, queue.IntentRunCommand, `{"command":"echo hello world"}`, "")
	require.NoError(t, poller.Drain(context.Background()))

	record, err := plane.queue.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateSucceeded, record.State)
	require.Equal(t, 1, record.ExecutionAttempts)
	require.NotNil(t, record.Result)
	require.Equal(t, "hello world\n", record.Result.Stdout)
	require.Equal(t, 0, record.Result.ExitCode)
	require.False(t, record.Result.Truncated)
}

func TestPollerReportsExitCode(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeQueuePlane(t, clock)
	poller := newTestPoller(t, plane, clock, "")

	created := plane.enqueue(t, queue.IntentRunCommand, `{"command":"sh -c 'exit 3'"}`, "")
	require.NoError(t, poller.Drain(context.Background()))

	record, err := plane.queue.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailed, record.State)
	require.NotNil(t, record.Result)
	require.Equal(t, 3, record.Result.ExitCode)
}

func TestPollerAppliesCommandTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeQueuePlane(t, clock)
	poller := newTestPoller(t, plane, clock, "")

	created := plane.enqueue(t, queue.IntentRunCommand, `{"command":"sleep 10","timeoutMs":50}`, "")
	require.NoError(t, poller.Drain(context.Background()))

	record, err := plane.queue.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailed, record.State)
	require.NotNil(t, record.Result)
	require.Equal(t, -1, record.Result.ExitCode)
}

func TestPollerTruncatesOutput(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeQueuePlane(t, clock)
	poller := newTestPoller(t, plane, clock, "")

	args := fmt.Sprintf(`{"command":"sh -c 'head -c %v /dev/zero'"}`, defaults.CommandOutputMaxBytes*2)
	created := plane.enqueue(t, queue.IntentRunCommand, args, "")
	require.NoError(t, poller.Drain(context.Background()))

	record, err := plane.queue.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateSucceeded, record.State)
	require.NotNil(t, record.Result)
	require.True(t, record.Result.Truncated)
	require.Len(t, record.Result.Stdout, defaults.CommandOutputMaxBytes)
}

// TestPollerDispatchesIntents checks the argv each non-shell intent is
// translated to, with the CLI stubbed by echo so the argv comes back as
// the command output.
func TestPollerDispatchesIntents(t *testing.T) {
	tests := []struct {
		name   string
		intent queue.Intent
		args   string
		want   string
	}{
		{
			name:   "trigger job",
			intent: queue.IntentTriggerJob,
			args:   `{"jobId":"job-1"}`,
			want:   "cron run job-1\n",
		},
		{
			name:   "enable agent",
			intent: queue.IntentAgentSetEnabled,
			args:   `{"agentId":"agent-7","enabled":true}`,
			want:   "agents enable agent-7\n",
		},
		{
			name:   "disable agent",
			intent: queue.IntentAgentSetEnabled,
			args:   `{"agentId":"agent-7","enabled":false}`,
			want:   "agents disable agent-7\n",
		},
		{
			name:   "approve request",
			intent: queue.IntentApproveRequest,
			args:   `{"requestId":"req-9"}`,
			want:   "approvals accept req-9\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			plane := newFakeQueuePlane(t, clock)
			poller := newTestPoller(t, plane, clock, "")

			created := plane.enqueue(t, tt.intent, tt.args, "")
			require.NoError(t, poller.Drain(context.Background()))

			record, err := plane.queue.Get(created.ID)
			require.NoError(t, err)
			require.Equal(t, queue.StateSucceeded, record.State)
			require.NotNil(t, record.Result)
			require.Equal(t, tt.want, record.Result.Stdout)
		})
	}
}

func TestPollerRejectsBadArgs(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeQueuePlane(t, clock)
	poller := newTestPoller(t, plane, clock, "")

	created := plane.enqueue(t, queue.IntentRunCommand, `{"command":""}`, "")
	require.NoError(t, poller.Drain(context.Background()))

	record, err := plane.queue.Get(created.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateFailed, record.State)
	require.NotNil(t, record.Result)
	require.Equal(t, -1, record.Result.ExitCode)
	require.Contains(t, record.Result.Stderr, "args.command")
}

func TestPollerDrainsBacklog(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeQueuePlane(t, clock)
	poller := newTestPoller(t, plane, clock, "")

	first := plane.enqueue(t, queue.IntentRunCommand, `{"command":"echo one"}`, "")
	second := plane.enqueue(t, queue.IntentRunCommand, `{"command":"echo two"}`, "")
	require.NoError(t, poller.Drain(context.Background()))

	for _, created := range []*queue.Record{first, second} {
		record, err := plane.queue.Get(created.ID)
		require.NoError(t, err)
		require.Equal(t, queue.StateSucceeded, record.State)
	}
}

// TestPollerDeduplicatesByKey runs a command with side effects once,
// then re-delivers the same idempotency key through a second command
// and through a restarted poller. The side effect must happen exactly
// once; re-deliveries report duplicates.
func TestPollerDeduplicatesByKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeQueuePlane(t, clock)
	dedupPath := filepath.Join(t.TempDir(), "executed.json")
	poller := newTestPoller(t, plane, clock, dedupPath)

	marker := filepath.Join(t.TempDir(), "marker")
	args := fmt.Sprintf(`{"command":"sh -c 'echo ran >> %v'"}`, marker)

	first := plane.enqueue(t, queue.IntentRunCommand, args, "key-1")
	require.NoError(t, poller.Drain(context.Background()))
	record, err := plane.queue.Get(first.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateSucceeded, record.State)
	require.False(t, record.Result.Duplicate)

	// same key, new command: recognized and skipped
	second := plane.enqueue(t, queue.IntentRunCommand, args, "key-1")
	require.NoError(t, poller.Drain(context.Background()))
	record, err = plane.queue.Get(second.ID)
	require.NoError(t, err)
	require.Equal(t, queue.StateSucceeded, record.State)
	require.True(t, record.Result.Duplicate)

	// restart: the executed keys survive on disk
	restarted := newTestPoller(t, plane, clock, dedupPath)
	third := plane.enqueue(t, queue.IntentRunCommand, args, "key-1")
	require.NoError(t, restarted.Drain(context.Background()))
	record, err = plane.queue.Get(third.ID)
	require.NoError(t, err)
	require.True(t, record.Result.Duplicate)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(data), "ran"))
}

// TestPollerLeaseLossAbortsExecution takes the lease away mid-run and
// expects the next renewal to notice and kill the process instead of
// letting it finish under a lease someone else may now hold.
func TestPollerLeaseLossAbortsExecution(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeQueuePlane(t, clock)
	poller := newTestPoller(t, plane, clock, "")

	created := plane.enqueue(t, queue.IntentRunCommand, `{"command":"sleep 30"}`, "")

	done := make(chan error, 1)
	go func() { done <- poller.Drain(context.Background()) }()

	require.Eventually(t, func() bool {
		record, err := plane.queue.Get(created.ID)
		require.NoError(t, err)
		return record.State == queue.StateRunning
	}, 10*time.Second, 10*time.Millisecond)

	// finish the command out from under the poller, invalidating its
	// lease the way an expiry handing it elsewhere would
	record, err := plane.queue.PushResult(created.ID, "machine-1", queue.Result{
		Status: string(queue.StateSucceeded),
	})
	require.NoError(t, err)
	require.NotNil(t, record)

	require.Eventually(t, func() bool {
		clock.Advance(defaults.CommandLeaseTTL/2 + time.Second)
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
}

func TestPollerRunLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plane := newFakeQueuePlane(t, clock)
	poller := newTestPoller(t, plane, clock, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// queued before the loop starts: picked up by the startup drain
	backlog := plane.enqueue(t, queue.IntentRunCommand, `{"command":"echo backlog"}`, "")

	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		record, err := plane.queue.Get(backlog.ID)
		require.NoError(t, err)
		return record.State == queue.StateSucceeded
	}, 10*time.Second, 10*time.Millisecond)

	// queued while running: picked up on the next tick
	queued := plane.enqueue(t, queue.IntentRunCommand, `{"command":"echo tick"}`, "")
	require.Eventually(t, func() bool {
		clock.Advance(defaults.CommandPollInterval)
		record, err := plane.queue.Get(queued.ID)
		require.NoError(t, err)
		return record.State == queue.StateSucceeded
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

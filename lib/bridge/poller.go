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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/queue"
	"github.com/patzehq/patze/lib/utils"
)

const dedupVersion = 1

// PollerConfig configures a Poller.
type PollerConfig struct {
	// Endpoint is the base URL of the control plane.
	Endpoint string
	// Token is the bearer token attached to every call.
	Token string
	// MachineID is the identity commands are leased under.
	MachineID string
	// DedupPath persists executed idempotency keys across restarts.
	// Empty keeps them in memory only, used by tests.
	DedupPath string
	// OpenClawBin is the CLI non-shell intents are dispatched to.
	// Defaults to OPENCLAW_BIN, then plain "openclaw".
	OpenClawBin string
	// Interval is the poll cadence.
	Interval time.Duration
	// LeaseTTL is the lease requested on poll and renewals.
	LeaseTTL time.Duration
	// ExecTimeout bounds executions whose command carries no timeout.
	ExecTimeout time.Duration
	// RequestTimeout bounds each queue call.
	RequestTimeout time.Duration
	// Client is the HTTP client; built from RequestTimeout when unset.
	Client *http.Client
	// Clock drives the poll loop and lease renewals.
	Clock clockwork.Clock
	// Log is the logger; a component logger is built when unset.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *PollerConfig) CheckAndSetDefaults() error {
	if c.Endpoint == "" {
		return trace.BadParameter("missing parameter Endpoint")
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.MachineID == "" {
		return trace.BadParameter("missing parameter MachineID")
	}
	if c.OpenClawBin == "" {
		c.OpenClawBin = os.Getenv(patze.OpenClawBinEnvVar)
	}
	if c.OpenClawBin == "" {
		c.OpenClawBin = "openclaw"
	}
	if c.Interval <= 0 {
		c.Interval = defaults.CommandPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaults.CommandLeaseTTL
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = defaults.CommandExecTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.SinkRequestTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{Timeout: c.RequestTimeout}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentQueue,
		})
	}
	return nil
}

// Poller executes queued commands for this machine. It leases one
// command at a time, acknowledges it, runs the intent under the lease
// and reports the result. Executions are remembered by idempotency key
// so a lease that expired mid-run does not make a re-delivery repeat
// the side effects.
type Poller struct {
	cfg PollerConfig
	log logrus.FieldLogger

	mu       sync.Mutex
	executed map[string]struct{}
	// order keeps executed keys oldest first for eviction.
	order []string
}

// dedupFile is the persisted executed-key set.
type dedupFile struct {
	Version int      `json:"version"`
	Keys    []string `json:"keys"`
}

// NewPoller loads the executed-key file and returns a poller ready to
// Run.
func NewPoller(cfg PollerConfig) (*Poller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Poller{
		cfg:      cfg,
		log:      cfg.Log,
		executed: make(map[string]struct{}),
	}
	p.loadExecuted()
	return p, nil
}

func (p *Poller) loadExecuted() {
	if p.cfg.DedupPath == "" {
		return
	}
	data, err := os.ReadFile(p.cfg.DedupPath)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.WithError(err).Warn("Cannot read the executed command keys, a re-delivered command may run twice.")
		}
		return
	}
	var file dedupFile
	if err := json.Unmarshal(data, &file); err != nil || file.Version != dedupVersion {
		p.log.Warnf("Executed command keys in %v are unusable, a re-delivered command may run twice.", p.cfg.DedupPath)
		return
	}
	for _, key := range file.Keys {
		if _, ok := p.executed[key]; ok {
			continue
		}
		p.executed[key] = struct{}{}
		p.order = append(p.order, key)
	}
}

// Run polls on the configured interval until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// drain once at startup: commands queued while the bridge was down
	// should not wait out a full interval
	if err := p.Drain(ctx); err != nil {
		p.log.WithError(err).Debug("Command poll failed.")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		if err := p.Drain(ctx); err != nil {
			p.log.WithError(err).Debug("Command poll failed.")
		}
	}
}

// Drain leases and executes commands until the queue has nothing left
// for this machine.
func (p *Poller) Drain(ctx context.Context) error {
	for {
		record, err := p.poll(ctx)
		if err != nil {
			return trace.Wrap(err)
		}
		if record == nil {
			return nil
		}
		p.log.Infof("Executing command %v (%v).", record.ID, record.Snapshot.Intent)
		if err := p.execute(ctx, record); err != nil {
			return trace.Wrap(err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// execute runs one leased command end to end: duplicate check,
// running acknowledgement, execution under a renewed lease, result
// push.
func (p *Poller) execute(ctx context.Context, record *queue.Record) error {
	key := record.Snapshot.IdempotencyKey
	if key != "" && p.executedBefore(key) {
		p.log.Infof("Command %v already executed here, reporting a duplicate.", record.ID)
		_, err := p.pushResult(ctx, record.ID, queue.Result{
			Status:    string(queue.StateSucceeded),
			Duplicate: true,
		})
		return trace.Wrap(err)
	}

	acked, err := p.ackRunning(ctx, record.ID)
	if err != nil {
		return trace.Wrap(err)
	}
	if acked == nil {
		p.log.Debugf("Lease on command %v is gone, leaving it alone.", record.ID)
		return nil
	}

	var result queue.Result
	argv, timeout, err := p.argvForIntent(record.Snapshot)
	if err != nil {
		result = queue.Result{
			Status:   string(queue.StateFailed),
			ExitCode: -1,
			Stderr:   err.Error(),
		}
	} else {
		execCtx, cancel := context.WithTimeout(ctx, timeout)
		stopRenewing := p.keepLeaseAlive(execCtx, cancel, record.ID)
		result = p.runCommand(execCtx, argv)
		stopRenewing()
		cancel()
		if key != "" {
			// remembered even on failure: a lease re-delivery must not
			// repeat side effects, retries take a fresh command
			p.rememberExecuted(key)
		}
	}
	bridgeCommands.WithLabelValues(result.Status).Inc()

	stored, err := p.pushResult(ctx, record.ID, result)
	if err != nil {
		return trace.Wrap(err)
	}
	if stored == nil {
		p.log.Warnf("Result of command %v was discarded, the lease moved on.", record.ID)
	}
	return nil
}

// keepLeaseAlive renews the command lease at half TTL until the
// returned stop function is called. A renewal that comes back empty
// cancels the execution: the queue has expired the lease and may hand
// the command to someone else.
func (p *Poller) keepLeaseAlive(ctx context.Context, cancel context.CancelFunc, commandID string) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := p.cfg.Clock.NewTicker(p.cfg.LeaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}
			record, err := p.renewLease(ctx, commandID)
			if err != nil {
				p.log.WithError(err).Debugf("Renewing the lease on command %v failed.", commandID)
				continue
			}
			if record == nil {
				p.log.Warnf("Lost the lease on command %v, aborting the execution.", commandID)
				cancel()
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// runCommand executes argv and captures a bounded result. The context
// carries the execution timeout; hitting it kills the process.
func (p *Poller) runCommand(ctx context.Context, argv []string) queue.Result {
	stdout := &boundedBuffer{max: defaults.CommandOutputMaxBytes}
	stderr := &boundedBuffer{max: defaults.CommandOutputMaxBytes}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := p.cfg.Clock.Now()
	err := cmd.Run()

	result := queue.Result{
		Status:     string(queue.StateSucceeded),
		DurationMs: p.cfg.Clock.Now().Sub(started).Milliseconds(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.truncated || stderr.truncated,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		result.Status = string(queue.StateFailed)
		if cmd.ProcessState == nil {
			// the process never started
			result.ExitCode = -1
		}
		if result.Stderr == "" {
			result.Stderr = err.Error()
		}
	}
	return result
}

// argvForIntent translates a queued command into the argv to execute
// and the timeout to run it under. Intents other than run_command are
// dispatched through the OpenClaw CLI.
func (p *Poller) argvForIntent(snap queue.Snapshot) ([]string, time.Duration, error) {
	timeout := p.cfg.ExecTimeout
	switch snap.Intent {
	case queue.IntentRunCommand:
		var args struct {
			Command   string `json:"command"`
			TimeoutMs int64  `json:"timeoutMs"`
		}
		if err := unmarshalArgs(snap.Args, &args); err != nil {
			return nil, 0, trace.Wrap(err)
		}
		if args.Command == "" {
			return nil, 0, trace.BadParameter("run_command needs args.command")
		}
		argv, err := shellwords.Parse(args.Command)
		if err != nil {
			return nil, 0, trace.BadParameter("command does not parse: %v", err)
		}
		if len(argv) == 0 {
			return nil, 0, trace.BadParameter("command is empty after parsing")
		}
		if args.TimeoutMs > 0 {
			timeout = time.Duration(args.TimeoutMs) * time.Millisecond
		}
		return argv, timeout, nil

	case queue.IntentTriggerJob:
		var args struct {
			JobID string `json:"jobId"`
		}
		if err := unmarshalArgs(snap.Args, &args); err != nil {
			return nil, 0, trace.Wrap(err)
		}
		if args.JobID == "" {
			return nil, 0, trace.BadParameter("trigger_job needs args.jobId")
		}
		return []string{p.cfg.OpenClawBin, "cron", "run", args.JobID}, timeout, nil

	case queue.IntentAgentSetEnabled:
		var args struct {
			AgentID string `json:"agentId"`
			Enabled bool   `json:"enabled"`
		}
		if err := unmarshalArgs(snap.Args, &args); err != nil {
			return nil, 0, trace.Wrap(err)
		}
		if args.AgentID == "" {
			return nil, 0, trace.BadParameter("agent_set_enabled needs args.agentId")
		}
		verb := "disable"
		if args.Enabled {
			verb = "enable"
		}
		return []string{p.cfg.OpenClawBin, "agents", verb, args.AgentID}, timeout, nil

	case queue.IntentApproveRequest:
		var args struct {
			RequestID string `json:"requestId"`
		}
		if err := unmarshalArgs(snap.Args, &args); err != nil {
			return nil, 0, trace.Wrap(err)
		}
		if args.RequestID == "" {
			return nil, 0, trace.BadParameter("approve_request needs args.requestId")
		}
		return []string{p.cfg.OpenClawBin, "approvals", "accept", args.RequestID}, timeout, nil
	}
	return nil, 0, trace.NotImplemented("no executor for intent %q", snap.Intent)
}

func unmarshalArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return trace.BadParameter("command args do not parse: %v", err)
	}
	return nil
}

func (p *Poller) executedBefore(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.executed[key]
	return ok
}

// rememberExecuted records an executed idempotency key, evicting the
// oldest keys over the bound, and persists the set. A failed persist
// costs at most one duplicated execution after a restart.
func (p *Poller) rememberExecuted(key string) {
	p.mu.Lock()
	if _, ok := p.executed[key]; ok {
		p.mu.Unlock()
		return
	}
	p.executed[key] = struct{}{}
	p.order = append(p.order, key)
	for len(p.order) > defaults.CommandDedupKeys {
		delete(p.executed, p.order[0])
		p.order = p.order[1:]
	}
	keys := append([]string(nil), p.order...)
	p.mu.Unlock()

	if p.cfg.DedupPath == "" {
		return
	}
	data, err := json.MarshalIndent(dedupFile{Version: dedupVersion, Keys: keys}, "", "  ")
	if err != nil {
		p.log.WithError(err).Warn("Cannot serialize the executed command keys.")
		return
	}
	if err := utils.AtomicWriteFile(p.cfg.DedupPath, data, os.FileMode(0o600)); err != nil {
		p.log.WithError(err).Warn("Cannot persist the executed command keys.")
	}
}

// poll asks the queue for one command under a fresh lease.
func (p *Poller) poll(ctx context.Context) (*queue.Record, error) {
	path := fmt.Sprintf("/commands/poll?machineId=%v&leaseTtlMs=%v",
		url.QueryEscape(p.cfg.MachineID), p.cfg.LeaseTTL.Milliseconds())
	return p.do(ctx, http.MethodGet, path, nil)
}

type ackRunningReq struct {
	MachineID string `json:"machineId"`
}

func (p *Poller) ackRunning(ctx context.Context, commandID string) (*queue.Record, error) {
	return p.do(ctx, http.MethodPost, "/commands/"+url.PathEscape(commandID)+"/ack-running",
		ackRunningReq{MachineID: p.cfg.MachineID})
}

type renewLeaseReq struct {
	MachineID  string `json:"machineId"`
	LeaseTTLMs int    `json:"leaseTtlMs"`
}

func (p *Poller) renewLease(ctx context.Context, commandID string) (*queue.Record, error) {
	return p.do(ctx, http.MethodPost, "/commands/"+url.PathEscape(commandID)+"/renew-lease",
		renewLeaseReq{MachineID: p.cfg.MachineID, LeaseTTLMs: int(p.cfg.LeaseTTL.Milliseconds())})
}

type pushResultReq struct {
	MachineID string `json:"machineId"`
	queue.Result
}

func (p *Poller) pushResult(ctx context.Context, commandID string, result queue.Result) (*queue.Record, error) {
	return p.do(ctx, http.MethodPost, "/commands/"+url.PathEscape(commandID)+"/result",
		pushResultReq{MachineID: p.cfg.MachineID, Result: result})
}

// do performs one queue call and decodes the returned record. A JSON
// null comes back as a nil record: for poll it means nothing waits,
// for the lease calls it means the caller no longer owns the command.
func (p *Poller) do(ctx context.Context, method, path string, body any) (*queue.Record, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		reader = bytes.NewReader(data)
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, p.cfg.Endpoint+path, reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "command queue call to %v failed", path)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading the command queue reply failed")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, trace.NotFound("plane does not know command path %v", path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.ConnectionProblem(nil, "plane answered %v to %v", resp.StatusCode, path)
	}
	var record *queue.Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, trace.BadParameter("command queue reply does not parse: %v", err)
	}
	return record, nil
}

// boundedBuffer caps captured process output and flags the overflow.
// Write never errors so the process is not killed for being chatty.
type boundedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }

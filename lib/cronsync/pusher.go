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

package cronsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/utils"
)

const (
	// jobsFile is the declared job set inside the cron directory.
	jobsFile = "jobs.json"
	// configFile is the OpenClaw config at the top of the home.
	configFile = "openclaw.json"

	stateVersion = 1
)

// PusherConfig configures a Pusher.
type PusherConfig struct {
	// Dir is the OpenClaw home, e.g. ~/.openclaw. The pusher reads
	// cron/jobs.json, cron/runs/*.jsonl and openclaw.json under it.
	Dir string
	// Endpoint is the base URL of the control plane.
	Endpoint string
	// Token is the bearer token attached to every push.
	Token string
	// MachineID identifies this host in every report.
	MachineID string
	// StatePath is the watermark file. Defaults to
	// cron-sync-state.json inside Dir.
	StatePath string
	// Interval is the push cadence.
	Interval time.Duration
	// RequestTimeout bounds each push POST.
	RequestTimeout time.Duration
	// Client is the HTTP client; built from RequestTimeout when unset.
	Client *http.Client
	// Clock drives the interval loop.
	Clock clockwork.Clock
	// Log is the logger; a component logger is built when unset.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *PusherConfig) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.Endpoint == "" {
		return trace.BadParameter("missing parameter Endpoint")
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.MachineID == "" {
		return trace.BadParameter("missing parameter MachineID")
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(c.Dir, "cron-sync-state.json")
	}
	if c.Interval <= 0 {
		c.Interval = defaults.CronSyncInterval
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
			trace.Component: patze.ComponentCronSync,
		})
	}
	return nil
}

// pusherState is the persisted watermark: per-log byte offsets plus
// the hash of the job set already pushed, so restarts do not resend.
type pusherState struct {
	Version  int              `json:"version"`
	JobsHash string           `json:"jobsHash,omitempty"`
	Offsets  map[string]int64 `json:"offsets,omitempty"`
}

// Pusher is the bridge side of cron sync: it tails the OpenClaw cron
// surface behind a persisted watermark and pushes deltas to the plane.
// Delivery is at-least-once; the plane upserts jobs by id and tolerates
// duplicate run records.
type Pusher struct {
	cfg PusherConfig
	log logrus.FieldLogger

	mu     sync.Mutex
	state  pusherState
	mirror bool
}

// NewPusher loads the watermark and returns a pusher ready to Run.
func NewPusher(cfg PusherConfig) (*Pusher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	p := &Pusher{
		cfg:   cfg,
		log:   cfg.Log,
		state: pusherState{Version: stateVersion},
	}
	p.loadState()
	return p, nil
}

func (p *Pusher) loadState() {
	data, err := os.ReadFile(p.cfg.StatePath)
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.WithError(err).Warn("Cannot read the watermark state, run records may be resent.")
		}
		return
	}
	var state pusherState
	if err := json.Unmarshal(data, &state); err != nil || state.Version != stateVersion {
		p.log.Warnf("Watermark state %v is unusable, run records may be resent.", p.cfg.StatePath)
		return
	}
	p.state = state
}

// Run pushes on the configured interval and immediately when jobs.json
// changes, until the context is cancelled.
func (p *Pusher) Run(ctx context.Context) error {
	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.log.WithError(err).Warn("Running without file watching, pushes stay interval-only.")
	} else {
		defer watcher.Close()
		if err := watcher.Add(p.cronDir()); err != nil {
			p.log.WithError(err).Debugf("Cannot watch %v, pushes stay interval-only.", p.cronDir())
		}
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	// push once at startup so a fresh plane hears about this machine
	// before the first interval elapses
	if err := p.Sync(ctx); err != nil {
		p.log.WithError(err).Debug("Cron sync push failed.")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		case ev := <-events:
			if filepath.Base(ev.Name) != jobsFile || !ev.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
		case err := <-watchErrs:
			p.log.WithError(err).Debug("File watcher error.")
			continue
		}
		if err := p.Sync(ctx); err != nil {
			p.log.WithError(err).Debug("Cron sync push failed.")
		}
	}
}

// Sync performs one push cycle. The watermark advances only after the
// plane acknowledged the report, so a failed push reships the same
// deltas next time. When the ack proves the plane holds a different
// config, the raw config is mirrored with one immediate follow-up push.
func (p *Pusher) Sync(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		report, next := p.buildReport()
		ack, err := p.push(ctx, report)
		if err != nil {
			return trace.Wrap(err)
		}
		p.commit(next)
		if len(report.JobsDelta) > 0 || len(report.RunsDelta) > 0 {
			p.log.Debugf("Pushed %v jobs and %v runs.", ack.JobsStored, ack.RunsStored)
		}

		mirror := report.ConfigHash != "" && ack.ConfigHash != report.ConfigHash
		carried := len(report.ConfigRaw) > 0
		p.mu.Lock()
		p.mirror = mirror
		p.mu.Unlock()
		if !mirror || carried {
			return nil
		}
		// the plane holds a different config: mirror ours right away
	}
	return nil
}

// buildReport reads the cron surface and returns the report plus the
// watermark to commit once the plane accepts it.
func (p *Pusher) buildReport() (Report, pusherState) {
	p.mu.Lock()
	prev := p.state
	mirror := p.mirror
	p.mu.Unlock()

	report := Report{MachineID: p.cfg.MachineID}
	next := pusherState{Version: stateVersion, JobsHash: prev.JobsHash}

	if raw, ok := p.readConfig(); ok {
		report.ConfigHash = HashConfig(raw)
		if mirror {
			report.ConfigRaw = raw
		}
	}

	if delta, hash, changed := p.readJobs(prev.JobsHash); changed {
		report.JobsDelta = delta
		next.JobsHash = hash
	}

	report.RunsDelta, next.Offsets = p.collectRuns(prev.Offsets)
	return report, next
}

// readConfig returns openclaw.json when it exists and parses; a config
// that is not JSON cannot ride in a report, so it is treated as absent.
func (p *Pusher) readConfig() ([]byte, bool) {
	raw, err := os.ReadFile(p.configPath())
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.WithError(err).Warnf("Cannot read %v.", p.configPath())
		}
		return nil, false
	}
	if !json.Valid(raw) {
		p.log.Warnf("Skipping %v: not valid JSON.", p.configPath())
		return nil, false
	}
	return raw, true
}

// readJobs returns the full declared job set when jobs.json changed
// since the pushed hash. A file that fails to parse keeps the old hash
// so a write caught halfway is retried on the next push.
func (p *Pusher) readJobs(pushedHash string) ([]json.RawMessage, string, bool) {
	data, err := os.ReadFile(p.jobsPath())
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.WithError(err).Warnf("Cannot read %v.", p.jobsPath())
		}
		return nil, "", false
	}
	hash := HashConfig(data)
	if hash == pushedHash {
		return nil, "", false
	}
	var jobs []json.RawMessage
	if err := json.Unmarshal(data, &jobs); err != nil {
		p.log.WithError(err).Warnf("Cannot parse %v.", p.jobsPath())
		return nil, "", false
	}
	return jobs, hash, true
}

// collectRuns reads every run log from its stored offset to the last
// complete line. A log shorter than its offset was rotated and is read
// from the start again; a torn tail line without a newline stays
// unconsumed until its writer finishes it.
func (p *Pusher) collectRuns(prev map[string]int64) ([]json.RawMessage, map[string]int64) {
	next := make(map[string]int64)
	entries, err := os.ReadDir(p.runsDir())
	if err != nil {
		if !os.IsNotExist(err) {
			p.log.WithError(err).Warnf("Cannot list %v.", p.runsDir())
		}
		return nil, next
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var out []json.RawMessage
	for _, name := range names {
		offset := prev[name]
		data, err := os.ReadFile(filepath.Join(p.runsDir(), name))
		if err != nil {
			p.log.WithError(err).Warnf("Cannot read run log %v.", name)
			next[name] = offset
			continue
		}
		if int64(len(data)) < offset {
			offset = 0
		}
		tail := data[offset:]
		consumed := 0
		for {
			nl := bytes.IndexByte(tail[consumed:], '\n')
			if nl < 0 {
				break
			}
			line := bytes.TrimSpace(tail[consumed : consumed+nl])
			consumed += nl + 1
			if len(line) == 0 {
				continue
			}
			if !json.Valid(line) {
				p.log.Warnf("Skipping a malformed run record in %v.", name)
				continue
			}
			out = append(out, append(json.RawMessage(nil), line...))
		}
		next[name] = offset + int64(consumed)
	}
	return out, next
}

// commit persists the advanced watermark. A failed persist is logged
// and not fatal: the worst case after a crash is resending records the
// plane already holds.
func (p *Pusher) commit(next pusherState) {
	p.mu.Lock()
	p.state = next
	p.mu.Unlock()

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		p.log.WithError(err).Warn("Cannot serialize the watermark state.")
		return
	}
	if err := utils.AtomicWriteFile(p.cfg.StatePath, data, os.FileMode(0o600)); err != nil {
		p.log.WithError(err).Warn("Cannot persist the watermark state.")
	}
}

// push POSTs one report and decodes the ack.
func (p *Pusher) push(ctx context.Context, report Report) (Ack, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return Ack{}, trace.Wrap(err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	url := p.cfg.Endpoint + "/openclaw/bridge/cron-sync"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Ack{}, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return Ack{}, trace.ConnectionProblem(err, "cron sync push to %v failed", url)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ack{}, trace.ConnectionProblem(err, "reading the cron sync ack failed")
	}
	if resp.StatusCode != http.StatusOK {
		return Ack{}, trace.ConnectionProblem(nil, "plane answered %v to a cron sync push", resp.StatusCode)
	}
	var ack Ack
	if err := json.Unmarshal(body, &ack); err != nil {
		return Ack{}, trace.BadParameter("cron sync ack does not parse: %v", err)
	}
	return ack, nil
}

func (p *Pusher) cronDir() string    { return filepath.Join(p.cfg.Dir, "cron") }
func (p *Pusher) jobsPath() string   { return filepath.Join(p.cronDir(), jobsFile) }
func (p *Pusher) runsDir() string    { return filepath.Join(p.cronDir(), "runs") }
func (p *Pusher) configPath() string { return filepath.Join(p.cfg.Dir, configFile) }

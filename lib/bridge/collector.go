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
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/telemetry"
)

// cliStatusTimeout bounds one `openclaw status --json` invocation.
const cliStatusTimeout = 5 * time.Second

// RunState is one OpenClaw run as the collector reports it.
type RunState struct {
	RunID     string                   `json:"runId"`
	SessionID string                   `json:"sessionId,omitempty"`
	AgentID   string                   `json:"agentId,omitempty"`
	State     telemetry.LifecycleState `json:"state"`
	Reason    string                   `json:"reason,omitempty"`
}

// Collector supplies point-in-time snapshots of the runs OpenClaw is
// tracking on this host.
type Collector interface {
	Snapshot(ctx context.Context) ([]RunState, error)
}

// NewCollector picks the collector mode: shelling out to the OpenClaw
// CLI when OPENCLAW_BIN overrides the binary, reading the runs
// directory otherwise.
func NewCollector(openclawHome string, log logrus.FieldLogger) Collector {
	if bin := os.Getenv(patze.OpenClawBinEnvVar); bin != "" {
		return &CLICollector{Bin: bin, Log: log}
	}
	return &FileCollector{Dir: filepath.Join(openclawHome, "runs"), Log: log}
}

// FileCollector reads one JSON document per run from the OpenClaw runs
// directory. A missing directory means no runs. Files that do not parse
// are skipped, so one torn write never blinds the whole snapshot.
type FileCollector struct {
	// Dir is the runs directory, e.g. ~/.openclaw/runs.
	Dir string
	// Log is the logger.
	Log logrus.FieldLogger
}

// Snapshot implements Collector.
func (c *FileCollector) Snapshot(ctx context.Context) ([]RunState, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}

	var runs []RunState
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.Dir, entry.Name()))
		if err != nil {
			c.Log.WithError(err).Debugf("Cannot read run file %v.", entry.Name())
			continue
		}
		var run RunState
		if err := json.Unmarshal(data, &run); err != nil {
			c.Log.WithError(err).Debugf("Skipping run file %v.", entry.Name())
			continue
		}
		if run.RunID == "" || !run.State.IsValid() {
			c.Log.Debugf("Skipping run file %v: no usable run in it.", entry.Name())
			continue
		}
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

// CLICollector shells out to `openclaw status --json` and parses the
// reported runs.
type CLICollector struct {
	// Bin is the OpenClaw binary to invoke.
	Bin string
	// Timeout bounds one invocation; cliStatusTimeout when zero.
	Timeout time.Duration
	// Log is the logger.
	Log logrus.FieldLogger
}

// cliStatus is the part of the CLI status document the bridge consumes.
type cliStatus struct {
	Runs []RunState `json:"runs"`
}

// Snapshot implements Collector.
func (c *CLICollector) Snapshot(ctx context.Context) ([]RunState, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = cliStatusTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(execCtx, c.Bin, "status", "--json").Output()
	if err != nil {
		return nil, trace.Wrap(err, "running %v status failed", c.Bin)
	}
	var status cliStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, trace.BadParameter("%v status output does not parse: %v", c.Bin, err)
	}

	runs := status.Runs[:0]
	for _, run := range status.Runs {
		if run.RunID == "" || !run.State.IsValid() {
			c.Log.Debugf("Skipping a reported run without id or state.")
			continue
		}
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

// sortRuns orders a snapshot by run id so diffs emit deterministically.
func sortRuns(runs []RunState) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
}

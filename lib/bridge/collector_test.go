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
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/telemetry"
)

func TestFileCollectorSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeRunFile := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	writeRunFile("run-b.json", `{"runId":"run-b","state":"running","agentId":"agent-1"}`)
	writeRunFile("run-a.json", `{"runId":"run-a","state":"completed"}`)
	writeRunFile("torn.json", `{"runId":"run-c","sta`)
	writeRunFile("no-id.json", `{"state":"running"}`)
	writeRunFile("odd-state.json", `{"runId":"run-d","state":"melting"}`)
	writeRunFile("notes.txt", "not a run")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o700))

	collector := &FileCollector{Dir: dir, Log: logrus.StandardLogger()}
	runs, err := collector.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, []RunState{
		{RunID: "run-a", State: telemetry.StateCompleted},
		{RunID: "run-b", State: telemetry.StateRunning, AgentID: "agent-1"},
	}, runs)
}

func TestFileCollectorMissingDir(t *testing.T) {
	collector := &FileCollector{
		Dir: filepath.Join(t.TempDir(), "never-created"),
		Log: logrus.StandardLogger(),
	}
	runs, err := collector.Snapshot(context.Background())
	require.NoError(t, err)
	require.Empty(t, runs)
}

// writeCLIStub drops an executable shell script standing in for the
// OpenClaw CLI.
func writeCLIStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "openclaw")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCLICollectorSnapshot(t *testing.T) {
	bin := writeCLIStub(t, `echo '{"runs":[{"runId":"run-2","state":"running"},{"runId":"run-1","state":"queued"},{"runId":"","state":"running"}]}'`)
	collector := &CLICollector{Bin: bin, Log: logrus.StandardLogger()}

	runs, err := collector.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, []RunState{
		{RunID: "run-1", State: telemetry.StateQueued},
		{RunID: "run-2", State: telemetry.StateRunning},
	}, runs)
}

func TestCLICollectorFailure(t *testing.T) {
	bin := writeCLIStub(t, "exit 1")
	collector := &CLICollector{Bin: bin, Log: logrus.StandardLogger()}

	_, err := collector.Snapshot(context.Background())
	require.Error(t, err)
}

func TestCLICollectorGarbageOutput(t *testing.T) {
	bin := writeCLIStub(t, "echo it broke")
	collector := &CLICollector{Bin: bin, Log: logrus.StandardLogger()}

	_, err := collector.Snapshot(context.Background())
	require.True(t, trace.IsBadParameter(err))
}

func TestNewCollectorPicksMode(t *testing.T) {
	t.Setenv(patze.OpenClawBinEnvVar, "")
	collector := NewCollector("/home/user/.openclaw", logrus.StandardLogger())
	fileCollector, ok := collector.(*FileCollector)
	require.True(t, ok)
	require.Equal(t, filepath.Join("/home/user/.openclaw", "runs"), fileCollector.Dir)

	t.Setenv(patze.OpenClawBinEnvVar, "/usr/local/bin/openclaw")
	collector = NewCollector("/home/user/.openclaw", logrus.StandardLogger())
	cliCollector, ok := collector.(*CLICollector)
	require.True(t, ok)
	require.Equal(t, "/usr/local/bin/openclaw", cliCollector.Bin)
}

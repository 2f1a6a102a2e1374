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

package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/telemetry"
	"github.com/patzehq/patze/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func TestApplyEnvironment(t *testing.T) {
	t.Setenv(patze.ControlPlaneURLEnvVar, "http://127.0.0.1:4618")
	t.Setenv(patze.ControlPlaneTokenEnvVar, "token-env")
	t.Setenv(patze.OpenClawHomeEnvVar, "/home/ops/.openclaw")
	t.Setenv(patze.BridgeHealthPortEnvVar, "4617")

	cfg := &fileConfig{}
	require.NoError(t, cfg.applyEnvironment())
	require.Equal(t, "http://127.0.0.1:4618", cfg.Endpoint)
	require.Equal(t, "token-env", cfg.Token)
	require.Equal(t, "/home/ops/.openclaw", cfg.OpenClawHome)
	require.Equal(t, "127.0.0.1:4617", cfg.HealthAddr)
}

func TestApplyEnvironmentKeepsFileValues(t *testing.T) {
	t.Setenv(patze.ControlPlaneURLEnvVar, "http://127.0.0.1:4618")
	t.Setenv(patze.BridgeHealthPortEnvVar, "4617")

	cfg := &fileConfig{
		Endpoint:   "http://plane.internal:4680",
		HealthAddr: "127.0.0.1:9000",
	}
	require.NoError(t, cfg.applyEnvironment())
	require.Equal(t, "http://plane.internal:4680", cfg.Endpoint)
	require.Equal(t, "127.0.0.1:9000", cfg.HealthAddr)
}

func TestApplyEnvironmentRejectsBadPort(t *testing.T) {
	t.Setenv(patze.BridgeHealthPortEnvVar, "not-a-port")

	err := (&fileConfig{}).applyEnvironment()
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestBridgeConfigMapping(t *testing.T) {
	cfg := &fileConfig{
		Endpoint:     "http://127.0.0.1:4618",
		Token:        "token-1",
		MachineID:    "machine-1",
		MachineName:  "host-1",
		MachineKind:  "local",
		OpenClawHome: "/srv/openclaw",
		DataDir:      "/srv/openclaw/bridge",
		HealthAddr:   "127.0.0.1:4617",
	}

	bcfg := cfg.bridgeConfig()
	require.Equal(t, "http://127.0.0.1:4618", bcfg.Endpoint)
	require.Equal(t, "token-1", bcfg.Token)
	require.Equal(t, "machine-1", bcfg.MachineID)
	require.Equal(t, "host-1", bcfg.MachineName)
	require.Equal(t, telemetry.MachineKindLocal, bcfg.MachineKind)
	require.Equal(t, "/srv/openclaw", bcfg.OpenClawHome)
	require.Equal(t, "/srv/openclaw/bridge", bcfg.DataDir)
	require.Equal(t, "127.0.0.1:4617", bcfg.HealthAddr)
}

func TestLoadConfigNoPath(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	require.Empty(t, cfg.Endpoint)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint: http://plane.internal:4680
token: secret
machine_kind: vps
health_addr: "127.0.0.1:9000"
`), 0o600))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "http://plane.internal:4680", cfg.Endpoint)
	require.Equal(t, "secret", cfg.Token)
	require.Equal(t, "vps", cfg.MachineKind)
	require.Equal(t, "127.0.0.1:9000", cfg.HealthAddr)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpont: oops\n"), 0o600))

	_, err := loadConfig(path)
	require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
}

func TestCheckHealth(t *testing.T) {
	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	err := checkHealth(addr)
	require.True(t, trace.IsConnectionProblem(err), "expected ConnectionProblem, got %v", err)

	healthy = true
	require.NoError(t, checkHealth(addr))
}

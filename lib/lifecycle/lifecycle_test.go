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

package lifecycle

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patzehq/patze/lib/sshutils"
	"github.com/patzehq/patze/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

// execRule answers commands containing match; rules are checked in
// order and the first hit wins. Unmatched commands exit 127 the way a
// shell reports a missing binary.
type execRule struct {
	match  string
	stdout string
	stderr string
	exit   int
	err    error
}

type fakeRunner struct {
	mu      sync.Mutex
	rules   []execRule
	cmds    []string
	stdins  []string
	uploads []string

	uploadErr error
}

func (f *fakeRunner) Exec(ctx context.Context, command string, stdin io.Reader) (*sshutils.ExecResult, error) {
	var in string
	if stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		in = string(data)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, command)
	f.stdins = append(f.stdins, in)

	for _, rule := range f.rules {
		if strings.Contains(command, rule.match) {
			if rule.err != nil {
				return nil, rule.err
			}
			return &sshutils.ExecResult{
				Stdout:   rule.stdout,
				Stderr:   rule.stderr,
				ExitCode: rule.exit,
			}, nil
		}
	}
	return &sshutils.ExecResult{Stderr: "sh: command not found\n", ExitCode: 127}, nil
}

func (f *fakeRunner) UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, remotePath)
	return f.uploadErr
}

func (f *fakeRunner) Addr() string { return "198.51.100.7:22" }

// commandMatching returns the first executed command containing match
// and its stdin, or ("", "").
func (f *fakeRunner) commandMatching(match string) (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cmd := range f.cmds {
		if strings.Contains(cmd, match) {
			return cmd, f.stdins[i]
		}
	}
	return "", ""
}

func (f *fakeRunner) ran(match string) bool {
	cmd, _ := f.commandMatching(match)
	return cmd != ""
}

func (f *fakeRunner) uploadedTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

const testScript = "#!/bin/sh\necho installing\n"

func newTestBridge(t *testing.T, mutate func(*Config)) *Bridge {
	t.Helper()
	dir := t.TempDir()
	bundle := filepath.Join(dir, "bridge.mjs")
	require.NoError(t, os.WriteFile(bundle, []byte("bundle-v1"), 0o644))
	script := filepath.Join(dir, "install.sh")
	require.NoError(t, os.WriteFile(script, []byte(testScript), 0o755))

	cfg := Config{
		BundlePath:        bundle,
		InstallScriptPath: script,
		Token:             "secret-token",
		KnownHostsPath:    filepath.Join(dir, "known_hosts"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.CheckAndSetDefaults())

	req := SetupRequest{SSHHost: "198.51.100.7", SSHUser: "ops", SSHMode: SSHModeDirect}
	require.NoError(t, req.CheckAndSetDefaults())

	b, err := newBridge(bridgeID(req.SSHHost, req.SSHPort), req, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(b.stop)
	return b
}

func localBundleSum(t *testing.T, b *Bridge) string {
	t.Helper()
	sum, err := fileSHA256(b.cfg.BundlePath)
	require.NoError(t, err)
	return sum
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	require.True(t, trace.IsBadParameter(cfg.CheckAndSetDefaults()))

	dir := t.TempDir()
	for _, name := range []string{"bridge.mjs", "install.sh"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	cfg = Config{
		BundlePath:        filepath.Join(dir, "bridge.mjs"),
		InstallScriptPath: filepath.Join(dir, "install.sh"),
		Token:             "tok",
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.NotZero(t, cfg.LocalPort)
	require.NotZero(t, cfg.RemotePort)
	require.NotZero(t, cfg.BridgeHealthPort)
	require.NotEmpty(t, cfg.KnownHostsPath)
	require.NotNil(t, cfg.Clock)
	require.NotNil(t, cfg.Log)
}

func TestSetupRequestDefaults(t *testing.T) {
	var req SetupRequest
	require.True(t, trace.IsBadParameter(req.CheckAndSetDefaults()))

	req = SetupRequest{SSHHost: "db1"}
	require.NoError(t, req.CheckAndSetDefaults())
	require.Equal(t, 22, req.SSHPort)
	require.Equal(t, SSHModeAlias, req.SSHMode)

	req = SetupRequest{SSHHost: "db1", SSHPort: 70000}
	require.True(t, trace.IsBadParameter(req.CheckAndSetDefaults()))

	req = SetupRequest{SSHHost: "db1", SSHMode: "tunnel"}
	require.True(t, trace.IsBadParameter(req.CheckAndSetDefaults()))
}

func TestInstallUpdatesActiveSystemUnit(t *testing.T) {
	b := newTestBridge(t, nil)
	sum := localBundleSum(t, b)
	run := &fakeRunner{rules: []execRule{
		{match: "systemctl --user is-active", exit: 3},
		{match: "systemctl is-active", exit: 0},
		{match: "sha256sum", stdout: sum + "  /opt/patze-bridge/bridge.mjs\n"},
		{match: "cat '/etc/patze-bridge/bridge.env'", stdout: "stale config\n"},
		{match: "id -u", stdout: "1000\n"},
		{match: "sudo -n true", exit: 0},
		{match: "systemctl restart", exit: 0},
	}}

	require.NoError(t, b.install(context.Background(), run))
	require.Equal(t, InstallModeSystem, b.Status().Mode)

	// the bundle was unchanged, so nothing was staged
	require.Empty(t, run.uploadedTo())

	cmd, stdin := run.commandMatching("systemctl restart")
	require.True(t, strings.HasPrefix(cmd, "sudo -n sh -c "), "got %q", cmd)
	require.Contains(t, cmd, "cat > ")
	require.Contains(t, cmd, "/etc/patze-bridge/bridge.env")
	require.Equal(t, b.bridgeEnv(), stdin)
}

func TestInstallSystemUpToDate(t *testing.T) {
	b := newTestBridge(t, nil)
	sum := localBundleSum(t, b)
	run := &fakeRunner{rules: []execRule{
		{match: "systemctl --user is-active", exit: 3},
		{match: "systemctl is-active", exit: 0},
		{match: "sha256sum", stdout: sum + "  /opt/patze-bridge/bridge.mjs\n"},
		{match: "cat '/etc/patze-bridge/bridge.env'", stdout: b.bridgeEnv()},
	}}

	require.NoError(t, b.install(context.Background(), run))
	require.Empty(t, run.uploadedTo())
	require.False(t, run.ran("systemctl restart"))
	require.Contains(t, b.ring.Lines(), "bridge is up to date")
}

func TestInstallSystemUpdateNeedsSudoPassword(t *testing.T) {
	b := newTestBridge(t, nil)
	run := &fakeRunner{rules: []execRule{
		{match: "systemctl --user is-active", exit: 3},
		{match: "systemctl is-active", exit: 0},
		{match: "sha256sum", stdout: strings.Repeat("a", 64) + "  /opt/patze-bridge/bridge.mjs\n"},
		{match: "cat '/etc/patze-bridge/bridge.env'", stdout: "stale config\n"},
		{match: "id -u", stdout: "1000\n"},
		{match: "sudo -n true", exit: 1, stderr: "sudo: a password is required\n"},
		{match: "command -v sudo", stdout: "/usr/bin/sudo\n"},
	}}

	err := b.install(context.Background(), run)
	require.ErrorIs(t, err, errSudoPasswordRequired)

	staged := run.uploadedTo()
	require.Len(t, staged, 1)
	require.True(t, strings.HasPrefix(staged[0], "/tmp/patze-bridge-"), "got %q", staged[0])

	pending := b.takePending()
	require.NotNil(t, pending)
	require.Equal(t, actionSystemApply, pending.action)
	require.Equal(t, staged[0], pending.stagedBundle)
}

func TestInstallUpdatesUserUnit(t *testing.T) {
	b := newTestBridge(t, nil)
	run := &fakeRunner{rules: []execRule{
		{match: "systemctl --user is-active", exit: 0},
		{match: "systemctl is-active", exit: 3},
		{match: `"$HOME"`, stdout: "/home/ops"},
		{match: "sha256sum", stdout: strings.Repeat("b", 64) + "  bridge.mjs\n"},
		{match: "cat '/home/ops/.config/patze-bridge/bridge.env'", stdout: "stale\n"},
		{match: "mkdir -p '/home/ops/.config/patze-bridge'", exit: 0},
		{match: "systemctl --user restart", exit: 0},
	}}

	require.NoError(t, b.install(context.Background(), run))
	require.Equal(t, InstallModeUser, b.Status().Mode)
	require.Equal(t, []string{"/home/ops/patze-bridge/bridge.mjs"}, run.uploadedTo())
	require.True(t, run.ran("systemctl --user restart"))

	_, stdin := run.commandMatching("cat > '/home/ops/.config/patze-bridge/bridge.env'")
	require.Equal(t, b.bridgeEnv(), stdin)
}

func TestInstallFreshAsRoot(t *testing.T) {
	b := newTestBridge(t, func(cfg *Config) {
		cfg.OpenClawHome = "/srv/openclaw"
		cfg.TokenExpiresIn = "30d"
	})
	sum := localBundleSum(t, b)
	run := &fakeRunner{rules: []execRule{
		{match: "is-active", exit: 3},
		{match: "id -u", stdout: "0\n"},
		{match: "sh -s --", exit: 0},
	}}

	require.NoError(t, b.install(context.Background(), run))
	require.Equal(t, InstallModeSystem, b.Status().Mode)

	staged := run.uploadedTo()
	require.Len(t, staged, 1)

	cmd, stdin := run.commandMatching("sh -s --")
	require.True(t, strings.HasPrefix(cmd, "sh -s -- "), "got %q", cmd)
	require.Contains(t, cmd, "--token 'secret-token'")
	require.Contains(t, cmd, "--bundle-path '"+staged[0]+"'")
	require.Contains(t, cmd, "--verify-bundle-sha256 "+sum)
	require.Contains(t, cmd, "--openclaw-home '/srv/openclaw'")
	require.Contains(t, cmd, "--expires-in '30d'")
	require.NotContains(t, cmd, "--user-mode")
	require.Equal(t, testScript, stdin)

	// the ring never sees the token
	for _, line := range b.ring.Lines() {
		assert.NotContains(t, line, "secret-token")
	}
}

func TestInstallFreshUserModeWithoutSudo(t *testing.T) {
	b := newTestBridge(t, nil)
	run := &fakeRunner{rules: []execRule{
		{match: "is-active", exit: 3},
		{match: "id -u", stdout: "1000\n"},
		{match: "sudo -n true", exit: 127, stderr: "sh: sudo: not found\n"},
		{match: "command -v sudo", exit: 1},
		{match: "sh -s --", exit: 0},
	}}

	require.NoError(t, b.install(context.Background(), run))
	require.Equal(t, InstallModeUser, b.Status().Mode)

	cmd, _ := run.commandMatching("sh -s --")
	require.Contains(t, cmd, "--user-mode")
	require.NotContains(t, cmd, "sudo")
}

func TestInstallFreshNeedsSudoPassword(t *testing.T) {
	b := newTestBridge(t, nil)
	run := &fakeRunner{rules: []execRule{
		{match: "is-active", exit: 3},
		{match: "id -u", stdout: "1000\n"},
		{match: "sudo -n true", exit: 1, stderr: "sudo: a password is required\n"},
		{match: "command -v sudo", stdout: "/usr/bin/sudo\n"},
	}}

	err := b.install(context.Background(), run)
	require.ErrorIs(t, err, errSudoPasswordRequired)
	require.Equal(t, InstallModeSystem, b.Status().Mode)

	// the bundle is staged ahead of the retry
	staged := run.uploadedTo()
	require.Len(t, staged, 1)
	pending := b.takePending()
	require.NotNil(t, pending)
	require.Equal(t, actionSystemInstall, pending.action)
	require.Equal(t, staged[0], pending.stagedBundle)
}

func TestResumeWithPasswordRunsInstallScript(t *testing.T) {
	b := newTestBridge(t, nil)
	b.setPending(&pendingInstall{action: actionSystemInstall, stagedBundle: "/tmp/staged.mjs"})
	run := &fakeRunner{rules: []execRule{
		{match: "sh -s --", exit: 0},
	}}

	require.NoError(t, b.resumeWithPassword(context.Background(), run, "hunter2"))

	cmd, stdin := run.commandMatching("sh -s --")
	require.True(t, strings.HasPrefix(cmd, "sudo -S -p '' sh -s -- "), "got %q", cmd)
	require.Equal(t, "hunter2\n"+testScript, stdin)
	require.Nil(t, b.takePending())
}

func TestResumeSystemApplyWithPassword(t *testing.T) {
	b := newTestBridge(t, nil)
	b.setPending(&pendingInstall{action: actionSystemApply, stagedBundle: ""})
	run := &fakeRunner{rules: []execRule{
		{match: "sudo -S", exit: 0},
	}}

	require.NoError(t, b.resumeWithPassword(context.Background(), run, "hunter2"))

	cmd, stdin := run.commandMatching("sudo -S")
	require.Contains(t, cmd, "systemctl restart")
	require.Equal(t, "hunter2\n"+b.bridgeEnv(), stdin)
}

func TestResumeWithPasswordRejected(t *testing.T) {
	b := newTestBridge(t, nil)
	b.setPending(&pendingInstall{action: actionSystemInstall, stagedBundle: "/tmp/staged.mjs"})
	run := &fakeRunner{rules: []execRule{
		{match: "sh -s --", exit: 1, stderr: "Sorry, try again.\n"},
	}}

	err := b.resumeWithPassword(context.Background(), run, "wrong")
	require.True(t, trace.IsAccessDenied(err), "got %v", err)

	// the pending install survives for another attempt
	pending := b.takePending()
	require.NotNil(t, pending)
	require.Equal(t, "/tmp/staged.mjs", pending.stagedBundle)
}

func TestResumeWithPasswordFallsBackToUserMode(t *testing.T) {
	b := newTestBridge(t, nil)
	b.setPending(&pendingInstall{action: actionSystemInstall, stagedBundle: "/tmp/staged.mjs"})
	run := &fakeRunner{rules: []execRule{
		{match: "sudo -S", exit: 1, stderr: "install: cannot create directory\n"},
		{match: "sh -s --", exit: 0},
	}}

	require.NoError(t, b.resumeWithPassword(context.Background(), run, "hunter2"))
	require.Equal(t, InstallModeUser, b.Status().Mode)

	cmd, _ := run.commandMatching("--user-mode")
	require.NotEmpty(t, cmd)
	require.NotContains(t, cmd, "sudo")
	// the fall-back uploads a fresh bundle instead of reusing the stash
	require.Len(t, run.uploadedTo(), 1)
}

func TestResumeWithoutPendingInstall(t *testing.T) {
	b := newTestBridge(t, nil)
	err := b.resumeWithPassword(context.Background(), &fakeRunner{}, "hunter2")
	require.True(t, trace.IsBadParameter(err), "got %v", err)
}

func TestRemoteSHA256Fallback(t *testing.T) {
	b := newTestBridge(t, nil)
	sum := strings.Repeat("c", 64)
	run := &fakeRunner{rules: []execRule{
		{match: "sha256sum", exit: 127},
		{match: "shasum", exit: 127},
		{match: "openssl dgst", stdout: sum + " */opt/patze-bridge/bridge.mjs\n"},
	}}

	got, err := b.remoteSHA256(context.Background(), run, "/opt/patze-bridge/bridge.mjs")
	require.NoError(t, err)
	require.Equal(t, sum, got)

	// no tool at all reads as "cannot compare", not an error
	none := &fakeRunner{}
	got, err = b.remoteSHA256(context.Background(), none, "/opt/patze-bridge/bridge.mjs")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestVerifyTelemetry(t *testing.T) {
	b := newTestBridge(t, nil)
	run := &fakeRunner{rules: []execRule{
		{match: "curl", exit: 0},
	}}
	require.True(t, b.verifyTelemetry(context.Background(), run))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	down := &fakeRunner{rules: []execRule{
		{match: "curl", exit: 7},
	}}
	require.False(t, b.verifyTelemetry(ctx, down))
}

func TestBridgeEnv(t *testing.T) {
	b := newTestBridge(t, func(cfg *Config) {
		cfg.RemotePort = 4618
		cfg.BridgeHealthPort = 4617
		cfg.OpenClawHome = "/srv/openclaw"
	})
	env := b.bridgeEnv()
	require.Equal(t, "CONTROL_PLANE_URL=http://127.0.0.1:4618\n"+
		"CONTROL_PLANE_TOKEN=secret-token\n"+
		"HEALTH_PORT=4617\n"+
		"OPENCLAW_HOME=/srv/openclaw\n", env)
}

func TestRedactCommand(t *testing.T) {
	cmd := "sh -s -- --token 'secret' --bundle-path '/tmp/x' --sudo-pass hunter2"
	got := redactCommand(cmd)
	require.NotContains(t, got, "secret")
	require.NotContains(t, got, "hunter2")
	require.Contains(t, got, "--token ***")
	require.Contains(t, got, "--bundle-path '/tmp/x'")
}

func TestShellQuote(t *testing.T) {
	require.Equal(t, "'/tmp/a b'", shellQuote("/tmp/a b"))
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestSudoStderrProbes(t *testing.T) {
	require.True(t, sudoWantsPassword("sudo: a password is required"))
	require.True(t, sudoWantsPassword("sudo: a terminal is required to read the password"))
	require.False(t, sudoWantsPassword("sudo: command not found"))

	require.True(t, sudoRejectedPassword("Sorry, try again."))
	require.True(t, sudoRejectedPassword("sudo: incorrect password attempt"))
	require.False(t, sudoRejectedPassword("sudo: a password is required"))
}

func TestIsTransientError(t *testing.T) {
	require.True(t, IsTransientError(errors.New("dial tcp: i/o timeout")))
	require.True(t, IsTransientError(errors.New("ssh connection closed")))
	require.True(t, IsTransientError(errors.New("read: connection reset by peer")))
	require.True(t, IsTransientError(errors.New("sftp upload stalled")))
	require.False(t, IsTransientError(errors.New("unable to authenticate")))
	require.False(t, IsTransientError(nil))
}

func TestHintsFor(t *testing.T) {
	hints := HintsFor(errors.New("ssh: unable to authenticate, attempted methods [publickey]"))
	require.Len(t, hints, 1)
	require.Contains(t, hints[0], "authorized_keys")

	// one hint per suggestion even when several tokens map to it
	hints = HintsFor(errors.New("dial tcp: i/o timeout: request timed out"))
	require.Len(t, hints, 1)

	require.Empty(t, HintsFor(nil))
}

func TestResolveSetupTarget(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config")
	require.NoError(t, os.WriteFile(configPath, []byte(
		"Host db1\n"+
			"  HostName db1.internal.example.com\n"+
			"  User postgres\n"+
			"  Port 2222\n"+
			"  IdentityFile ~/.ssh/db1_ed25519\n",
	), 0o600))
	cfg := Config{SSHConfigPath: configPath}

	// direct mode ignores the alias
	target, mode, err := resolveSetupTarget(cfg, SetupRequest{
		SSHHost: "db1", SSHPort: 22, SSHUser: "ops", SSHMode: SSHModeDirect, SSHKeyPath: "/home/u/.ssh/id",
	})
	require.NoError(t, err)
	require.Equal(t, SSHModeDirect, mode)
	require.Equal(t, "db1", target.Host)
	require.Equal(t, 22, target.Port)
	require.Equal(t, "ops", target.User)
	require.Equal(t, "/home/u/.ssh/id", target.IdentityFile)

	// alias mode resolves through the ssh config
	target, mode, err = resolveSetupTarget(cfg, SetupRequest{
		SSHHost: "db1", SSHPort: 22, SSHMode: SSHModeAlias,
	})
	require.NoError(t, err)
	require.Equal(t, SSHModeAlias, mode)
	require.Equal(t, "db1.internal.example.com", target.Host)
	require.Equal(t, 2222, target.Port)
	require.Equal(t, "postgres", target.User)

	// an explicit key path beats the config's IdentityFile
	target, _, err = resolveSetupTarget(cfg, SetupRequest{
		SSHHost: "db1", SSHPort: 22, SSHMode: SSHModeAlias, SSHKeyPath: "/home/u/.ssh/other",
	})
	require.NoError(t, err)
	require.Equal(t, "/home/u/.ssh/other", target.IdentityFile)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	bundle := filepath.Join(dir, "bridge.mjs")
	require.NoError(t, os.WriteFile(bundle, []byte("bundle-v1"), 0o644))
	script := filepath.Join(dir, "install.sh")
	require.NoError(t, os.WriteFile(script, []byte(testScript), 0o755))

	m, err := NewManager(Config{
		BundlePath:        bundle,
		InstallScriptPath: script,
		Token:             "secret-token",
		KnownHostsPath:    filepath.Join(dir, "known_hosts"),
		SSHConfigPath:     filepath.Join(dir, "ssh_config"),
	})
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)
	return m
}

// insertBridge plants a handle in a chosen phase without touching the
// network.
func insertBridge(t *testing.T, m *Manager, req SetupRequest, phase Phase) *Bridge {
	t.Helper()
	require.NoError(t, req.CheckAndSetDefaults())
	b, err := newBridge(bridgeID(req.SSHHost, req.SSHPort), req, m.cfg, m.knownHosts)
	require.NoError(t, err)
	b.transition(phase)
	m.mu.Lock()
	m.bridges[b.id] = b
	m.mu.Unlock()
	return b
}

func TestManagerSetupReusesLiveBridge(t *testing.T) {
	m := newTestManager(t)
	req := SetupRequest{SSHHost: "127.0.0.1", SSHPort: 1, SSHMode: SSHModeDirect}
	live := insertBridge(t, m, req, PhaseRunning)

	status, err := m.Setup(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, PhaseRunning, status.Phase)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Same(t, live, m.bridges[live.id])
}

func TestManagerSetupReplacesTerminalBridge(t *testing.T) {
	m := newTestManager(t)
	req := SetupRequest{SSHHost: "127.0.0.1", SSHPort: 1, SSHMode: SSHModeDirect}
	dead := insertBridge(t, m, req, PhaseError)

	status, err := m.Setup(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, dead.id, status.ID)

	m.mu.Lock()
	replacement := m.bridges[dead.id]
	m.mu.Unlock()
	require.NotSame(t, dead, replacement)

	// nothing listens on port 1, so the background setup must land in
	// the error phase rather than hang
	require.Eventually(t, func() bool {
		st, err := m.Get(status.ID)
		return err == nil && st.Phase == PhaseError
	}, 10*time.Second, 10*time.Millisecond)

	st, err := m.Get(status.ID)
	require.NoError(t, err)
	require.NotEmpty(t, st.Error)
}

func TestManagerDisconnectAndRemove(t *testing.T) {
	m := newTestManager(t)
	req := SetupRequest{SSHHost: "10.0.0.9", SSHMode: SSHModeDirect}
	b := insertBridge(t, m, req, PhaseRunning)

	status, err := m.Disconnect(b.id)
	require.NoError(t, err)
	require.Equal(t, PhaseDisconnected, status.Phase)

	// disconnected handles stay listed
	require.Len(t, m.List(), 1)

	require.NoError(t, m.Remove(b.id))
	require.Empty(t, m.List())
	require.True(t, trace.IsNotFound(m.Remove(b.id)))

	_, err = m.Get(b.id)
	require.True(t, trace.IsNotFound(err))
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	insertBridge(t, m, SetupRequest{SSHHost: "beta", SSHMode: SSHModeDirect}, PhaseRunning)
	insertBridge(t, m, SetupRequest{SSHHost: "alpha", SSHMode: SSHModeDirect}, PhaseError)

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, "alpha:22", list[0].ID)
	require.Equal(t, "beta:22", list[1].ID)
}

func TestManagerSudoRetryPreconditions(t *testing.T) {
	m := newTestManager(t)

	_, err := m.RetryInstallWithSudoPassword(context.Background(), "nope:22", "pw")
	require.True(t, trace.IsNotFound(err))

	_, err = m.RetryInstallWithSudoPassword(context.Background(), "nope:22", "")
	require.True(t, trace.IsBadParameter(err))

	b := insertBridge(t, m, SetupRequest{SSHHost: "10.0.0.9", SSHMode: SSHModeDirect}, PhaseRunning)
	_, err = m.RetryInstallWithSudoPassword(context.Background(), b.id, "pw")
	require.True(t, trace.IsBadParameter(err), "got %v", err)

	// parked without a live connection: the operator must rerun setup
	b.transition(PhaseNeedsSudoPassword)
	_, err = m.RetryInstallUserMode(context.Background(), b.id)
	require.True(t, trace.IsNotFound(err), "got %v", err)
}

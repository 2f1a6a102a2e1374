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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/sshutils"
)

// InstallMode says which systemd flavor supervises the bridge.
type InstallMode string

const (
	// InstallModeSystem runs the bridge as a system unit.
	InstallModeSystem InstallMode = "system"
	// InstallModeUser runs it as a user unit under the login user.
	InstallModeUser InstallMode = "user"
)

// errSudoPasswordRequired stops an install that needs a password the
// operator has not supplied. Not a failure: the bridge parks in the
// needs_sudo_password phase with the connection up.
var errSudoPasswordRequired = errors.New("sudo requires a password on the target")

const (
	systemBundlePath = "/opt/patze-bridge/bridge.mjs"
	systemEnvPath    = "/etc/patze-bridge/bridge.env"
	userBundleDir    = "patze-bridge"
	userEnvDir       = ".config/patze-bridge"
)

// commandRunner is the remote surface the install steps need.
// *sshutils.Client satisfies it; tests substitute a script of canned
// responses.
type commandRunner interface {
	Exec(ctx context.Context, command string, stdin io.Reader) (*sshutils.ExecResult, error)
	UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
	Addr() string
}

// sudoState is what privilege detection found on the target.
type sudoState int

const (
	sudoUnknown sudoState = iota
	// sudoRoot means the login user is uid 0.
	sudoRoot
	// sudoPasswordless means sudo -n works.
	sudoPasswordless
	// sudoNeedsPassword means sudo exists but wants a password.
	sudoNeedsPassword
	// sudoNone means no sudo on the target.
	sudoNone
)

// pendingInstall captures what to run once the operator supplies a
// sudo password.
type pendingInstall struct {
	// action distinguishes a system update apply from a full install.
	action string
	// stagedBundle is the bundle already uploaded to /tmp, "" when the
	// installed bundle was unchanged.
	stagedBundle string
}

const (
	actionSystemApply   = "system-apply"
	actionSystemInstall = "system-install"
)

// install walks the decision table: a live system unit takes the
// system update path, a live user unit the user update path, otherwise
// privilege detection picks a fresh install flavor.
func (b *Bridge) install(ctx context.Context, run commandRunner) error {
	b.setPending(nil)

	localSum, err := fileSHA256(b.cfg.BundlePath)
	if err != nil {
		return trace.Wrap(err)
	}

	active, err := b.unitActive(ctx, run, false)
	if err != nil {
		return trace.Wrap(err)
	}
	if active {
		b.setMode(InstallModeSystem)
		return trace.Wrap(b.updateSystem(ctx, run, localSum))
	}

	active, err = b.unitActive(ctx, run, true)
	if err != nil {
		return trace.Wrap(err)
	}
	if active {
		b.setMode(InstallModeUser)
		return trace.Wrap(b.updateUser(ctx, run, localSum))
	}

	return trace.Wrap(b.freshInstall(ctx, run, localSum))
}

// updateSystem refreshes the bundle and config of an already installed
// system unit, restarting it when anything changed.
func (b *Bridge) updateSystem(ctx context.Context, run commandRunner, localSum string) error {
	staged, err := b.stageBundleIfChanged(ctx, run, systemBundlePath, localSum)
	if err != nil {
		return trace.Wrap(err)
	}

	envContent := b.bridgeEnv()
	configChanged, err := b.remoteFileDiffers(ctx, run, systemEnvPath, envContent)
	if err != nil {
		return trace.Wrap(err)
	}

	if staged == "" && !configChanged {
		b.ring.Append("bridge is up to date")
		return nil
	}

	state, err := b.sudoDetect(ctx, run)
	if err != nil {
		return trace.Wrap(err)
	}
	switch state {
	case sudoRoot:
		return trace.Wrap(b.applySystem(ctx, run, staged, envContent, ""))
	case sudoPasswordless:
		return trace.Wrap(b.applySystem(ctx, run, staged, envContent, "sudo -n"))
	case sudoNeedsPassword:
		b.setPending(&pendingInstall{action: actionSystemApply, stagedBundle: staged})
		return trace.Wrap(errSudoPasswordRequired)
	default:
		return trace.AccessDenied("cannot manage the system unit on %v without sudo", run.Addr())
	}
}

// applySystem installs the staged bundle, writes the env file from
// stdin and restarts the unit, in one privileged shell.
func (b *Bridge) applySystem(ctx context.Context, run commandRunner, staged, envContent, sudoPrefix string) error {
	cmd := systemApplyCommand(staged, sudoPrefix)
	res, err := b.exec(ctx, run, cmd, strings.NewReader(envContent))
	if err != nil {
		return trace.Wrap(err)
	}
	if res.ExitCode != 0 {
		if strings.HasPrefix(sudoPrefix, "sudo") && sudoWantsPassword(res.Stderr) {
			b.setPending(&pendingInstall{action: actionSystemApply, stagedBundle: staged})
			return trace.Wrap(errSudoPasswordRequired)
		}
		return trace.Errorf("system update on %v exited %v: %v", run.Addr(), res.ExitCode, tail(res.Stderr))
	}
	return nil
}

// applySystemWithPassword is applySystem with the password fed to
// sudo -S ahead of the env content on stdin.
func (b *Bridge) applySystemWithPassword(ctx context.Context, run commandRunner, staged, envContent, password string) error {
	cmd := systemApplyCommand(staged, "sudo -S -p ''")
	stdin := io.MultiReader(strings.NewReader(password+"\n"), strings.NewReader(envContent))
	res, err := b.exec(ctx, run, cmd, stdin)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.ExitCode != 0 {
		if sudoRejectedPassword(res.Stderr) {
			return trace.AccessDenied("sudo on %v rejected the password", run.Addr())
		}
		return trace.Errorf("system update on %v exited %v: %v", run.Addr(), res.ExitCode, tail(res.Stderr))
	}
	return nil
}

// systemApplyCommand builds the privileged shell that promotes a
// staged bundle, rewrites the env file from stdin and restarts the
// unit. An empty staged path skips the bundle promotion.
func systemApplyCommand(staged, sudoPrefix string) string {
	var script strings.Builder
	script.WriteString("set -e; ")
	if staged != "" {
		fmt.Fprintf(&script, "install -D -m 0755 %s %s; rm -f %s; ",
			shellQuote(staged), shellQuote(systemBundlePath), shellQuote(staged))
	}
	fmt.Fprintf(&script, "mkdir -p %s; ", shellQuote("/etc/patze-bridge"))
	fmt.Fprintf(&script, "cat > %s; chmod 600 %s; ", shellQuote(systemEnvPath), shellQuote(systemEnvPath))
	fmt.Fprintf(&script, "systemctl restart %s", patze.BridgeUnitName)

	cmd := "sh -c " + shellQuote(script.String())
	if sudoPrefix != "" {
		cmd = sudoPrefix + " " + cmd
	}
	return cmd
}

// updateUser refreshes a user-unit install: the bundle goes straight
// to $HOME, no privileges involved.
func (b *Bridge) updateUser(ctx context.Context, run commandRunner, localSum string) error {
	home, err := b.remoteHome(ctx, run)
	if err != nil {
		return trace.Wrap(err)
	}
	bundlePath := home + "/" + userBundleDir + "/bridge.mjs"
	envPath := home + "/" + userEnvDir + "/bridge.env"

	changed := false
	remoteSum, err := b.remoteSHA256(ctx, run, bundlePath)
	if err != nil {
		return trace.Wrap(err)
	}
	if !sumsEqual(remoteSum, localSum) {
		b.ring.Appendf("uploading bundle to %v", bundlePath)
		if err := run.UploadFile(ctx, b.cfg.BundlePath, bundlePath, 0o755); err != nil {
			return trace.Wrap(err)
		}
		changed = true
	} else {
		b.ring.Append("bundle unchanged; skipping upload")
	}

	envContent := b.bridgeEnv()
	configChanged, err := b.remoteFileDiffers(ctx, run, envPath, envContent)
	if err != nil {
		return trace.Wrap(err)
	}
	if configChanged {
		writeCmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod 600 %s",
			shellQuote(home+"/"+userEnvDir), shellQuote(envPath), shellQuote(envPath))
		res, err := b.exec(ctx, run, writeCmd, strings.NewReader(envContent))
		if err != nil {
			return trace.Wrap(err)
		}
		if res.ExitCode != 0 {
			return trace.Errorf("writing bridge config on %v exited %v: %v", run.Addr(), res.ExitCode, tail(res.Stderr))
		}
		changed = true
	}

	if !changed {
		b.ring.Append("bridge is up to date")
		return nil
	}

	res, err := b.exec(ctx, run, "systemctl --user restart "+patze.BridgeUnitName, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.ExitCode != 0 {
		return trace.Errorf("systemctl --user restart on %v exited %v: %v", run.Addr(), res.ExitCode, tail(res.Stderr))
	}
	return nil
}

// freshInstall picks an install flavor from the detected privileges
// and runs the install script over stdin.
func (b *Bridge) freshInstall(ctx context.Context, run commandRunner, localSum string) error {
	state, err := b.sudoDetect(ctx, run)
	if err != nil {
		return trace.Wrap(err)
	}

	staged, err := b.stageBundle(ctx, run)
	if err != nil {
		return trace.Wrap(err)
	}

	switch state {
	case sudoRoot:
		b.setMode(InstallModeSystem)
		return trace.Wrap(b.runInstallScript(ctx, run, staged, localSum, false, "", ""))
	case sudoPasswordless:
		b.setMode(InstallModeSystem)
		return trace.Wrap(b.runInstallScript(ctx, run, staged, localSum, false, "sudo -n", ""))
	case sudoNeedsPassword:
		// the bundle is already staged so the retry only reruns the
		// script
		b.setMode(InstallModeSystem)
		b.setPending(&pendingInstall{action: actionSystemInstall, stagedBundle: staged})
		return trace.Wrap(errSudoPasswordRequired)
	default:
		b.setMode(InstallModeUser)
		return trace.Wrap(b.runInstallScript(ctx, run, staged, localSum, true, "", ""))
	}
}

// installWithSudo resumes a stashed install with the operator's
// password. The caller owns the pending record so a rejected password
// can restore it for another attempt.
func (b *Bridge) installWithSudo(ctx context.Context, run commandRunner, pending *pendingInstall, password string) error {
	switch pending.action {
	case actionSystemApply:
		return trace.Wrap(b.applySystemWithPassword(ctx, run, pending.stagedBundle, b.bridgeEnv(), password))
	case actionSystemInstall:
		localSum, err := fileSHA256(b.cfg.BundlePath)
		if err != nil {
			return trace.Wrap(err)
		}
		staged := pending.stagedBundle
		if staged == "" {
			if staged, err = b.stageBundle(ctx, run); err != nil {
				return trace.Wrap(err)
			}
		}
		return trace.Wrap(b.runInstallScript(ctx, run, staged, localSum, false, "sudo -S -p ''", password))
	default:
		return trace.BadParameter("unknown pending install action %q", pending.action)
	}
}

// installUser is the sudo bypass: a fresh upload and a user-mode
// script run.
func (b *Bridge) installUser(ctx context.Context, run commandRunner) error {
	b.setPending(nil)
	b.setMode(InstallModeUser)
	localSum, err := fileSHA256(b.cfg.BundlePath)
	if err != nil {
		return trace.Wrap(err)
	}
	staged, err := b.stageBundle(ctx, run)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(b.runInstallScript(ctx, run, staged, localSum, true, "", ""))
}

// runInstallScript streams the local install script to a remote shell.
// With a sudo password, the password line rides stdin ahead of the
// script; sudo -S consumes it and hands the rest to sh.
func (b *Bridge) runInstallScript(ctx context.Context, run commandRunner, staged, localSum string, userMode bool, sudoPrefix, password string) error {
	script, err := os.ReadFile(b.cfg.InstallScriptPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	flags := []string{
		"--token", shellQuote(b.cfg.Token),
		"--bundle-path", shellQuote(staged),
		"--verify-bundle-sha256", localSum,
	}
	if userMode {
		flags = append(flags, "--user-mode")
	}
	if b.cfg.OpenClawHome != "" {
		flags = append(flags, "--openclaw-home", shellQuote(b.cfg.OpenClawHome))
	}
	if b.cfg.TokenExpiresIn != "" {
		flags = append(flags, "--expires-in", shellQuote(b.cfg.TokenExpiresIn))
	}

	cmd := "sh -s -- " + strings.Join(flags, " ")
	if sudoPrefix != "" {
		cmd = sudoPrefix + " " + cmd
	}
	var stdin io.Reader = bytes.NewReader(script)
	if password != "" {
		stdin = io.MultiReader(strings.NewReader(password+"\n"), bytes.NewReader(script))
	}

	res, err := b.exec(ctx, run, cmd, stdin)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.ExitCode != 0 {
		if sudoPrefix == "sudo -n" && sudoWantsPassword(res.Stderr) {
			b.setPending(&pendingInstall{action: actionSystemInstall, stagedBundle: staged})
			return trace.Wrap(errSudoPasswordRequired)
		}
		if password != "" && sudoRejectedPassword(res.Stderr) {
			return trace.AccessDenied("sudo on %v rejected the password", run.Addr())
		}
		return trace.Errorf("install script on %v exited %v: %v", run.Addr(), res.ExitCode, tail(res.Stderr))
	}
	return nil
}

// unitActive reports whether the bridge unit is active in the system
// or user manager. Any non-zero exit, including a missing systemctl,
// counts as inactive.
func (b *Bridge) unitActive(ctx context.Context, run commandRunner, user bool) (bool, error) {
	cmd := "systemctl is-active " + patze.BridgeUnitName
	if user {
		cmd = "systemctl --user is-active " + patze.BridgeUnitName
	}
	res, err := b.exec(ctx, run, cmd, nil)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return res.ExitCode == 0, nil
}

// sudoDetect probes the privilege ladder: root, passwordless sudo,
// sudo wanting a password, no sudo at all.
func (b *Bridge) sudoDetect(ctx context.Context, run commandRunner) (sudoState, error) {
	res, err := b.exec(ctx, run, "id -u", nil)
	if err != nil {
		return sudoUnknown, trace.Wrap(err)
	}
	if strings.TrimSpace(res.Stdout) == "0" {
		return sudoRoot, nil
	}

	res, err = b.exec(ctx, run, "sudo -n true 2>&1", nil)
	if err != nil {
		return sudoUnknown, trace.Wrap(err)
	}
	if res.ExitCode == 0 {
		return sudoPasswordless, nil
	}

	res, err = b.exec(ctx, run, "command -v sudo", nil)
	if err != nil {
		return sudoUnknown, trace.Wrap(err)
	}
	if res.ExitCode == 0 {
		return sudoNeedsPassword, nil
	}
	return sudoNone, nil
}

// stageBundleIfChanged uploads the bundle to /tmp when the installed
// copy's SHA-256 differs, returning the staged path or "".
func (b *Bridge) stageBundleIfChanged(ctx context.Context, run commandRunner, installedPath, localSum string) (string, error) {
	remoteSum, err := b.remoteSHA256(ctx, run, installedPath)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if sumsEqual(remoteSum, localSum) {
		b.ring.Append("bundle unchanged; skipping upload")
		return "", nil
	}
	return b.stageBundle(ctx, run)
}

func (b *Bridge) stageBundle(ctx context.Context, run commandRunner) (string, error) {
	staged := "/tmp/patze-bridge-" + uuid.NewString()[:8] + ".mjs"
	b.ring.Appendf("uploading bundle to %v", staged)
	if err := run.UploadFile(ctx, b.cfg.BundlePath, staged, 0o755); err != nil {
		return "", trace.Wrap(err)
	}
	return staged, nil
}

// remoteSHA256 hashes a remote file, trying sha256sum, shasum and
// openssl in order. "" with nil error means no tool could hash it,
// which callers treat as changed.
func (b *Bridge) remoteSHA256(ctx context.Context, run commandRunner, path string) (string, error) {
	commands := []string{
		"sha256sum " + shellQuote(path),
		"shasum -a 256 " + shellQuote(path),
		"openssl dgst -sha256 -r " + shellQuote(path),
	}
	for _, cmd := range commands {
		res, err := b.exec(ctx, run, cmd, nil)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if res.ExitCode != 0 {
			continue
		}
		if sum := hexDigestPattern.FindString(res.Stdout); sum != "" {
			return sum, nil
		}
	}
	return "", nil
}

var hexDigestPattern = regexp.MustCompile(`\b[0-9a-f]{64}\b`)

// remoteFileDiffers compares a remote file's content against want. A
// missing file differs.
func (b *Bridge) remoteFileDiffers(ctx context.Context, run commandRunner, path, want string) (bool, error) {
	res, err := b.exec(ctx, run, "cat "+shellQuote(path)+" 2>/dev/null", nil)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return res.ExitCode != 0 || res.Stdout != want, nil
}

func (b *Bridge) remoteHome(ctx context.Context, run commandRunner) (string, error) {
	res, err := b.exec(ctx, run, `printf '%s' "$HOME"`, nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	home := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || home == "" {
		return "", trace.NotFound("cannot determine the home directory on %v", run.Addr())
	}
	return home, nil
}

// readMachineID reads the stable machine identity the bridge will
// report under, falling back to the hostname.
func (b *Bridge) readMachineID(ctx context.Context, run commandRunner) (string, error) {
	res, err := b.exec(ctx, run, "cat /etc/machine-id 2>/dev/null || hostname", nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	id := strings.TrimSpace(res.Stdout)
	if id == "" {
		return "", trace.NotFound("no machine id available on %v", run.Addr())
	}
	return id, nil
}

// verifyTelemetry polls the bridge health endpoint over remote exec
// until it answers or the verify window closes. Curl carries its own
// per-attempt timeout.
func (b *Bridge) verifyTelemetry(ctx context.Context, run commandRunner) bool {
	deadline := b.clock.Now().Add(defaults.TelemetryVerifyTimeout)
	cmd := fmt.Sprintf("curl -fsS -m 2 http://%v/healthz",
		net.JoinHostPort(defaults.BindAddr, strconv.Itoa(b.cfg.BridgeHealthPort)))

	for {
		res, err := run.Exec(ctx, cmd, nil)
		if err == nil && res.ExitCode == 0 {
			b.ring.Append("telemetry healthy")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !b.clock.Now().Add(defaults.TelemetryVerifyPoll).Before(deadline) {
			return false
		}
		select {
		case <-b.clock.After(defaults.TelemetryVerifyPoll):
		case <-ctx.Done():
			return false
		}
	}
}

// bridgeEnv renders the env file the bridge unit reads. The tunnel
// makes the plane reachable on the host's loopback.
func (b *Bridge) bridgeEnv() string {
	lines := []string{
		patze.ControlPlaneURLEnvVar + "=http://" + net.JoinHostPort(defaults.BindAddr, strconv.Itoa(b.cfg.RemotePort)),
		patze.ControlPlaneTokenEnvVar + "=" + b.cfg.Token,
		patze.BridgeHealthPortEnvVar + "=" + strconv.Itoa(b.cfg.BridgeHealthPort),
	}
	if b.cfg.OpenClawHome != "" {
		lines = append(lines, patze.OpenClawHomeEnvVar+"="+b.cfg.OpenClawHome)
	}
	return strings.Join(lines, "\n") + "\n"
}

// exec runs a remote command and mirrors it into the log ring, which
// scrubs secrets on append. Command lines are redacted before they hit
// the ring.
func (b *Bridge) exec(ctx context.Context, run commandRunner, command string, stdin io.Reader) (*sshutils.ExecResult, error) {
	b.ring.Append("$ " + redactCommand(command))
	res, err := run.Exec(ctx, command, stdin)
	if err != nil {
		b.ring.Appendf("error: %v", trace.UserMessage(err))
		return nil, trace.Wrap(err)
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		b.ring.Append(out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		b.ring.Append(errOut)
	}
	if res.ExitCode != 0 {
		b.ring.Appendf("exit %v", res.ExitCode)
	}
	return res, nil
}

func (b *Bridge) setMode(mode InstallMode) {
	b.mu.Lock()
	b.mode = mode
	b.mu.Unlock()
}

func (b *Bridge) setPending(pending *pendingInstall) {
	b.mu.Lock()
	b.pending = pending
	b.mu.Unlock()
}

func (b *Bridge) takePending() *pendingInstall {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.pending
	b.pending = nil
	return pending
}

var redactFlagPattern = regexp.MustCompile(`(--(?:token|sudo-pass)[ =])(?:'[^']*'|\S+)`)

// redactCommand masks secret-bearing flag values so argv never leaks
// into the log ring.
func redactCommand(cmd string) string {
	return redactFlagPattern.ReplaceAllString(cmd, "${1}***")
}

// sudoWantsPassword recognizes sudo -n giving up for lack of a cached
// credential.
func sudoWantsPassword(stderr string) bool {
	out := strings.ToLower(stderr)
	return strings.Contains(out, "password is required") ||
		strings.Contains(out, "terminal is required")
}

func sudoRejectedPassword(stderr string) bool {
	out := strings.ToLower(stderr)
	return strings.Contains(out, "incorrect password") ||
		strings.Contains(out, "sorry, try again")
}

func sumsEqual(remote, local string) bool {
	return remote != "" && strings.EqualFold(remote, local)
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// shellQuote single-quotes a value for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// tail keeps the last few lines of command output for error messages.
func tail(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " / ")
}

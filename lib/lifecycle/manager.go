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

// Package lifecycle manages the fleet of bridge hosts: SSH setup,
// reverse tunnels, bridge installs and the operator-driven recovery
// flows around them.
package lifecycle

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/sshutils"
)

const (
	// SSHModeDirect connects to the requested host verbatim.
	SSHModeDirect = "direct"
	// SSHModeAlias resolves the host through the ssh client config
	// first, so `patze` aliases behave like `ssh` aliases.
	SSHModeAlias = "alias"
)

// Config holds what every managed bridge shares: the local plane
// address the tunnels point at, the bundle and install script to ship,
// and the token baked into each bridge's environment.
type Config struct {
	// LocalPort is the plane port reverse tunnels forward to.
	LocalPort int
	// RemotePort is the loopback port opened on each target host.
	RemotePort int
	// BridgeHealthPort is where the installed bridge serves /healthz.
	BridgeHealthPort int
	// BundlePath is the local bridge bundle shipped to targets.
	BundlePath string
	// InstallScriptPath is the local install script streamed to a
	// remote shell over stdin.
	InstallScriptPath string
	// Token authenticates the bridge back to the plane.
	Token string
	// TokenExpiresIn is passed to the install script when set, e.g.
	// "30d".
	TokenExpiresIn string
	// OpenClawHome overrides the OpenClaw state directory on targets.
	OpenClawHome string
	// SSHConfigPath points at the ssh client config used for alias
	// resolution. Empty means ~/.ssh/config.
	SSHConfigPath string
	// KnownHostsPath is the pin store for host keys. Empty means
	// ~/.ssh/known_hosts.
	KnownHostsPath string
	// Clock overrides time for tests.
	Clock clockwork.Clock
	// Log emits lifecycle events.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (cfg *Config) CheckAndSetDefaults() error {
	if cfg.BundlePath == "" {
		return trace.BadParameter("missing parameter BundlePath")
	}
	if cfg.InstallScriptPath == "" {
		return trace.BadParameter("missing parameter InstallScriptPath")
	}
	if cfg.Token == "" {
		return trace.BadParameter("missing parameter Token")
	}
	if cfg.LocalPort == 0 {
		cfg.LocalPort = defaults.PlaneListenPort
	}
	if cfg.RemotePort == 0 {
		cfg.RemotePort = defaults.TunnelRemotePort
	}
	if cfg.BridgeHealthPort == 0 {
		cfg.BridgeHealthPort = defaults.BridgeHealthPort
	}
	if cfg.KnownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		cfg.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentLifecycle,
		})
	}
	return nil
}

// SetupRequest describes one host to bring under management.
type SetupRequest struct {
	SSHHost    string `json:"sshHost"`
	SSHPort    int    `json:"sshPort,omitempty"`
	SSHUser    string `json:"sshUser,omitempty"`
	SSHKeyPath string `json:"sshKeyPath,omitempty"`
	SSHMode    string `json:"sshMode,omitempty"`
}

// CheckAndSetDefaults validates the request and fills in defaults.
func (r *SetupRequest) CheckAndSetDefaults() error {
	if r.SSHHost == "" {
		return trace.BadParameter("missing parameter sshHost")
	}
	if r.SSHPort == 0 {
		r.SSHPort = defaults.SSHPort
	}
	if r.SSHPort < 1 || r.SSHPort > 65535 {
		return trace.BadParameter("sshPort %v is out of range", r.SSHPort)
	}
	switch r.SSHMode {
	case "":
		r.SSHMode = SSHModeAlias
	case SSHModeDirect, SSHModeAlias:
	default:
		return trace.BadParameter("unsupported sshMode %q, use %q or %q",
			r.SSHMode, SSHModeDirect, SSHModeAlias)
	}
	return nil
}

// bridgeID keys a managed bridge. Setups against the same host and
// port land on the same handle.
func bridgeID(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// resolveSetupTarget applies the requested resolution mode. An
// explicit key path always wins over an IdentityFile from the ssh
// config.
func resolveSetupTarget(cfg Config, req SetupRequest) (sshutils.Target, string, error) {
	if req.SSHMode == SSHModeDirect {
		return sshutils.Target{
			Host:         req.SSHHost,
			Port:         req.SSHPort,
			User:         req.SSHUser,
			IdentityFile: req.SSHKeyPath,
		}, SSHModeDirect, nil
	}
	target, err := sshutils.ResolveTarget(cfg.SSHConfigPath, req.SSHHost, req.SSHPort, req.SSHUser)
	if err != nil {
		return target, "", trace.Wrap(err)
	}
	mode := SSHModeDirect
	if target.Host != req.SSHHost {
		mode = SSHModeAlias
	}
	if req.SSHKeyPath != "" {
		target.IdentityFile = req.SSHKeyPath
	}
	return target, mode, nil
}

// PreflightResult is the connectivity report for a host that is not
// under management yet. Failures are reported in band: ok=false with a
// message and hints, not an API error.
type PreflightResult struct {
	OK                 bool     `json:"ok"`
	Mode               string   `json:"mode,omitempty"`
	SSHHost            string   `json:"sshHost"`
	SSHPort            int      `json:"sshPort"`
	SSHUser            string   `json:"sshUser,omitempty"`
	Message            string   `json:"message,omitempty"`
	AuthMethod         string   `json:"authMethod,omitempty"`
	AcceptedNewHostKey bool     `json:"acceptedNewHostKey,omitempty"`
	Hints              []string `json:"hints,omitempty"`
}

func (r *PreflightResult) fail(err error) {
	r.OK = false
	r.Message = trace.UserMessage(err)
	r.Hints = HintsFor(err)
}

// Manager owns the set of managed bridges, keyed by host:port.
type Manager struct {
	cfg        Config
	knownHosts *sshutils.KnownHosts
	log        logrus.FieldLogger

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewManager builds a Manager from config.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	knownHosts, err := sshutils.NewKnownHosts(cfg.KnownHostsPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:        cfg,
		knownHosts: knownHosts,
		log:        cfg.Log,
		bridges:    make(map[string]*Bridge),
	}, nil
}

// Setup brings a host under management and starts the setup ladder in
// the background. A second setup against a live handle is a no-op that
// returns the current status; a handle parked in error or disconnected
// is replaced by a fresh one.
func (m *Manager) Setup(ctx context.Context, req SetupRequest) (Status, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return Status{}, trace.Wrap(err)
	}
	id := bridgeID(req.SSHHost, req.SSHPort)

	m.mu.Lock()
	stale := m.bridges[id]
	if stale != nil && !stale.terminal() {
		m.mu.Unlock()
		return stale.Status(), nil
	}
	delete(m.bridges, id)
	b, err := newBridge(id, req, m.cfg, m.knownHosts)
	if err != nil {
		m.mu.Unlock()
		return Status{}, trace.Wrap(err)
	}
	m.bridges[id] = b
	m.mu.Unlock()

	if stale != nil {
		stale.stop()
	}
	m.log.Infof("Setting up bridge %v.", id)

	go func() {
		b.opMu.Lock()
		defer b.opMu.Unlock()
		if b.closeCtx.Err() != nil {
			return
		}
		b.runSetup(b.closeCtx)
	}()
	return b.Status(), nil
}

// Preflight checks a host without installing anything: resolve, dial,
// authenticate, pin the host key and run the fixed echo probe. The
// test connection is torn down before returning.
func (m *Manager) Preflight(ctx context.Context, req SetupRequest) (*PreflightResult, error) {
	if err := req.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	result := &PreflightResult{
		SSHHost: req.SSHHost,
		SSHPort: req.SSHPort,
		SSHUser: req.SSHUser,
	}
	target, mode, err := resolveSetupTarget(m.cfg, req)
	if err != nil {
		result.fail(err)
		return result, nil
	}
	result.Mode = mode
	result.SSHHost = target.Host
	result.SSHPort = target.Port
	result.SSHUser = target.User

	client, err := sshutils.Connect(ctx, sshutils.ClientConfig{
		Target:          target,
		KnownHosts:      m.knownHosts,
		TrustOnFirstUse: true,
		Clock:           m.cfg.Clock,
		Log:             m.log,
	})
	if err != nil {
		result.fail(err)
		return result, nil
	}
	defer client.Close()

	result.AuthMethod = client.AuthMethod()
	result.AcceptedNewHostKey = client.FirstUsePinned()
	if result.AcceptedNewHostKey {
		result.Hints = append(result.Hints, AdvisoryNewHostKey)
	}

	if err := client.Preflight(ctx); err != nil {
		result.fail(err)
		return result, nil
	}
	result.OK = true
	result.Message = "ok"
	return result, nil
}

// RetryInstallWithSudoPassword resumes a setup parked in
// needs_sudo_password with the operator's password. A rejected
// password keeps the bridge parked for another attempt; any other
// system install failure falls back to a user-mode install before
// giving up.
func (m *Manager) RetryInstallWithSudoPassword(ctx context.Context, id, password string) (Status, error) {
	if password == "" {
		return Status{}, trace.BadParameter("missing parameter sudoPassword")
	}
	b, err := m.find(id)
	if err != nil {
		return Status{}, trace.Wrap(err)
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	client, err := b.awaitingSudo()
	if err != nil {
		return b.Status(), trace.Wrap(err)
	}
	b.transition(PhaseInstalling)
	if err := b.resumeWithPassword(ctx, client, password); err != nil {
		if trace.IsAccessDenied(err) {
			b.transition(PhaseNeedsSudoPassword)
			b.ring.Append("sudo rejected the password; waiting for another attempt")
		} else {
			b.fail(err)
		}
		return b.Status(), trace.Wrap(err)
	}
	if err := b.postInstall(ctx, client); err != nil {
		b.fail(err)
		return b.Status(), trace.Wrap(err)
	}
	return b.Status(), nil
}

// RetryInstallUserMode resumes a setup parked in needs_sudo_password
// by skipping sudo entirely and installing a user unit.
func (m *Manager) RetryInstallUserMode(ctx context.Context, id string) (Status, error) {
	b, err := m.find(id)
	if err != nil {
		return Status{}, trace.Wrap(err)
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	client, err := b.awaitingSudo()
	if err != nil {
		return b.Status(), trace.Wrap(err)
	}
	b.transition(PhaseInstalling)
	if err := b.installUser(ctx, client); err != nil {
		b.fail(err)
		return b.Status(), trace.Wrap(err)
	}
	if err := b.postInstall(ctx, client); err != nil {
		b.fail(err)
		return b.Status(), trace.Wrap(err)
	}
	return b.Status(), nil
}

// awaitingSudo returns the live client of a bridge parked in
// needs_sudo_password. Callers hold opMu.
func (b *Bridge) awaitingSudo() (*sshutils.Client, error) {
	if phase := b.phaseNow(); phase != PhaseNeedsSudoPassword {
		return nil, trace.BadParameter("bridge %v is %v, not waiting for a sudo password", b.id, phase)
	}
	client := b.currentClient()
	if client == nil {
		return nil, trace.NotFound("the SSH connection for %v is gone, run setup again", b.id)
	}
	return client, nil
}

// resumeWithPassword runs the stashed install with the password. On a
// rejected password the pending record is restored so the operator can
// try again with the same staged bundle; any other failure falls
// through to a fresh user-mode install.
func (b *Bridge) resumeWithPassword(ctx context.Context, run commandRunner, password string) error {
	pending := b.takePending()
	if pending == nil {
		return trace.BadParameter("no pending install on %v", run.Addr())
	}
	err := b.installWithSudo(ctx, run, pending, password)
	switch {
	case err == nil:
		return nil
	case trace.IsAccessDenied(err):
		b.setPending(pending)
		return trace.Wrap(err)
	default:
		b.ring.Appendf("system install failed (%v); retrying in user mode", trace.UserMessage(err))
		b.log.WithError(err).Warn("System install failed, falling back to user mode.")
		return trace.Wrap(b.installUser(ctx, run))
	}
}

// Disconnect severs a bridge's transport and parks it disconnected.
// The handle stays listed so the operator sees what was torn down.
func (m *Manager) Disconnect(id string) (Status, error) {
	b, err := m.find(id)
	if err != nil {
		return Status{}, trace.Wrap(err)
	}
	m.log.Infof("Disconnecting bridge %v.", id)
	b.stop()
	return b.Status(), nil
}

// Remove disconnects a bridge and drops it from the listing.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	b, ok := m.bridges[id]
	delete(m.bridges, id)
	m.mu.Unlock()
	if !ok {
		return trace.NotFound("bridge %v is not registered", id)
	}
	m.log.Infof("Removing bridge %v.", id)
	b.stop()
	return nil
}

// CloseAll tears down every bridge. Used on plane shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.bridges = make(map[string]*Bridge)
	m.mu.Unlock()

	for _, b := range bridges {
		b.stop()
	}
}

// Get returns the status of one bridge.
func (m *Manager) Get(id string) (Status, error) {
	b, err := m.find(id)
	if err != nil {
		return Status{}, trace.Wrap(err)
	}
	return b.Status(), nil
}

// List returns the status of every bridge, ordered by id.
func (m *Manager) List() []Status {
	m.mu.Lock()
	bridges := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		bridges = append(bridges, b)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(bridges))
	for _, b := range bridges {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) find(id string) (*Bridge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bridges[id]; ok {
		return b, nil
	}
	return nil, trace.NotFound("bridge %v is not registered", id)
}

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
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/logring"
	"github.com/patzehq/patze/lib/sshutils"
	"github.com/patzehq/patze/lib/utils"
)

// Phase is a bridge's position in the setup state machine, observable
// through the connections API.
type Phase string

const (
	// PhaseConnecting covers alias resolution, auth and the SSH dial.
	PhaseConnecting Phase = "connecting"
	// PhaseSSHTest is the fixed-echo preflight.
	PhaseSSHTest Phase = "ssh_test"
	// PhaseTunnelOpen is the reverse forward request.
	PhaseTunnelOpen Phase = "tunnel_open"
	// PhaseInstalling covers the install decision table.
	PhaseInstalling Phase = "installing"
	// PhaseNeedsSudoPassword waits for the operator to supply a sudo
	// password or pick user mode.
	PhaseNeedsSudoPassword Phase = "needs_sudo_password"
	// PhaseRunning means the bridge unit is up.
	PhaseRunning Phase = "running"
	// PhaseTelemetryActive means the bridge answered its health check.
	PhaseTelemetryActive Phase = "telemetry_active"
	// PhaseError absorbs failed setups; auto-retry may revive it.
	PhaseError Phase = "error"
	// PhaseDisconnected absorbs explicit disconnects.
	PhaseDisconnected Phase = "disconnected"
)

// terminal phases make a handle eligible for replacement by a new
// setup request.
func (p Phase) terminal() bool {
	return p == PhaseError || p == PhaseDisconnected
}

// Status is the observable state of one managed bridge.
type Status struct {
	ID                 string      `json:"id"`
	Host               string      `json:"sshHost"`
	Port               int         `json:"sshPort"`
	User               string      `json:"sshUser,omitempty"`
	Phase              Phase       `json:"phase"`
	Mode               InstallMode `json:"mode,omitempty"`
	MachineID          string      `json:"machineId,omitempty"`
	AuthMethod         string      `json:"authMethod,omitempty"`
	AcceptedNewHostKey bool        `json:"acceptedNewHostKey,omitempty"`
	Error              string      `json:"error,omitempty"`
	Hints              []string    `json:"hints,omitempty"`
	TunnelOpen         bool        `json:"tunnelOpen"`
	TunnelConnections  int         `json:"tunnelConnections,omitempty"`
	RetryAttempt       int         `json:"retryAttempt,omitempty"`
	NextRetryAt        *time.Time  `json:"nextRetryAt,omitempty"`
	ConnectedAt        *time.Time  `json:"connectedAt,omitempty"`
	UpdatedAt          time.Time   `json:"updatedAt"`
	Log                []string    `json:"log,omitempty"`
}

// Bridge is one managed host. All mutating operations are serialized
// through opMu so a handle runs at most one install at a time; mu only
// guards the observable state and is never held across the network.
type Bridge struct {
	id         string
	req        SetupRequest
	cfg        Config
	knownHosts *sshutils.KnownHosts
	clock      clockwork.Clock
	log        logrus.FieldLogger
	ring       *logring.Ring

	opMu sync.Mutex

	mu             sync.Mutex
	phase          Phase
	target         sshutils.Target
	machineID      string
	mode           InstallMode
	errMsg         string
	hints          []string
	acceptedNewKey bool
	authMethod     string
	connectedAt    time.Time
	updatedAt      time.Time
	retryAttempt   int
	nextRetryAt    time.Time
	client         *sshutils.Client
	tunnel         *sshutils.Tunnel
	pending        *pendingInstall

	retry       *utils.Exponential
	closeCtx    context.Context
	closeCancel context.CancelFunc
}

func newBridge(id string, req SetupRequest, cfg Config, knownHosts *sshutils.KnownHosts) (*Bridge, error) {
	ring, err := logring.New(defaults.BridgeLogLines)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:        defaults.ReconnectBase,
		Cap:         defaults.ReconnectCap,
		MaxAttempts: defaults.ReconnectMaxAttempts,
		Clock:       cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		id:         id,
		req:        req,
		cfg:        cfg,
		knownHosts: knownHosts,
		clock:      cfg.Clock,
		log: cfg.Log.WithFields(logrus.Fields{
			"bridge": id,
		}),
		ring:        ring,
		phase:       PhaseConnecting,
		target:      sshutils.Target{Host: req.SSHHost, Port: req.SSHPort, User: req.SSHUser},
		updatedAt:   cfg.Clock.Now(),
		retry:       retry,
		closeCtx:    ctx,
		closeCancel: cancel,
	}, nil
}

// Status returns a copy of the observable state, including the
// scrubbed log trail.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Status{
		ID:                 b.id,
		Host:               b.target.Host,
		Port:               b.target.Port,
		User:               b.target.User,
		Phase:              b.phase,
		Mode:               b.mode,
		MachineID:          b.machineID,
		AuthMethod:         b.authMethod,
		AcceptedNewHostKey: b.acceptedNewKey,
		Error:              b.errMsg,
		Hints:              append([]string(nil), b.hints...),
		RetryAttempt:       b.retryAttempt,
		UpdatedAt:          b.updatedAt,
		Log:                b.ring.Lines(),
	}
	if b.tunnel != nil {
		s.TunnelOpen = true
		s.TunnelConnections = b.tunnel.Active()
	}
	if !b.connectedAt.IsZero() {
		t := b.connectedAt
		s.ConnectedAt = &t
	}
	if !b.nextRetryAt.IsZero() {
		t := b.nextRetryAt
		s.NextRetryAt = &t
	}
	return s
}

// MachineID returns the machine id read after install, "" before that.
func (b *Bridge) MachineID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machineID
}

func (b *Bridge) phaseNow() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

func (b *Bridge) terminal() bool {
	return b.phaseNow().terminal()
}

// transition moves the observable phase and clears a stale error.
func (b *Bridge) transition(phase Phase) {
	b.mu.Lock()
	b.phase = phase
	if phase != PhaseError {
		b.errMsg = ""
	}
	b.updatedAt = b.clock.Now()
	b.mu.Unlock()
	b.log.Infof("Bridge phase: %v.", phase)
}

// runSetup drives one full setup attempt and decides what happens
// next. Callers hold opMu.
func (b *Bridge) runSetup(ctx context.Context) {
	err := b.setupOnce(ctx)
	switch {
	case err == nil:
		b.resetRetry()
	case errors.Is(err, errSudoPasswordRequired):
		// waiting on the operator; the connection stays up
	case ctx.Err() != nil:
		b.setDisconnected()
	default:
		b.fail(err)
		if IsTransientError(err) {
			b.scheduleRetry()
		}
	}
}

// setupOnce walks the setup ladder: resolve, connect, preflight,
// reverse forward, install, post-install.
func (b *Bridge) setupOnce(ctx context.Context) error {
	b.teardownTransport()
	b.transition(PhaseConnecting)

	target, mode, err := b.resolveTarget()
	if err != nil {
		return trace.Wrap(err)
	}
	b.mu.Lock()
	b.target = target
	b.mu.Unlock()
	b.ring.Appendf("connecting to %v (%v)", target.Addr(), mode)

	client, err := sshutils.Connect(ctx, sshutils.ClientConfig{
		Target:          target,
		KnownHosts:      b.knownHosts,
		TrustOnFirstUse: true,
		Clock:           b.clock,
		Log:             b.log,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	b.mu.Lock()
	b.client = client
	b.target = client.Target()
	b.connectedAt = b.clock.Now()
	b.authMethod = client.AuthMethod()
	if client.FirstUsePinned() {
		b.acceptedNewKey = true
		b.hints = appendUnique(b.hints, AdvisoryNewHostKey)
	}
	b.mu.Unlock()
	if client.FirstUsePinned() {
		b.ring.Appendf("pinned new host key for %v", target.Addr())
	}

	b.transition(PhaseSSHTest)
	if err := client.Preflight(ctx); err != nil {
		return trace.Wrap(err)
	}
	b.ring.Append("preflight ok")

	b.transition(PhaseTunnelOpen)
	tunnel, err := client.OpenTunnel(b.cfg.LocalPort, b.cfg.RemotePort)
	if err != nil {
		return trace.Wrap(err)
	}
	b.mu.Lock()
	b.tunnel = tunnel
	b.hints = appendUnique(b.hints, AdvisoryLoopbackForward)
	b.mu.Unlock()
	b.ring.Appendf("reverse forward %v -> %v", tunnel.RemoteAddr(), tunnel.LocalAddr())

	b.transition(PhaseInstalling)
	if err := b.install(ctx, client); err != nil {
		if errors.Is(err, errSudoPasswordRequired) {
			b.transition(PhaseNeedsSudoPassword)
			b.ring.Append("sudo requires a password; waiting for the operator")
		}
		return trace.Wrap(err)
	}

	return trace.Wrap(b.postInstall(ctx, client))
}

// postInstall reads the machine id, verifies telemetry and arms the
// connection watcher. Shared by first setup and the sudo retry flows.
func (b *Bridge) postInstall(ctx context.Context, client *sshutils.Client) error {
	machineID, err := b.readMachineID(ctx, client)
	if err != nil {
		return trace.Wrap(err)
	}
	b.mu.Lock()
	b.machineID = machineID
	b.mu.Unlock()
	b.transition(PhaseRunning)
	b.ring.Appendf("bridge running, machine id %v", machineID)

	if b.verifyTelemetry(ctx, client) {
		b.transition(PhaseTelemetryActive)
	} else {
		b.ring.Append("bridge is running but telemetry did not come up in time")
	}

	go b.watch(client)
	return nil
}

// watch turns an unexpected connection close into an error phase and a
// reconnect. A watcher from a replaced connection exits silently.
func (b *Bridge) watch(client *sshutils.Client) {
	err := client.Wait()

	b.opMu.Lock()
	defer b.opMu.Unlock()

	b.mu.Lock()
	stale := b.client != client
	b.mu.Unlock()
	if stale || b.closeCtx.Err() != nil {
		return
	}

	b.teardownTransport()
	b.fail(err)
	b.scheduleRetry()
}

// fail moves to the error phase with a user-visible message, hints and
// torn down transport.
func (b *Bridge) fail(err error) {
	b.teardownTransport()
	msg := trace.UserMessage(err)
	b.mu.Lock()
	b.phase = PhaseError
	b.errMsg = msg
	b.hints = HintsFor(err)
	b.updatedAt = b.clock.Now()
	b.mu.Unlock()
	b.ring.Appendf("error: %v", msg)
	b.log.WithError(err).Warnf("Bridge setup failed.")
}

func (b *Bridge) setDisconnected() {
	b.teardownTransport()
	b.mu.Lock()
	b.phase = PhaseDisconnected
	b.updatedAt = b.clock.Now()
	b.mu.Unlock()
}

// scheduleRetry arms the reconnect backoff. The timer is a goroutine
// on the bridge context so an explicit disconnect or remove cancels
// the pending attempt.
func (b *Bridge) scheduleRetry() {
	if b.retry.Exhausted() {
		b.ring.Appendf("giving up after %v reconnect attempts", b.retry.Attempt())
		b.log.Warnf("Reconnect attempts exhausted after %v tries.", b.retry.Attempt())
		return
	}
	delay := b.retry.Duration()
	b.retry.Inc()
	attempt := int(b.retry.Attempt())

	b.mu.Lock()
	b.retryAttempt = attempt
	b.nextRetryAt = b.clock.Now().Add(delay)
	b.mu.Unlock()
	b.ring.Appendf("reconnect attempt %v in %v", attempt, delay)

	go func() {
		select {
		case <-b.clock.After(delay):
		case <-b.closeCtx.Done():
			return
		}
		b.opMu.Lock()
		defer b.opMu.Unlock()
		if b.closeCtx.Err() != nil {
			return
		}
		b.runSetup(b.closeCtx)
	}()
}

func (b *Bridge) resetRetry() {
	b.retry.Reset()
	b.mu.Lock()
	b.retryAttempt = 0
	b.nextRetryAt = time.Time{}
	b.mu.Unlock()
}

// stop cancels pending retries, severs the transport and parks the
// handle in the disconnected phase.
func (b *Bridge) stop() {
	b.closeCancel()
	b.opMu.Lock()
	defer b.opMu.Unlock()
	b.setDisconnected()
}

func (b *Bridge) teardownTransport() {
	b.mu.Lock()
	tunnel, client := b.tunnel, b.client
	b.tunnel, b.client = nil, nil
	b.mu.Unlock()

	if tunnel != nil {
		tunnel.Close()
	}
	if client != nil {
		client.Close()
	}
}

func (b *Bridge) currentClient() *sshutils.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func (b *Bridge) resolveTarget() (sshutils.Target, string, error) {
	return resolveSetupTarget(b.cfg, b.req)
}

func appendUnique(list []string, value string) []string {
	for _, have := range list {
		if have == value {
			return list
		}
	}
	return append(list, value)
}

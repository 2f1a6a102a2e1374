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

// Package sshutils dials and supervises the SSH side of bridge
// management: alias resolution, key and agent auth, host key pinning,
// remote execution, SFTP uploads and the reverse tunnel.
package sshutils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/defaults"
)

// ClientConfig describes one SSH destination and how to reach it.
type ClientConfig struct {
	// Target is the effective destination, normally produced by
	// ResolveTarget.
	Target Target
	// KnownHosts holds the host key pins.
	KnownHosts *KnownHosts
	// TrustOnFirstUse pins a previously unseen host key instead of
	// rejecting it. A pinned host presenting a different key is
	// rejected regardless.
	TrustOnFirstUse bool
	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration
	// ReadyTimeout bounds the SSH handshake.
	ReadyTimeout time.Duration
	// Clock is used for operation timeouts.
	Clock clockwork.Clock
	// Log is the logger; a component logger is built when unset.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Target.Host == "" {
		return trace.BadParameter("missing parameter Target.Host")
	}
	if c.Target.Port == 0 {
		c.Target.Port = defaults.SSHPort
	}
	if c.Target.User == "" {
		u, err := user.Current()
		if err != nil {
			return trace.BadParameter("no login user given and the current user is unknown: %v", err)
		}
		c.Target.User = u.Username
	}
	if c.KnownHosts == nil {
		return trace.BadParameter("missing parameter KnownHosts")
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaults.SSHConnectTimeout
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = defaults.SSHReadyTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentSSH,
			trace.ComponentFields: logrus.Fields{
				"addr": c.Target.Addr(),
			},
		})
	}
	return nil
}

// ExecResult is what a completed remote command produced. A non-zero
// exit code is a result, not an error; errors mean the command could
// not be run or finish.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Client is one authenticated SSH connection to a managed host.
type Client struct {
	cfg        ClientConfig
	client     *ssh.Client
	agentConn  net.Conn
	authMethod string

	// pinned is set during the handshake when trust-on-first-use
	// accepted a new host key; the handshake runs synchronously
	// inside Connect.
	pinned bool

	closeOnce sync.Once
}

// Connect dials and authenticates. Host keys are checked against the
// configured pins before any authentication happens.
func Connect(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Client{cfg: cfg}

	methods, agentConn, authMethod, err := authMethods(cfg.Target, cfg.Log)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.agentConn = agentConn
	c.authMethod = authMethod

	sshConfig := &ssh.ClientConfig{
		User: cfg.Target.User,
		Auth: methods,
		HostKeyCallback: cfg.KnownHosts.Callback(cfg.TrustOnFirstUse, func(host string, key ssh.PublicKey) {
			c.pinned = true
		}),
		Timeout: cfg.ConnectTimeout,
	}

	addr := cfg.Target.Addr()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.closeAgent()
		return nil, trace.ConnectionProblem(err, "dialing %v failed", addr)
	}

	// the handshake has its own budget; a half-open server must not
	// wedge setup
	conn.SetDeadline(time.Now().Add(cfg.ReadyTimeout))
	sconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		c.closeAgent()
		return nil, trace.Wrap(err, "ssh handshake with %v failed", addr)
	}
	conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sconn, chans, reqs)
	cfg.Log.Infof("Connected to %v as %v.", addr, cfg.Target.User)
	return c, nil
}

// Addr returns the dialed host:port.
func (c *Client) Addr() string {
	return c.cfg.Target.Addr()
}

// Target returns the effective destination after defaulting.
func (c *Client) Target() Target {
	return c.cfg.Target
}

// FirstUsePinned reports whether connecting pinned a previously
// unknown host key. Surfaced to operators as an advisory.
func (c *Client) FirstUsePinned() bool {
	return c.pinned
}

// AuthMethod reports what authenticated the connection, "key" or
// "agent".
func (c *Client) AuthMethod() string {
	return c.authMethod
}

// Preflight proves the session layer works end to end by running a
// fixed echo and demanding its exact output.
func (c *Client) Preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaults.PreflightTimeout)
	defer cancel()

	res, err := c.Exec(ctx, "echo ok", nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.ExitCode != 0 || res.Stdout != "ok\n" {
		return trace.Errorf("preflight on %v failed: expected ok, got %q (exit code %v)",
			c.Addr(), res.Stdout, res.ExitCode)
	}
	return nil
}

// Exec runs a command on the host. stdin may be nil. The caller's
// context bounds the run; on expiry the session is force-closed so the
// remote streams cannot linger.
func (c *Client) Exec(ctx context.Context, command string, stdin io.Reader) (*ExecResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "ssh connection lost opening a session on %v", c.Addr())
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	session.Stdin = stdin

	runCh := make(chan error, 1)
	go func() {
		runCh <- session.Run(command)
	}()

	select {
	case err := <-runCh:
		res := &ExecResult{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, trace.ConnectionProblem(err, "ssh connection lost running %q on %v", command, c.Addr())

	case <-ctx.Done():
		session.Close()
		return nil, trace.ConnectionProblem(ctx.Err(), "command %q on %v timed out", command, c.Addr())
	}
}

// Output runs a command and returns its stdout, treating a non-zero
// exit as an error carrying the stderr tail.
func (c *Client) Output(ctx context.Context, command string) (string, error) {
	res, err := c.Exec(ctx, command, nil)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if res.ExitCode != 0 {
		return "", trace.Errorf("%q on %v exited with %v: %v",
			command, c.Addr(), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// Wait blocks until the underlying connection ends and returns the
// reason it ended.
func (c *Client) Wait() error {
	return trace.ConnectionProblem(c.client.Wait(), "ssh connection to %v closed", c.Addr())
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.client != nil {
			err = c.client.Close()
		}
		c.closeAgent()
	})
	return trace.Wrap(err)
}

func (c *Client) closeAgent() {
	if c.agentConn != nil {
		c.agentConn.Close()
		c.agentConn = nil
	}
}

// authMethods builds the auth chain: the identity file when it exists,
// otherwise the system SSH agent. A key outside ~/.ssh is refused
// outright rather than falling through, so path mistakes surface
// instead of silently using the agent.
func authMethods(target Target, log logrus.FieldLogger) ([]ssh.AuthMethod, net.Conn, string, error) {
	if target.IdentityFile != "" {
		signer, err := loadKey(target.IdentityFile)
		if err == nil {
			return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil, "key", nil
		}
		if !trace.IsNotFound(err) {
			return nil, nil, "", trace.Wrap(err)
		}
		log.Debugf("No private key at %v, trying the SSH agent.", target.IdentityFile)
	}

	method, conn := agentAuth(log)
	if method != nil {
		return []ssh.AuthMethod{method}, conn, "agent", nil
	}
	return nil, nil, "", trace.NotFound("no usable private key for %v and no SSH agent available", target.Host)
}

// loadKey reads and parses a private key, enforcing that it lives
// under ~/.ssh after resolving symlinks.
func loadKey(path string) (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	sshDir, err := filepath.EvalSymlinks(filepath.Join(home, ".ssh"))
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no private key at %v", path)
		}
		return nil, trace.ConvertSystemError(err)
	}
	if resolved != sshDir && !strings.HasPrefix(resolved, sshDir+string(filepath.Separator)) {
		return nil, trace.AccessDenied("private key %v resolves outside %v", path, sshDir)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, trace.BadParameter("cannot parse private key %v: %v", path, err)
	}
	return signer, nil
}

// agentAuth connects to the system SSH agent when one is advertised.
func agentAuth(log logrus.FieldLogger) (ssh.AuthMethod, net.Conn) {
	socket := os.Getenv(patze.SSHAuthSock)
	if socket == "" {
		return nil, nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		log.WithError(err).Debugf("Unable to reach the SSH agent at %v.", socket)
		return nil, nil
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn
}

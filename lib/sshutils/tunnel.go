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

package sshutils

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/utils"
)

// Tunnel is an established reverse port forward: the remote host
// listens on loopback and every accepted connection is piped back to a
// loopback port on this side. Closing either leg of a piped connection
// tears both legs down.
type Tunnel struct {
	listener   net.Listener
	localAddr  string
	remoteAddr string
	log        logrus.FieldLogger

	active atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OpenTunnel asks the host to listen on 127.0.0.1:remotePort and pipes
// every accepted connection to 127.0.0.1:localPort here. Loopback only
// on both ends; sshd needs no GatewayPorts for that, but a failure
// here usually means the remote port is taken or remote forwards are
// disabled.
func (c *Client) OpenTunnel(localPort, remotePort int) (*Tunnel, error) {
	remoteAddr := net.JoinHostPort(defaults.BindAddr, strconv.Itoa(remotePort))
	listener, err := c.client.Listen("tcp", remoteAddr)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reverse forward to %v on %v failed", remoteAddr, c.Addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		listener:   listener,
		localAddr:  net.JoinHostPort(defaults.BindAddr, strconv.Itoa(localPort)),
		remoteAddr: remoteAddr,
		log:        c.cfg.Log,
		ctx:        ctx,
		cancel:     cancel,
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// LocalAddr returns the loopback address connections are piped to.
func (t *Tunnel) LocalAddr() string { return t.localAddr }

// RemoteAddr returns the loopback address the host listens on.
func (t *Tunnel) RemoteAddr() string { return t.remoteAddr }

// Active returns the number of connections currently piped.
func (t *Tunnel) Active() int { return int(t.active.Load()) }

// Close stops accepting, severs piped connections and waits for the
// pipes to drain. Safe to call more than once.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.listener.Close()
	})
	t.wg.Wait()
	return trace.Wrap(err)
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	t.log.Infof("Started reverse forward from %v to %v.", t.remoteAddr, t.localAddr)

	for {
		// an Accept error on an SSH listener means the forward is
		// gone, not a transient per-connection failure
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() == nil && !utils.IsOKNetworkError(err) {
				t.log.WithError(err).Warnf("Reverse forward from %v closed.", t.remoteAddr)
			}
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := t.proxyConnection(conn); err != nil && t.ctx.Err() == nil {
				t.log.WithError(err).Warnf("Failed to proxy tunneled connection.")
			}
		}()
	}
}

func (t *Tunnel) proxyConnection(conn net.Conn) error {
	defer conn.Close()

	t.active.Add(1)
	defer t.active.Add(-1)

	retry, err := utils.NewLinear(utils.LinearConfig{
		First: 100 * time.Millisecond,
		Step:  100 * time.Millisecond,
		Max:   time.Second,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	// the local listener may be restarting; give it a few beats
	var local net.Conn
	dialer := net.Dialer{}
	for attempt := 1; attempt <= 5; attempt++ {
		dialed, err := dialer.DialContext(t.ctx, "tcp", t.localAddr)
		if err == nil {
			local = dialed
			break
		}
		t.log.Debugf("Dial attempt %v to %v: %v.", attempt, t.localAddr, err)

		select {
		case <-t.ctx.Done():
			return trace.Wrap(t.ctx.Err())
		case <-retry.After():
			retry.Inc()
		}
	}
	if local == nil {
		return trace.ConnectionProblem(nil, "failed to connect to %v", t.localAddr)
	}

	return trace.Wrap(utils.ProxyConn(t.ctx, conn, local))
}

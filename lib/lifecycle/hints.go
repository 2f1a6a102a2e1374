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
	"strings"
)

// transientVocabulary marks failures worth an automatic reconnect.
// Both the canonical tokens and the spellings Go's net and ssh
// packages produce are listed; matching is lowercase substring.
var transientVocabulary = []string{
	"timed out",
	"i/o timeout",
	"econnreset",
	"connection reset",
	"ehostunreach",
	"no route to host",
	"enotfound",
	"no such host",
	"network",
	"ssh connection closed",
	"ssh connection lost",
	"sftp",
}

// IsTransientError reports whether err looks like a temporary network
// or transport failure. Only transient failures arm the reconnect
// backoff; everything else stays in the error phase until the operator
// acts.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, token := range transientVocabulary {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

// AdvisoryLoopbackForward is attached to successful setups. The
// server's GatewayPorts setting is outside our control, so operators
// are told the forward is loopback-only either way.
const AdvisoryLoopbackForward = "Reverse forward binds 127.0.0.1 on the host; sshd GatewayPorts does not expose it externally."

// AdvisoryNewHostKey is attached when trust-on-first-use pinned a key.
const AdvisoryNewHostKey = "Accepted and pinned a new host key on first use. Verify the fingerprint if this host was expected to be known."

var hintTable = []struct {
	token string
	hint  string
}{
	{"changed: presented key", "The pinned host key changed. If the host was reinstalled, remove its entry from the known_hosts file and retry."},
	{"trust-on-first-use is disabled", "Enable trust-on-first-use or pin the host key manually before connecting."},
	{"no usable private key", "Provide sshKeyPath pointing under ~/.ssh, or start an ssh-agent and export SSH_AUTH_SOCK."},
	{"resolves outside", "SSH private keys must live under ~/.ssh."},
	{"unable to authenticate", "Check the login user and that the public key is listed in authorized_keys on the host."},
	{"timed out", "Check that the host is reachable and sshd is listening on the configured port."},
	{"i/o timeout", "Check that the host is reachable and sshd is listening on the configured port."},
	{"no route to host", "Check that the host is reachable and sshd is listening on the configured port."},
	{"connection refused", "The host is reachable but nothing listens on the SSH port; check sshd and the port number."},
	{"no such host", "DNS cannot resolve the host name; check the address or the alias in ~/.ssh/config."},
	{"reverse forward", "sshd on the host may disallow remote forwards (AllowTcpForwarding, PermitListen), or the remote port is taken."},
	{"sftp", "The host must enable the SFTP subsystem (sshd_config: Subsystem sftp)."},
	{"sudo", "Grant the login user passwordless sudo, supply the sudo password, or retry in user mode."},
	{"systemctl --user", "User units need a user systemd session; enable lingering with loginctl enable-linger."},
}

// HintsFor maps a failure to operator-facing suggestions. Hints state
// what to check, not what went wrong; the error message carries that.
func HintsFor(err error) []string {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	var hints []string
	seen := make(map[string]bool)
	for _, h := range hintTable {
		if strings.Contains(msg, h.token) && !seen[h.hint] {
			hints = append(hints, h.hint)
			seen[h.hint] = true
		}
	}
	return hints
}

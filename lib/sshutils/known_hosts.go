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
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/patzehq/patze"
)

// HostKeyStatus is the outcome of checking a presented host key
// against the pinned entries.
type HostKeyStatus int

const (
	// HostKeyUnknown means no entry covers this (host, port).
	HostKeyUnknown HostKeyStatus = iota
	// HostKeyMatch means an entry covers this (host, port) and the
	// presented key equals the pinned one.
	HostKeyMatch
	// HostKeyMismatch means entries cover this (host, port) but none
	// equals the presented key.
	HostKeyMismatch
)

// KnownHosts pins host keys in the OpenSSH known_hosts format. Pinning
// is strict: once a host has entries, a different presented key is a
// mismatch no matter what, including under trust-on-first-use.
type KnownHosts struct {
	path string
	log  logrus.FieldLogger

	// mu serializes appends; checks read the file fresh every time so
	// external edits are picked up.
	mu sync.Mutex
}

// NewKnownHosts manages pins in the file at path. The file does not
// have to exist yet.
func NewKnownHosts(path string) (*KnownHosts, error) {
	if path == "" {
		return nil, trace.BadParameter("missing parameter path")
	}
	return &KnownHosts{
		path: path,
		log: logrus.WithFields(logrus.Fields{
			trace.Component: patze.ComponentSSH,
		}),
	}, nil
}

// HostPattern renders (host, port) the way sshd writes known_hosts
// lines: the bare host on the default port, [host]:port otherwise.
func HostPattern(host string, port int) string {
	if port == 0 || port == 22 {
		return host
	}
	return "[" + host + "]:" + strconv.Itoa(port)
}

// Check compares a presented key against the pinned entries covering
// (host, port).
func (k *KnownHosts) Check(host string, port int, key ssh.PublicKey) (HostKeyStatus, error) {
	entries, err := k.entriesFor(host, port)
	if err != nil {
		return HostKeyUnknown, trace.Wrap(err)
	}
	if len(entries) == 0 {
		return HostKeyUnknown, nil
	}
	for _, pinned := range entries {
		if KeysEqual(pinned, key) {
			return HostKeyMatch, nil
		}
	}
	return HostKeyMismatch, nil
}

// Append pins key for (host, port). Callers treat failures as
// advisory: a pin that cannot be written must not fail the connection
// that produced it.
func (k *KnownHosts) Append(host string, port int, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	fp, err := os.OpenFile(k.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer fp.Close()

	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	_, err = fmt.Fprintf(fp, "%s %s\n", HostPattern(host, port), line)
	return trace.ConvertSystemError(err)
}

// Callback builds the ssh.HostKeyCallback enforcing the pins. With
// trustOnFirstUse, an unknown host is pinned and accepted; onFirstUse
// runs when that happens so callers can surface the advisory. A pinned
// host presenting a different key is always rejected.
func (k *KnownHosts) Callback(trustOnFirstUse bool, onFirstUse func(host string, key ssh.PublicKey)) ssh.HostKeyCallback {
	return func(hostport string, remote net.Addr, key ssh.PublicKey) error {
		host, port, err := splitHostPort(hostport)
		if err != nil {
			return trace.Wrap(err)
		}
		status, err := k.Check(host, port, key)
		if err != nil {
			return trace.Wrap(err)
		}
		switch status {
		case HostKeyMatch:
			return nil
		case HostKeyMismatch:
			return trace.AccessDenied("host key for %v changed: presented key %v does not match any pinned key",
				HostPattern(host, port), Fingerprint(key))
		}
		if !trustOnFirstUse {
			return trace.AccessDenied("unknown host %v (%v) and trust-on-first-use is disabled",
				HostPattern(host, port), Fingerprint(key))
		}
		if err := k.Append(host, port, key); err != nil {
			k.log.WithError(err).Warnf("Failed to pin host key for %v.", HostPattern(host, port))
		} else {
			k.log.Infof("Pinned new host key for %v (%v).", HostPattern(host, port), Fingerprint(key))
		}
		if onFirstUse != nil {
			onFirstUse(host, key)
		}
		return nil
	}
}

// entriesFor returns every pinned key whose host field covers
// (host, port). A missing file means no entries.
func (k *KnownHosts) entriesFor(host string, port int) ([]ssh.PublicKey, error) {
	data, err := os.ReadFile(k.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}

	var keys []ssh.PublicKey
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// marker lines (@cert-authority, @revoked) and hashed entries
		// are other tools' business; they never match
		if strings.HasPrefix(line, "@") || strings.HasPrefix(line, "|") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if !hostFieldMatches(fields[0], host, port) {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.Join(fields[1:], " ")))
		if err != nil {
			k.log.Debugf("Skipping unparseable known_hosts entry for %v: %v.", fields[0], err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// hostFieldMatches reports whether a known_hosts host field (possibly
// a comma list of patterns) covers (host, port).
func hostFieldMatches(field, host string, port int) bool {
	for _, pattern := range strings.Split(field, ",") {
		if pattern == "" {
			continue
		}
		if strings.HasPrefix(pattern, "[") {
			// [host]:port form carries its own port
			end := strings.Index(pattern, "]:")
			if end < 0 {
				continue
			}
			patternPort, err := strconv.Atoi(pattern[end+2:])
			if err != nil || patternPort != port {
				continue
			}
			if hostPatternMatches(pattern[1:end], host) {
				return true
			}
			continue
		}
		// bare patterns cover the default port only
		if (port == 0 || port == 22) && hostPatternMatches(pattern, host) {
			return true
		}
	}
	return false
}

// hostPatternMatches compares one pattern against a host, honoring
// the * and ? wildcards known_hosts allows.
func hostPatternMatches(pattern, host string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return strings.EqualFold(pattern, host)
	}
	matched, err := path.Match(strings.ToLower(pattern), strings.ToLower(host))
	if err != nil {
		return false
	}
	return matched
}

// splitHostPort parses the host:port the ssh library hands callbacks.
func splitHostPort(hostport string) (string, int, error) {
	host, portValue, err := net.SplitHostPort(hostport)
	if err != nil {
		// a bare host means the default port
		return hostport, 22, nil
	}
	port, err := strconv.Atoi(portValue)
	if err != nil {
		return "", 0, trace.BadParameter("bad port in %q: %v", hostport, err)
	}
	return host, port, nil
}

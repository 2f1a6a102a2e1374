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
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// Target is an effective SSH destination after alias resolution.
type Target struct {
	// Host is the address to dial.
	Host string
	// Port is the TCP port, 22 when unset everywhere.
	Port int
	// User is the login name.
	User string
	// IdentityFile is the private key path, already ~-expanded.
	IdentityFile string
}

// Addr returns the dialable host:port.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return t.Host + ":" + strconv.Itoa(port)
}

// ResolveTarget substitutes values from a matching Host alias in the
// user's SSH config. Only the directives the bridge setup needs are
// read: Host, HostName, User, Port and IdentityFile. An explicit port
// or user from the caller wins over the config, matching ssh command
// line behavior; a missing config file resolves to the explicit
// fields unchanged.
func ResolveTarget(configPath, host string, port int, user string) (Target, error) {
	target := Target{Host: host, Port: port, User: user}
	if host == "" {
		return target, trace.BadParameter("missing parameter host")
	}

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return target, nil
		}
		configPath = filepath.Join(home, ".ssh", "config")
	}

	f, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return target, nil
		}
		return target, trace.ConvertSystemError(err)
	}
	defer f.Close()

	// first obtained value wins per directive, like ssh itself; an
	// explicit port or user from the caller counts as already obtained
	var inMatchingBlock bool
	var haveHostName, haveIdentity bool
	havePort := port != 0
	haveUser := user != ""

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := configDirective(scanner.Text())
		if !ok {
			continue
		}
		if key == "host" {
			inMatchingBlock = blockCovers(value, host)
			continue
		}
		if !inMatchingBlock {
			continue
		}
		switch key {
		case "hostname":
			if !haveHostName {
				target.Host = value
				haveHostName = true
			}
		case "port":
			if !havePort {
				p, err := strconv.Atoi(value)
				if err != nil {
					return target, trace.BadParameter("bad Port %q in %v", value, configPath)
				}
				target.Port = p
				havePort = true
			}
		case "user":
			if !haveUser {
				target.User = value
				haveUser = true
			}
		case "identityfile":
			if !haveIdentity {
				expanded, err := expandHome(value)
				if err != nil {
					return target, trace.Wrap(err)
				}
				target.IdentityFile = expanded
				haveIdentity = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return target, trace.ConvertSystemError(err)
	}
	return target, nil
}

// configDirective splits one ssh_config line into a lowercase key and
// its value, handling comments, "Key value" and "Key = value" forms,
// and surrounding quotes.
func configDirective(line string) (key, value string, ok bool) {
	if i := strings.Index(line, "#"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", false
	}

	var rest string
	if i := strings.IndexAny(line, " \t="); i >= 0 {
		key, rest = line[:i], strings.TrimLeft(line[i:], " \t=")
	} else {
		return "", "", false
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", false
	}
	if len(rest) >= 2 && rest[0] == '"' && rest[len(rest)-1] == '"' {
		rest = rest[1 : len(rest)-1]
	}
	return strings.ToLower(key), rest, true
}

// blockCovers reports whether a Host directive's patterns cover host.
// Negated patterns exclude the whole block.
func blockCovers(patterns, host string) bool {
	matched := false
	for _, pattern := range strings.Fields(patterns) {
		if strings.HasPrefix(pattern, "!") {
			if hostPatternMatches(pattern[1:], host) {
				return false
			}
			continue
		}
		if hostPatternMatches(pattern, host) {
			matched = true
		}
	}
	return matched
}

// expandHome rewrites a leading ~/ against the current home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

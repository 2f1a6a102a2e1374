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

// Package logring keeps the last N lines of bridge setup output with
// secrets scrubbed out. Scrubbing is a best-effort denylist, not a
// security boundary: new secret-carrying patterns must be added here
// explicitly.
package logring

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// scrubPatterns is the denylist applied to every line before it is
// retained. Each pattern's first group survives; the value is replaced
// with ***.
var scrubPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b([\w-]*TOKEN=)\S+`),
	regexp.MustCompile(`(?i)\b([\w-]*PASSWORD=)\S+`),
	regexp.MustCompile(`(?i)\b([\w-]*PASS=)\S+`),
	regexp.MustCompile(`\b(Bearer\s+)\S+`),
}

// Scrub replaces secret values in a line with ***.
func Scrub(line string) string {
	for _, pattern := range scrubPatterns {
		line = pattern.ReplaceAllString(line, "${1}***")
	}
	return line
}

// Ring is a bounded ring of scrubbed log lines.
type Ring struct {
	mu    sync.Mutex
	lines []string
	start int
	size  int
}

// New returns a ring retaining up to capacity lines.
func New(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, trace.BadParameter("log ring capacity should be > 0")
	}
	return &Ring{lines: make([]string, capacity)}, nil
}

// Append scrubs one line and pushes it onto the ring, dropping the
// oldest line when the ring is full. Multi-line input is split so a
// single chunk of captured output cannot bypass per-line scrubbing.
func (r *Ring) Append(chunk string) {
	for _, line := range strings.Split(strings.TrimRight(chunk, "\n"), "\n") {
		r.push(Scrub(line))
	}
}

// Appendf formats, scrubs and pushes one line.
func (r *Ring) Appendf(format string, args ...any) {
	r.Append(fmt.Sprintf(format, args...))
}

func (r *Ring) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.lines) {
		r.lines[(r.start+r.size)%len(r.lines)] = line
		r.size++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % len(r.lines)
}

// Lines returns a copy of the retained lines, oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.lines[(r.start+i)%len(r.lines)])
	}
	return out
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

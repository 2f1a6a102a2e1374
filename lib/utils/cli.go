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

package utils

import (
	"fmt"
	"os"

	"github.com/gravitational/trace"
)

// UserMessageFromError strips the debug chatter a trace error carries
// and keeps the message a human acts on.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	return "ERROR: " + trace.UserMessage(err)
}

// FatalError prints a clean error message to stderr and exits. CLI
// front-ends call it on startup failures instead of dumping a trace.
func FatalError(err error) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(1)
}

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
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/patzehq/patze"
)

// InitLogger configures the global logger with the given severity and
// a plain text formatter suitable for journald capture.
func InitLogger(level log.Level) {
	log.StandardLogger().ReplaceHooks(make(log.LevelHooks))
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		DisableSorting:   false,
		QuoteEmptyFields: true,
	})
	log.SetOutput(os.Stderr)
}

// InitLoggerForTests mutes the global logger unless verbose debugging
// was requested via the environment.
func InitLoggerForTests() {
	if os.Getenv(patze.DebugOutputEnvVar) != "" {
		InitLogger(log.DebugLevel)
		return
	}
	log.SetLevel(log.WarnLevel)
	log.SetOutput(io.Discard)
}

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

package queue

import (
	"encoding/json"
	"os"

	"github.com/gravitational/trace"

	"github.com/patzehq/patze/lib/utils"
)

// storeVersion is the on-disk format version of the command store.
const storeVersion = 1

// storeFile is the serialized form of the whole queue.
type storeFile struct {
	Version  int       `json:"version"`
	Commands []*Record `json:"commands"`
}

// loadRecords reads the command store file. A missing file is an empty
// queue; a corrupt file is an error so operators notice instead of
// silently losing scheduled work.
func loadRecords(path string) ([]*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, trace.BadParameter("command store %v is corrupt: %v", path, err)
	}
	if f.Version != storeVersion {
		return nil, trace.BadParameter("command store %v has unsupported version %v", path, f.Version)
	}
	return f.Commands, nil
}

// saveRecords writes the command store file atomically, so a reader
// always observes either the previous queue or the new one.
func saveRecords(path string, records []*Record) error {
	data, err := json.MarshalIndent(storeFile{Version: storeVersion, Commands: records}, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.AtomicWriteFile(path, data, os.FileMode(0o600)))
}

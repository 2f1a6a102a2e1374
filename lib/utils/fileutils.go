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
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// AtomicWriteFile writes data to path via a temporary sibling file and
// rename, so a concurrent reader observes either the previous content
// or the new content, never a partial write.
func AtomicWriteFile(path string, data []byte, mode os.FileMode) error {
	return atomicWrite(path, data, mode, false)
}

// AtomicWriteFileWithBackup is AtomicWriteFile plus a copy of the
// previous content to <path>.bak before the rename, when a previous
// file exists.
func AtomicWriteFileWithBackup(path string, data []byte, mode os.FileMode) error {
	return atomicWrite(path, data, mode, true)
}

func atomicWrite(path string, data []byte, mode os.FileMode, backup bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return trace.ConvertSystemError(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	if backup {
		if prev, err := os.ReadFile(path); err == nil {
			if err := os.WriteFile(path+".bak", prev, mode); err != nil {
				return trace.ConvertSystemError(err)
			}
		} else if !os.IsNotExist(err) {
			return trace.ConvertSystemError(err)
		}
	}
	if err := os.Rename(tmp, path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

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
	"bytes"

	"golang.org/x/crypto/ssh"
)

// Fingerprint returns the SSH RFC4716 fingerprint of the key.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// KeysEqual reports whether two keys have identical wire encodings.
func KeysEqual(a, b ssh.PublicKey) bool {
	if a == nil || b == nil {
		return false
	}
	am := a.Marshal()
	bm := b.Marshal()
	return len(am) == len(bm) && bytes.Equal(am, bm)
}

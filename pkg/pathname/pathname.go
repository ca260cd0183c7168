// Copyright 2024 The shareroot Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pathname validates untrusted client-supplied paths before they
// are walked against a trusted root.
//
// The walk itself (package safewalk) treats its preconditions as
// programming contracts and panics on violations; this package is where
// those contracts are enforced against a potentially malicious client,
// turning bad input into EINVAL instead.
package pathname

import (
	"strings"

	"golang.org/x/sys/unix"
)

// IsNameValid returns whether name is acceptable as a single path segment.
// Rejects empty names, ".", "..", and names containing a separator or NUL.
func IsNameValid(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.IndexByte(name, '/') >= 0 || strings.IndexByte(name, 0) >= 0 {
		return false
	}
	return true
}

// Clean validates an untrusted relative path and returns it in the form
// the walk requires: no leading separator, no empty segments, no "." or
// "..". The empty path is valid and denotes the root itself.
func Clean(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	for _, name := range strings.Split(path, "/") {
		if !IsNameValid(name) {
			return "", unix.EINVAL
		}
	}
	return path, nil
}

// Split breaks a validated path into its segments. The empty path yields
// no segments.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Join appends a validated name to a validated path.
func Join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "/" + name
}

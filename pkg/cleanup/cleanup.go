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

// Package cleanup provides utilities to clean "stuff" on defers.
package cleanup

// Cleanup allows defers to be aborted when cleanup is not needed. It's
// useful for operations that acquire several resources in sequence and
// must undo all of them if any later step fails:
//
//	cu := cleanup.Make(func() { f.Close() })
//	defer cu.Clean() // failure before the end closes f.
//
//	// Everything succeeded, disable cleanup.
//	cu.Release()
type Cleanup struct {
	cleaners []func()
}

// Make creates a new Cleanup object.
func Make(f func()) Cleanup {
	return Cleanup{cleaners: []func(){f}}
}

// Add adds a new function to be called on Clean().
func (c *Cleanup) Add(f func()) {
	c.cleaners = append(c.cleaners, f)
}

// Clean calls all cleanup functions in reverse order, then disarms the
// Cleanup. Calling Clean again is a no-op.
func (c *Cleanup) Clean() {
	runAll(c.cleaners)
	c.cleaners = nil
}

// Release disarms the Cleanup and returns a function that will perform the
// original cleanup when called. Useful when the cleanup obligation is
// transferred to another owner.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() { runAll(old) }
}

func runAll(cleaners []func()) {
	for i := len(cleaners) - 1; i >= 0; i-- {
		cleaners[i]()
	}
}

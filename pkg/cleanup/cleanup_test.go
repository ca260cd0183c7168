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

package cleanup

import "testing"

func TestClean(t *testing.T) {
	var order []int
	cu := Make(func() { order = append(order, 0) })
	cu.Add(func() { order = append(order, 1) })
	cu.Clean()

	if len(order) != 2 || order[0] != 1 || order[1] != 0 {
		t.Fatalf("cleanup functions ran in order %v, expected [1 0]", order)
	}

	// Second Clean must be a no-op.
	cu.Clean()
	if len(order) != 2 {
		t.Fatalf("disarmed Clean ran cleanups again: %v", order)
	}
}

func TestRelease(t *testing.T) {
	ran := false
	cu := Make(func() { ran = true })
	release := cu.Release()
	cu.Clean()
	if ran {
		t.Fatalf("cleanup function ran after Release")
	}

	release()
	if !ran {
		t.Fatalf("released cleanup function did not run when called")
	}
}

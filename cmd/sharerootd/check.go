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

//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/shareroot/shareroot/pkg/fd"
	"github.com/shareroot/shareroot/pkg/pathname"
	"github.com/shareroot/shareroot/pkg/safewalk"
)

// Check implements subcommands.Command for the "check" command, a
// debugging aid that resolves one path against one root and reports what
// a client would see.
type Check struct {
	root string
}

// Name implements subcommands.Command.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.
func (*Check) Synopsis() string {
	return "resolve a relative path against a root the way a client request would"
}

// Usage implements subcommands.Command.
func (*Check) Usage() string {
	return `check --root <dir> <relative-path>
`
}

// SetFlags implements subcommands.Command.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.root, "root", "", "host directory to use as the trusted root")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if c.root == "" || f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path, err := pathname.Clean(f.Arg(0))
	if err != nil {
		fmt.Printf("rejected: path %q is not a clean relative path\n", f.Arg(0))
		return subcommands.ExitFailure
	}

	root, err := fd.Open(c.root, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		Fatalf("opening root %q: %v", c.root, err)
	}
	defer root.Close()

	h, err := safewalk.Resolve(root, path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		fmt.Printf("rejected: %v\n", err)
		return subcommands.ExitFailure
	}
	defer h.Close()

	var stat unix.Stat_t
	if err := unix.Fstat(h.FD(), &stat); err != nil {
		Fatalf("fstat resolved handle: %v", err)
	}
	fmt.Printf("resolved: mode %#o, size %d, inode %d\n", stat.Mode, stat.Size, stat.Ino)
	return subcommands.ExitSuccess
}

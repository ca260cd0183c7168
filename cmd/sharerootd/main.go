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

// Binary sharerootd exposes host directory trees to untrusted clients
// over a unix socket, resolving every client path segment by segment so
// no symlink can escape a share.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Serve), "")
	subcommands.Register(new(Check), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// Fatalf logs a fatal error and exits with a failure status.
func Fatalf(format string, args ...any) {
	logrus.Fatalf(format, args...)
}

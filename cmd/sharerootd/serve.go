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
	"net"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shareroot/shareroot/pkg/config"
	"github.com/shareroot/shareroot/pkg/server"
	"github.com/shareroot/shareroot/pkg/share"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	configPath string
}

// Name implements subcommands.Command.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.
func (*Serve) Synopsis() string {
	return "serve the configured shares on a unix socket"
}

// Usage implements subcommands.Command.
func (*Serve) Usage() string {
	return `serve --config <path>
`
}

// SetFlags implements subcommands.Command.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.configPath, "config", "/etc/shareroot/config.toml", "path to the daemon configuration file")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	conf, err := config.Load(s.configPath)
	if err != nil {
		Fatalf("loading config: %v", err)
	}
	logrus.SetLevel(conf.Level())

	// Take an exclusive lock so two daemons never fight over the same
	// socket path.
	lock := flock.New(conf.Socket + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		Fatalf("locking %q: %v", lock.Path(), err)
	}
	if !locked {
		Fatalf("another instance is already serving %q", conf.Socket)
	}
	defer lock.Unlock()

	// A stale socket from a crashed instance blocks bind; the lock above
	// guarantees no live instance owns it.
	if err := os.Remove(conf.Socket); err != nil && !os.IsNotExist(err) {
		Fatalf("removing stale socket %q: %v", conf.Socket, err)
	}

	srv := server.New()
	defer srv.Close()
	for _, sc := range conf.Shares {
		ap, err := share.Attach(sc.Path, share.Config{ReadOnly: sc.ReadOnly})
		if err != nil {
			Fatalf("attaching share %q at %q: %v", sc.Name, sc.Path, err)
		}
		srv.AddShare(sc.Name, ap)
		logrus.WithFields(logrus.Fields{
			"share":    sc.Name,
			"path":     sc.Path,
			"readonly": sc.ReadOnly,
		}).Info("share attached")
	}

	// File modes arrive from clients already masked; don't mask again.
	unix.Umask(0)

	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: conf.Socket, Net: "unix"})
	if err != nil {
		Fatalf("listening on %q: %v", conf.Socket, err)
	}
	defer l.Close()
	logrus.WithField("socket", conf.Socket).Info("serving")

	if err := srv.Serve(l); err != nil {
		Fatalf("serve: %v", err)
	}
	return subcommands.ExitSuccess
}

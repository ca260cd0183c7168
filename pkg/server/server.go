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

// Package server serves attach points to clients over a unix domain
// socket. Requests name a share and a relative path; successful opens
// donate the resulting descriptor to the client via SCM_RIGHTS, so file
// content never crosses the protocol itself.
package server

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shareroot/shareroot/pkg/fd"
	"github.com/shareroot/shareroot/pkg/share"
)

// allowedOpenFlags is the subset of client-supplied open flags the server
// honors. Everything else, in particular O_CREAT and O_NOFOLLOW control,
// is owned by the server side of the walk.
const allowedOpenFlags = unix.O_ACCMODE | unix.O_TRUNC | unix.O_APPEND |
	unix.O_NONBLOCK | unix.O_DIRECTORY

// Server dispatches client requests to attach points.
type Server struct {
	mu     sync.RWMutex
	shares map[string]*share.AttachPoint
}

// New creates an empty server.
func New() *Server {
	return &Server{shares: make(map[string]*share.AttachPoint)}
}

// AddShare registers an attach point under name. The server takes
// ownership of the attach point.
func (s *Server) AddShare(name string, a *share.AttachPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares[name] = a
}

func (s *Server) lookup(name string) *share.AttachPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shares[name]
}

// Close releases all attach points.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, a := range s.shares {
		if err := a.Close(); err != nil {
			logrus.Warnf("closing share %q: %v", name, err)
		}
	}
	s.shares = nil
}

// Serve accepts connections on l until it is closed. Transient accept
// failures are retried with exponential backoff.
func (s *Server) Serve(l *net.UnixListener) error {
	for {
		var conn *net.UnixConn
		accept := func() error {
			var err error
			conn, err = l.AcceptUnix()
			if err == nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				logrus.Warnf("transient accept failure, retrying: %v", err)
				return err
			}
			return backoff.Permanent(err)
		}
		if err := backoff.Retry(accept, backoff.NewExponentialBackOff()); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.serveConn(conn)
	}
}

// serveConn runs the request loop for one client.
func (s *Server) serveConn(conn *net.UnixConn) {
	defer conn.Close()
	for {
		req, err := DecodeRequest(conn)
		if err != nil {
			if err != io.EOF {
				logrus.Debugf("dropping client: %v", err)
			}
			return
		}
		resp, donate := s.handle(req)
		if err := writeResponse(conn, resp, donate); err != nil {
			logrus.Debugf("writing %v response: %v", req.Op, err)
			return
		}
	}
}

// writeResponse sends resp, attaching the donated descriptor (if any) as
// ancillary data on the same write. The donated handle is always closed
// here; the client's copy is independent.
func writeResponse(conn *net.UnixConn, resp *Response, donate *fd.FD) error {
	buf := encodeResponse(resp)
	if donate == nil {
		_, err := conn.Write(buf)
		return err
	}
	defer donate.Close()
	rights := unix.UnixRights(donate.FD())
	_, _, err := conn.WriteMsgUnix(buf, rights, nil)
	return err
}

// errnoResponse builds a failure response.
func errnoResponse(err error) *Response {
	if errno, ok := err.(unix.Errno); ok {
		return &Response{Errno: uint32(errno)}
	}
	return &Response{Errno: uint32(unix.EIO)}
}

// handle dispatches one request. The returned handle, when non-nil, is to
// be donated to the client.
func (s *Server) handle(req *Request) (*Response, *fd.FD) {
	a := s.lookup(req.Share)
	if a == nil {
		logrus.Debugf("%v request for unknown share %q", req.Op, req.Share)
		return &Response{Errno: uint32(unix.ENOENT)}, nil
	}

	switch req.Op {
	case OpOpen:
		h, err := a.Open(req.Path, int(req.Flags)&allowedOpenFlags)
		if err != nil {
			return errnoResponse(err), nil
		}
		return &Response{}, h

	case OpCreate:
		h, err := a.Create(req.Path, int(req.Flags)&allowedOpenFlags, req.Mode)
		if err != nil {
			return errnoResponse(err), nil
		}
		return &Response{}, h

	case OpMkdir:
		if err := a.Mkdir(req.Path, req.Mode); err != nil {
			return errnoResponse(err), nil
		}
		return &Response{}, nil

	case OpUnlink:
		if err := a.Unlink(req.Path, false); err != nil {
			return errnoResponse(err), nil
		}
		return &Response{}, nil

	case OpRmdir:
		if err := a.Unlink(req.Path, true); err != nil {
			return errnoResponse(err), nil
		}
		return &Response{}, nil

	case OpStat:
		stat, err := a.Stat(req.Path)
		if err != nil {
			return errnoResponse(err), nil
		}
		return &Response{Payload: EncodeAttr(attrFromStat(&stat))}, nil

	case OpReaddir:
		names, err := a.Readdir(req.Path)
		if err != nil {
			return errnoResponse(err), nil
		}
		return &Response{Payload: encodeNames(names)}, nil

	case OpReadlink:
		target, err := a.Readlink(req.Path)
		if err != nil {
			return errnoResponse(err), nil
		}
		return &Response{Payload: []byte(target)}, nil

	case OpRename:
		if err := a.Rename(req.Path, req.Path2); err != nil {
			return errnoResponse(err), nil
		}
		return &Response{}, nil

	case OpSymlink:
		if err := a.Symlink(req.Path2, req.Path); err != nil {
			return errnoResponse(err), nil
		}
		return &Response{}, nil
	}

	logrus.Warnf("unknown op %d from client", uint32(req.Op))
	return &Response{Errno: uint32(unix.EINVAL)}, nil
}

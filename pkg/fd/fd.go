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

// Package fd provides an owned host file descriptor type.
//
// Every descriptor used by the untrusted-path walk has exactly one owner
// at any instant. FD makes that discipline explicit: New takes ownership,
// Close destroys it, Release relinquishes it, and Dup mints a second
// independently owned descriptor for the same filesystem object.
package fd

import (
	"io"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// FD owns a host file descriptor.
//
// It is similar to os.File, with two important distinctions: Release()
// relinquishes ownership without closing the descriptor (os.File pins the
// descriptor to its finalizer forever), and an FD may be switched between
// blocking and non-blocking operation.
type FD struct {
	// raw is accessed atomically so Close/Release can swap it.
	raw int64
}

var _ io.ReaderAt = (*FD)(nil)
var _ io.WriterAt = (*FD)(nil)

// New creates a new FD, taking ownership of raw.
func New(raw int) *FD {
	if raw < 0 {
		return &FD{raw: -1}
	}
	f := &FD{raw: int64(raw)}
	runtime.SetFinalizer(f, (*FD).Close)
	return f
}

// Open is equivalent to open(2).
func Open(path string, flags int, mode uint32) (*FD, error) {
	raw, err := unix.Open(path, flags, mode)
	if err != nil {
		return nil, err
	}
	return New(raw), nil
}

// OpenAt is equivalent to openat(2), resolving name relative to dir.
func OpenAt(dir *FD, name string, flags int, mode uint32) (*FD, error) {
	raw, err := unix.Openat(dir.FD(), name, flags, mode)
	if err != nil {
		return nil, err
	}
	return New(raw), nil
}

// FD returns the host file descriptor. The FD retains ownership.
func (f *FD) FD() int {
	return int(atomic.LoadInt64(&f.raw))
}

// Close closes the owned descriptor.
//
// Close is safe to call multiple times, but will return an error after the
// first call. Concurrently calling Close and any other method is undefined.
func (f *FD) Close() error {
	runtime.SetFinalizer(f, nil)
	return unix.Close(int(atomic.SwapInt64(&f.raw, -1)))
}

// Release relinquishes ownership of the descriptor and returns it. The FD
// is left in the closed state.
//
// Concurrently calling Release and any other method is undefined.
func (f *FD) Release() int {
	runtime.SetFinalizer(f, nil)
	return int(atomic.SwapInt64(&f.raw, -1))
}

// Dup duplicates the descriptor into a new independently owned FD. The
// duplicate has the close-on-exec flag set.
func (f *FD) Dup() (*FD, error) {
	raw, err := unix.FcntlInt(uintptr(f.FD()), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return New(raw), nil
}

// SetBlocking clears O_NONBLOCK from the descriptor's status flags,
// leaving all other flags untouched.
func (f *FD) SetBlocking() error {
	raw := f.FD()
	flags, err := unix.FcntlInt(uintptr(raw), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(raw), unix.F_SETFL, flags&^unix.O_NONBLOCK)
	return err
}

// StatusFlags returns the descriptor's status flags (F_GETFL).
func (f *FD) StatusFlags() (int, error) {
	return unix.FcntlInt(uintptr(f.FD()), unix.F_GETFL, 0)
}

// ReadAt implements io.ReaderAt.
//
// ReadAt always returns a non-nil error when c < len(b).
func (f *FD) ReadAt(b []byte, off int64) (c int, err error) {
	for len(b) > 0 {
		var m int
		m, err = fixCount(unix.Pread(f.FD(), b, off))
		if m == 0 && err == nil {
			return c, io.EOF
		}
		if err != nil {
			return c, err
		}
		c += m
		b = b[m:]
		off += int64(m)
	}
	return
}

// WriteAt implements io.WriterAt.
func (f *FD) WriteAt(b []byte, off int64) (c int, err error) {
	for len(b) > 0 {
		var m int
		m, err = fixCount(unix.Pwrite(f.FD(), b, off))
		if err != nil {
			break
		}
		c += m
		b = b[m:]
		off += int64(m)
	}
	return
}

// File converts the FD to an os.File without transferring ownership: the
// descriptor is duplicated, so both the FD and the os.File must eventually
// be closed. name is passed to os.NewFile.
//
// This is somewhat expensive, so care should be taken to minimize its use.
func (f *FD) File(name string) (*os.File, error) {
	raw, err := unix.FcntlInt(uintptr(f.FD()), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(raw), name), nil
}

// ReleaseToFile returns an os.File that takes ownership of the descriptor.
// name is passed to os.NewFile.
func (f *FD) ReleaseToFile(name string) *os.File {
	return os.NewFile(uintptr(f.Release()), name)
}

func fixCount(n int, err error) (int, error) {
	if n < 0 {
		n = 0
	}
	return n, err
}

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

// Package safewalk resolves an untrusted relative path against a trusted
// directory handle, one segment at a time, so that no segment can use a
// symbolic link to redirect resolution outside the tree rooted at the
// trusted handle.
//
// Paths are never handed to the kernel for multi-component resolution.
// Each hop is an openat(2) bound to the already-opened previous segment,
// which removes the window in which a path element could be swapped for a
// symlink between check and use.
package safewalk

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/shareroot/shareroot/pkg/fd"
)

const (
	// segmentFlags opens an interior segment as a traversal-only handle.
	// O_DIRECTORY requires the entry to be a directory. With O_PATH,
	// O_NOFOLLOW makes openat grab a symlink itself rather than follow
	// it, which O_DIRECTORY then rejects with ENOTDIR, so a symlinked
	// interior segment fails the hop.
	segmentFlags = unix.O_PATH | unix.O_DIRECTORY | unix.O_NOFOLLOW | unix.O_CLOEXEC

	// leafGuards are added to every leaf open regardless of what the
	// caller asked for. O_NOFOLLOW fails the open with ELOOP when the
	// leaf is a symlink. O_NOCTTY prevents a terminal device from
	// becoming our controlling terminal. O_NONBLOCK keeps open(2) from
	// hanging on a FIFO with no counterpart; it is transient and is
	// cleared again after the open unless the caller requested it.
	leafGuards = unix.O_NOFOLLOW | unix.O_NOCTTY | unix.O_NONBLOCK | unix.O_CLOEXEC
)

// closeQuiet closes an owned handle during failure cleanup. The close's
// own result is discarded so the walk error already in flight is the one
// the caller observes.
func closeQuiet(h *fd.FD) {
	_ = h.Close()
}

// openSegment opens one interior path segment relative to dir as a
// traversal-only handle. The caller keeps ownership of dir.
func openSegment(dir *fd.FD, name string) (*fd.FD, error) {
	return fd.OpenAt(dir, name, segmentFlags, 0)
}

// openLeaf opens the final path segment relative to dir with the caller's
// flags plus the leaf guards. mode is used only when flags request
// creation. On success the descriptor carries exactly the blocking
// semantics the caller asked for.
func openLeaf(dir *fd.FD, name string, flags int, mode uint32) (*fd.FD, error) {
	leaf, err := fd.OpenAt(dir, name, flags|leafGuards, mode)
	if err != nil {
		return nil, err
	}
	if flags&unix.O_NONBLOCK == 0 {
		// O_NONBLOCK was only a guard during the open itself. A failure
		// to clear it on a descriptor we just opened means the walk's
		// own bookkeeping is broken, not a runtime condition.
		if err := leaf.SetBlocking(); err != nil {
			panic(fmt.Sprintf("clearing O_NONBLOCK on freshly opened %q: %v", name, err))
		}
	}
	return leaf, nil
}

// Resolve walks path relative to root and returns an open handle on the
// leaf. root is borrowed: it is duplicated, never closed or mutated. The
// returned handle is owned by the caller. flags and mode apply to the
// leaf open only.
//
// path must be relative with no empty segments; it has already been
// validated upstream against the untrusted client, so a violation here is
// a caller bug and panics. An empty path returns a duplicate of root.
//
// On failure every handle opened by this call has been closed and the
// error is the failing syscall's errno, untouched by cleanup.
func Resolve(root *fd.FD, path string, flags int, mode uint32) (*fd.FD, error) {
	cur, err := root.Dup()
	if err != nil {
		return nil, err
	}

	for path != "" {
		if path[0] == '/' {
			closeQuiet(cur)
			panic(fmt.Sprintf("path %q has an absolute or empty segment", path))
		}

		var next *fd.FD
		if i := strings.IndexByte(path, '/'); i >= 0 {
			next, err = openSegment(cur, path[:i])
			path = path[i+1:]
		} else {
			next, err = openLeaf(cur, path, flags, mode)
			path = ""
		}
		closeQuiet(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// ResolveDir walks path relative to root treating every segment,
// including the last, as a directory, and returns a traversal-only handle
// on the final one. It is the walk used to reach the parent of an entry
// that is about to be created, removed, or statted in place.
//
// Ownership and precondition contracts are the same as Resolve's. An
// empty path returns a duplicate of root.
func ResolveDir(root *fd.FD, path string) (*fd.FD, error) {
	cur, err := root.Dup()
	if err != nil {
		return nil, err
	}

	for path != "" {
		if path[0] == '/' {
			closeQuiet(cur)
			panic(fmt.Sprintf("path %q has an absolute or empty segment", path))
		}

		name := path
		if i := strings.IndexByte(path, '/'); i >= 0 {
			name = path[:i]
			path = path[i+1:]
		} else {
			path = ""
		}
		next, err := openSegment(cur, name)
		closeQuiet(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

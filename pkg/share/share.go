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

// Package share exposes a host directory tree to untrusted clients using
// a simple mapping from a trusted prefix to the path requested by the
// client. Ex:
//
//	prefix: "/srv/share"
//	client path: a/b/c => /srv/share/a/b/c
//
// All client paths are validated by pkg/pathname and resolved segment by
// segment through pkg/safewalk, so no client-controlled path element can
// use a symlink to reach outside the prefix.
package share

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/shareroot/shareroot/pkg/cleanup"
	"github.com/shareroot/shareroot/pkg/fd"
	"github.com/shareroot/shareroot/pkg/pathname"
	"github.com/shareroot/shareroot/pkg/safewalk"
)

// Config sets configuration options for an attach point.
type Config struct {
	// ReadOnly rejects every mutating operation with EROFS.
	ReadOnly bool
}

// AttachPoint gives clients access to all files under a host prefix. It
// holds the trusted root handle every walk starts from; the handle stays
// open for the attach point's lifetime and is only ever duplicated.
type AttachPoint struct {
	prefix string
	conf   Config
	root   *fd.FD
}

// Attach opens prefix as the trusted root of a new attach point. prefix
// itself is trusted configuration: symlinks in it are followed.
func Attach(prefix string, conf Config) (*AttachPoint, error) {
	if !filepath.IsAbs(prefix) {
		return nil, unix.EINVAL
	}
	root, err := fd.Open(prefix, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		logrus.WithField("prefix", prefix).Warnf("attach failed: %v", err)
		return nil, extractErrno(err)
	}
	return &AttachPoint{prefix: prefix, conf: conf, root: root}, nil
}

// Prefix returns the host path this attach point serves.
func (a *AttachPoint) Prefix() string {
	return a.prefix
}

// Root returns the trusted root handle. The attach point retains
// ownership.
func (a *AttachPoint) Root() *fd.FD {
	return a.root
}

// Close releases the trusted root handle. Handles previously returned to
// callers are unaffected.
func (a *AttachPoint) Close() error {
	return a.root.Close()
}

// reopen reopens the trusted root with flags via its /proc/self/fd magic
// link. O_NOFOLLOW must not be set or the magic link itself would be
// rejected.
func (a *AttachPoint) reopen(flags int) (*fd.FD, error) {
	p := "/proc/self/fd/" + strconv.Itoa(a.root.FD())
	return fd.Open(p, (flags|unix.O_CLOEXEC)&^unix.O_NOFOLLOW, 0)
}

// wantsWrite returns whether flags request any form of mutation.
func wantsWrite(flags int) bool {
	if acc := flags & unix.O_ACCMODE; acc == unix.O_WRONLY || acc == unix.O_RDWR {
		return true
	}
	return flags&(unix.O_TRUNC|unix.O_APPEND|unix.O_CREAT) != 0
}

// Open resolves path and opens its leaf with flags. O_CREAT is not
// honored here; use Create.
func (a *AttachPoint) Open(path string, flags int) (*fd.FD, error) {
	path, err := pathname.Clean(path)
	if err != nil {
		return nil, extractErrno(err)
	}
	flags &^= unix.O_CREAT | unix.O_EXCL
	if a.conf.ReadOnly && wantsWrite(flags) {
		return nil, unix.EROFS
	}
	if path == "" {
		// The trusted handle is traversal-only; reopen it through
		// /proc/self/fd to get an I/O-capable handle without
		// re-resolving the prefix string.
		h, err := a.reopen(flags)
		if err != nil {
			return nil, extractErrno(err)
		}
		return h, nil
	}
	h, err := safewalk.Resolve(a.root, path, flags, 0)
	if err != nil {
		logrus.WithField("path", path).Debugf("open failed: %v", err)
		return nil, extractErrno(err)
	}
	return h, nil
}

// Create resolves path and creates its leaf, which must not already
// exist, opening it with flags. The access mode in flags is preserved;
// O_CREAT and O_EXCL are always added.
func (a *AttachPoint) Create(path string, flags int, mode uint32) (*fd.FD, error) {
	path, err := pathname.Clean(path)
	if err != nil {
		return nil, extractErrno(err)
	}
	if path == "" {
		return nil, unix.EEXIST
	}
	if a.conf.ReadOnly {
		return nil, unix.EROFS
	}
	h, err := safewalk.Resolve(a.root, path, flags|unix.O_CREAT|unix.O_EXCL, mode)
	if err != nil {
		logrus.WithField("path", path).Debugf("create failed: %v", err)
		return nil, extractErrno(err)
	}
	return h, nil
}

// parent resolves the directory containing path's leaf and returns a
// traversal-only handle on it plus the leaf name. The caller owns the
// handle.
func (a *AttachPoint) parent(path string) (*fd.FD, string, error) {
	path, err := pathname.Clean(path)
	if err != nil {
		return nil, "", extractErrno(err)
	}
	if path == "" {
		// The root itself has no parent inside the share.
		return nil, "", unix.EINVAL
	}
	dir, name := "", path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		dir, name = path[:i], path[i+1:]
	}
	h, err := safewalk.ResolveDir(a.root, dir)
	if err != nil {
		return nil, "", extractErrno(err)
	}
	return h, name, nil
}

// Mkdir creates the directory named by path.
func (a *AttachPoint) Mkdir(path string, mode uint32) error {
	if a.conf.ReadOnly {
		return unix.EROFS
	}
	h, name, err := a.parent(path)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := unix.Mkdirat(h.FD(), name, mode); err != nil {
		return extractErrno(err)
	}
	return nil
}

// Symlink creates a symlink named by path pointing at target. The link
// itself lives inside the share; it is inert until a client tries to walk
// through it, at which point the walk rejects it.
func (a *AttachPoint) Symlink(target, path string) error {
	if a.conf.ReadOnly {
		return unix.EROFS
	}
	h, name, err := a.parent(path)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := unix.Symlinkat(target, h.FD(), name); err != nil {
		return extractErrno(err)
	}
	return nil
}

// Unlink removes path's leaf. dir selects rmdir semantics.
func (a *AttachPoint) Unlink(path string, dir bool) error {
	if a.conf.ReadOnly {
		return unix.EROFS
	}
	h, name, err := a.parent(path)
	if err != nil {
		return err
	}
	defer h.Close()
	var flags int
	if dir {
		flags = unix.AT_REMOVEDIR
	}
	if err := unix.Unlinkat(h.FD(), name, flags); err != nil {
		return extractErrno(err)
	}
	return nil
}

// Rename moves oldPath's leaf to newPath. Both parents are resolved
// through the safe walk; the leaves themselves are not opened.
func (a *AttachPoint) Rename(oldPath, newPath string) error {
	if a.conf.ReadOnly {
		return unix.EROFS
	}
	oldDir, oldName, err := a.parent(oldPath)
	if err != nil {
		return err
	}
	cu := cleanup.Make(func() { oldDir.Close() })
	defer cu.Clean()

	newDir, newName, err := a.parent(newPath)
	if err != nil {
		return err
	}
	cu.Add(func() { newDir.Close() })

	if err := unix.Renameat(oldDir.FD(), oldName, newDir.FD(), newName); err != nil {
		return extractErrno(err)
	}
	return nil
}

// Stat returns the leaf's attributes without following a symlink leaf.
func (a *AttachPoint) Stat(path string) (unix.Stat_t, error) {
	cleaned, err := pathname.Clean(path)
	if err != nil {
		return unix.Stat_t{}, extractErrno(err)
	}

	var stat unix.Stat_t
	if cleaned == "" {
		if err := unix.Fstat(a.root.FD(), &stat); err != nil {
			return unix.Stat_t{}, extractErrno(err)
		}
		return stat, nil
	}

	h, name, err := a.parent(cleaned)
	if err != nil {
		return unix.Stat_t{}, err
	}
	defer h.Close()
	if err := unix.Fstatat(h.FD(), name, &stat, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return unix.Stat_t{}, extractErrno(err)
	}
	return stat, nil
}

// Readlink reads the target of a symlink leaf. The link is read through
// its parent handle; the link itself is never followed.
func (a *AttachPoint) Readlink(path string) (string, error) {
	h, name, err := a.parent(path)
	if err != nil {
		return "", err
	}
	defer h.Close()

	// Grow the buffer until the target fits, with an upper bound.
	for size := 128; size < 1024*1024; size *= 2 {
		b := make([]byte, size)
		n, err := unix.Readlinkat(h.FD(), name, b)
		if err != nil {
			return "", extractErrno(err)
		}
		if n < size {
			return string(b[:n]), nil
		}
	}
	return "", unix.ENOMEM
}

// Readdir lists the names in the directory named by path.
func (a *AttachPoint) Readdir(path string) ([]string, error) {
	h, err := a.Open(path, unix.O_RDONLY|unix.O_DIRECTORY)
	if err != nil {
		return nil, err
	}

	// Readdirnames needs an os.File; hand it ownership of the handle.
	f := h.ReleaseToFile(path)
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, extractErrno(err)
	}
	return names, nil
}

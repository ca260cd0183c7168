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

package safewalk

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/shareroot/shareroot/pkg/fd"
)

func openRoot(t *testing.T, dir string) *fd.FD {
	t.Helper()
	root, err := fd.Open(dir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("opening root %q: %v", dir, err)
	}
	t.Cleanup(func() { root.Close() })
	return root
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0755); err != nil {
		t.Fatalf("MkdirAll(%q): %v", path, err)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile(%q): %v", path, err)
	}
}

func sameFile(t *testing.T, h *fd.FD, path string) bool {
	t.Helper()
	var hs unix.Stat_t
	if err := unix.Fstat(h.FD(), &hs); err != nil {
		t.Fatalf("fstat handle: %v", err)
	}
	var ps unix.Stat_t
	if err := unix.Lstat(path, &ps); err != nil {
		t.Fatalf("lstat %q: %v", path, err)
	}
	return hs.Dev == ps.Dev && hs.Ino == ps.Ino
}

func openFDs(t *testing.T) int {
	t.Helper()
	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatalf("reading /proc/self/fd: %v", err)
	}
	return len(ents)
}

func assertPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("function did not panic")
		}
	}()
	f()
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "a", "b"))
	mustWriteFile(t, filepath.Join(dir, "a", "b", "c"), "payload")
	root := openRoot(t, dir)

	h, err := Resolve(root, "a/b/c", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Resolve(a/b/c) failed: %v", err)
	}
	defer h.Close()

	if !sameFile(t, h, filepath.Join(dir, "a", "b", "c")) {
		t.Errorf("handle does not denote a/b/c")
	}
	buf := make([]byte, 7)
	if _, err := h.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "payload" {
		t.Errorf("read %q, want %q", buf, "payload")
	}
}

func TestResolveSingleSegment(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "leaf"), "")
	root := openRoot(t, dir)

	h, err := Resolve(root, "leaf", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Resolve(leaf) failed: %v", err)
	}
	defer h.Close()
	if !sameFile(t, h, filepath.Join(dir, "leaf")) {
		t.Errorf("handle does not denote leaf")
	}
}

func TestResolveDirectoryLeaf(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "a", "b"))
	root := openRoot(t, dir)

	h, err := Resolve(root, "a/b", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		t.Fatalf("Resolve(a/b) failed: %v", err)
	}
	defer h.Close()
	if !sameFile(t, h, filepath.Join(dir, "a", "b")) {
		t.Errorf("handle does not denote a/b")
	}
}

func TestResolveEmptyPath(t *testing.T) {
	dir := t.TempDir()
	root := openRoot(t, dir)

	h, err := Resolve(root, "", 0, 0)
	if err != nil {
		t.Fatalf("Resolve of empty path failed: %v", err)
	}
	defer h.Close()
	if !sameFile(t, h, dir) {
		t.Errorf("handle does not denote the root")
	}
	if h.FD() == root.FD() {
		t.Errorf("handle aliases the trusted descriptor instead of a duplicate")
	}
}

func TestResolveCreate(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "a"))
	root := openRoot(t, dir)

	h, err := Resolve(root, "a/new", unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL, 0640)
	if err != nil {
		t.Fatalf("Resolve with O_CREAT failed: %v", err)
	}
	defer h.Close()

	fi, err := os.Stat(filepath.Join(dir, "a", "new"))
	if err != nil {
		t.Fatalf("created file missing: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0640 {
		t.Errorf("created file has mode %o, want 0640", perm)
	}
}

func TestLeafSymlink(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "target"), "secret")
	if err := os.Symlink("target", filepath.Join(dir, "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	root := openRoot(t, dir)

	if _, err := Resolve(root, "link", unix.O_RDONLY, 0); err != unix.ELOOP {
		t.Errorf("Resolve(link) returned %v, want ELOOP", err)
	}
}

func TestLeafSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "outside")
	mustWriteFile(t, outside, "secret")
	if err := os.Symlink(outside, filepath.Join(dir, "evil")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	root := openRoot(t, dir)

	if _, err := Resolve(root, "evil", unix.O_RDONLY, 0); err != unix.ELOOP {
		t.Errorf("Resolve(evil) returned %v, want ELOOP", err)
	}
}

func TestInteriorSymlink(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "real"))
	mustWriteFile(t, filepath.Join(dir, "real", "c"), "")
	if err := os.Symlink("real", filepath.Join(dir, "evil")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	root := openRoot(t, dir)

	_, err := Resolve(root, "evil/c", unix.O_RDONLY, 0)
	if err != unix.ENOTDIR && err != unix.ELOOP {
		t.Errorf("Resolve(evil/c) returned %v, want ENOTDIR or ELOOP", err)
	}
}

func TestInteriorNotADirectory(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "file"), "")
	root := openRoot(t, dir)

	if _, err := Resolve(root, "file/c", unix.O_RDONLY, 0); err != unix.ENOTDIR {
		t.Errorf("Resolve(file/c) returned %v, want ENOTDIR", err)
	}
}

func TestNotFoundErrno(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "a"))
	root := openRoot(t, dir)

	if _, err := Resolve(root, "a/missing", unix.O_RDONLY, 0); err != unix.ENOENT {
		t.Errorf("Resolve(a/missing) returned %v, want ENOENT", err)
	}
	if _, err := Resolve(root, "missing/leaf", unix.O_RDONLY, 0); err != unix.ENOENT {
		t.Errorf("Resolve(missing/leaf) returned %v, want ENOENT", err)
	}
}

func TestFifoLeafDoesNotHang(t *testing.T) {
	dir := t.TempDir()
	fifo := filepath.Join(dir, "pipe")
	if err := unix.Mkfifo(fifo, 0644); err != nil {
		t.Fatalf("Mkfifo: %v", err)
	}
	root := openRoot(t, dir)

	// Opening a FIFO read-only with no writer must return promptly; the
	// test hangs here if the transient O_NONBLOCK guard is missing.
	h, err := Resolve(root, "pipe", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Resolve(pipe) failed: %v", err)
	}
	defer h.Close()

	// The transient guard must be cleared: caller asked for blocking.
	flags, err := h.StatusFlags()
	if err != nil {
		t.Fatalf("StatusFlags: %v", err)
	}
	if flags&unix.O_NONBLOCK != 0 {
		t.Errorf("O_NONBLOCK leaked into the returned handle, flags: %#x", flags)
	}
}

func TestFifoLeafNonblockRequested(t *testing.T) {
	dir := t.TempDir()
	fifo := filepath.Join(dir, "pipe")
	if err := unix.Mkfifo(fifo, 0644); err != nil {
		t.Fatalf("Mkfifo: %v", err)
	}
	root := openRoot(t, dir)

	h, err := Resolve(root, "pipe", unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Resolve(pipe, O_NONBLOCK) failed: %v", err)
	}
	defer h.Close()

	flags, err := h.StatusFlags()
	if err != nil {
		t.Fatalf("StatusFlags: %v", err)
	}
	if flags&unix.O_NONBLOCK == 0 {
		t.Errorf("requested O_NONBLOCK was stripped from the returned handle")
	}
}

func TestRootUntouched(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "leaf"), "")
	root := openRoot(t, dir)
	before := root.FD()

	if h, err := Resolve(root, "leaf", unix.O_RDONLY, 0); err != nil {
		t.Fatalf("Resolve(leaf) failed: %v", err)
	} else {
		h.Close()
	}
	if _, err := Resolve(root, "missing", unix.O_RDONLY, 0); err != unix.ENOENT {
		t.Fatalf("Resolve(missing) returned %v, want ENOENT", err)
	}

	if root.FD() != before {
		t.Errorf("trusted descriptor changed from %d to %d", before, root.FD())
	}
	var stat unix.Stat_t
	if err := unix.Fstat(root.FD(), &stat); err != nil {
		t.Errorf("trusted descriptor unusable after walks: %v", err)
	}
}

func TestNoDescriptorLeak(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "a", "b"))
	mustWriteFile(t, filepath.Join(dir, "a", "b", "c"), "")
	if err := os.Symlink("c", filepath.Join(dir, "a", "b", "link")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	root := openRoot(t, dir)

	before := openFDs(t)
	for i := 0; i < 16; i++ {
		if _, err := Resolve(root, "a/b/missing", unix.O_RDONLY, 0); err != unix.ENOENT {
			t.Fatalf("Resolve(a/b/missing) returned %v, want ENOENT", err)
		}
		if _, err := Resolve(root, "a/b/link", unix.O_RDONLY, 0); err != unix.ELOOP {
			t.Fatalf("Resolve(a/b/link) returned %v, want ELOOP", err)
		}
		if _, err := Resolve(root, "nope/b/c", unix.O_RDONLY, 0); err != unix.ENOENT {
			t.Fatalf("Resolve(nope/b/c) returned %v, want ENOENT", err)
		}
	}
	if after := openFDs(t); after != before {
		t.Errorf("descriptor count changed from %d to %d across failing walks", before, after)
	}
}

func TestPreconditionViolations(t *testing.T) {
	dir := t.TempDir()
	root := openRoot(t, dir)

	for _, path := range []string{"/etc/passwd", "a//b"} {
		t.Run(fmt.Sprintf("path=%q", path), func(t *testing.T) {
			assertPanic(t, func() {
				Resolve(root, path, unix.O_RDONLY, 0)
			})
		})
	}
}

func TestResolveDir(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "a", "b"))
	root := openRoot(t, dir)

	h, err := ResolveDir(root, "a/b")
	if err != nil {
		t.Fatalf("ResolveDir(a/b) failed: %v", err)
	}
	defer h.Close()
	if !sameFile(t, h, filepath.Join(dir, "a", "b")) {
		t.Errorf("handle does not denote a/b")
	}

	// The handle must be usable as a base for relative opens.
	mustWriteFile(t, filepath.Join(dir, "a", "b", "c"), "")
	leaf, err := fd.OpenAt(h, "c", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("openat relative to traversal handle failed: %v", err)
	}
	leaf.Close()
}

func TestResolveDirRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "real"))
	if err := os.Symlink("real", filepath.Join(dir, "evil")); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	root := openRoot(t, dir)

	_, err := ResolveDir(root, "evil")
	if err != unix.ENOTDIR && err != unix.ELOOP {
		t.Errorf("ResolveDir(evil) returned %v, want ENOTDIR or ELOOP", err)
	}
}

func TestResolveDirRejectsFile(t *testing.T) {
	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "file"), "")
	root := openRoot(t, dir)

	if _, err := ResolveDir(root, "file"); err != unix.ENOTDIR {
		t.Errorf("ResolveDir(file) returned %v, want ENOTDIR", err)
	}
}

func TestLiteralEquivalence(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "x", "y", "z"))
	mustWriteFile(t, filepath.Join(dir, "x", "y", "z", "w"), "deep")
	root := openRoot(t, dir)

	for _, path := range []string{"x", "x/y", "x/y/z", "x/y/z/w"} {
		h, err := Resolve(root, path, unix.O_RDONLY, 0)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", path, err)
		}
		if !sameFile(t, h, filepath.Join(dir, path)) {
			t.Errorf("Resolve(%q) handle does not match the literal path", path)
		}
		h.Close()
	}
}

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

package server

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Op identifies a request type.
type Op uint32

// Supported operations.
const (
	OpOpen Op = iota + 1
	OpCreate
	OpMkdir
	OpUnlink
	OpRmdir
	OpStat
	OpReaddir
	OpReadlink
	OpRename
	OpSymlink
)

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpCreate:
		return "create"
	case OpMkdir:
		return "mkdir"
	case OpUnlink:
		return "unlink"
	case OpRmdir:
		return "rmdir"
	case OpStat:
		return "stat"
	case OpReaddir:
		return "readdir"
	case OpReadlink:
		return "readlink"
	case OpRename:
		return "rename"
	case OpSymlink:
		return "symlink"
	}
	return fmt.Sprintf("unknown(%d)", uint32(o))
}

// maxStringLen bounds every string carried in a request. Paths longer
// than the host's PATH_MAX cannot resolve anyway.
const maxStringLen = 4096

// reqHeaderLen is the fixed part of a request: op, flags, mode, and three
// string lengths.
const reqHeaderLen = 4 + 4 + 4 + 2 + 2 + 2

// Request is one client message. Path2 is the rename destination or
// symlink target; it is empty for all other ops.
type Request struct {
	Op    Op
	Flags uint32
	Mode  uint32
	Share string
	Path  string
	Path2 string
}

// EncodeRequest writes req to w in wire form.
func EncodeRequest(w io.Writer, req *Request) error {
	for _, s := range []string{req.Share, req.Path, req.Path2} {
		if len(s) > maxStringLen {
			return unix.ENAMETOOLONG
		}
	}
	buf := make([]byte, reqHeaderLen, reqHeaderLen+len(req.Share)+len(req.Path)+len(req.Path2))
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(req.Op))
	le.PutUint32(buf[4:], req.Flags)
	le.PutUint32(buf[8:], req.Mode)
	le.PutUint16(buf[12:], uint16(len(req.Share)))
	le.PutUint16(buf[14:], uint16(len(req.Path)))
	le.PutUint16(buf[16:], uint16(len(req.Path2)))
	buf = append(buf, req.Share...)
	buf = append(buf, req.Path...)
	buf = append(buf, req.Path2...)
	_, err := w.Write(buf)
	return err
}

// DecodeRequest reads one request from r. io.EOF is returned unchanged
// when the stream ends cleanly between messages.
func DecodeRequest(r io.Reader) (*Request, error) {
	hdr := make([]byte, reqHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("truncated request header")
		}
		return nil, err
	}
	le := binary.LittleEndian
	req := Request{
		Op:    Op(le.Uint32(hdr[0:])),
		Flags: le.Uint32(hdr[4:]),
		Mode:  le.Uint32(hdr[8:]),
	}
	shareLen := int(le.Uint16(hdr[12:]))
	pathLen := int(le.Uint16(hdr[14:]))
	path2Len := int(le.Uint16(hdr[16:]))
	if shareLen > maxStringLen || pathLen > maxStringLen || path2Len > maxStringLen {
		return nil, fmt.Errorf("request string too long")
	}
	body := make([]byte, shareLen+pathLen+path2Len)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("truncated request body: %w", err)
	}
	req.Share = string(body[:shareLen])
	req.Path = string(body[shareLen : shareLen+pathLen])
	req.Path2 = string(body[shareLen+pathLen:])
	return &req, nil
}

// respHeaderLen is the fixed part of a response: errno and payload length.
const respHeaderLen = 4 + 4

// Response is one server message. A donated descriptor, when present,
// rides as SCM_RIGHTS ancillary data on the same write.
type Response struct {
	Errno   uint32
	Payload []byte
}

// encodeResponse renders resp into a contiguous buffer.
func encodeResponse(resp *Response) []byte {
	buf := make([]byte, respHeaderLen, respHeaderLen+len(resp.Payload))
	le := binary.LittleEndian
	le.PutUint32(buf[0:], resp.Errno)
	le.PutUint32(buf[4:], uint32(len(resp.Payload)))
	return append(buf, resp.Payload...)
}

// DecodeResponse reads one response from r, not including any ancillary
// descriptor.
func DecodeResponse(r io.Reader) (*Response, error) {
	hdr := make([]byte, respHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	le := binary.LittleEndian
	resp := Response{Errno: le.Uint32(hdr[0:])}
	n := le.Uint32(hdr[4:])
	if n > 0 {
		resp.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, resp.Payload); err != nil {
			return nil, fmt.Errorf("truncated response payload: %w", err)
		}
	}
	return &resp, nil
}

// attrLen is the wire size of Attr.
const attrLen = 8 + 4 + 4 + 4 + 4 + 8 + 8 + 8

// Attr is the subset of stat(2) results reported to clients.
type Attr struct {
	Ino   uint64
	Mode  uint32
	Nlink uint32
	UID   uint32
	GID   uint32
	Size  int64
	Mtim  unix.Timespec
}

// EncodeAttr renders a to wire form.
func EncodeAttr(a *Attr) []byte {
	buf := make([]byte, attrLen)
	le := binary.LittleEndian
	le.PutUint64(buf[0:], a.Ino)
	le.PutUint32(buf[8:], a.Mode)
	le.PutUint32(buf[12:], a.Nlink)
	le.PutUint32(buf[16:], a.UID)
	le.PutUint32(buf[20:], a.GID)
	le.PutUint64(buf[24:], uint64(a.Size))
	le.PutUint64(buf[32:], uint64(a.Mtim.Sec))
	le.PutUint64(buf[40:], uint64(a.Mtim.Nsec))
	return buf
}

// DecodeAttr parses wire form produced by EncodeAttr.
func DecodeAttr(b []byte) (*Attr, error) {
	if len(b) != attrLen {
		return nil, fmt.Errorf("attr payload has %d bytes, want %d", len(b), attrLen)
	}
	le := binary.LittleEndian
	return &Attr{
		Ino:   le.Uint64(b[0:]),
		Mode:  le.Uint32(b[8:]),
		Nlink: le.Uint32(b[12:]),
		UID:   le.Uint32(b[16:]),
		GID:   le.Uint32(b[20:]),
		Size:  int64(le.Uint64(b[24:])),
		Mtim: unix.Timespec{
			Sec:  int64(le.Uint64(b[32:])),
			Nsec: int64(le.Uint64(b[40:])),
		},
	}, nil
}

// attrFromStat converts a host stat result.
func attrFromStat(stat *unix.Stat_t) *Attr {
	return &Attr{
		Ino:   stat.Ino,
		Mode:  stat.Mode,
		Nlink: uint32(stat.Nlink),
		UID:   stat.Uid,
		GID:   stat.Gid,
		Size:  stat.Size,
		Mtim:  stat.Mtim,
	}
}

// encodeNames renders a directory listing as NUL-separated names.
func encodeNames(names []string) []byte {
	var buf []byte
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	return buf
}

// DecodeNames parses a directory listing payload.
func DecodeNames(b []byte) []string {
	var names []string
	for len(b) > 0 {
		i := 0
		for i < len(b) && b[i] != 0 {
			i++
		}
		names = append(names, string(b[:i]))
		if i == len(b) {
			break
		}
		b = b[i+1:]
	}
	return names
}

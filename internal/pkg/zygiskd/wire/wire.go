// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package wire implements the length-prefixed framing and ancillary
// file-descriptor passing primitives spoken between zygiskd, the injected
// Zygisk library, and companion processes.
//
// Integers are deliberately encoded in host byte order: every peer involved
// in one conversation is the same architecture and the same process family
// running on one device, so there is no portability benefit to network byte
// order and every frame would otherwise pay a conversion cost for nothing.
package wire

import (
	"encoding/binary"
	"net"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// nativeEndian is resolved once based on the running architecture. Host byte
// order is not necessarily little-endian (it is on every Android target we
// ship for, but the check keeps this correct if that ever changes).
var nativeEndian binary.ByteOrder = func() binary.ByteOrder {
	var i uint16 = 1
	b := (*[2]byte)(unsafe.Pointer(&i))
	if b[0] == 1 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}()

const wordSize = unsafe.Sizeof(uintptr(0))

// ReadU8 reads one unsigned byte.
func ReadU8(c *net.UnixConn) (uint8, error) {
	var buf [1]byte
	if _, err := readFull(c, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteU8 writes one unsigned byte.
func WriteU8(c *net.UnixConn, v uint8) error {
	_, err := c.Write([]byte{v})
	return err
}

// ReadU32 reads one host-endian uint32.
func ReadU32(c *net.UnixConn) (uint32, error) {
	var buf [4]byte
	if _, err := readFull(c, buf[:]); err != nil {
		return 0, err
	}
	return nativeEndian.Uint32(buf[:]), nil
}

// WriteU32 writes one host-endian uint32.
func WriteU32(c *net.UnixConn, v uint32) error {
	var buf [4]byte
	nativeEndian.PutUint32(buf[:], v)
	_, err := c.Write(buf[:])
	return err
}

// ReadUsize reads one host-width unsigned integer (the native "usize").
func ReadUsize(c *net.UnixConn) (uint64, error) {
	buf := make([]byte, wordSize)
	if _, err := readFull(c, buf); err != nil {
		return 0, err
	}
	return decodeWord(buf), nil
}

// WriteUsize writes one host-width unsigned integer.
func WriteUsize(c *net.UnixConn, v uint64) error {
	buf := make([]byte, wordSize)
	encodeWord(buf, v)
	_, err := c.Write(buf)
	return err
}

// ReadString reads a native-width length prefix followed by that many bytes
// of UTF-8, with no terminator.
func ReadString(c *net.UnixConn) (string, error) {
	n, err := ReadUsize(c)
	if err != nil {
		return "", errors.Wrap(err, "reading string length")
	}
	buf := make([]byte, n)
	if _, err := readFull(c, buf); err != nil {
		return "", errors.Wrap(err, "reading string bytes")
	}
	return string(buf), nil
}

// WriteString writes a native-width length prefix followed by the string's
// UTF-8 bytes.
func WriteString(c *net.UnixConn, s string) error {
	if err := WriteUsize(c, uint64(len(s))); err != nil {
		return errors.Wrap(err, "writing string length")
	}
	_, err := c.Write([]byte(s))
	return err
}

// SendFD sends exactly one open file descriptor across c, alongside a single
// sentinel byte, using SCM_RIGHTS ancillary data.
func SendFD(c *net.UnixConn, fd int, sentinel byte) error {
	rights := unix.UnixRights(fd)
	_, _, err := c.WriteMsgUnix([]byte{sentinel}, rights, nil)
	if err != nil {
		return errors.Wrap(err, "sending fd")
	}
	return nil
}

// RecvFD receives exactly one file descriptor plus its sentinel byte from c.
func RecvFD(c *net.UnixConn) (fd int, sentinel byte, err error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, rerr := c.ReadMsgUnix(buf, oob)
	if rerr != nil {
		return -1, 0, errors.Wrap(rerr, "receiving fd")
	}
	if n != 1 {
		return -1, 0, errors.New("receiving fd: short sentinel read")
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, 0, errors.Wrap(err, "parsing ancillary data")
	}
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], buf[0], nil
		}
	}
	return -1, 0, errors.New("receiving fd: no rights in ancillary data")
}

func readFull(c *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, errors.New("short read")
		}
		total += n
	}
	return total, nil
}

func decodeWord(buf []byte) uint64 {
	switch len(buf) {
	case 4:
		return uint64(nativeEndian.Uint32(buf))
	case 8:
		return nativeEndian.Uint64(buf)
	default:
		panic("wire: unsupported word size")
	}
}

func encodeWord(buf []byte, v uint64) {
	switch len(buf) {
	case 4:
		nativeEndian.PutUint32(buf, uint32(v))
	case 8:
		nativeEndian.PutUint64(buf, v)
	default:
		panic("wire: unsupported word size")
	}
}

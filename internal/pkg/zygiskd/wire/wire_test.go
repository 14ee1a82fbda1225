// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package wire

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	a, b, err := socketpairConns(t)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return a, b
}

// socketpairConns builds a connected pair of real Unix stream sockets (rather
// than net.Pipe, whose in-memory Conn is not a *net.UnixConn) since
// SendFD/RecvFD require SCM_RIGHTS, which only a genuine Unix socket supports.
func socketpairConns(t *testing.T) (*net.UnixConn, *net.UnixConn, error) {
	addr := filepath.Join(t.TempDir(), "wire-test.sock")
	ln, err := net.Listen("unix", addr)
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	acceptCh := make(chan *net.UnixConn, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- c.(*net.UnixConn)
	}()

	client, err := net.Dial("unix", addr)
	if err != nil {
		return nil, nil, err
	}
	select {
	case server := <-acceptCh:
		return client.(*net.UnixConn), server, nil
	case err := <-errCh:
		return nil, nil, err
	}
}

func TestU8RoundTrip(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	go func() { _ = WriteU8(a, 0xAB) }()
	v, err := ReadU8(b)
	if err != nil {
		t.Fatalf("ReadU8: %v", err)
	}
	if v != 0xAB {
		t.Errorf("got %x, want 0xAB", v)
	}
}

func TestU32RoundTrip(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	go func() { _ = WriteU32(a, 0xDEADBEEF) }()
	v, err := ReadU32(b)
	if err != nil {
		t.Fatalf("ReadU32: %v", err)
	}
	if v != 0xDEADBEEF {
		t.Errorf("got %x, want 0xDEADBEEF", v)
	}
}

func TestUsizeRoundTrip(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	const want = uint64(123456789)
	go func() { _ = WriteUsize(a, want) }()
	v, err := ReadUsize(b)
	if err != nil {
		t.Fatalf("ReadUsize: %v", err)
	}
	if v != want {
		t.Errorf("got %d, want %d", v, want)
	}
}

func TestStringRoundTrip(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	const want = "com.example.module"
	go func() { _ = WriteString(a, want) }()
	s, err := ReadString(b)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if s != want {
		t.Errorf("got %q, want %q", s, want)
	}
}

func TestStringRoundTripEmpty(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	go func() { _ = WriteString(a, "") }()
	s, err := ReadString(b)
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if s != "" {
		t.Errorf("got %q, want empty string", s)
	}
}

func TestSendRecvFD(t *testing.T) {
	a, b := socketPair(t)
	defer a.Close()
	defer b.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "wire-fd-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()

	const payload = "hello from the sealed side"
	if _, err := tmp.WriteString(payload); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}

	go func() {
		_ = SendFD(a, int(tmp.Fd()), 7)
	}()

	fd, sentinel, err := RecvFD(b)
	if err != nil {
		t.Fatalf("RecvFD: %v", err)
	}
	if sentinel != 7 {
		t.Errorf("sentinel = %d, want 7", sentinel)
	}

	received := os.NewFile(uintptr(fd), "received")
	defer received.Close()

	buf := make([]byte, len(payload))
	if _, err := received.ReadAt(buf, 0); err != nil {
		t.Fatalf("reading from received fd: %v", err)
	}
	if string(buf) != payload {
		t.Errorf("got %q, want %q", buf, payload)
	}
}

func TestDecodeEncodeWordRoundTrip(t *testing.T) {
	buf4 := make([]byte, 4)
	encodeWord(buf4, 42)
	if decodeWord(buf4) != 42 {
		t.Errorf("4-byte word round trip failed")
	}

	buf8 := make([]byte, 8)
	encodeWord(buf8, 1<<40)
	if decodeWord(buf8) != 1<<40 {
		t.Errorf("8-byte word round trip failed")
	}
}

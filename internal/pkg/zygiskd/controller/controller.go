// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package controller sends the daemon's one-shot lifecycle datagrams to an
// out-of-scope controller process over a Unix datagram socket, matching
// utils.rs's unix_datagram_sendto: the socket's SELinux creation context is
// set to the daemon's current context before sending, then restored
// afterward.
package controller

import (
	"encoding/binary"
	"os"

	"github.com/neozygisk/zygiskd/internal/pkg/androidutil"
	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
	"golang.org/x/sys/unix"
)

const restoredContext = "u:r:zygote:s0"

// Client sends lifecycle datagrams to path.
type Client struct {
	path string
}

// New returns a controller client bound to path. No connection is opened
// until the first Send call.
func New(path string) *Client {
	return &Client{path: path}
}

// Send transmits one int32 (host-endian) code as a datagram.
func (c *Client) Send(code int32) {
	if c.path == "" {
		return
	}

	if ctx, err := androidutil.GetCurrentContext(); err == nil {
		if err := androidutil.SetSocketCreateContext(ctx); err != nil {
			sylog.Debugf("controller: could not set socket-create context: %v", err)
		}
	}
	defer func() {
		if err := androidutil.SetSocketCreateContext(restoredContext); err != nil {
			sylog.Debugf("controller: could not restore socket-create context: %v", err)
		}
	}()

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		sylog.Warningf("controller: creating datagram socket: %v", err)
		return
	}
	f := os.NewFile(uintptr(fd), "controller-dgram")
	defer f.Close()

	addr := &unix.SockaddrUnix{Name: c.path}
	buf := make([]byte, 4)
	binary.NativeEndian.PutUint32(buf, uint32(code))

	if err := unix.Sendto(fd, buf, 0, addr); err != nil {
		sylog.Warningf("controller: sendto %s: %v", c.path, err)
	}
}

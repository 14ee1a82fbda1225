// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package companion

import (
	"net"
	"os"
	"path/filepath"

	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/wire"
	"github.com/pkg/errors"
)

// Serve implements the companion worker side of spec §4.E/§4.G: read the
// module name off the inherited control fd, decide whether this module ships
// a companion entrypoint, acknowledge, then loop accepting handed-off app
// connections for as long as the daemon keeps this process alive.
//
// Running the module's own native entrypoint against a handed-off app
// connection is out of scope (spec §1: "the in-process injected library...
// we specify only the wire protocol it must speak"); this worker only speaks
// that protocol and otherwise keeps the control channel open.
func Serve(ctrlFd int, modulesDir string) error {
	f := os.NewFile(uintptr(ctrlFd), "companion-ctrl")
	conn, err := net.FileConn(f)
	if err != nil {
		return errors.Wrap(err, "wrapping inherited control fd")
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return errors.New("inherited control fd is not a unix socket")
	}
	defer unixConn.Close()

	name, err := wire.ReadString(unixConn)
	if err != nil {
		return errors.Wrap(err, "reading module name")
	}

	entrypoint := filepath.Join(modulesDir, name, "zygisk", "companion")
	if _, statErr := os.Stat(entrypoint); statErr != nil {
		sylog.Infof("companion: module %s ships no companion entrypoint, declining", name)
		return wire.WriteU8(unixConn, 0)
	}

	sylog.Infof("companion: ready for module %s (entrypoint %s)", name, entrypoint)
	if err := wire.WriteU8(unixConn, 1); err != nil {
		return errors.Wrap(err, "writing handshake acceptance")
	}

	for {
		appFd, _, err := wire.RecvFD(unixConn)
		if err != nil {
			sylog.Debugf("companion: control channel closed for module %s: %v", name, err)
			return nil
		}

		// The module's native entrypoint would take over appFd here; that
		// execution is out of scope for this daemon. We acknowledge receipt
		// and release our reference.
		if err := wire.WriteU8(unixConn, 1); err != nil {
			closeFD(appFd)
			return errors.Wrap(err, "acknowledging handoff")
		}
		closeFD(appFd)
	}
}

func closeFD(fd int) {
	_ = os.NewFile(uintptr(fd), "handed-off-app-conn").Close()
}

// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package companion implements the per-module companion process registry:
// obtaining (spawning or reusing) a module's companion connection, and
// performing the FD handoff that brokers an app connection directly to it.
package companion

import (
	"net"
	"os"
	"os/exec"
	"strconv"

	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/module"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/wire"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CompanionArg is the hidden subcommand name cmd/zygiskd dispatches to a
// companion worker process (spec §4.G "companion <fd>").
const CompanionArg = "companion"

// Obtain returns a live companion connection for m, spawning one if none is
// cached or the cached one has died. The whole operation — cache check,
// liveness probe, spawn, handshake — runs under m's companion mutex so
// concurrent callers cooperate rather than racing independent spawns.
func Obtain(exePath string, m *module.Module) (*os.File, error) {
	mu := m.CompanionLock()
	mu.Lock()
	defer mu.Unlock()

	if f, _, ok := m.CompanionSocketLocked(); ok {
		if isAlive(f) {
			return f, nil
		}
		sylog.Debugf("module %s: cached companion is dead, respawning", m.Name)
		m.ClearCompanionSocketLocked()
	}

	f, pid, err := spawnAndHandshake(exePath, m)
	if err != nil {
		m.ClearCompanionSocketLocked()
		return nil, err
	}
	m.SetCompanionSocketLocked(f, pid)
	sylog.Infof("module %s: companion ready (pid=%d, spawn #%d)", m.Name, pid, m.SpawnCountLocked())
	return f, nil
}

// spawnAndHandshake forks a companion worker for m and performs the ready
// handshake over the retained socket end.
func spawnAndHandshake(exePath string, m *module.Module) (*os.File, int, error) {
	parentEnd, childEnd, err := socketPair()
	if err != nil {
		return nil, 0, errors.Wrap(err, "creating companion socket pair")
	}
	defer childEnd.Close()

	cmd := exec.Command(exePath, CompanionArg, "3")
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Stderr = os.Stderr
	cmd.Stdout = os.Stdout

	if err := cmd.Start(); err != nil {
		parentEnd.Close()
		return nil, 0, errors.Wrap(err, "spawning companion process")
	}

	// Companions outlive this call; reap asynchronously so they never
	// zombie once they eventually exit (spec's companions are not reaped by
	// the daemon's request-handling path).
	go func() { _ = cmd.Wait() }()

	uc, err := net.FileConn(parentEnd)
	parentEnd.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, 0, errors.Wrap(err, "wrapping companion socket")
	}
	unixConn, ok := uc.(*net.UnixConn)
	if !ok {
		uc.Close()
		_ = cmd.Process.Kill()
		return nil, 0, errors.New("companion socket is not a unix connection")
	}

	if err := wire.WriteString(unixConn, m.Name); err != nil {
		unixConn.Close()
		_ = cmd.Process.Kill()
		return nil, 0, errors.Wrap(err, "sending module name to companion")
	}

	status, err := wire.ReadU8(unixConn)
	if err != nil {
		unixConn.Close()
		_ = cmd.Process.Kill()
		return nil, 0, errors.Wrap(err, "reading companion handshake status")
	}
	if status == 0 {
		unixConn.Close()
		return nil, 0, errors.Errorf("companion for module %s declined to start", m.Name)
	}

	f, err := unixConn.File()
	unixConn.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, 0, errors.Wrap(err, "duplicating companion socket fd")
	}

	return f, cmd.Process.Pid, nil
}

// socketPair creates a connected pair of Unix stream sockets for the daemon
// and the about-to-be-spawned companion, returning them as *os.File so one
// end can be passed via exec.Cmd.ExtraFiles.
func socketPair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	parent = os.NewFile(uintptr(fds[0]), "companion-parent")
	child = os.NewFile(uintptr(fds[1]), "companion-child")
	return parent, child, nil
}

// isAlive reports whether a companion socket is still usable: dead iff the
// *os.File has already been closed or a non-blocking poll reports HUP, ERR,
// or NVAL; an idle socket with no pending data is considered alive.
func isAlive(f *os.File) bool {
	fd := int32(f.Fd())
	if fd < 0 {
		// A closed *os.File reports fd -1, which poll(2) would silently skip.
		return false
	}
	pfd := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 0)
	if err != nil {
		return false
	}
	if n == 0 {
		return true
	}
	bad := unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
	return pfd[0].Revents&int16(bad) == 0
}

// Handoff sends appConn (an app's connection fd) to m's companion socket
// together with the one-byte sentinel, then reads back the companion's
// accept/decline byte.
func Handoff(companionSocket *os.File, appConnFd int) (accepted bool, err error) {
	conn, err := net.FileConn(companionSocket)
	if err != nil {
		return false, errors.Wrap(err, "wrapping companion socket")
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return false, errors.New("companion socket is not a unix connection")
	}
	defer unixConn.Close()

	if err := wire.SendFD(unixConn, appConnFd, 1); err != nil {
		return false, errors.Wrap(err, "handing off app connection fd")
	}

	status, err := wire.ReadU8(unixConn)
	if err != nil {
		return false, errors.Wrap(err, "reading handoff acknowledgement")
	}
	return status != 0, nil
}

// ParseFD parses the "companion <fd>" argument given to a companion worker
// process.
func ParseFD(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid companion fd argument %q", s)
	}
	return n, nil
}

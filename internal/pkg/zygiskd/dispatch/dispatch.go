// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package dispatch implements the per-ABI request listener and the
// per-connection action demultiplexer described in spec §4.F.
package dispatch

import (
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/neozygisk/zygiskd/internal/pkg/androidutil"
	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/companion"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/module"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/mountns"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/protocol"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/rootimpl"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/wire"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const socketContext = "u:object_r:zygisk_file:s0"
const listenBacklog = 10

// Server owns the listening socket for one ABI and the shared state the
// dispatcher consults: the module catalog, the mount-namespace cache, and
// the path to this binary (for spawning companions).
type Server struct {
	ExePath    string
	ModulesDir string
	Catalog    *module.Catalog
	Namespaces *mountns.Manager
}

// ListenAndServe binds a Unix stream socket at path, sets its SELinux file
// context, and accepts connections until the listener is closed. Each
// accepted connection is handled on its own goroutine (spec §4.F: "each
// accepted connection is handled in its own thread of execution").
func (s *Server) ListenAndServe(path string) error {
	l, err := bindListener(path)
	if err != nil {
		return err
	}
	defer l.Close()

	sylog.Infof("listening on %s", path)
	for {
		conn, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}
		go s.handleConnection(uc)
	}
}

// bindListener creates the listening socket with a raw unix.Bind/Listen pair
// (rather than net.ListenUnix, whose backlog is not caller-controlled) so
// the backlog of 10 in spec §4.F is explicit, then sets its SELinux file
// context and wraps it as a *net.UnixListener for the accept loop.
func bindListener(path string) (*net.UnixListener, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "creating socket")
	}
	sa := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "binding socket %s", path)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "listening on socket %s", path)
	}

	if err := androidutil.Chcon(path, socketContext); err != nil {
		sylog.Warningf("could not set SELinux context on %s: %v", path, err)
	}

	f := os.NewFile(uintptr(fd), path)
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, errors.Wrap(err, "wrapping listener fd")
	}
	l, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return nil, errors.New("listener fd is not a unix socket")
	}
	return l, nil
}

// handleConnection processes exactly one action then closes the connection,
// except for ReadModules and RequestCompanionSocket, which may send
// additional FDs as part of their single response (spec §4.F).
func (s *Server) handleConnection(c *net.UnixConn) {
	defer c.Close()

	actionByte, err := wire.ReadU8(c)
	if err != nil {
		return
	}
	action := protocol.Action(actionByte)
	if !action.Valid() {
		sylog.Debugf("closing connection: unrecognized action %d", actionByte)
		return
	}

	if err := s.dispatch(c, action); err != nil {
		sylog.Errorf("action %d failed: %v", action, err)
	}
}

func (s *Server) dispatch(c *net.UnixConn, action protocol.Action) error {
	switch action {
	case protocol.PingHeartbeat:
		return nil
	case protocol.GetProcessFlags:
		return s.handleGetProcessFlags(c)
	case protocol.CacheMountNamespace:
		return s.handleCacheMountNamespace(c)
	case protocol.UpdateMountNamespace:
		return s.handleUpdateMountNamespace(c)
	case protocol.ReadModules:
		return s.handleReadModules(c)
	case protocol.RequestCompanionSocket:
		return s.handleRequestCompanionSocket(c)
	case protocol.GetModuleDir:
		return s.handleGetModuleDir(c)
	case protocol.ZygoteRestart:
		return s.handleZygoteRestart(c)
	case protocol.SystemServerStarted:
		sylog.Infof("system_server started")
		return nil
	default:
		return errors.Errorf("unhandled action %d", action)
	}
}

func (s *Server) handleGetProcessFlags(c *net.UnixConn) error {
	uid, err := wire.ReadU32(c)
	if err != nil {
		return errors.Wrap(err, "reading uid")
	}

	flags := s.processFlagsFor(uid)
	return wire.WriteU32(c, uint32(flags))
}

func (s *Server) processFlagsFor(uid uint32) protocol.ProcessFlags {
	probe := rootimpl.Get()
	var flags protocol.ProcessFlags

	switch probe.Impl {
	case rootimpl.APatch:
		flags |= protocol.RootIsAPatch
	case rootimpl.KernelSU:
		flags |= protocol.RootIsKSU
	case rootimpl.Magisk:
		flags |= protocol.RootIsMagisk
	}

	if probe.ManagerUID >= 0 && int(uid) == probe.ManagerUID {
		flags |= protocol.IsManager
	}
	if oracleGrantedRoot(uid) {
		flags |= protocol.GrantedRoot
	}
	if oracleOnDenylist(uid) {
		flags |= protocol.OnDenylist
	}
	return flags
}

func (s *Server) handleCacheMountNamespace(c *net.UnixConn) error {
	kindByte, err := wire.ReadU8(c)
	if err != nil {
		return errors.Wrap(err, "reading namespace kind")
	}
	pid, err := wire.ReadU32(c)
	if err != nil {
		return errors.Wrap(err, "reading anchor pid")
	}
	kind, err := mountns.KindFromByte(kindByte)
	if err != nil {
		return err
	}
	_, err = s.Namespaces.Ensure(kind, int(int32(pid)))
	return err
}

func (s *Server) handleUpdateMountNamespace(c *net.UnixConn) error {
	kindByte, err := wire.ReadU8(c)
	if err != nil {
		return errors.Wrap(err, "reading namespace kind")
	}
	kind, err := mountns.KindFromByte(kindByte)
	if err != nil {
		return err
	}

	fd, ok := s.Namespaces.Get(kind)
	if !ok {
		fd, err = s.Namespaces.Ensure(kind, 1)
		if err != nil {
			return errors.Wrap(err, "synthesizing namespace fd")
		}
	}
	return mountns.SwitchCurrentThreadInto(fd)
}

func (s *Server) handleReadModules(c *net.UnixConn) error {
	if err := wire.WriteUsize(c, uint64(len(s.Catalog.Modules))); err != nil {
		return errors.Wrap(err, "writing module count")
	}
	for _, m := range s.Catalog.Modules {
		if err := wire.WriteString(c, m.Name); err != nil {
			return errors.Wrapf(err, "writing module name %s", m.Name)
		}
		if err := wire.SendFD(c, m.Memfd, 0); err != nil {
			return errors.Wrapf(err, "sending memfd for module %s", m.Name)
		}
	}
	return nil
}

func (s *Server) handleRequestCompanionSocket(c *net.UnixConn) error {
	idx, err := wire.ReadUsize(c)
	if err != nil {
		return errors.Wrap(err, "reading module index")
	}
	m := s.Catalog.ByIndex(int(idx))
	if m == nil {
		return errors.Errorf("module index %d out of range", idx)
	}

	companionSocket, err := companion.Obtain(s.ExePath, m)
	if err != nil {
		sylog.Errorf("module %s: %v", m.Name, err)
		return wire.WriteU8(c, 0)
	}

	appConn, err := c.File()
	if err != nil {
		return errors.Wrap(err, "duplicating app connection fd")
	}
	defer appConn.Close()

	accepted, err := companion.Handoff(companionSocket, int(appConn.Fd()))
	if err != nil {
		sylog.Errorf("module %s: handoff failed: %v", m.Name, err)
		return wire.WriteU8(c, 0)
	}

	if accepted {
		return wire.WriteU8(c, 1)
	}
	return wire.WriteU8(c, 0)
}

func (s *Server) handleGetModuleDir(c *net.UnixConn) error {
	idx, err := wire.ReadUsize(c)
	if err != nil {
		return errors.Wrap(err, "reading module index")
	}
	m := s.Catalog.ByIndex(int(idx))
	if m == nil {
		return errors.Errorf("module index %d out of range", idx)
	}

	dirFd, err := unix.Open(m.Dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return errors.Wrapf(err, "opening module directory %s", m.Dir)
	}
	defer unix.Close(dirFd)

	return wire.SendFD(c, dirFd, 0)
}

func (s *Server) handleZygoteRestart(c *net.UnixConn) error {
	for _, m := range s.Catalog.Modules {
		mu := m.CompanionLock()
		mu.Lock()
		m.ClearCompanionSocketLocked()
		mu.Unlock()
	}
	sylog.Infof("zygote restart: cleared all cached companion sockets")
	return nil
}

// oracleGrantedRoot and oracleOnDenylist consult the active root solution's
// per-UID oracles by shelling to that solution's own CLI, the same
// external-tool idiom as androidutil.Chcon. This is out of scope (spec §1:
// detection of which root implementation is active, and its per-UID policy,
// is an external collaborator); these are the primitives the dispatcher
// calls.
func oracleGrantedRoot(uid uint32) bool {
	tool, args := rootOracleCommand(rootimpl.Get().Impl, "check", uid)
	if tool == "" {
		return false
	}
	return exec.Command(tool, args...).Run() == nil
}

func oracleOnDenylist(uid uint32) bool {
	tool, args := rootOracleCommand(rootimpl.Get().Impl, "denylist-check", uid)
	if tool == "" {
		return false
	}
	return exec.Command(tool, args...).Run() == nil
}

func rootOracleCommand(impl rootimpl.Impl, subcommand string, uid uint32) (string, []string) {
	uidStr := strconv.FormatUint(uint64(uid), 10)
	switch impl {
	case rootimpl.APatch:
		return "apd", []string{subcommand, uidStr}
	case rootimpl.KernelSU:
		return "ksud", []string{subcommand, uidStr}
	case rootimpl.Magisk:
		return "magisk", []string{"--" + subcommand, uidStr}
	default:
		return "", nil
	}
}

// is64Bit reports whether this binary was built for a 64-bit ABI, used to
// pick which cp*.sock path and controller codes apply.
func is64Bit() bool {
	switch runtime.GOARCH {
	case "arm64", "amd64":
		return true
	default:
		return false
	}
}

// Is64Bit exposes is64Bit for callers outside this package (cmd/zygiskd).
func Is64Bit() bool { return is64Bit() }

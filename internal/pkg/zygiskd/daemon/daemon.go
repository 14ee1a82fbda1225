// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package daemon wires the standalone components (root detection, module
// loading, the mount-namespace manager, and the per-ABI dispatcher) into the
// boot sequence and lifecycle notifications described in spec §4.G.
package daemon

import (
	"os"
	"path/filepath"

	"github.com/neozygisk/zygiskd/internal/pkg/buildcfg"
	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/controller"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/dispatch"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/module"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/mountns"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/protocol"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/rootimpl"
	"github.com/pkg/errors"
)

// Config carries the few paths a running daemon needs; everything else
// (ExePath, the ABI, the root probe, the module catalog) it derives at Run
// time.
type Config struct {
	// ModulesDir is the root of the on-disk module tree, normally
	// /data/adb/modules.
	ModulesDir string
	// SocketPath is the per-ABI control socket this daemon listens on
	// (spec's cp32.sock / cp64.sock convention).
	SocketPath string
	// ControllerPath is the datagram socket the lifecycle notifications are
	// sent to, or "" to disable them.
	ControllerPath string
}

// Run performs the one-shot boot sequence and then blocks serving requests
// until the listener fails. It never returns on success.
func Run(cfg Config) error {
	exePath, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "resolving own executable path")
	}

	is64 := dispatch.Is64Bit()
	zygoteInjected, daemonSetInfo, daemonSetErrorInfo, _ := protocol.ControllerCodes(is64)
	ctl := controller.New(cfg.ControllerPath)

	probe := rootimpl.Detect()
	if probe.Impl == rootimpl.None || probe.Impl == rootimpl.Multiple {
		sylog.Errorf("no usable root implementation detected (%s)", probe.Impl)
		ctl.Send(int32(daemonSetErrorInfo))
		return errors.Errorf("unusable root implementation: %s", probe.Impl)
	}
	sylog.Infof("zygiskd %s starting for %s (root impl %s v%d)", buildcfg.Version, archLabel(is64), probe.Impl, probe.Version)

	if err := os.MkdirAll(cfg.ModulesDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating modules directory %s", cfg.ModulesDir)
	}
	catalog, err := module.Load(cfg.ModulesDir)
	if err != nil {
		ctl.Send(int32(daemonSetErrorInfo))
		return errors.Wrap(err, "loading modules")
	}

	namespaces := mountns.NewManager()
	// Anchor both namespace captures on PID 1: the Root namespace is simply
	// init's own (root-implementation mounts intact), the Clean namespace is
	// a private copy of it with those mounts stripped (spec §4.C).
	if _, err := namespaces.Ensure(mountns.Root, 1); err != nil {
		sylog.Warningf("could not pre-cache root mount namespace: %v", err)
	}
	if _, err := namespaces.Ensure(mountns.Clean, 1); err != nil {
		sylog.Warningf("could not pre-cache clean mount namespace: %v", err)
	}

	srv := &dispatch.Server{
		ExePath:    exePath,
		ModulesDir: cfg.ModulesDir,
		Catalog:    catalog,
		Namespaces: namespaces,
	}

	ctl.Send(int32(daemonSetInfo))
	ctl.Send(int32(zygoteInjected))

	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o755); err != nil {
		return errors.Wrapf(err, "creating socket directory for %s", cfg.SocketPath)
	}

	return srv.ListenAndServe(cfg.SocketPath)
}

func archLabel(is64 bool) string {
	if is64 {
		return "64-bit"
	}
	return "32-bit"
}

// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package rootimpl probes the device for the active root implementation
// (APatch, KernelSU, Magisk) and its version, exposing the result as a
// read-only process-wide value once Detect has been called.
package rootimpl

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/neozygisk/zygiskd/internal/pkg/androidutil"
	"github.com/neozygisk/zygiskd/internal/pkg/buildcfg"
	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
)

// Impl is the tagged enum of root implementations.
type Impl int

const (
	None Impl = iota
	Multiple
	APatch
	KernelSU
	Magisk
)

func (i Impl) String() string {
	switch i {
	case None:
		return "None"
	case Multiple:
		return "Multiple"
	case APatch:
		return "APatch"
	case KernelSU:
		return "KernelSU"
	case Magisk:
		return "Magisk"
	default:
		return "Unknown"
	}
}

// Probe is the outcome of Detect: the active implementation, its version (0
// if not applicable), and the UID of the root manager app, when known.
type Probe struct {
	Impl       Impl
	Version    int
	ManagerUID int
}

// MarkerSource returns the mount-source string used to tag this
// implementation's bind mounts (mount.rs's root_source), or "" if this
// implementation does not tag mounts that way.
func (p Probe) MarkerSource() string {
	switch p.Impl {
	case APatch:
		return "APatch"
	case KernelSU:
		return "KSU"
	case Magisk:
		return "magisk"
	default:
		return ""
	}
}

var (
	once     sync.Once
	detected Probe
)

// Detect probes the device once and caches the result for Get. Safe to call
// more than once; only the first call does any work.
func Detect() Probe {
	once.Do(func() {
		detected = detect()
		sylog.Infof("detected root implementation: %s (version %d)", detected.Impl, detected.Version)
	})
	return detected
}

// Get returns the cached probe result. Detect must have been called first;
// before that it returns the zero value (None).
func Get() Probe {
	return detected
}

// detect classifies the device's root implementation by checking for marker
// paths and properties each root solution is known to install, gating the
// discovered version against the build-time compatibility window.
func detect() Probe {
	candidates := make([]Probe, 0, 1)

	if v, ok := apatchVersion(); ok {
		if v >= buildcfg.MinAPatchVersion {
			candidates = append(candidates, Probe{Impl: APatch, Version: v})
		} else {
			sylog.Warningf("APatch version %d below minimum supported %d", v, buildcfg.MinAPatchVersion)
		}
	}
	if v, ok := ksuVersion(); ok {
		if v >= buildcfg.MinKSUVersion && v <= buildcfg.MaxKSUVersion {
			candidates = append(candidates, Probe{Impl: KernelSU, Version: v})
		} else {
			sylog.Warningf("KernelSU version %d outside supported range [%d, %d]", v, buildcfg.MinKSUVersion, buildcfg.MaxKSUVersion)
		}
	}
	if v, ok := magiskVersion(); ok {
		if v >= buildcfg.MinMagiskVersion {
			candidates = append(candidates, Probe{Impl: Magisk, Version: v})
		} else {
			sylog.Warningf("Magisk version %d below minimum supported %d", v, buildcfg.MinMagiskVersion)
		}
	}

	switch len(candidates) {
	case 0:
		return Probe{Impl: None}
	case 1:
		p := candidates[0]
		p.ManagerUID = managerUID(p.Impl)
		return p
	default:
		return Probe{Impl: Multiple}
	}
}

// apatchVersion looks for the APatch marker binary and its reported version
// property.
func apatchVersion() (int, bool) {
	if _, err := os.Stat("/data/adb/ap/bin/apd"); err != nil {
		return 0, false
	}
	return propVersion("ro.apatch.version")
}

// ksuVersion looks for the KernelSU supervisor marker.
func ksuVersion() (int, bool) {
	if _, err := os.Stat("/data/adb/ksu"); err != nil {
		return 0, false
	}
	return propVersion("ro.ksu.version")
}

// magiskVersion looks for the Magisk manager marker.
func magiskVersion() (int, bool) {
	if _, err := os.Stat("/data/adb/magisk"); err != nil {
		return 0, false
	}
	return propVersion("ro.magisk.version.code")
}

func propVersion(prop string) (int, bool) {
	v := androidutil.GetProp(prop)
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, true
	}
	return n, true
}

// managerUID resolves the UID of the root manager application for the given
// implementation, used to satisfy GetProcessFlags' IS_MANAGER bit.
func managerUID(impl Impl) int {
	var pkg string
	switch impl {
	case APatch:
		pkg = "me.bmax.apatch"
	case KernelSU:
		pkg = "me.weishu.kernelsu"
	case Magisk:
		pkg = "com.topjohnwu.magisk"
	default:
		return -1
	}
	return androidutil.PackageUID(pkg)
}

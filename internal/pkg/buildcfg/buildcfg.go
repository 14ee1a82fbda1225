// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package buildcfg holds the handful of values the zygiskd daemon embeds at
// compile time: the version gates for each supported root implementation and
// the daemon's own version string. Production builds set these with linker
// flags, e.g.:
//
//	go build -ldflags "-X github.com/neozygisk/zygiskd/internal/pkg/buildcfg.rawMinAPatchVersion=10641 ..."
package buildcfg

import "strconv"

// These are string vars so they can be overridden with `-ldflags -X`; they
// are parsed once at package init into the typed constants below.
var (
	rawMinAPatchVersion = "10608"
	rawMinKSUVersion    = "10940"
	rawMaxKSUVersion    = "2147483647"
	rawMinMagiskVersion = "25207"
	rawVersion          = "dev"
)

// MinAPatchVersion is the minimum compatible version of APatch.
var MinAPatchVersion = mustAtoi(rawMinAPatchVersion)

// MinKSUVersion is the minimum compatible version of KernelSU.
var MinKSUVersion = mustAtoi(rawMinKSUVersion)

// MaxKSUVersion is the maximum compatible version of KernelSU.
var MaxKSUVersion = mustAtoi(rawMaxKSUVersion)

// MinMagiskVersion is the minimum compatible version of Magisk.
var MinMagiskVersion = mustAtoi(rawMinMagiskVersion)

// Version is the daemon's own build version string.
var Version = rawVersion

func mustAtoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		panic("buildcfg: invalid integer constant: " + s)
	}
	return v
}

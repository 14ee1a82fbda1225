// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package protocol defines the wire-level constants shared by the request
// dispatcher and its clients: the per-connection action codes, the
// ProcessFlags bitfield, and the controller datagram codes.
package protocol

// Action is the one-byte action code a client sends to open a request.
type Action uint8

const (
	PingHeartbeat Action = iota
	GetProcessFlags
	CacheMountNamespace
	UpdateMountNamespace
	ReadModules
	RequestCompanionSocket
	GetModuleDir
	ZygoteRestart
	SystemServerStarted
)

// Valid reports whether a is one of the defined action codes.
func (a Action) Valid() bool {
	return a <= SystemServerStarted
}

// ProcessFlags is the 32-bit bitfield returned by GetProcessFlags.
type ProcessFlags uint32

const (
	GrantedRoot ProcessFlags = 1 << 0
	OnDenylist  ProcessFlags = 1 << 1
	IsManager   ProcessFlags = 1 << 27
	RootIsAPatch ProcessFlags = 1 << 28
	RootIsKSU    ProcessFlags = 1 << 29
	RootIsMagisk ProcessFlags = 1 << 30
)

// ControllerCode identifies one of the one-shot lifecycle datagrams sent to
// the out-of-scope controller. Values differ by ABI so a 32-bit and 64-bit
// daemon can multiplex one controller socket.
type ControllerCode int32

// ControllerCodes returns the ABI-specific code set, matching
// original_source/zygiskd/src/constants.rs's lp_select! macro (32-bit values
// first, 64-bit second).
func ControllerCodes(is64Bit bool) (zygoteInjected, daemonSetInfo, daemonSetErrorInfo, systemServerStarted ControllerCode) {
	if is64Bit {
		return 4, 6, 8, 10
	}
	return 5, 7, 9, 10
}

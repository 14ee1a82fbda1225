// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package module enumerates Zygisk modules on disk, maps each one's native
// library into a sealed anonymous memory file, and tracks the per-module
// companion connection state.
package module

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// libraryNames maps GOARCH to the ABI-qualified library file a module
// ships, mirroring Zygisk's module.prop layout ("zygisk/<abi>.so").
var libraryNames = map[string]string{
	"arm":   "armeabi-v7a.so",
	"arm64": "arm64-v8a.so",
	"386":   "x86.so",
	"amd64": "x86_64.so",
}

// Module is one loaded module: its stable catalog identity is the index it
// occupies in Catalog.Modules, not its Name.
type Module struct {
	Name string
	// Memfd is an owned fd to a sealed anonymous file holding the module's
	// native library bytes for the current ABI. The backing *os.File is kept
	// alive in memfdFile for as long as the Module is reachable: os.NewFile
	// installs a finalizer that closes the descriptor once its *os.File is
	// collected, and Fd() alone does not disarm it, so the file must stay
	// referenced somewhere or the fd can be closed (and reused) out from
	// under the catalog.
	Memfd     int
	memfdFile *os.File
	// Dir is the module's on-disk directory, used to serve GetModuleDir.
	Dir string
	// CompanionPath is the on-disk companion entrypoint for this module, or
	// "" if the module ships none (original_source supplement: modules may
	// carry a "companion" binary alongside their library).
	CompanionPath string

	companionMu     sync.Mutex
	companionSocket *os.File
	companionPID    int
	spawnCount      int
}

// Catalog is the ordered, immutable-after-construction sequence of loaded
// modules.
type Catalog struct {
	Modules []*Module
}

// ByIndex returns the module at idx, or nil if out of range.
func (c *Catalog) ByIndex(idx int) *Module {
	if idx < 0 || idx >= len(c.Modules) {
		return nil
	}
	return c.Modules[idx]
}

// CompanionLock returns the module's companion mutex. Callers must hold it
// across the full obtain-companion critical section (cache check, spawn,
// handshake) before calling any of the *Locked accessors below, so a
// thundering herd of requests serializes into one spawn attempt.
func (m *Module) CompanionLock() *sync.Mutex {
	return &m.companionMu
}

// CompanionSocketLocked returns the cached companion socket and PID, if any.
// Caller must hold CompanionLock().
func (m *Module) CompanionSocketLocked() (*os.File, int, bool) {
	if m.companionSocket == nil {
		return nil, 0, false
	}
	return m.companionSocket, m.companionPID, true
}

// SetCompanionSocketLocked stores the companion socket and PID for this
// module, incrementing the diagnostic spawn counter. Caller must hold
// CompanionLock().
func (m *Module) SetCompanionSocketLocked(f *os.File, pid int) {
	m.companionSocket = f
	m.companionPID = pid
	m.spawnCount++
}

// ClearCompanionSocketLocked drops the cached companion socket without
// killing the companion process, used by both liveness-detected death and
// ZygoteRestart. Caller must hold CompanionLock().
func (m *Module) ClearCompanionSocketLocked() {
	if m.companionSocket != nil {
		m.companionSocket.Close()
	}
	m.companionSocket = nil
	m.companionPID = 0
}

// SpawnCountLocked returns the number of times a companion has been spawned
// for this module, for diagnostics only. Caller must hold CompanionLock().
func (m *Module) SpawnCountLocked() int {
	return m.spawnCount
}

// Load scans modulesDir for enabled modules carrying a library for the
// running ABI, seals each into an anonymous memfd, and returns the resulting
// catalog in stable (directory listing) order. A single module's failure is
// logged and that module is omitted; the daemon continues with the rest.
func Load(modulesDir string) (*Catalog, error) {
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading modules directory %s", modulesDir)
	}

	libName, ok := libraryNames[runtime.GOARCH]
	if !ok {
		return nil, errors.Errorf("unsupported ABI %s", runtime.GOARCH)
	}

	catalog := &Catalog{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		dir := filepath.Join(modulesDir, name)

		if _, err := os.Stat(filepath.Join(dir, "disable")); err == nil {
			sylog.Debugf("module %s: skipping (disabled)", name)
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, "remove")); err == nil {
			sylog.Debugf("module %s: skipping (marked for removal)", name)
			continue
		}

		libPath := filepath.Join(dir, "zygisk", libName)
		m, err := loadOne(name, dir, libPath)
		if err != nil {
			sylog.Warningf("module %s: %v", name, err)
			continue
		}
		catalog.Modules = append(catalog.Modules, m)
	}

	sylog.Infof("loaded %d module(s) for ABI %s", len(catalog.Modules), runtime.GOARCH)
	return catalog, nil
}

func loadOne(name, dir, libPath string) (*Module, error) {
	src, err := os.Open(libPath)
	if err != nil {
		return nil, errors.Wrap(err, "no library for this ABI")
	}
	defer src.Close()

	memfdFile, err := sealedMemfdFromFile(name, src)
	if err != nil {
		return nil, errors.Wrap(err, "creating sealed memfd")
	}

	companionPath := filepath.Join(dir, "zygisk", "companion")
	if _, err := os.Stat(companionPath); err != nil {
		companionPath = ""
	}

	return &Module{
		Name:          name,
		Memfd:         int(memfdFile.Fd()),
		memfdFile:     memfdFile,
		Dir:           dir,
		CompanionPath: companionPath,
	}, nil
}

// sealedMemfdFromFile copies src's contents into a new anonymous memfd and
// seals it against further writes, shrinks, grows, and seal changes, so that
// sharing it with a (potentially hostile) app process cannot corrupt the
// daemon's copy. The returned *os.File must be retained by the caller for as
// long as its fd is in use (see Module.memfdFile's doc comment).
func sealedMemfdFromFile(name string, src *os.File) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create")
	}
	dst := os.NewFile(uintptr(fd), name)

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return nil, errors.Wrap(err, "copying library bytes into memfd")
	}
	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		dst.Close()
		return nil, errors.Wrap(err, "rewinding memfd")
	}

	seals := unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE
	if _, err := unix.FcntlInt(dst.Fd(), unix.F_ADD_SEALS, seals); err != nil {
		dst.Close()
		return nil, errors.Wrap(err, "sealing memfd")
	}

	return dst, nil
}

// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package mountns captures, caches, and vends file descriptor handles to the
// Root and Clean mount namespaces, and switches the calling thread's mount
// namespace on demand.
//
// Handles are produced with a fork-and-pin trick. Because forking a
// multi-threaded Go process directly (via a raw fork(2)) only leaves the
// calling goroutine's thread alive in the child and is unsafe to use for
// anything beyond an immediate exec, the "fork" here is a self re-exec: the
// daemon launches a copy of its own binary in a hidden "nsholder" mode
// (internal/pkg/zygiskd/mountns.RunHolderChild, wired up from cmd/zygiskd).
// That child enters (and, for Clean, further unshares and cleans) the target
// namespace, signals readiness over an inherited pipe, and is killed once the
// parent has opened a durable /proc/<pid>/ns/mnt reference to it. This
// mirrors the teacher's privileged-helper spawn idiom (exec.Cmd + ExtraFiles,
// cf. internal/pkg/image/driver/squashfuse/driver.go) rather than attempting
// a bare fork(2) from Go.
package mountns

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
	"github.com/neozygisk/zygiskd/internal/pkg/zygiskd/rootimpl"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// HolderArg is the hidden subcommand name cmd/zygiskd dispatches to
// RunHolderChild.
const HolderArg = "nsholder"

// Kind identifies one of the two namespaces the manager tracks.
type Kind uint8

const (
	Clean Kind = iota
	Root
)

func (k Kind) String() string {
	if k == Clean {
		return "Clean"
	}
	return "Root"
}

// KindFromByte decodes the wire representation of a Kind.
func KindFromByte(b uint8) (Kind, error) {
	switch b {
	case 0:
		return Clean, nil
	case 1:
		return Root, nil
	default:
		return 0, errors.Errorf("invalid mount namespace kind: %d", b)
	}
}

// slot is a write-once cell: once fd is set (fd >= 0), it is never replaced.
// mu serializes concurrent callers so exactly one fork-and-pin happens per
// slot, rather than racing independent captures.
type slot struct {
	mu sync.Mutex
	fd int // -1 until populated
	// file keeps fd's backing *os.File reachable for as long as the slot is
	// populated. os.NewFile/os.Open install a finalizer that closes the
	// descriptor once the *os.File is garbage collected, and reading fd via
	// Fd() does not disarm it, so the pinned namespace fd must stay
	// referenced here or the GC can close it out from under the cache.
	file *os.File
}

// Manager caches the Clean and Root mount namespace file descriptors.
type Manager struct {
	clean slot
	root  slot
}

// NewManager returns an empty Manager; both slots are populated lazily.
func NewManager() *Manager {
	return &Manager{
		clean: slot{fd: -1},
		root:  slot{fd: -1},
	}
}

func (m *Manager) slotFor(kind Kind) *slot {
	if kind == Clean {
		return &m.clean
	}
	return &m.root
}

// Ensure returns the cached fd for kind, capturing it against anchorPid if
// this is the first call for that kind. Concurrent callers block on the same
// slot's mutex, so exactly one fork-and-pin occurs per slot.
func (m *Manager) Ensure(kind Kind, anchorPid int) (int, error) {
	s := m.slotFor(kind)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd >= 0 {
		return s.fd, nil
	}

	file, err := capture(kind, anchorPid)
	if err != nil {
		return -1, err
	}
	s.file = file
	s.fd = int(file.Fd())
	sylog.Infof("cached %s mount namespace as fd %d", kind, s.fd)
	return s.fd, nil
}

// Get returns the cached fd for kind without attempting to populate it, and
// whether it was present.
func (m *Manager) Get(kind Kind) (int, bool) {
	s := m.slotFor(kind)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fd < 0 {
		return -1, false
	}
	return s.fd, true
}

// SwitchCurrentThreadInto moves the calling OS thread into the mount
// namespace referred to by fd, preserving and restoring the working
// directory across the syscall, which otherwise clears it.
func SwitchCurrentThreadInto(fd int) error {
	cwd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "getting current working directory")
	}

	if err := unix.Setns(fd, unix.CLONE_NEWNS); err != nil {
		return errors.Wrap(err, "setns(CLONE_NEWNS)")
	}

	if err := os.Chdir(cwd); err != nil {
		return errors.Wrap(err, "restoring working directory after setns")
	}
	return nil
}

// switchIntoPidNamespace enters the mount namespace of an arbitrary anchor
// PID (as opposed to a pinned fd).
func switchIntoPidNamespace(pid int) error {
	path := fmt.Sprintf("/proc/%d/ns/mnt", pid)
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()
	return SwitchCurrentThreadInto(int(f.Fd()))
}

// capture runs the fork(-via-reexec)-sleep-pin algorithm described in
// spec §4.C. The returned *os.File must be retained by the caller for as
// long as its fd is cached (see slot.file's doc comment): letting it become
// unreachable would let the garbage collector close the pinned namespace fd.
func capture(kind Kind, anchorPid int) (*os.File, error) {
	exe, err := os.Executable()
	if err != nil {
		exe = "/proc/self/exe"
	}

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating synchronization pipe")
	}
	defer readEnd.Close()

	cmd := exec.Command(exe, HolderArg, strconv.Itoa(int(kind)), strconv.Itoa(anchorPid))
	cmd.ExtraFiles = []*os.File{writeEnd}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		writeEnd.Close()
		return nil, errors.Wrap(err, "spawning namespace holder")
	}
	writeEnd.Close() // parent's reference; the child keeps its inherited copy alive

	buf := make([]byte, 1)
	if _, err := readEnd.Read(buf); err != nil {
		killAndReap(cmd)
		return nil, errors.Wrap(err, "waiting for namespace holder readiness")
	}
	sylog.Debugf("namespace holder pid=%d finished setting up %s namespace", cmd.Process.Pid, kind)

	nsPath := fmt.Sprintf("/proc/%d/ns/mnt", cmd.Process.Pid)
	nsFile, err := os.Open(nsPath)
	if err != nil {
		killAndReap(cmd)
		return nil, errors.Wrapf(err, "opening %s", nsPath)
	}

	// The fd is now a durable reference to the namespace; the holder process
	// exiting no longer matters.
	killAndReap(cmd)

	return nsFile, nil
}

func killAndReap(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}

// RunHolderChild is the entry point for the "nsholder" hidden subcommand. It
// never returns on success: it enters the anchor's mount namespace,
// optionally unshares into a new private one and cleans it, signals
// readiness on fd 3 (the inherited pipe write end), and then blocks forever
// so the parent can pin the namespace via /proc/<pid>/ns/mnt before killing
// it.
func RunHolderChild(kind Kind, anchorPid int) {
	writeEnd := os.NewFile(3, "nsholder-pipe")
	if writeEnd == nil {
		os.Exit(1)
	}

	if err := switchIntoPidNamespace(anchorPid); err != nil {
		sylog.Errorf("nsholder: %v", err)
		os.Exit(1)
	}

	if kind == Clean {
		if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
			sylog.Errorf("nsholder: unshare(CLONE_NEWNS): %v", err)
			os.Exit(1)
		}
		if err := cleanMountNamespace(); err != nil {
			// Logged per-entry inside cleanMountNamespace; a hard failure
			// here still pins an (imperfectly cleaned) namespace rather than
			// aborting, matching spec §4.C's "failures are logged and do not
			// abort cleaning."
			sylog.Errorf("mount namespace cleaning encountered an error: %v", err)
		}
	}

	if _, err := writeEnd.Write([]byte{0}); err != nil {
		os.Exit(1)
	}

	for {
		time.Sleep(60 * time.Second)
	}
}

// mountEntry is the subset of /proc/self/mountinfo fields the cleaning
// policy needs.
type mountEntry struct {
	mountID    int
	root       string
	mountPoint string
	source     string
}

// cleanMountNamespace unmounts every root-implementation and module mount
// visible in the current (private) mount namespace, per spec §4.C's policy.
func cleanMountNamespace() error {
	entries, err := parseMountInfo("/proc/self/mountinfo")
	if err != nil {
		return errors.Wrap(err, "reading /proc/self/mountinfo")
	}

	probe := rootimpl.Get()
	markerSource := probe.MarkerSource()

	var ksuModuleSource string
	if probe.Impl == rootimpl.KernelSU {
		for _, e := range entries {
			if e.mountPoint == "/data/adb/modules" && strings.HasPrefix(e.source, "/dev/block/loop") {
				ksuModuleSource = e.source
				break
			}
		}
	}

	var targets []mountEntry
	for _, e := range entries {
		if shouldUnmount(e, markerSource, ksuModuleSource) {
			targets = append(targets, e)
		}
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].mountID > targets[j].mountID
	})

	for _, t := range targets {
		sylog.Debugf("unmounting %s (mnt_id: %d)", t.mountPoint, t.mountID)
		if err := unix.Unmount(t.mountPoint, unix.MNT_DETACH); err != nil {
			sylog.Warningf("failed to unmount %s: %v", t.mountPoint, err)
		}
	}
	return nil
}

// shouldUnmount decides whether a mountinfo entry is one this daemon installed
// (or the active root implementation installed), per spec §4.C: anything
// rooted under /adb/modules, anything mounted under /data/adb/modules, or
// anything whose source matches the root implementation's own mount-source
// marker or (KernelSU only) its detected module loop device.
func shouldUnmount(e mountEntry, markerSource, ksuModuleSource string) bool {
	return strings.HasPrefix(e.root, "/adb/modules") ||
		strings.HasPrefix(e.mountPoint, "/data/adb/modules") ||
		(markerSource != "" && e.source == markerSource) ||
		(ksuModuleSource != "" && e.source == ksuModuleSource)
}

// parseMountInfo parses the kernel's /proc/<pid>/mountinfo format (see
// proc(5)): fields up to the first "-" separator are positional, after which
// come the filesystem type, mount source, and super options.
func parseMountInfo(path string) ([]mountEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []mountEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		sepIdx := -1
		for i, f := range fields {
			if f == "-" {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 || sepIdx+2 >= len(fields) {
			continue
		}
		mountID, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		entries = append(entries, mountEntry{
			mountID:    mountID,
			root:       fields[3],
			mountPoint: fields[4],
			source:     fields[sepIdx+2],
		})
	}
	return entries, scanner.Err()
}

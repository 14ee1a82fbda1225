// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package androidutil wraps the handful of Android-specific primitives the
// core depends on: system property lookup, package UID resolution, and
// SELinux context get/set. Where no direct syscall exists we shell out to the
// platform tool, the same idiom the teacher uses for chcon(1) around mounted
// images (internal/pkg/image/driver/squashfuse).
package androidutil

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/neozygisk/zygiskd/internal/pkg/sylog"
	"golang.org/x/sys/unix"
)

// GetProp returns the value of an Android system property, or "" if it is
// unset or the getprop tool is unavailable.
func GetProp(name string) string {
	out, err := exec.Command("getprop", name).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// PackageUID resolves the UID that a package is installed under, by
// shelling to `pm list packages -U`. Returns -1 if not found.
func PackageUID(pkg string) int {
	out, err := exec.Command("pm", "list", "packages", "-U", pkg).Output()
	if err != nil {
		return -1
	}
	// Each line looks like: package:<name> uid:<uid>
	prefix := "package:" + pkg + " "
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		idx := strings.LastIndex(line, "uid:")
		if idx == -1 {
			continue
		}
		if uid, err := strconv.Atoi(strings.TrimSpace(line[idx+len("uid:"):])); err == nil {
			return uid
		}
	}
	return -1
}

// GetCurrentContext returns this process's current SELinux context.
func GetCurrentContext() (string, error) {
	b, err := os.ReadFile("/proc/self/attr/current")
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00\n"), nil
}

// SetSocketCreateContext sets the SELinux context that will be applied to
// sockets this thread creates, trying the modern thread-self path first and
// falling back to the per-task path for older kernels.
func SetSocketCreateContext(context string) error {
	if err := os.WriteFile("/proc/thread-self/attr/sockcreate", []byte(context), 0o200); err == nil {
		return nil
	}
	tid := unix.Gettid()
	path := fmt.Sprintf("/proc/self/task/%d/attr/sockcreate", tid)
	return os.WriteFile(path, []byte(context), 0o200)
}

// Chcon changes the SELinux context of path via the chcon(1) tool, the same
// external-binary fallback the teacher uses for platform operations with no
// direct Go syscall (cf. squashfuse/driver.go shelling to squashfuse).
func Chcon(path, context string) error {
	cmd := exec.Command("chcon", context, path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		sylog.Warningf("chcon %s %s failed: %v: %s", context, path, err, stderr.String())
		return err
	}
	return nil
}

// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package companion

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseFD(t *testing.T) {
	n, err := ParseFD("3")
	if err != nil {
		t.Fatalf("ParseFD(3): %v", err)
	}
	if n != 3 {
		t.Errorf("ParseFD(3) = %d, want 3", n)
	}

	if _, err := ParseFD("not-a-number"); err == nil {
		t.Errorf("expected error for non-numeric fd argument")
	}
}

func TestIsAliveOnOpenFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "isalive")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	// A plain regular-file fd never reports POLLHUP/POLLERR/POLLNVAL, so it
	// should read as alive even though it is not a socket.
	if !isAlive(f) {
		t.Errorf("expected regular file fd to be considered alive")
	}
}

func TestIsAliveOnClosedFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "isalive-closed")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := filepath.Join(f.Name())
	f.Close()

	dup, err := os.Open(path)
	if err != nil {
		t.Fatalf("reopening temp file: %v", err)
	}
	dup.Close()

	if isAlive(dup) {
		t.Errorf("expected closed fd to be considered dead")
	}
}

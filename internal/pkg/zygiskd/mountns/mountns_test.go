// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package mountns

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKindFromByte(t *testing.T) {
	cases := []struct {
		b    uint8
		want Kind
		ok   bool
	}{
		{0, Clean, true},
		{1, Root, true},
		{2, 0, false},
	}
	for _, c := range cases {
		got, err := KindFromByte(c.b)
		if c.ok && err != nil {
			t.Errorf("KindFromByte(%d): unexpected error %v", c.b, err)
		}
		if !c.ok && err == nil {
			t.Errorf("KindFromByte(%d): expected error", c.b)
		}
		if c.ok && got != c.want {
			t.Errorf("KindFromByte(%d) = %v, want %v", c.b, got, c.want)
		}
	}
}

func TestKindString(t *testing.T) {
	if Clean.String() != "Clean" {
		t.Errorf("Clean.String() = %q", Clean.String())
	}
	if Root.String() != "Root" {
		t.Errorf("Root.String() = %q", Root.String())
	}
}

func TestShouldUnmount(t *testing.T) {
	cases := []struct {
		name   string
		entry  mountEntry
		marker string
		ksu    string
		want   bool
	}{
		{
			name:  "adb module root",
			entry: mountEntry{root: "/adb/modules/foo", mountPoint: "/system/bin/foo"},
			want:  true,
		},
		{
			name:  "data adb modules mountpoint",
			entry: mountEntry{root: "/", mountPoint: "/data/adb/modules/bar"},
			want:  true,
		},
		{
			name:   "marker source match",
			entry:  mountEntry{root: "/", mountPoint: "/system/lib/libfoo.so", source: "KSU"},
			marker: "KSU",
			want:   true,
		},
		{
			name:  "ksu module loop device",
			entry: mountEntry{root: "/", mountPoint: "/system/lib/libbar.so", source: "/dev/block/loop7"},
			ksu:   "/dev/block/loop7",
			want:  true,
		},
		{
			name:  "unrelated mount",
			entry: mountEntry{root: "/", mountPoint: "/proc", source: "proc"},
			want:  false,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := shouldUnmount(c.entry, c.marker, c.ksu); got != c.want {
				t.Errorf("shouldUnmount() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestParseMountInfo(t *testing.T) {
	const sample = `22 28 0:20 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
25 28 0:21 / /data/adb/modules rw,relatime shared:10 - ext4 /dev/block/loop7 rw
26 28 0:22 /adb/modules/mymodule/system/bin/foo /system/bin/foo rw,relatime shared:11 - overlay overlay rw
`
	path := filepath.Join(t.TempDir(), "mountinfo")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	entries, err := parseMountInfo(path)
	if err != nil {
		t.Fatalf("parseMountInfo: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	if entries[1].mountPoint != "/data/adb/modules" || entries[1].source != "/dev/block/loop7" {
		t.Errorf("unexpected entry 1: %+v", entries[1])
	}
	if entries[2].root != "/adb/modules/mymodule/system/bin/foo" {
		t.Errorf("unexpected entry 2 root: %q", entries[2].root)
	}
	if entries[0].mountID != 22 {
		t.Errorf("entry 0 mountID = %d, want 22", entries[0].mountID)
	}
}

// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package module

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeModuleLib(t *testing.T, modulesDir, name string, extra ...string) {
	t.Helper()
	dir := filepath.Join(modulesDir, name, "zygisk")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	libName := libraryNames[runtime.GOARCH]
	if err := os.WriteFile(filepath.Join(dir, libName), []byte("fake-native-library"), 0o644); err != nil {
		t.Fatalf("writing fake library: %v", err)
	}
	for _, marker := range extra {
		if err := os.WriteFile(filepath.Join(modulesDir, name, marker), nil, 0o644); err != nil {
			t.Fatalf("writing marker %s: %v", marker, err)
		}
	}
}

func TestLoadSkipsDisabledAndRemoved(t *testing.T) {
	dir := t.TempDir()
	writeModuleLib(t, dir, "enabled-module")
	writeModuleLib(t, dir, "disabled-module", "disable")
	writeModuleLib(t, dir, "removed-module", "remove")

	catalog, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(catalog.Modules) != 1 {
		t.Fatalf("got %d modules, want 1: %+v", len(catalog.Modules), catalog.Modules)
	}
	if catalog.Modules[0].Name != "enabled-module" {
		t.Errorf("loaded module name = %q, want enabled-module", catalog.Modules[0].Name)
	}
}

func TestLoadSkipsModuleWithNoLibraryForABI(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "no-lib", "zygisk"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	catalog, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(catalog.Modules) != 0 {
		t.Fatalf("got %d modules, want 0", len(catalog.Modules))
	}
}

func TestLoadDetectsCompanionEntrypoint(t *testing.T) {
	dir := t.TempDir()
	writeModuleLib(t, dir, "with-companion")
	if err := os.WriteFile(filepath.Join(dir, "with-companion", "zygisk", "companion"), []byte("bin"), 0o755); err != nil {
		t.Fatalf("writing companion binary: %v", err)
	}
	writeModuleLib(t, dir, "without-companion")

	catalog, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	byName := map[string]*Module{}
	for _, m := range catalog.Modules {
		byName[m.Name] = m
	}

	if byName["with-companion"].CompanionPath == "" {
		t.Errorf("expected with-companion to have a CompanionPath")
	}
	if byName["without-companion"].CompanionPath != "" {
		t.Errorf("expected without-companion to have no CompanionPath, got %q", byName["without-companion"].CompanionPath)
	}
}

func TestCatalogByIndex(t *testing.T) {
	c := &Catalog{Modules: []*Module{{Name: "a"}, {Name: "b"}}}
	if m := c.ByIndex(1); m == nil || m.Name != "b" {
		t.Errorf("ByIndex(1) = %v, want module b", m)
	}
	if m := c.ByIndex(-1); m != nil {
		t.Errorf("ByIndex(-1) = %v, want nil", m)
	}
	if m := c.ByIndex(5); m != nil {
		t.Errorf("ByIndex(5) = %v, want nil", m)
	}
}

func TestSealedMemfdContentsAndSeals(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "lib.so")
	const content = "native library bytes"
	if err := os.WriteFile(srcPath, []byte(content), 0o644); err != nil {
		t.Fatalf("writing source library: %v", err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		t.Fatalf("opening source library: %v", err)
	}
	defer src.Close()

	f, err := sealedMemfdFromFile("lib.so", src)
	if err != nil {
		t.Fatalf("sealedMemfdFromFile: %v", err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("reading memfd: %v", err)
	}
	if string(got) != content {
		t.Errorf("memfd contents = %q, want %q", got, content)
	}

	if _, err := f.Write([]byte("x")); err == nil {
		t.Errorf("expected write to sealed memfd to fail")
	}
}

func TestModuleCompanionLockedAccessors(t *testing.T) {
	m := &Module{Name: "test"}
	mu := m.CompanionLock()
	mu.Lock()
	defer mu.Unlock()

	if _, _, ok := m.CompanionSocketLocked(); ok {
		t.Fatalf("expected no cached companion socket initially")
	}

	f, err := os.CreateTemp(t.TempDir(), "fake-socket")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	m.SetCompanionSocketLocked(f, 1234)

	got, pid, ok := m.CompanionSocketLocked()
	if !ok || got != f || pid != 1234 {
		t.Errorf("CompanionSocketLocked() = (%v, %d, %v), want (%v, 1234, true)", got, pid, ok, f)
	}
	if m.SpawnCountLocked() != 1 {
		t.Errorf("SpawnCountLocked() = %d, want 1", m.SpawnCountLocked())
	}

	m.ClearCompanionSocketLocked()
	if _, _, ok := m.CompanionSocketLocked(); ok {
		t.Errorf("expected no cached companion socket after Clear")
	}
}

// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sylog

import (
	"bytes"
	"strings"
	"testing"
)

func TestWritefRespectsLevel(t *testing.T) {
	old := SetWriter(nil)
	defer func() {
		SetWriter(old)
		loggerLevel = InfoLevel
	}()

	var buf bytes.Buffer
	SetWriter(&buf)

	SetLevel(int(WarnLevel), false)
	Infof("should not appear")
	if buf.Len() != 0 {
		t.Errorf("Infof logged at WarnLevel: %q", buf.String())
	}

	Warningf("should appear: %d", 42)
	if !strings.Contains(buf.String(), "should appear: 42") {
		t.Errorf("Warningf output missing message: %q", buf.String())
	}
}

func TestWritefIncludesLevelPrefix(t *testing.T) {
	old := SetWriter(nil)
	defer func() {
		SetWriter(old)
		loggerLevel = InfoLevel
	}()

	var buf bytes.Buffer
	SetWriter(&buf)
	SetLevel(int(InfoLevel), false)

	Infof("hello")
	if !strings.Contains(buf.String(), "INFO") {
		t.Errorf("expected INFO prefix in output, got %q", buf.String())
	}
}

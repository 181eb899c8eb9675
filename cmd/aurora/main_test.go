package main

import (
	"path/filepath"
	"testing"

	"github.com/stevedores-org/aurora/internal/beamfile"
)

// TestCmdInitWritesLoadableBeamfile guards against the starter template
// drifting out of sync with internal/beamfile's TOML shape (a table-of-
// tables keyed by name, not an array-of-tables with a name field).
func TestCmdInitWritesLoadableBeamfile(t *testing.T) {
	dir := t.TempDir()
	cmdInit(dir, "aurora.toml")

	bf, err := beamfile.LoadFile(filepath.Join(dir, "aurora.toml"))
	if err != nil {
		t.Fatalf("the file cmdInit wrote failed to load: %v", err)
	}
	if bf.DefaultBeam != "build" {
		t.Errorf("DefaultBeam = %q, want %q", bf.DefaultBeam, "build")
	}
	b, ok := bf.Beams["build"]
	if !ok {
		t.Fatal("expected a \"build\" beam")
	}
	if len(b.DependsOn) != 0 {
		t.Errorf("build.DependsOn = %v, want empty", b.DependsOn)
	}
}

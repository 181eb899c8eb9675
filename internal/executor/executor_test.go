package executor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stevedores-org/aurora/internal/beamfile"
	"github.com/stevedores-org/aurora/internal/events"
)

func newBeamfile(t *testing.T, dir string, beams map[string]beamfile.Beam, order []string, defaultBeam string) *beamfile.Beamfile {
	t.Helper()
	bf, err := beamfile.New(nil, order, beams, defaultBeam, dir)
	if err != nil {
		t.Fatalf("beamfile.New: %v", err)
	}
	return bf
}

type collectingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *collectingSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func TestRunSimpleChain(t *testing.T) {
	dir := t.TempDir()
	beams := map[string]beamfile.Beam{
		"a": {Name: "a", Run: beamfile.RunBlock{Commands: []string{"echo a"}, FailFast: true}},
		"b": {Name: "b", DependsOn: []string{"a"}, Run: beamfile.RunBlock{Commands: []string{"echo b"}, FailFast: true}},
	}
	bf := newBeamfile(t, dir, beams, []string{"a", "b"}, "b")

	report, err := New(bf, nil).Run(context.Background(), "b", RunOptions{MaxParallelism: 2, CacheEnabled: false})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed() {
		t.Fatal("expected the run to succeed")
	}
	for _, name := range []string{"a", "b"} {
		entry, ok := report.Get(name)
		if !ok {
			t.Fatalf("missing report entry for %q", name)
		}
		if entry.State != events.Succeeded {
			t.Errorf("%s.State = %v, want Succeeded", name, entry.State)
		}
	}
}

func TestRunCacheHitOnSecondRun(t *testing.T) {
	dir := t.TempDir()
	beams := map[string]beamfile.Beam{
		"build": {Name: "build", Run: beamfile.RunBlock{Commands: []string{"echo build"}, FailFast: true}},
	}
	bf := newBeamfile(t, dir, beams, []string{"build"}, "build")
	exec := New(bf, nil)

	first, err := exec.Run(context.Background(), "build", RunOptions{MaxParallelism: 1, CacheEnabled: true})
	if err != nil {
		t.Fatalf("Run (first): %v", err)
	}
	entry, _ := first.Get("build")
	if entry.CacheHit {
		t.Fatal("expected the first run to be a cache miss")
	}

	second, err := exec.Run(context.Background(), "build", RunOptions{MaxParallelism: 1, CacheEnabled: true})
	if err != nil {
		t.Fatalf("Run (second): %v", err)
	}
	entry, ok := second.Get("build")
	if !ok {
		t.Fatal("missing report entry")
	}
	if entry.State != events.Skipped || entry.Skip != events.SkipCached {
		t.Errorf("expected the second run to be skipped as cached, got state=%v skip=%v", entry.State, entry.Skip)
	}
}

func TestRunCacheCheckOnlyReportsFreshnessWithoutExecuting(t *testing.T) {
	dir := t.TempDir()
	beams := map[string]beamfile.Beam{
		"build": {Name: "build", Run: beamfile.RunBlock{Commands: []string{"echo build"}, FailFast: true}},
	}
	bf := newBeamfile(t, dir, beams, []string{"build"}, "build")
	exec := New(bf, nil)

	sink := &collectingSink{}

	before, err := exec.Run(context.Background(), "build", RunOptions{
		MaxParallelism: 1, DryRun: true, CacheCheckOnly: true, CacheEnabled: true, EventSink: sink,
	})
	if err != nil {
		t.Fatalf("Run (check before): %v", err)
	}
	entry, ok := before.Get("build")
	if !ok || entry.State != events.Succeeded || entry.CacheHit {
		t.Errorf("expected build to be reported as stale before any real run, got %+v", entry)
	}
	for _, e := range sink.events {
		if e.Kind == events.KindOutput {
			t.Error("CacheCheckOnly dry run must not execute any command")
		}
	}

	if _, err := exec.Run(context.Background(), "build", RunOptions{MaxParallelism: 1, CacheEnabled: true}); err != nil {
		t.Fatalf("Run (real): %v", err)
	}

	after, err := exec.Run(context.Background(), "build", RunOptions{
		MaxParallelism: 1, DryRun: true, CacheCheckOnly: true, CacheEnabled: true,
	})
	if err != nil {
		t.Fatalf("Run (check after): %v", err)
	}
	entry, ok = after.Get("build")
	if !ok || entry.State != events.Skipped || entry.Skip != events.SkipCached {
		t.Errorf("expected build to be reported as cached after a real run, got %+v", entry)
	}
}

func TestRunRejectsCycleAtGraphBuild(t *testing.T) {
	dir := t.TempDir()
	beams := map[string]beamfile.Beam{
		"a": {Name: "a", DependsOn: []string{"b"}, Run: beamfile.RunBlock{Commands: []string{"echo a"}}},
		"b": {Name: "b", DependsOn: []string{"a"}, Run: beamfile.RunBlock{Commands: []string{"echo b"}}},
	}
	bf := newBeamfile(t, dir, beams, []string{"a", "b"}, "a")

	_, err := New(bf, nil).Run(context.Background(), "a", RunOptions{MaxParallelism: 1})
	if err == nil {
		t.Fatal("expected a cyclic dependency error")
	}
}

func TestRunFailureBlocksDescendants(t *testing.T) {
	dir := t.TempDir()
	beams := map[string]beamfile.Beam{
		"a": {Name: "a", Run: beamfile.RunBlock{Commands: []string{"exit 1"}, FailFast: true}},
		"b": {Name: "b", DependsOn: []string{"a"}, Run: beamfile.RunBlock{Commands: []string{"echo b"}, FailFast: true}},
		"c": {Name: "c", DependsOn: []string{"b"}, Run: beamfile.RunBlock{Commands: []string{"echo c"}, FailFast: true}},
	}
	bf := newBeamfile(t, dir, beams, []string{"a", "b", "c"}, "c")

	report, err := New(bf, nil).Run(context.Background(), "c", RunOptions{MaxParallelism: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Failed() {
		t.Fatal("expected the run to be reported as failed")
	}

	a, _ := report.Get("a")
	if a.State != events.Failed {
		t.Errorf("a.State = %v, want Failed", a.State)
	}
	for _, name := range []string{"b", "c"} {
		entry, ok := report.Get(name)
		if !ok {
			t.Fatalf("missing report entry for %q", name)
		}
		if entry.State != events.Blocked || entry.Block != events.BlockAncestor {
			t.Errorf("%s: state=%v block=%v, want Blocked/BlockAncestor", name, entry.State, entry.Block)
		}
	}
}

func TestRunInterpolatesVars(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")
	beams := map[string]beamfile.Beam{
		"write": {
			Name: "write",
			Run: beamfile.RunBlock{
				Commands: []string{"echo ${var.greeting} > " + outPath},
				FailFast: true,
			},
		},
	}
	bf := newBeamfile(t, dir, beams, []string{"write"}, "write")
	bf.Variables = []beamfile.Variable{{Name: "greeting", DefaultValue: "hi"}}

	report, err := New(bf, nil).Run(context.Background(), "write", RunOptions{MaxParallelism: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed() {
		t.Fatal("expected the run to succeed")
	}
}

func TestRunConditionSkipsBeam(t *testing.T) {
	dir := t.TempDir()
	cond := &beamfile.Condition{Kind: "file_exists", Operand: "missing-marker"}
	beams := map[string]beamfile.Beam{
		"maybe": {Name: "maybe", Condition: cond, Run: beamfile.RunBlock{Commands: []string{"echo should not run"}, FailFast: true}},
	}
	bf := newBeamfile(t, dir, beams, []string{"maybe"}, "maybe")

	report, err := New(bf, nil).Run(context.Background(), "maybe", RunOptions{MaxParallelism: 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entry, _ := report.Get("maybe")
	if entry.State != events.Skipped || entry.Skip != events.SkipCondition {
		t.Errorf("state=%v skip=%v, want Skipped/SkipCondition", entry.State, entry.Skip)
	}
}

func TestRunDryRunDoesNotExecute(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "should-not-exist.txt")
	beams := map[string]beamfile.Beam{
		"build": {Name: "build", Run: beamfile.RunBlock{Commands: []string{"touch " + outPath}, FailFast: true}},
	}
	bf := newBeamfile(t, dir, beams, []string{"build"}, "build")

	sink := &collectingSink{}
	report, err := New(bf, nil).Run(context.Background(), "build", RunOptions{MaxParallelism: 1, DryRun: true, EventSink: sink})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entry, _ := report.Get("build")
	if entry.State != events.Succeeded {
		t.Errorf("state = %v, want Succeeded", entry.State)
	}

	var sawWouldExecute bool
	for _, e := range sink.events {
		if e.Kind == events.KindWouldExecute {
			sawWouldExecute = true
		}
	}
	if !sawWouldExecute {
		t.Error("expected a would_execute event during a dry run")
	}
}

func TestRunRejectsInvalidMaxParallelism(t *testing.T) {
	dir := t.TempDir()
	beams := map[string]beamfile.Beam{
		"a": {Name: "a", Run: beamfile.RunBlock{Commands: []string{"echo a"}}},
	}
	bf := newBeamfile(t, dir, beams, []string{"a"}, "a")

	_, err := New(bf, nil).Run(context.Background(), "a", RunOptions{MaxParallelism: 0})
	if err == nil {
		t.Fatal("expected an error for max_parallelism < 1")
	}
}

func TestRunUnknownTargetIsConfigError(t *testing.T) {
	dir := t.TempDir()
	beams := map[string]beamfile.Beam{
		"a": {Name: "a", Run: beamfile.RunBlock{Commands: []string{"echo a"}}},
	}
	bf := newBeamfile(t, dir, beams, []string{"a"}, "a")

	_, err := New(bf, nil).Run(context.Background(), "nope", RunOptions{MaxParallelism: 1})
	if err == nil {
		t.Fatal("expected an error for an unknown target beam")
	}
}

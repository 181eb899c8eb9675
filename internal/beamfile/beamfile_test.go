package beamfile

import "testing"

func TestNewValidBeamfile(t *testing.T) {
	beams := map[string]Beam{
		"a": {Name: "a", Run: RunBlock{Commands: []string{"echo a"}, FailFast: true}},
		"b": {Name: "b", DependsOn: []string{"a"}, Run: RunBlock{Commands: []string{"echo b"}, FailFast: true}},
	}
	bf, err := New(nil, []string{"a", "b"}, beams, "b", "/tmp")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := bf.Order(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Order() = %v", got)
	}
}

func TestNewRejectsUnknownDependency(t *testing.T) {
	beams := map[string]Beam{
		"a": {Name: "a", DependsOn: []string{"missing"}, Run: RunBlock{Commands: []string{"echo a"}}},
	}
	_, err := New(nil, []string{"a"}, beams, "", "/tmp")
	if err == nil {
		t.Fatal("expected a validation error")
	}
}

func TestNewRejectsMissingRunBlock(t *testing.T) {
	beams := map[string]Beam{
		"a": {Name: "a"},
	}
	_, err := New(nil, []string{"a"}, beams, "", "/tmp")
	if err == nil {
		t.Fatal("expected a validation error for a missing run block")
	}
}

func TestNewRejectsUnknownDefaultBeam(t *testing.T) {
	beams := map[string]Beam{
		"a": {Name: "a", Run: RunBlock{Commands: []string{"echo a"}}},
	}
	_, err := New(nil, []string{"a"}, beams, "nope", "/tmp")
	if err == nil {
		t.Fatal("expected a validation error for an unknown default beam")
	}
}

func TestNewRejectsDuplicateVariable(t *testing.T) {
	vars := []Variable{{Name: "x", DefaultValue: "1"}, {Name: "x", DefaultValue: "2"}}
	beams := map[string]Beam{
		"a": {Name: "a", Run: RunBlock{Commands: []string{"echo a"}}},
	}
	_, err := New(vars, []string{"a"}, beams, "", "/tmp")
	if err == nil {
		t.Fatal("expected a validation error for a duplicate variable")
	}
}

func TestNewAggregatesMultipleErrors(t *testing.T) {
	vars := []Variable{{Name: ""}}
	beams := map[string]Beam{
		"a": {Name: "a", DependsOn: []string{"missing"}},
	}
	_, err := New(vars, []string{"a"}, beams, "nope", "/tmp")
	if err == nil {
		t.Fatal("expected aggregated validation errors")
	}
	// hashicorp/go-multierror's Error() lists each problem on its own line;
	// there are at least three distinct problems here (empty var name,
	// unknown dependency, missing run block, unknown default beam).
	if got := err.Error(); len(got) < 10 {
		t.Errorf("expected a multi-line error, got %q", got)
	}
}

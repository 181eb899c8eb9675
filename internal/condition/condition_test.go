package condition

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stevedores-org/aurora/internal/beamfile"
)

func TestEvaluateNilConditionAdmits(t *testing.T) {
	result, err := Evaluate(nil, t.TempDir())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result != Admit {
		t.Errorf("Evaluate(nil) = %v, want Admit", result)
	}
}

func TestEvaluateFileExistsAdmitsWhenPresent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marker")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cond := &beamfile.Condition{Kind: "file_exists", Operand: "marker"}
	result, err := Evaluate(cond, dir)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result != Admit {
		t.Errorf("Evaluate() = %v, want Admit", result)
	}
}

func TestEvaluateFileExistsSkipsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cond := &beamfile.Condition{Kind: "file_exists", Operand: "nope"}
	result, err := Evaluate(cond, dir)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result != Skip {
		t.Errorf("Evaluate() = %v, want Skip", result)
	}
}

func TestEvaluateUnsupportedKindErrors(t *testing.T) {
	cond := &beamfile.Condition{Kind: "always", Operand: ""}
	_, err := Evaluate(cond, t.TempDir())
	if err == nil {
		t.Fatal("expected an error for an unsupported condition kind")
	}
}

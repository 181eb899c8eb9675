// Package condition implements Aurora's condition evaluator (spec §4.4,
// C4): decides whether a beam's guard admits execution.
package condition

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stevedores-org/aurora/internal/aerrors"
	"github.com/stevedores-org/aurora/internal/beamfile"
)

// Result is the evaluator's verdict.
type Result int

const (
	Admit Result = iota
	Skip
)

// Evaluate checks an already-interpolated condition against the beam's
// working directory. A nil condition always admits.
func Evaluate(cond *beamfile.Condition, workingDir string) (Result, error) {
	if cond == nil {
		return Admit, nil
	}

	switch cond.Kind {
	case "file_exists":
		path := cond.Operand
		if !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, path)
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			if os.IsNotExist(err) {
				return Skip, nil
			}
			return Skip, &aerrors.ConditionError{Err: fmt.Errorf("resolving %q: %w", path, err)}
		}
		if _, err := os.Stat(resolved); err != nil {
			if os.IsNotExist(err) {
				return Skip, nil
			}
			return Skip, &aerrors.ConditionError{Err: fmt.Errorf("stat %q: %w", resolved, err)}
		}
		return Admit, nil
	default:
		return Skip, &aerrors.ConditionError{Err: fmt.Errorf("unsupported condition kind %q", cond.Kind)}
	}
}

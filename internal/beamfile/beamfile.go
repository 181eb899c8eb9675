// Package beamfile holds the validated Beamfile value the core pipeline
// consumes (spec §3 Data Model). Parsing Beamfile *syntax* is an external
// collaborator's job (spec §1 Non-goals); this package only models the
// structured result and validates its invariants.
package beamfile

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Variable is a named Beamfile-level default, overridable by the host via
// -D-style assignments before interpolation runs (spec §4.3).
type Variable struct {
	Name         string
	DefaultValue string
	Description  string
}

// Condition is a single primitive guard; a beam carries at most one, and
// several guards cannot be combined into a disjunction. The core ships
// exactly one kind, file_exists; Kind is left open for conservative,
// side-effect-free extensions (spec §9 Open Questions).
type Condition struct {
	Kind    string // "file_exists"
	Operand string // interpolated before evaluation
}

// RunBlock is a sequence of shell lines plus the environment they run
// under (spec §3 RunBlock/Hook).
type RunBlock struct {
	Commands   []string
	Shell      string // "" means platform default
	WorkingDir string // "" means the Beamfile directory
	FailFast   bool
}

// DefaultRunBlock returns a RunBlock with spec-mandated defaults applied.
func DefaultRunBlock() RunBlock {
	return RunBlock{FailFast: true}
}

// Beam is one named unit of work.
type Beam struct {
	Name        string
	Description string
	DependsOn   []string // ordered, declaration order
	Condition   *Condition
	Env         map[string]string
	PreHook     *RunBlock
	Run         RunBlock
	PostHook    *RunBlock
	Inputs      []string // glob patterns
	Outputs     []string // glob patterns
}

// Beamfile is the immutable, validated input to the executor.
type Beamfile struct {
	Dir         string // directory the Beamfile was loaded from; default working_dir base
	Variables   []Variable
	Beams       map[string]Beam
	order       []string // declaration order of Beams, for deterministic layering
	DefaultBeam string
}

// Order returns beam names in declaration order.
func (b *Beamfile) Order() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// New constructs and validates a Beamfile from already-parsed beams,
// preserving the supplied declaration order. It is the single entry point
// the external parser (or the bundled TOML loader, see toml.go) must call.
func New(variables []Variable, beamOrder []string, beams map[string]Beam, defaultBeam, dir string) (*Beamfile, error) {
	bf := &Beamfile{
		Dir:         dir,
		Variables:   variables,
		Beams:       beams,
		order:       beamOrder,
		DefaultBeam: defaultBeam,
	}
	if err := bf.validate(); err != nil {
		return nil, err
	}
	return bf, nil
}

func (bf *Beamfile) validate() error {
	var errs *multierror.Error

	seenVar := make(map[string]bool, len(bf.Variables))
	for _, v := range bf.Variables {
		if v.Name == "" {
			errs = multierror.Append(errs, &duplicateOrEmptyError{what: "variable", detail: "empty name"})
			continue
		}
		if seenVar[v.Name] {
			errs = multierror.Append(errs, &duplicateOrEmptyError{what: "variable", detail: fmt.Sprintf("duplicate name %q", v.Name)})
		}
		seenVar[v.Name] = true
	}

	for _, name := range bf.order {
		beam, ok := bf.Beams[name]
		if !ok {
			errs = multierror.Append(errs, fmt.Errorf("beam %q listed in declaration order but not present in beam map", name))
			continue
		}
		if beam.Run.Commands == nil {
			errs = multierror.Append(errs, fmt.Errorf("beam %q: run block is required", name))
		}
		for envName := range beam.Env {
			if envName == "" {
				errs = multierror.Append(errs, fmt.Errorf("beam %q: env name must be non-empty", name))
			}
		}
		for _, dep := range beam.DependsOn {
			if _, ok := bf.Beams[dep]; !ok {
				errs = multierror.Append(errs, &unknownDependencyError{From: name, To: dep})
			}
		}
	}

	if bf.DefaultBeam != "" {
		if _, ok := bf.Beams[bf.DefaultBeam]; !ok {
			errs = multierror.Append(errs, fmt.Errorf("unknown default beam %q", bf.DefaultBeam))
		}
	}

	return errs.ErrorOrNil()
}

type duplicateOrEmptyError struct {
	what, detail string
}

func (e *duplicateOrEmptyError) Error() string {
	return fmt.Sprintf("%s: %s", e.what, e.detail)
}

type unknownDependencyError struct {
	From, To string
}

func (e *unknownDependencyError) Error() string {
	return fmt.Sprintf("beam %q depends on unknown beam %q", e.From, e.To)
}

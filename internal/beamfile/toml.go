package beamfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// tomlFile mirrors the on-disk Beamfile shape. It is a thin convenience for
// cmd/aurora and the test suite; the core pipeline never touches TOML
// directly (spec §1 names the surface-syntax parser an external
// collaborator).
type tomlFile struct {
	Default   string                `toml:"default"`
	Variables []tomlVariable        `toml:"variable"`
	Beams     map[string]tomlBeam   `toml:"beam"`
	beamOrder []string
}

type tomlVariable struct {
	Name         string `toml:"name"`
	DefaultValue string `toml:"default"`
	Description  string `toml:"description"`
}

type tomlCondition struct {
	FileExists string `toml:"file_exists"`
}

type tomlRunBlock struct {
	Commands   []string `toml:"commands"`
	Shell      string   `toml:"shell"`
	WorkingDir string   `toml:"working_dir"`
	FailFast   *bool    `toml:"fail_fast"`
}

type tomlBeam struct {
	Description string            `toml:"description"`
	DependsOn   []string          `toml:"depends_on"`
	Condition   *tomlCondition    `toml:"condition"`
	Env         map[string]string `toml:"env"`
	PreHook     *tomlRunBlock     `toml:"pre_hook"`
	Run         tomlRunBlock      `toml:"run"`
	PostHook    *tomlRunBlock     `toml:"post_hook"`
	Inputs      []string          `toml:"inputs"`
	Outputs     []string          `toml:"outputs"`
}

// LoadFile reads and validates a Beamfile from a TOML file, in the shape of
// the teacher's LoadConfig: read bytes, toml.Unmarshal, then build the
// structured value.
func LoadFile(path string) (*Beamfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read beamfile: %w", err)
	}

	var raw tomlFile
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse beamfile: %w", err)
	}

	// toml.Decode doesn't preserve map key order; recover declaration order
	// from the decoded key list so layering ties break deterministically
	// (spec §4.5).
	order := declarationOrder(meta, "beam")

	variables := make([]Variable, 0, len(raw.Variables))
	for _, v := range raw.Variables {
		variables = append(variables, Variable{
			Name:         v.Name,
			DefaultValue: v.DefaultValue,
			Description:  v.Description,
		})
	}

	beams := make(map[string]Beam, len(raw.Beams))
	for name, tb := range raw.Beams {
		beam := Beam{
			Name:        name,
			Description: tb.Description,
			DependsOn:   tb.DependsOn,
			Env:         tb.Env,
			Run:         toRunBlock(tb.Run),
			Inputs:      tb.Inputs,
			Outputs:     tb.Outputs,
		}
		if tb.Condition != nil && tb.Condition.FileExists != "" {
			beam.Condition = &Condition{Kind: "file_exists", Operand: tb.Condition.FileExists}
		}
		if tb.PreHook != nil {
			rb := toRunBlock(*tb.PreHook)
			beam.PreHook = &rb
		}
		if tb.PostHook != nil {
			rb := toRunBlock(*tb.PostHook)
			beam.PostHook = &rb
		}
		beams[name] = beam
	}

	return New(variables, order, beams, raw.Default, filepath.Dir(path))
}

func toRunBlock(tb tomlRunBlock) RunBlock {
	rb := RunBlock{
		Commands:   tb.Commands,
		Shell:      tb.Shell,
		WorkingDir: tb.WorkingDir,
		FailFast:   true,
	}
	if tb.FailFast != nil {
		rb.FailFast = *tb.FailFast
	}
	return rb
}

// declarationOrder walks the TOML metadata key list for a table, returning
// the sub-keys of `table.<name>` in the order they appeared in the file.
func declarationOrder(meta toml.MetaData, table string) []string {
	seen := make(map[string]bool)
	var order []string
	for _, k := range meta.Keys() {
		if len(k) < 2 || k[0] != table {
			continue
		}
		name := k[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	return order
}

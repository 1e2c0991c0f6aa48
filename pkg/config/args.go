// Package config carries the execution arguments of one build-and-run
// cycle: the input file list, serialization preferences, and runtime
// settings. Arguments round-trip through JSON and can be constructed from a
// YAML settings file.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/riven-blade/kcl/pkg/parser"
)

// Output formats for the executed program's result.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

var validate = validator.New()

// ExecProgramArgs are the caller-supplied arguments of one execution.
type ExecProgramArgs struct {
	// WorkDir is the directory import paths resolve against. Empty means
	// the directory of the first input file.
	WorkDir string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// KFilenameList is the ordered list of input source files.
	KFilenameList []string `json:"k_filename_list" yaml:"k_filename_list"`

	// Format selects the result serialization, yaml by default.
	Format string `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=yaml json"`

	// Output is a file path the result is written to; empty means stdout.
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	// Timeout bounds the whole assemble-link-invoke sequence, as a
	// duration string ("2s", "500ms"). Empty means no deadline.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// DisableRecover switches off the protective boundary around artifact
	// invocation, letting faults crash the process. Test and debug use only.
	DisableRecover bool `json:"disable_recover,omitempty" yaml:"disable_recover,omitempty"`
}

// NewExecProgramArgs returns arguments with defaults applied.
func NewExecProgramArgs() *ExecProgramArgs {
	return &ExecProgramArgs{Format: FormatYAML}
}

// Validate checks field constraints.
func (a *ExecProgramArgs) Validate() error {
	if err := validate.Struct(a); err != nil {
		return err
	}
	if _, err := a.Deadline(); err != nil {
		return err
	}
	return nil
}

// Deadline parses the Timeout field; zero means no deadline.
func (a *ExecProgramArgs) Deadline() (time.Duration, error) {
	if a.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", a.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid timeout %q: must not be negative", a.Timeout)
	}
	return d, nil
}

// ToJSON returns the canonical JSON form of the arguments.
func (a *ExecProgramArgs) ToJSON() string {
	b, err := json.Marshal(a)
	if err != nil {
		// Marshaling a plain struct of scalars and slices cannot fail.
		panic(err)
	}
	return string(b)
}

// FromJSON parses arguments from their canonical JSON form.
func FromJSON(s string) (*ExecProgramArgs, error) {
	a := NewExecProgramArgs()
	if err := json.Unmarshal([]byte(s), a); err != nil {
		return nil, err
	}
	if a.Format == "" {
		a.Format = FormatYAML
	}
	return a, nil
}

// GetLoadOptions derives the parser options from the arguments.
func (a *ExecProgramArgs) GetLoadOptions() *parser.LoadOptions {
	return &parser.LoadOptions{WorkDir: a.WorkDir}
}

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SettingsFile is the on-disk settings format:
//
//	kcl_cli_configs:
//	  files:
//	    - main.k
//	  format: yaml
//	  output: result.yaml
//	  timeout: 2s
type SettingsFile struct {
	CLIConfigs *CLIConfigs `yaml:"kcl_cli_configs"`
}

// CLIConfigs is the command-line section of a settings file.
type CLIConfigs struct {
	Files          []string `yaml:"files"`
	WorkDir        string   `yaml:"work_dir,omitempty"`
	Format         string   `yaml:"format,omitempty"`
	Output         string   `yaml:"output,omitempty"`
	Timeout        string   `yaml:"timeout,omitempty"`
	DisableRecover bool     `yaml:"disable_recover,omitempty"`
}

// LoadSettingsFile reads and decodes a YAML settings file.
func LoadSettingsFile(path string) (*SettingsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf SettingsFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("decoding settings file %s: %w", path, err)
	}
	return &sf, nil
}

// ToExecArgs converts the settings file into validated execution arguments.
func (sf *SettingsFile) ToExecArgs() (*ExecProgramArgs, error) {
	args := NewExecProgramArgs()
	if sf.CLIConfigs != nil {
		c := sf.CLIConfigs
		args.KFilenameList = append(args.KFilenameList, c.Files...)
		args.WorkDir = c.WorkDir
		if c.Format != "" {
			args.Format = c.Format
		}
		args.Output = c.Output
		args.Timeout = c.Timeout
		args.DisableRecover = c.DisableRecover
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	return args, nil
}

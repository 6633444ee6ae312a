// Package pipeline drives one deployment through its fixed stage sequence.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is looked up at the checkout root after materialization.
const ConfigFileName = "capstan.yml"

const (
	RunnerLocal     = "local"
	RunnerContainer = "container"
)

var ErrUnsupportedRunner = errors.New("unsupported runner")

// Config is the deployment file parsed from the target repository. Unknown
// top-level keys are ignored. A missing file yields the zero Config, which
// later fails the deploy stage for having no deploy steps.
type Config struct {
	Runner string   `yaml:"runner"`
	Env    []string `yaml:"env"`
	Steps  Steps    `yaml:"steps"`
}

type Steps struct {
	Build      []string `yaml:"build"`
	Deploy     []string `yaml:"deploy"`
	PostDeploy []string `yaml:"post_deploy"`
}

// LoadConfig reads and validates the deployment file from a checked-out
// repository.
func LoadConfig(repoDir string) (*Config, error) {
	path := filepath.Join(repoDir, ConfigFileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{Runner: RunnerLocal}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", ConfigFileName, err)
	}

	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", ConfigFileName, err)
	}

	if cfg.Runner == "" {
		cfg.Runner = RunnerLocal
	}

	switch cfg.Runner {
	case RunnerLocal:
	case RunnerContainer:
		// Parsed for forward compatibility, not executable yet.
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRunner, cfg.Runner)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRunner, cfg.Runner)
	}

	return &cfg, nil
}

package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaharia-lab/pulse/internal/notification"
)

// AlertConfig declares a recurring signal alert created at startup.
type AlertConfig struct {
	ID     string `yaml:"id"`
	Signal string `yaml:"signal"`
}

// Registry is the parsed feeds file.
type Registry struct {
	Feeds  []notification.FeedConfig `yaml:"feeds"`
	Alerts []AlertConfig             `yaml:"alerts"`
}

// LoadRegistry reads the feeds YAML file at filePath. If the file does not
// exist, an empty registry is returned (not an error). Feed targets may
// reference environment variables as ${ENV:VAR_NAME}.
func LoadRegistry(filePath string) (*Registry, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // path is from admin-configured data dir
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{}, nil
		}
		return nil, fmt.Errorf("reading feeds file %q: %w", filePath, err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing feeds file %q: %w", filePath, err)
	}

	seen := make(map[string]bool, len(reg.Feeds))
	for i := range reg.Feeds {
		f := &reg.Feeds[i]
		if f.ID == "" {
			return nil, fmt.Errorf("feed #%d: id is required", i+1)
		}
		if seen[f.ID] {
			return nil, fmt.Errorf("feed %q: declared twice", f.ID)
		}
		seen[f.ID] = true

		for j, t := range f.Targets {
			target, err := interpolateEnv(t)
			if err != nil {
				return nil, fmt.Errorf("feed %q target: %w", f.ID, err)
			}
			f.Targets[j] = target
		}
	}
	for i, a := range reg.Alerts {
		if a.Signal == "" {
			return nil, fmt.Errorf("alert #%d: signal is required", i+1)
		}
	}
	return &reg, nil
}

// interpolateEnv replaces all ${ENV:VAR_NAME} patterns in s with the corresponding
// environment variable values. Returns an error if a referenced variable is not set.
func interpolateEnv(s string) (string, error) {
	result := s
	for {
		start := strings.Index(result, "${ENV:")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start
		varName := result[start+6 : end]
		value := os.Getenv(varName)
		if value == "" {
			return "", fmt.Errorf("required env var %q is not set", varName)
		}
		result = result[:start] + value + result[end+1:]
	}
	return result, nil
}

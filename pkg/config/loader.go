package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration document: a set of connector records.
type File struct {
	Connectors []ConnectorConfig `yaml:"connectors"`
}

// Load reads a YAML configuration file, substitutes ${ENV_VAR} references,
// applies defaults and validates every connector record.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	var f File
	if err := yaml.Unmarshal([]byte(content), &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	names := make(map[string]struct{}, len(f.Connectors))
	for i := range f.Connectors {
		cfg := &f.Connectors[i]
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("connector %q: %w", cfg.Name, err)
		}
		if _, dup := names[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate connector name %q", cfg.Name)
		}
		names[cfg.Name] = struct{}{}
	}

	return &f, nil
}

// Save writes the configuration document to a YAML file.
func Save(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil { //nolint:gosec
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		envValue := os.Getenv(varName)
		content = content[:start] + envValue + content[end+1:]
	}
	return content
}

package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ComposeServiceConfig extracts one service's stanza from a compose file and
// re-renders it as a standalone YAML document. The analyzer only needs the
// service it is looking at, not the whole project.
func ComposeServiceConfig(path, service string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read compose file: %w", err)
	}

	var doc struct {
		Services map[string]any `yaml:"services"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse compose file: %w", err)
	}

	stanza, ok := doc.Services[service]
	if !ok {
		return "", fmt.Errorf("service %q not in compose file", service)
	}

	out, err := yaml.Marshal(map[string]any{service: stanza})
	if err != nil {
		return "", fmt.Errorf("render service config: %w", err)
	}
	return string(out), nil
}

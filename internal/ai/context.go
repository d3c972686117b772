package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sre-sentinel/sentinel/internal/redact"
)

// IncidentContext is everything the deep analyzer gets to see about an
// incident. Environment values are redacted before they leave the process.
type IncidentContext struct {
	Service        string
	AnomalySummary string
	FullLogs       string
	Compose        string
	Environment    map[string]string
	Stats          map[string]any
	AvailableTools string
}

// BuildContext assembles the analyzer's user prompt body from the sections
// that are present.
func BuildContext(ic IncidentContext) string {
	sections := []string{fmt.Sprintf("# Anomaly Detected\n%s\n", ic.AnomalySummary)}

	if ic.AvailableTools != "" {
		sections = append(sections, "\n# Available Gateway Tools\n"+ic.AvailableTools)
	}
	if len(ic.Stats) > 0 {
		if b, err := json.MarshalIndent(ic.Stats, "", "  "); err == nil {
			sections = append(sections, "\n# Container Stats\n"+string(b))
		}
	}
	if len(ic.Environment) > 0 {
		if b, err := json.MarshalIndent(redact.Env(ic.Environment), "", "  "); err == nil {
			sections = append(sections, "\n# Environment Variables\n"+string(b))
		}
	}
	if ic.Compose != "" {
		sections = append(sections, fmt.Sprintf("\n# Compose Configuration\n```yaml\n%s\n```", ic.Compose))
	}
	sections = append(sections, fmt.Sprintf("\n# Complete Log History (%d characters)\n```\n%s\n```", len(ic.FullLogs), ic.FullLogs))

	return strings.Join(sections, "\n")
}

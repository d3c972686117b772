package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/metrics"
)

// Analyzer asks the deep inference endpoint for a root cause and a
// remediation plan, given the full incident context.
type Analyzer struct {
	client  Completer
	timeout time.Duration
	log     *logging.Logger
}

func NewAnalyzer(client Completer, timeout time.Duration, log *logging.Logger) *Analyzer {
	return &Analyzer{client: client, timeout: timeout, log: log.Component("analyzer")}
}

// Analyze submits the incident context and returns the parsed analysis plus
// the suggested actions in the order the analyzer proposed them.
func (a *Analyzer) Analyze(ctx context.Context, ic IncidentContext) (incident.Analysis, []incident.Action, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	user := fmt.Sprintf(analyzerUserTemplate, BuildContext(ic))
	a.log.Info("requesting root cause analysis", "service", ic.Service, "context_bytes", len(user))

	started := time.Now()
	content, err := a.client.Complete(ctx, analyzerSystemPrompt, user, 2000, true)
	metrics.AnalyzerDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return incident.Analysis{}, nil, fmt.Errorf("analyzer call: %w", err)
	}
	return parseAnalysis(content)
}

// ExplainForHumans turns a technical analysis into a short narrative for
// non-technical readers. Failures degrade to an empty explanation.
func (a *Analyzer) ExplainForHumans(ctx context.Context, analysis incident.Analysis) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	b, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal analysis: %w", err)
	}
	content, err := a.client.Complete(ctx, "", fmt.Sprintf(humanSummaryTemplate, string(b)), 500, false)
	if err != nil {
		return "", fmt.Errorf("explanation call: %w", err)
	}
	return strings.TrimSpace(content), nil
}

type rawFix struct {
	Action     string         `json:"action"`
	Target     string         `json:"target"`
	Parameters map[string]any `json:"parameters"`
	Priority   int            `json:"priority"`
	Details    string         `json:"details"`
}

type rawAnalysis struct {
	RootCause          string   `json:"root_cause"`
	Explanation        string   `json:"explanation"`
	AffectedComponents []string `json:"affected_components"`
	SuggestedFixes     []rawFix `json:"suggested_fixes"`
	Confidence         float64  `json:"confidence"`
	Prevention         string   `json:"prevention"`
}

func parseAnalysis(content string) (incident.Analysis, []incident.Action, error) {
	var raw rawAnalysis
	if err := json.Unmarshal([]byte(stripFences(content)), &raw); err != nil {
		return incident.Analysis{}, nil, fmt.Errorf("decode analysis: %w", err)
	}
	if raw.RootCause == "" {
		return incident.Analysis{}, nil, fmt.Errorf("analysis missing root_cause")
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return incident.Analysis{}, nil, fmt.Errorf("analysis confidence %v out of range", raw.Confidence)
	}

	actions := make([]incident.Action, 0, len(raw.SuggestedFixes))
	for _, f := range raw.SuggestedFixes {
		if f.Action == "" {
			return incident.Analysis{}, nil, fmt.Errorf("suggested fix missing action name")
		}
		priority := f.Priority
		if priority < 1 {
			priority = 1
		}
		if priority > 5 {
			priority = 5
		}
		actions = append(actions, incident.Action{
			Tool:      f.Action,
			Target:    f.Target,
			Arguments: f.Parameters,
			Priority:  priority,
			Rationale: f.Details,
		})
	}

	return incident.Analysis{
		RootCause:          raw.RootCause,
		Explanation:        raw.Explanation,
		AffectedComponents: raw.AffectedComponents,
		Confidence:         raw.Confidence,
		Prevention:         raw.Prevention,
	}, actions, nil
}

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
)

// maxClassifierLineLen caps each log line sent to the classifier.
const maxClassifierLineLen = 500

// Completer is the inference surface the classifier and analyzer share.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int, jsonMode bool) (string, error)
}

// Classifier asks the fast inference endpoint whether a log window looks
// anomalous. Calls are bounded by a hard timeout; a slow or broken
// classifier only costs the one window.
type Classifier struct {
	client  Completer
	timeout time.Duration
	log     *logging.Logger
}

func NewClassifier(client Completer, timeout time.Duration, log *logging.Logger) *Classifier {
	return &Classifier{client: client, timeout: timeout, log: log.Component("classifier")}
}

// Classify submits the window lines and optional container metadata and
// returns the parsed verdict.
func (c *Classifier) Classify(ctx context.Context, service string, lines []string, meta map[string]any) (incident.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	truncated := make([]string, len(lines))
	for i, l := range lines {
		truncated[i] = truncate(l, maxClassifierLineLen)
	}

	metaBlock := ""
	if len(meta) > 0 {
		if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
			metaBlock = "\n\nAdditional context:\n" + string(b)
		}
	}

	user := fmt.Sprintf(classifierUserTemplate, service, strings.Join(truncated, "\n"), metaBlock)
	content, err := c.client.Complete(ctx, classifierSystemPrompt, user, 300, true)
	if err != nil {
		return incident.Verdict{}, fmt.Errorf("classifier call: %w", err)
	}
	return parseVerdict(content)
}

// rawVerdict mirrors the classifier's JSON contract before validation.
type rawVerdict struct {
	IsAnomaly   bool    `json:"is_anomaly"`
	Confidence  float64 `json:"confidence"`
	AnomalyType string  `json:"anomaly_type"`
	Severity    string  `json:"severity"`
	Summary     string  `json:"summary"`
}

var validAnomalyTypes = map[string]bool{
	"crash": true, "error": true, "warning": true, "performance": true, "none": true,
}

var validSeverities = map[string]bool{
	"low": true, "medium": true, "high": true, "critical": true,
}

// parseVerdict decodes and validates classifier output. Malformed responses
// are an error, never a silent default.
func parseVerdict(content string) (incident.Verdict, error) {
	var raw rawVerdict
	if err := json.Unmarshal([]byte(stripFences(content)), &raw); err != nil {
		return incident.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return incident.Verdict{}, fmt.Errorf("verdict confidence %v out of range", raw.Confidence)
	}
	atype := strings.ToLower(raw.AnomalyType)
	if !validAnomalyTypes[atype] {
		return incident.Verdict{}, fmt.Errorf("unknown anomaly type %q", raw.AnomalyType)
	}
	sev := strings.ToLower(raw.Severity)
	if !validSeverities[sev] {
		return incident.Verdict{}, fmt.Errorf("unknown severity %q", raw.Severity)
	}
	return incident.Verdict{
		IsAnomaly:   raw.IsAnomaly,
		Confidence:  raw.Confidence,
		AnomalyType: atype,
		Severity:    incident.Severity(sev),
		Summary:     raw.Summary,
	}, nil
}

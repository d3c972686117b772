// Package incident holds the incident record and the store that serializes
// its state machine.
package incident

import "time"

// Severity grades an anomaly verdict.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Verdict is the classifier's judgement on one log window.
type Verdict struct {
	IsAnomaly   bool     `json:"is_anomaly"`
	Confidence  float64  `json:"confidence"`
	AnomalyType string   `json:"anomaly_type"`
	Severity    Severity `json:"severity"`
	Summary     string   `json:"summary"`
	WindowSeq   uint64   `json:"window_seq,omitempty"`
}

// Analysis is the deep analyzer's root-cause result.
type Analysis struct {
	RootCause          string   `json:"root_cause"`
	Explanation        string   `json:"explanation"`
	AffectedComponents []string `json:"affected_components"`
	Confidence         float64  `json:"confidence"`
	Prevention         string   `json:"prevention,omitempty"`
}

// Action is one step of a remediation plan. Priority 1 is the most critical;
// a fatal failure at priority <= 2 aborts the rest of the plan.
type Action struct {
	Tool      string         `json:"tool"`
	Target    string         `json:"target"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Priority  int            `json:"priority"`
	Rationale string         `json:"rationale,omitempty"`
}

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	ErrEngineUnavailable  ErrorKind = "engine_unavailable"
	ErrClassifier         ErrorKind = "classifier_error"
	ErrAnalyzer           ErrorKind = "analyzer_error"
	ErrToolNotFound       ErrorKind = "tool_not_found"
	ErrSchemaViolation    ErrorKind = "schema_violation"
	ErrGatewayUnavailable ErrorKind = "gateway_unavailable"
	ErrToolExecution      ErrorKind = "tool_execution_error"
	ErrVerifierTimeout    ErrorKind = "verifier_timeout"
	ErrConfig             ErrorKind = "config_error"
)

// Fatal reports whether the kind is structural and never retried.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrToolNotFound, ErrSchemaViolation, ErrGatewayUnavailable, ErrConfig:
		return true
	}
	return false
}

// ActionOutcome records one attempt at executing a plan action.
type ActionOutcome struct {
	IncidentID string        `json:"incident_id"`
	Action     Action        `json:"action"`
	Attempts   int           `json:"attempts"`
	Success    bool          `json:"success"`
	Output     string        `json:"output,omitempty"`
	ErrorKind  ErrorKind     `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
	Timestamp  time.Time     `json:"timestamp"`
}

// State is a node in the incident state machine.
type State string

const (
	StateNew         State = "new"
	StateAnalyzing   State = "analyzing"
	StateRemediating State = "remediating"
	StateVerifying   State = "verifying"
	StateResolved    State = "resolved"
	StateFailed      State = "failed"
	StateUnresolved  State = "unresolved"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateResolved, StateFailed, StateUnresolved:
		return true
	}
	return false
}

// transitions enumerates the legal state machine edges.
var transitions = map[State][]State{
	StateNew:         {StateAnalyzing},
	StateAnalyzing:   {StateRemediating, StateUnresolved},
	StateRemediating: {StateVerifying, StateFailed},
	StateVerifying:   {StateResolved, StateFailed},
}

func legalTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Incident is the stateful record of a fault from detection to resolution.
type Incident struct {
	ID            string          `json:"id"`
	ContainerID   string          `json:"container_id"`
	ContainerName string          `json:"container_name"`
	Service       string          `json:"service"`
	DetectedAt    time.Time       `json:"detected_at"`
	State         State           `json:"state"`
	Verdict       Verdict         `json:"verdict"`
	Analysis      *Analysis       `json:"analysis,omitempty"`
	Plan          []Action        `json:"plan,omitempty"`
	Outcomes      []ActionOutcome `json:"outcomes,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	Explanation   string          `json:"explanation,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
}

// clone returns a deep copy safe to hand outside the store's lock.
func (i *Incident) clone() Incident {
	out := *i
	out.Plan = append([]Action(nil), i.Plan...)
	out.Outcomes = append([]ActionOutcome(nil), i.Outcomes...)
	if i.Analysis != nil {
		a := *i.Analysis
		a.AffectedComponents = append([]string(nil), i.Analysis.AffectedComponents...)
		out.Analysis = &a
	}
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

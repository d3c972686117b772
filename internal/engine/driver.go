package engine

import (
	"context"
	"strings"

	"github.com/moby/moby/api/types/container"

	"github.com/sre-sentinel/sentinel/internal/ai"
	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/redact"
)

// tailContextLines is how much log history the analyzer gets.
const tailContextLines = 500

// RootCauseAnalyzer is the deep inference surface the driver calls.
type RootCauseAnalyzer interface {
	Analyze(ctx context.Context, ic ai.IncidentContext) (incident.Analysis, []incident.Action, error)
	ExplainForHumans(ctx context.Context, analysis incident.Analysis) (string, error)
}

// PlanExecutor runs a remediation plan and reports the fatal kind that
// aborted it, or "".
type PlanExecutor interface {
	Execute(ctx context.Context, inc incident.Incident) incident.ErrorKind
}

// HealthVerifier decides post-remediation health.
type HealthVerifier interface {
	Verify(ctx context.Context, containerID string) bool
}

// ToolCatalog is the gateway surface the driver needs for context building.
type ToolCatalog interface {
	EnsureConnected(ctx context.Context) error
	CatalogForPrompt() string
}

// ContextSource supplies per-container context for the analyzer.
type ContextSource interface {
	TailLogs(ctx context.Context, id string, lines int) (string, error)
	InspectContainer(ctx context.Context, id string) (container.InspectResponse, error)
}

// IncidentStore is the store surface the driver mutates.
type IncidentStore interface {
	Transition(id string, to incident.State, mutate func(*incident.Incident)) (incident.Incident, error)
}

// Driver owns an incident from creation to a terminal state. Each incident
// is driven by exactly one Handle call, so transitions stay totally ordered.
type Driver struct {
	store    IncidentStore
	analyzer RootCauseAnalyzer
	executor PlanExecutor
	verifier HealthVerifier
	gateway  ToolCatalog
	source   ContextSource
	registry Descriptors

	autoHeal    bool
	composePath string
	log         *logging.Logger
}

func NewDriver(store IncidentStore, analyzer RootCauseAnalyzer, executor PlanExecutor, verifier HealthVerifier, gateway ToolCatalog, source ContextSource, registry Descriptors, autoHeal bool, composePath string, log *logging.Logger) *Driver {
	return &Driver{
		store:       store,
		analyzer:    analyzer,
		executor:    executor,
		verifier:    verifier,
		gateway:     gateway,
		source:      source,
		registry:    registry,
		autoHeal:    autoHeal,
		composePath: composePath,
		log:         log.Component("driver"),
	}
}

// Handle walks the incident through the state machine. It returns when the
// incident reaches a terminal state or ctx is cancelled.
func (d *Driver) Handle(ctx context.Context, inc incident.Incident) {
	log := d.log.With("incident", inc.ID, "service", inc.Service)

	if _, err := d.store.Transition(inc.ID, incident.StateAnalyzing, nil); err != nil {
		log.Error("cannot start analysis", "error", err)
		return
	}

	analysis, actions, err := d.analyzer.Analyze(ctx, d.buildContext(ctx, inc))
	if err != nil {
		log.Error("root cause analysis failed", "error", err)
		d.store.Transition(inc.ID, incident.StateUnresolved, func(i *incident.Incident) {
			i.ErrorKind = incident.ErrAnalyzer
			i.Notes = err.Error()
		})
		return
	}
	log.Info("analysis complete", "root_cause", truncateStr(analysis.RootCause, 120), "actions", len(actions))

	explanation := ""
	if text, err := d.analyzer.ExplainForHumans(ctx, analysis); err == nil {
		explanation = text
	} else {
		log.Debug("human explanation unavailable", "error", err)
	}

	if len(actions) == 0 || !d.autoHeal {
		note := "no remediation actions suggested"
		if !d.autoHeal {
			note = "auto-heal disabled, manual review required"
		}
		d.store.Transition(inc.ID, incident.StateUnresolved, func(i *incident.Incident) {
			i.Analysis = &analysis
			i.Explanation = explanation
			i.Notes = note
		})
		return
	}

	snapshot, err := d.store.Transition(inc.ID, incident.StateRemediating, func(i *incident.Incident) {
		i.Analysis = &analysis
		i.Plan = actions
		i.Explanation = explanation
	})
	if err != nil {
		log.Error("cannot start remediation", "error", err)
		return
	}

	if err := d.gateway.EnsureConnected(ctx); err != nil {
		log.Error("gateway unreachable", "error", err)
		d.store.Transition(inc.ID, incident.StateFailed, func(i *incident.Incident) {
			i.ErrorKind = incident.ErrGatewayUnavailable
			i.Notes = err.Error()
		})
		return
	}

	if kind := d.executor.Execute(ctx, snapshot); kind != "" {
		d.store.Transition(inc.ID, incident.StateFailed, func(i *incident.Incident) {
			i.ErrorKind = kind
			i.Notes = "remediation aborted"
		})
		return
	}

	if _, err := d.store.Transition(inc.ID, incident.StateVerifying, nil); err != nil {
		log.Error("cannot start verification", "error", err)
		return
	}

	if d.verifier.Verify(ctx, inc.ContainerID) {
		d.store.Transition(inc.ID, incident.StateResolved, nil)
		return
	}
	d.store.Transition(inc.ID, incident.StateFailed, func(i *incident.Incident) {
		i.ErrorKind = incident.ErrVerifierTimeout
		i.Notes = "container health did not converge within the deadline"
	})
}

// buildContext assembles everything the analyzer gets to see. Every piece is
// best-effort: a missing compose file or failed inspect narrows the context
// instead of blocking the analysis.
func (d *Driver) buildContext(ctx context.Context, inc incident.Incident) ai.IncidentContext {
	ic := ai.IncidentContext{
		Service:        inc.Service,
		AnomalySummary: inc.Verdict.Summary,
	}

	// Catalog first, so the analyzer only suggests tools that exist.
	if err := d.gateway.EnsureConnected(ctx); err == nil {
		ic.AvailableTools = d.gateway.CatalogForPrompt()
	} else {
		d.log.Warn("tool catalog unavailable for analysis", "error", err)
	}

	if logs, err := d.source.TailLogs(ctx, inc.ContainerID, tailContextLines); err == nil {
		ic.FullLogs = redactLogs(logs)
	} else {
		d.log.Warn("log tail unavailable", "incident", inc.ID, "error", err)
	}

	if inspect, err := d.source.InspectContainer(ctx, inc.ContainerID); err == nil && inspect.Config != nil {
		ic.Environment = envToMap(inspect.Config.Env)
	}

	ic.Stats = d.fleetStats()

	if d.composePath != "" {
		if stanza, err := ComposeServiceConfig(d.composePath, inc.Service); err == nil {
			ic.Compose = stanza
		} else {
			d.log.Debug("compose context unavailable", "error", err)
		}
	}
	return ic
}

// fleetStats summarises every monitored container, so the analyzer can spot
// cross-container causes.
func (d *Driver) fleetStats() map[string]any {
	stats := make(map[string]any)
	for _, desc := range d.registry.Snapshot() {
		entry := map[string]any{
			"status":   desc.Status,
			"restarts": desc.RestartCount,
		}
		if s := desc.LastSample; s != nil {
			entry["cpu_percent"] = s.CPUPercent
			entry["memory_percent"] = s.MemoryPercent
		}
		stats[desc.Service] = entry
	}
	return stats
}

func envToMap(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	return out
}

func redactLogs(logs string) string {
	lines := strings.Split(logs, "\n")
	for i, l := range lines {
		lines[i] = redact.Line(l)
	}
	return strings.Join(lines, "\n")
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

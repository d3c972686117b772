package heal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sre-sentinel/sentinel/internal/clock"
	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
	"github.com/sre-sentinel/sentinel/internal/metrics"
	"github.com/sre-sentinel/sentinel/internal/retry"
)

const (
	defaultCallTimeout  = 30 * time.Second
	recreateCallTimeout = 120 * time.Second
)

// recreateTools need the long per-call timeout because the gateway tears the
// container down and builds a new one.
var recreateTools = map[string]bool{
	"update_env_vars":  true,
	"update_resources": true,
}

// readOnlyTools succeed on any payload, without a success flag.
var readOnlyTools = map[string]bool{
	"health_check": true,
}

// Session is the gateway surface the executor drives.
type Session interface {
	Connect(ctx context.Context) error
	Call(ctx context.Context, name string, args map[string]any) (ToolResult, error)
	Tool(name string) (Tool, bool)
}

// Recorder receives action outcomes as they happen.
type Recorder interface {
	AppendOutcome(id string, o incident.ActionOutcome) error
}

// EnvUpdater recreates a container with merged environment updates. The
// env-var tool runs against the engine directly rather than the gateway, so
// the committed-image recreate semantics stay under our control.
type EnvUpdater interface {
	UpdateEnv(ctx context.Context, containerName string, updates map[string]string) (string, error)
}

// Executor runs a remediation plan action by action, in priority order,
// recording an outcome for each.
type Executor struct {
	session Session
	store   Recorder
	env     EnvUpdater
	clk     clock.Clock
	log     *logging.Logger
	policy  retry.Policy
}

func NewExecutor(session Session, store Recorder, env EnvUpdater, clk clock.Clock, log *logging.Logger) *Executor {
	return &Executor{
		session: session,
		store:   store,
		env:     env,
		clk:     clk,
		log:     log.Component("executor"),
		// Two extra attempts after the first, waiting 1s then 3s.
		policy: retry.Policy{Attempts: 3, Base: time.Second, Multiplier: 3},
	}
}

// Execute runs all plan actions on the incident. It returns the fatal error
// kind that aborted the plan, or "" when every action was attempted. A fatal
// failure on an action with priority <= 2 aborts the remainder.
func (e *Executor) Execute(ctx context.Context, inc incident.Incident) incident.ErrorKind {
	plan := append([]incident.Action(nil), inc.Plan...)
	sort.SliceStable(plan, func(i, j int) bool { return plan[i].Priority < plan[j].Priority })

	rehandshaken := false
	for _, action := range plan {
		outcome := e.run(ctx, action, &rehandshaken)
		result := "success"
		if !outcome.Success {
			result = "error"
		}
		metrics.ActionsTotal.WithLabelValues(action.Tool, result).Inc()
		if err := e.store.AppendOutcome(inc.ID, outcome); err != nil {
			e.log.Warn("failed to record outcome", "incident", inc.ID, "error", err)
		}
		if !outcome.Success {
			e.log.Warn("action failed", "incident", inc.ID, "tool", action.Tool,
				"kind", outcome.ErrorKind, "error", outcome.Error)
			if outcome.ErrorKind.Fatal() && action.Priority <= 2 {
				return outcome.ErrorKind
			}
			continue
		}
		e.log.Info("action succeeded", "incident", inc.ID, "tool", action.Tool, "attempts", outcome.Attempts)
	}
	return ""
}

func (e *Executor) run(ctx context.Context, action incident.Action, rehandshaken *bool) incident.ActionOutcome {
	started := e.clk.Now()
	outcome := incident.ActionOutcome{Action: action, Attempts: 1, Timestamp: started.UTC()}
	fail := func(kind incident.ErrorKind, err error) incident.ActionOutcome {
		outcome.ErrorKind = kind
		outcome.Error = err.Error()
		outcome.Duration = e.clk.Since(started)
		return outcome
	}

	tool, ok := e.session.Tool(action.Tool)
	if !ok {
		return fail(incident.ErrToolNotFound, fmt.Errorf("tool %q not in gateway catalog", action.Tool))
	}
	if err := validateArgs(tool.InputSchema, action.Arguments); err != nil {
		return fail(incident.ErrSchemaViolation, err)
	}

	timeout := defaultCallTimeout
	if recreateTools[action.Tool] {
		timeout = recreateCallTimeout
	}

	if action.Tool == "update_env_vars" && e.env != nil {
		return e.runEnvUpdate(ctx, action, timeout, started)
	}

	var result ToolResult
	attempts := 0
	err := retry.Do(ctx, e.clk, e.policy, func() error {
		attempts++
		res, callErr := e.callOnce(ctx, action, timeout)
		if errors.Is(callErr, ErrSessionLost) {
			if *rehandshaken {
				return retry.Stop(callErr)
			}
			// The gateway dropped our session. Re-handshake once for the
			// whole plan, then retry this call immediately.
			*rehandshaken = true
			metrics.GatewayReconnects.Inc()
			if cerr := e.session.Connect(ctx); cerr != nil {
				return retry.Stop(fmt.Errorf("re-handshake: %w", cerr))
			}
			res, callErr = e.callOnce(ctx, action, timeout)
			if errors.Is(callErr, ErrSessionLost) {
				// A fresh session dropped immediately. The gateway is gone,
				// not flaky.
				return retry.Stop(callErr)
			}
		}
		if callErr != nil {
			return callErr
		}
		result = res
		return nil
	})
	outcome.Attempts = attempts
	if err != nil {
		return fail(incident.ErrGatewayUnavailable, err)
	}

	outcome.Output = result.Text
	if !result.Succeeded(readOnlyTools[action.Tool]) {
		toolErr := result.Text
		if msg, ok := result.Payload["error"].(string); ok && msg != "" {
			toolErr = msg
		}
		return fail(incident.ErrToolExecution, errors.New(toolErr))
	}

	outcome.Success = true
	outcome.Duration = e.clk.Since(started)
	return outcome
}

func (e *Executor) callOnce(ctx context.Context, action incident.Action, timeout time.Duration) (ToolResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.session.Call(cctx, action.Tool, action.Arguments)
}

// runEnvUpdate executes update_env_vars natively: commit the container's
// current state, recreate it from that image with the merged environment.
func (e *Executor) runEnvUpdate(ctx context.Context, action incident.Action, timeout time.Duration, started time.Time) incident.ActionOutcome {
	outcome := incident.ActionOutcome{Action: action, Attempts: 1, Timestamp: started.UTC()}

	name, _ := action.Arguments["container_name"].(string)
	rawUpdates, _ := action.Arguments["env_updates"].(map[string]any)
	updates := make(map[string]string, len(rawUpdates))
	for k, v := range rawUpdates {
		updates[k] = fmt.Sprint(v)
	}
	if name == "" || len(updates) == 0 {
		outcome.ErrorKind = incident.ErrSchemaViolation
		outcome.Error = "update_env_vars requires container_name and env_updates"
		outcome.Duration = e.clk.Since(started)
		return outcome
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	newID, err := e.env.UpdateEnv(cctx, name, updates)
	outcome.Duration = e.clk.Since(started)
	if err != nil {
		outcome.ErrorKind = incident.ErrToolExecution
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Success = true
	outcome.Output = fmt.Sprintf(`{"success": true, "message": "container %s recreated as %s"}`, name, newID)
	return outcome
}

// validateArgs checks the argument mapping against the tool's JSON schema:
// required fields present, declared property types respected, and no unknown
// fields when the schema forbids them.
func validateArgs(schema map[string]any, args map[string]any) error {
	if schema == nil {
		return nil
	}
	props, _ := schema["properties"].(map[string]any)

	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, _ := r.(string)
			if _, present := args[name]; !present {
				return fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	if add, ok := schema["additionalProperties"].(bool); ok && !add {
		for name := range args {
			if _, declared := props[name]; !declared {
				return fmt.Errorf("unknown argument %q", name)
			}
		}
	}

	for name, value := range args {
		spec, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := spec["type"].(string)
		if declared == "" {
			continue
		}
		if !matchesType(declared, value) {
			return fmt.Errorf("argument %q: expected %s, got %T", name, declared, value)
		}
	}
	return nil
}

func matchesType(declared string, value any) bool {
	switch declared {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, int:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return true
}

package heal

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
)

type scripted struct {
	res ToolResult
	err error
}

type fakeSession struct {
	mu       sync.Mutex
	tools    map[string]Tool
	script   map[string][]scripted
	calls    []string
	connects int
}

func newFakeSession(toolNames ...string) *fakeSession {
	tools := make(map[string]Tool)
	for _, name := range toolNames {
		tools[name] = Tool{Name: name, Description: name}
	}
	return &fakeSession{tools: tools, script: make(map[string][]scripted)}
}

func (s *fakeSession) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return nil
}

func (s *fakeSession) Tool(name string) (Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[name]
	return t, ok
}

func (s *fakeSession) Call(_ context.Context, name string, _ map[string]any) (ToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	if q := s.script[name]; len(q) > 0 {
		r := q[0]
		s.script[name] = q[1:]
		return r.res, r.err
	}
	return okResult(), nil
}

func okResult() ToolResult {
	return ToolResult{Text: `{"success": true}`, Payload: map[string]any{"success": true}}
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []incident.ActionOutcome
}

func (f *fakeRecorder) AppendOutcome(_ string, o incident.ActionOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
	return nil
}

type fakeEnvUpdater struct {
	calls   int
	name    string
	updates map[string]string
}

func (f *fakeEnvUpdater) UpdateEnv(_ context.Context, name string, updates map[string]string) (string, error) {
	f.calls++
	f.name = name
	f.updates = updates
	return "new-container-id", nil
}

func newTestExecutor(s Session, r Recorder, env EnvUpdater) (*Executor, *fakeClock) {
	clk := newFakeClock()
	return NewExecutor(s, r, env, clk, logging.New(false)), clk
}

func planIncident(actions ...incident.Action) incident.Incident {
	return incident.Incident{ID: "INC-20260101-000000", ContainerID: "c1", Plan: actions}
}

func TestExecutePriorityOrder(t *testing.T) {
	session := newFakeSession("a", "b", "c")
	rec := &fakeRecorder{}
	ex, _ := newTestExecutor(session, rec, nil)

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "c", Priority: 3},
		incident.Action{Tool: "a", Priority: 1},
		incident.Action{Tool: "b", Priority: 2},
	))
	if kind != "" {
		t.Fatalf("Execute() = %q, want clean run", kind)
	}
	if !slices.Equal(session.calls, []string{"a", "b", "c"}) {
		t.Errorf("call order = %v", session.calls)
	}
	if len(rec.outcomes) != 3 {
		t.Errorf("outcomes = %d, want 3", len(rec.outcomes))
	}
}

func TestTiesKeepInsertionOrder(t *testing.T) {
	session := newFakeSession("first", "second")
	ex, _ := newTestExecutor(session, &fakeRecorder{}, nil)

	ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "first", Priority: 2},
		incident.Action{Tool: "second", Priority: 2},
	))
	if !slices.Equal(session.calls, []string{"first", "second"}) {
		t.Errorf("call order = %v", session.calls)
	}
}

func TestToolNotFound(t *testing.T) {
	session := newFakeSession("known")
	rec := &fakeRecorder{}
	ex, _ := newTestExecutor(session, rec, nil)

	// Low priority: recorded but the plan continues.
	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "unknown_tool", Priority: 3},
		incident.Action{Tool: "known", Priority: 4},
	))
	if kind != "" {
		t.Errorf("Execute() = %q, want continue", kind)
	}
	if rec.outcomes[0].ErrorKind != incident.ErrToolNotFound {
		t.Errorf("outcome kind = %q", rec.outcomes[0].ErrorKind)
	}
	if !slices.Equal(session.calls, []string{"known"}) {
		t.Errorf("calls = %v", session.calls)
	}
}

func TestToolNotFoundHighPriorityAborts(t *testing.T) {
	session := newFakeSession("known")
	rec := &fakeRecorder{}
	ex, _ := newTestExecutor(session, rec, nil)

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "unknown_tool", Priority: 1},
		incident.Action{Tool: "known", Priority: 3},
	))
	if kind != incident.ErrToolNotFound {
		t.Errorf("Execute() = %q, want tool_not_found", kind)
	}
	if len(session.calls) != 0 {
		t.Errorf("plan continued after fatal failure: %v", session.calls)
	}
	if len(rec.outcomes) != 1 {
		t.Errorf("outcomes = %d, want 1", len(rec.outcomes))
	}
}

func TestSchemaViolation(t *testing.T) {
	session := newFakeSession("restart_container")
	session.tools["restart_container"] = Tool{
		Name: "restart_container",
		InputSchema: map[string]any{
			"type":                 "object",
			"properties":           map[string]any{"container_name": map[string]any{"type": "string"}},
			"required":             []any{"container_name"},
			"additionalProperties": false,
		},
	}
	rec := &fakeRecorder{}
	ex, _ := newTestExecutor(session, rec, nil)

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "restart_container", Priority: 1, Arguments: map[string]any{"reason": "missing name"}},
	))
	if kind != incident.ErrSchemaViolation {
		t.Errorf("Execute() = %q, want schema_violation", kind)
	}
	if len(session.calls) != 0 {
		t.Error("invalid action reached the gateway")
	}
}

func TestTransientErrorRetriesWithBackoff(t *testing.T) {
	session := newFakeSession("restart_container")
	session.script["restart_container"] = []scripted{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{res: okResult()},
	}
	rec := &fakeRecorder{}
	ex, clk := newTestExecutor(session, rec, nil)

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "restart_container", Priority: 1},
	))
	if kind != "" {
		t.Fatalf("Execute() = %q, want success after retries", kind)
	}
	out := rec.outcomes[0]
	if !out.Success || out.Attempts != 3 {
		t.Errorf("outcome = %+v", out)
	}
	if !slices.Contains(clk.delays, time.Second) || !slices.Contains(clk.delays, 3*time.Second) {
		t.Errorf("backoff delays = %v, want 1s and 3s", clk.delays)
	}
}

func TestGatewayUnavailableAfterRetries(t *testing.T) {
	session := newFakeSession("restart_container")
	session.script["restart_container"] = []scripted{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
	}
	rec := &fakeRecorder{}
	ex, _ := newTestExecutor(session, rec, nil)

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "restart_container", Priority: 1},
	))
	if kind != incident.ErrGatewayUnavailable {
		t.Errorf("Execute() = %q, want gateway_unavailable", kind)
	}
	if rec.outcomes[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rec.outcomes[0].Attempts)
	}
}

func TestSessionLostRehandshakesExactlyOnce(t *testing.T) {
	session := newFakeSession("restart_container", "health_check")
	session.script["restart_container"] = []scripted{
		{err: ErrSessionLost},
		{res: okResult()},
	}
	rec := &fakeRecorder{}
	ex, _ := newTestExecutor(session, rec, nil)

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "restart_container", Priority: 1},
		incident.Action{Tool: "health_check", Priority: 3},
	))
	if kind != "" {
		t.Fatalf("Execute() = %q, want success", kind)
	}
	if session.connects != 1 {
		t.Errorf("connects = %d, want exactly 1", session.connects)
	}
	if !rec.outcomes[0].Success || !rec.outcomes[1].Success {
		t.Errorf("outcomes = %+v", rec.outcomes)
	}
}

func TestSecondSessionLossIsFatal(t *testing.T) {
	session := newFakeSession("restart_container")
	session.script["restart_container"] = []scripted{
		{err: ErrSessionLost},
		{err: ErrSessionLost},
	}
	rec := &fakeRecorder{}
	ex, _ := newTestExecutor(session, rec, nil)

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "restart_container", Priority: 1},
	))
	if kind != incident.ErrGatewayUnavailable {
		t.Errorf("Execute() = %q, want gateway_unavailable", kind)
	}
	if session.connects != 1 {
		t.Errorf("connects = %d, want 1", session.connects)
	}
}

func TestToolExecutionErrorContinuesPlan(t *testing.T) {
	session := newFakeSession("restart_container", "health_check")
	session.script["restart_container"] = []scripted{
		{res: ToolResult{IsError: true, Text: `{"success": false, "error": "no such container"}`,
			Payload: map[string]any{"success": false, "error": "no such container"}}},
	}
	rec := &fakeRecorder{}
	ex, _ := newTestExecutor(session, rec, nil)

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "restart_container", Priority: 1},
		incident.Action{Tool: "health_check", Priority: 3},
	))
	if kind != "" {
		t.Errorf("Execute() = %q, tool_execution_error should not abort", kind)
	}
	if rec.outcomes[0].ErrorKind != incident.ErrToolExecution || rec.outcomes[0].Error != "no such container" {
		t.Errorf("outcome = %+v", rec.outcomes[0])
	}
	if !slices.Contains(session.calls, "health_check") {
		t.Error("plan did not continue past soft failure")
	}
}

func TestEnvUpdateRunsNatively(t *testing.T) {
	session := newFakeSession("update_env_vars")
	rec := &fakeRecorder{}
	env := &fakeEnvUpdater{}
	ex, _ := newTestExecutor(session, rec, env)

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "update_env_vars", Priority: 2, Arguments: map[string]any{
			"container_name": "demo-postgres",
			"env_updates":    map[string]any{"MAX_CONNECTIONS": "200"},
		}},
	))
	if kind != "" {
		t.Fatalf("Execute() = %q", kind)
	}
	if env.calls != 1 || env.name != "demo-postgres" || env.updates["MAX_CONNECTIONS"] != "200" {
		t.Errorf("env updater = %+v", env)
	}
	if len(session.calls) != 0 {
		t.Error("env update went through the gateway")
	}
	if !rec.outcomes[0].Success {
		t.Errorf("outcome = %+v", rec.outcomes[0])
	}
}

func TestEnvUpdateRequiresArguments(t *testing.T) {
	session := newFakeSession("update_env_vars")
	rec := &fakeRecorder{}
	ex, _ := newTestExecutor(session, rec, &fakeEnvUpdater{})

	kind := ex.Execute(context.Background(), planIncident(
		incident.Action{Tool: "update_env_vars", Priority: 1, Arguments: map[string]any{"container_name": "x"}},
	))
	if kind != incident.ErrSchemaViolation {
		t.Errorf("Execute() = %q, want schema_violation", kind)
	}
}

func TestValidateArgs(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":    map[string]any{"type": "string"},
			"count":   map[string]any{"type": "integer"},
			"ratio":   map[string]any{"type": "number"},
			"enable":  map[string]any{"type": "boolean"},
			"options": map[string]any{"type": "object"},
		},
		"required":             []any{"name"},
		"additionalProperties": false,
	}

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"name": "x", "count": 3, "enable": true}, false},
		{"json numbers", map[string]any{"name": "x", "count": float64(3), "ratio": 0.5}, false},
		{"missing required", map[string]any{"count": 3}, true},
		{"wrong type", map[string]any{"name": 42}, true},
		{"fractional integer", map[string]any{"name": "x", "count": 3.5}, true},
		{"unknown field", map[string]any{"name": "x", "bogus": 1}, true},
		{"object value", map[string]any{"name": "x", "options": map[string]any{"a": 1}}, false},
		{"nil schema", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var schemaArg map[string]any
			if tt.name != "nil schema" {
				schemaArg = schema
			}
			err := validateArgs(schemaArg, tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

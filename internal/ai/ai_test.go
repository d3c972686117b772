package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sre-sentinel/sentinel/internal/incident"
	"github.com/sre-sentinel/sentinel/internal/logging"
)

func incidentAnalysis() incident.Analysis {
	return incident.Analysis{
		RootCause:          "postgres hit its connection limit",
		Explanation:        "too many clients",
		AffectedComponents: []string{"api", "postgres"},
		Confidence:         0.9,
	}
}

// completionServer serves a canned chat completion and records the request.
func completionServer(t *testing.T, content string) (*httptest.Server, *[]byte) {
	t.Helper()
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		lastBody, _ = io.ReadAll(r.Body)
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &lastBody
}

func verdictJSON(confidence float64) string {
	return fmt.Sprintf(`{"is_anomaly": true, "confidence": %v, "anomaly_type": "error", "severity": "high", "summary": "db refused connections"}`, confidence)
}

func TestClassify(t *testing.T) {
	srv, lastBody := completionServer(t, verdictJSON(0.92))
	client := NewClient(srv.URL+"/v1", "test-key", "fast-model")
	c := NewClassifier(client, 3*time.Second, logging.New(false))

	long := strings.Repeat("x", 900)
	v, err := c.Classify(context.Background(), "api", []string{"connection refused", long}, map[string]any{"cpu": 12.5})
	if err != nil {
		t.Fatalf("Classify() error: %v", err)
	}
	if !v.IsAnomaly || v.Confidence != 0.92 || v.Severity != "high" {
		t.Errorf("verdict = %+v", v)
	}

	var req chatRequest
	if err := json.Unmarshal(*lastBody, &req); err != nil {
		t.Fatalf("request body: %v", err)
	}
	if req.Model != "fast-model" {
		t.Errorf("model = %q", req.Model)
	}
	user := req.Messages[1].Content
	if strings.Contains(user, long) {
		t.Error("long line not truncated in classifier request")
	}
	if !strings.Contains(user, strings.Repeat("x", maxClassifierLineLen)) {
		t.Error("truncated line missing from classifier request")
	}
	if !strings.Contains(user, "Additional context") || !strings.Contains(user, "cpu") {
		t.Error("metadata block missing from classifier request")
	}
}

func TestClassifierTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClassifier(NewClient(srv.URL, "", "m"), 50*time.Millisecond, logging.New(false))
	if _, err := c.Classify(context.Background(), "api", []string{"line"}, nil); err == nil {
		t.Error("Classify() succeeded despite timeout")
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", verdictJSON(0.7), false},
		{"fenced", "```json\n" + verdictJSON(0.7) + "\n```", false},
		{"unknown type", `{"is_anomaly":true,"confidence":0.9,"anomaly_type":"mystery","severity":"high","summary":"x"}`, true},
		{"unknown severity", `{"is_anomaly":true,"confidence":0.9,"anomaly_type":"error","severity":"maximal","summary":"x"}`, true},
		{"confidence out of range", verdictJSON(1.2), true},
		{"not json", "the logs look fine to me", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseVerdict(tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseVerdict() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseVerdictNormalizesCase(t *testing.T) {
	v, err := parseVerdict(`{"is_anomaly":true,"confidence":0.8,"anomaly_type":"Error","severity":"HIGH","summary":"x"}`)
	if err != nil {
		t.Fatal(err)
	}
	if v.AnomalyType != "error" || v.Severity != "high" {
		t.Errorf("verdict = %+v", v)
	}
}

const analysisContent = `{
  "root_cause": "postgres hit its connection limit",
  "explanation": "api logs show connection refused while postgres logs show too many clients",
  "affected_components": ["api", "postgres"],
  "suggested_fixes": [
    {"action": "restart_container", "target": "demo-postgres", "parameters": {"container_name": "demo-postgres", "reason": "reset connections"}, "priority": 1, "details": "clears leaked connections"},
    {"action": "update_env_vars", "target": "demo-postgres", "parameters": {"container_name": "demo-postgres", "env_updates": {"MAX_CONNECTIONS": "200"}}, "priority": 9}
  ],
  "confidence": 0.9,
  "prevention": "configure a connection pooler"
}`

func TestParseAnalysis(t *testing.T) {
	analysis, actions, err := parseAnalysis(analysisContent)
	if err != nil {
		t.Fatalf("parseAnalysis() error: %v", err)
	}
	if analysis.RootCause == "" || analysis.Confidence != 0.9 {
		t.Errorf("analysis = %+v", analysis)
	}
	if len(actions) != 2 {
		t.Fatalf("len(actions) = %d, want 2", len(actions))
	}
	if actions[0].Tool != "restart_container" || actions[0].Priority != 1 || actions[0].Rationale != "clears leaked connections" {
		t.Errorf("actions[0] = %+v", actions[0])
	}
	if actions[1].Priority != 5 {
		t.Errorf("priority not clamped: %d", actions[1].Priority)
	}
}

func TestParseAnalysisRejectsGarbage(t *testing.T) {
	if _, _, err := parseAnalysis(`{"explanation": "no root cause here"}`); err == nil {
		t.Error("analysis without root_cause accepted")
	}
	if _, _, err := parseAnalysis(`{"root_cause": "x", "confidence": 3}`); err == nil {
		t.Error("out-of-range confidence accepted")
	}
	if _, _, err := parseAnalysis(`{"root_cause": "x", "suggested_fixes": [{"target": "y"}]}`); err == nil {
		t.Error("fix without action name accepted")
	}
}

func TestAnalyzeEndToEnd(t *testing.T) {
	srv, lastBody := completionServer(t, analysisContent)
	a := NewAnalyzer(NewClient(srv.URL+"/v1", "k", "deep-model"), 45*time.Second, logging.New(false))

	analysis, actions, err := a.Analyze(context.Background(), IncidentContext{
		Service:        "api",
		AnomalySummary: "db unreachable",
		FullLogs:       "connection refused to demo-postgres",
		Environment:    map[string]string{"DATABASE_PASSWORD": "hunter2", "PORT": "3000"},
		AvailableTools: "- restart_container: restarts a container",
	})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if analysis.RootCause == "" || len(actions) != 2 {
		t.Errorf("analysis = %+v, actions = %d", analysis, len(actions))
	}

	body := string(*lastBody)
	if strings.Contains(body, "hunter2") {
		t.Error("secret env value leaked into analyzer request")
	}
	if !strings.Contains(body, "Available Gateway Tools") {
		t.Error("tool catalog missing from context")
	}
}

func TestBuildContextSections(t *testing.T) {
	out := BuildContext(IncidentContext{
		AnomalySummary: "api down",
		FullLogs:       "some logs",
		Compose:        "services:\n  api: {}",
		Environment:    map[string]string{"API_KEY": "sk-secret", "PORT": "3000"},
		Stats:          map[string]any{"cpu": 99.0},
	})

	for _, want := range []string{"# Anomaly Detected", "# Container Stats", "# Environment Variables", "# Compose Configuration", "# Complete Log History"} {
		if !strings.Contains(out, want) {
			t.Errorf("context missing section %q", want)
		}
	}
	if strings.Contains(out, "sk-secret") {
		t.Error("context leaked secret value")
	}
	if !strings.Contains(out, "PORT") {
		t.Error("benign env var dropped")
	}
}

func TestExplainForHumans(t *testing.T) {
	srv, _ := completionServer(t, "  The database ran out of connections.\n")
	a := NewAnalyzer(NewClient(srv.URL+"/v1", "", "m"), time.Second, logging.New(false))

	out, err := a.ExplainForHumans(context.Background(), incidentAnalysis())
	if err != nil {
		t.Fatal(err)
	}
	if out != "The database ran out of connections." {
		t.Errorf("explanation = %q", out)
	}
}

func TestCompleteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream broke")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "m")
	if _, err := c.Complete(context.Background(), "s", "u", 100, true); err == nil {
		t.Error("Complete() succeeded on 502")
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices": []}`)
	}))
	defer empty.Close()
	if _, err := NewClient(empty.URL, "", "m").Complete(context.Background(), "s", "u", 100, true); err == nil {
		t.Error("Complete() succeeded with no choices")
	}
}

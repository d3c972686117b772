// Package heal drives remediation: the tool gateway session, the plan
// executor, and the post-remediation verifier.
package heal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sre-sentinel/sentinel/internal/logging"
)

const protocolVersion = "2024-11-05"

// ErrSessionLost signals that the gateway no longer recognises our session
// token. The executor re-handshakes exactly once per plan on seeing it.
var ErrSessionLost = errors.New("gateway session lost")

// Tool is one entry of the gateway's discovered catalog.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolResult is the parsed payload of one tools/call response.
type ToolResult struct {
	IsError bool
	Text    string
	Payload map[string]any
}

// Succeeded applies the success convention: the payload's success flag wins;
// a read-only probe counts as success when it returned any payload at all.
func (r ToolResult) Succeeded(readOnly bool) bool {
	if r.IsError {
		return false
	}
	if v, ok := r.Payload["success"].(bool); ok {
		return v
	}
	return readOnly && r.Text != ""
}

// Gateway owns the session with the remediation tool gateway. All calls
// serialize through it; the session token and tool catalog are cached from
// the handshake.
type Gateway struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger

	mu        sync.Mutex
	sessionID string
	tools     map[string]Tool
	order     []string
}

func NewGateway(baseURL string, log *logging.Logger) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		log:     log.Component("gateway"),
		tools:   make(map[string]Tool),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Connect performs the initialize handshake and discovers the tool catalog.
// Safe to call again to replace an expired session.
func (g *Gateway) Connect(ctx context.Context) error {
	session, err := g.handshake(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.sessionID = session
	g.mu.Unlock()

	if err := g.discover(ctx); err != nil {
		return err
	}
	g.log.Info("gateway connected", "tools", len(g.Tools()))
	return nil
}

func (g *Gateway) handshake(ctx context.Context) (string, error) {
	body, _ := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "sre-sentinel", "version": "1.0.0"},
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway handshake: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway handshake returned %s", resp.Status)
	}
	session := resp.Header.Get("Mcp-Session-Id")
	if session == "" {
		return "", fmt.Errorf("gateway handshake returned no session id")
	}
	return session, nil
}

func (g *Gateway) discover(ctx context.Context) error {
	result, err := g.rpc(ctx, "tools/list", map[string]any{})
	if err != nil {
		return fmt.Errorf("discover tools: %w", err)
	}

	var listed struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &listed); err != nil {
		return fmt.Errorf("decode tool catalog: %w", err)
	}
	if len(listed.Tools) == 0 {
		return fmt.Errorf("gateway advertised no tools")
	}

	g.mu.Lock()
	g.tools = make(map[string]Tool, len(listed.Tools))
	g.order = g.order[:0]
	for _, t := range listed.Tools {
		g.tools[t.Name] = t
		g.order = append(g.order, t.Name)
	}
	g.mu.Unlock()
	return nil
}

// EnsureConnected performs the handshake on first use and is a no-op while a
// session and catalog are held.
func (g *Gateway) EnsureConnected(ctx context.Context) error {
	g.mu.Lock()
	ready := g.sessionID != "" && len(g.tools) > 0
	g.mu.Unlock()
	if ready {
		return nil
	}
	return g.Connect(ctx)
}

// Call invokes one tool through the session. Transport and protocol failures
// come back as errors; a tool-level failure is a ToolResult with IsError.
func (g *Gateway) Call(ctx context.Context, name string, args map[string]any) (ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := g.rpc(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return ToolResult{}, err
	}

	var call struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &call); err != nil {
		return ToolResult{}, fmt.Errorf("decode tool result: %w", err)
	}
	if len(call.Content) == 0 {
		return ToolResult{}, fmt.Errorf("tool %s returned no content", name)
	}

	out := ToolResult{IsError: call.IsError, Text: call.Content[0].Text}
	var payload map[string]any
	if json.Unmarshal([]byte(out.Text), &payload) == nil {
		out.Payload = payload
	}
	return out, nil
}

// rpc posts one JSON-RPC request and returns the result member. The gateway
// answers over server-sent events, so the body is scanned for data frames.
func (g *Gateway) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	g.mu.Lock()
	session := g.sessionID
	g.mu.Unlock()
	if session == "" && method != "initialize" {
		return nil, ErrSessionLost
	}

	body, _ := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  params,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/mcp", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Mcp-Session-Id", session)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrSessionLost
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway %s returned %s", method, resp.Status)
	}

	payload, err := extractEventData(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal([]byte(payload), &rpcResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		if sessionLostCode(rpcResp.Error) {
			return nil, ErrSessionLost
		}
		return nil, fmt.Errorf("gateway %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 {
		return nil, fmt.Errorf("gateway %s response had no result", method)
	}
	return rpcResp.Result, nil
}

func sessionLostCode(e *rpcError) bool {
	return e.Code == -32001 || strings.Contains(strings.ToLower(e.Message), "session")
}

// extractEventData pulls the JSON payload out of an SSE body. Plain JSON
// bodies pass through unchanged.
func extractEventData(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok && data != "" {
			return data, nil
		}
	}
	return "", fmt.Errorf("no data frame in response")
}

// Tool looks up a catalog entry by name.
func (g *Gateway) Tool(name string) (Tool, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tools[name]
	return t, ok
}

// Tools returns the catalog in the order the gateway advertised it.
func (g *Gateway) Tools() []Tool {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Tool, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.tools[name])
	}
	return out
}

// CatalogForPrompt formats the catalog for the analyzer's context.
func (g *Gateway) CatalogForPrompt() string {
	var b strings.Builder
	for _, t := range g.Tools() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		if len(t.InputSchema) > 0 {
			if schema, err := json.Marshal(t.InputSchema); err == nil {
				fmt.Fprintf(&b, "  input schema: %s\n", schema)
			}
		}
	}
	return b.String()
}

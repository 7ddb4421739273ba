// Package mcptoolset adapts Model Context Protocol servers into loopcore's
// Tool Registry. It supports two transports: stdio subprocesses (via
// mark3labs/mcp-go) and HTTP JSON-RPC (via net/http with retry). The
// connection is established lazily, on first Tools call, not at
// construction.
package mcptoolset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/loopcore/permission"
	"github.com/kadirpekel/loopcore/tool"
)

// Config configures one MCP server connection.
type Config struct {
	Name string

	// Transport is "stdio" or "http". Command!="" implies stdio.
	Transport string

	// stdio fields.
	Command string
	Args    []string
	Env     map[string]string

	// http fields.
	URL string

	// Filter restricts the exposed tool set to these names; empty means all.
	Filter []string

	MaxRetries int
	Timeout    time.Duration

	// Permission is the class assigned to every tool this server exposes.
	// withDefaults leaves it as given, so the zero value is ReadOnly;
	// agentloopd sets ExecuteUnsafe, since MCP servers are arbitrary
	// external code.
	Permission permission.Class
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = "stdio"
		} else {
			c.Transport = "http"
		}
	}
	return c
}

// Toolset is a lazily-connected MCP server exposed as a set of Tool
// registrants.
type Toolset struct {
	cfg Config

	mu        sync.Mutex
	connected bool
	stdio     *client.Client
	httpClnt  *http.Client
	filterSet map[string]bool
	tools     []*mcpTool
}

// New validates cfg and builds an unconnected Toolset. The MCP handshake
// happens on first Tools call.
func New(cfg Config) (*Toolset, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("mcptoolset: either url or command is required")
	}
	cfg = cfg.withDefaults()

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, n := range cfg.Filter {
			filterSet[n] = true
		}
	}

	return &Toolset{cfg: cfg, filterSet: filterSet}, nil
}

// Tools returns the server's tools as Tool registrants, connecting on first
// call.
func (t *Toolset) Tools(ctx context.Context) ([]tool.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("mcptoolset %s: connect: %w", t.cfg.Name, err)
		}
	}

	out := make([]tool.Tool, len(t.tools))
	for i, mt := range t.tools {
		out[i] = mt
	}
	return out, nil
}

func (t *Toolset) connect(ctx context.Context) error {
	if t.cfg.Transport == "stdio" {
		return t.connectStdio(ctx)
	}
	return t.connectHTTP(ctx)
}

func (t *Toolset) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(t.cfg.Env))
	for k, v := range t.cfg.Env {
		env = append(env, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(t.cfg.Command, env, t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "loopcore", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	var tools []*mcpTool
	for _, mt := range listResp.Tools {
		if t.filterSet != nil && !t.filterSet[mt.Name] {
			continue
		}
		tools = append(tools, &mcpTool{
			toolset: t,
			name:    mt.Name,
			desc:    mt.Description,
			schema:  convertSchema(mt.InputSchema),
		})
	}

	t.stdio = c
	t.tools = tools
	t.connected = true
	return nil
}

// connectHTTP speaks the same JSON-RPC shape over plain HTTP POST, for MCP
// servers exposed as streamable-http endpoints rather than subprocesses.
func (t *Toolset) connectHTTP(ctx context.Context) error {
	t.httpClnt = &http.Client{Timeout: t.cfg.Timeout}

	initResp, err := t.rpc(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "loopcore", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("initialize: %s", initResp.Error.Message)
	}

	listResp, err := t.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("list tools: %s", listResp.Error.Message)
	}

	resultMap, _ := listResp.Result.(map[string]any)
	rawTools, _ := resultMap["tools"].([]any)

	var tools []*mcpTool
	for _, raw := range rawTools {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if t.filterSet != nil && !t.filterSet[name] {
			continue
		}
		desc, _ := m["description"].(string)
		schema, _ := m["inputSchema"].(map[string]any)
		tools = append(tools, &mcpTool{toolset: t, name: name, desc: desc, schema: schema})
	}

	t.tools = tools
	t.connected = true
	return nil
}

type rpcResponse struct {
	Result any `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rpc issues one JSON-RPC request, retrying on transport failure with a
// linearly growing delay (500ms per attempt, capped at 5s).
func (t *Toolset) rpc(ctx context.Context, method string, params any) (*rpcResponse, error) {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxRetries+1; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.httpClnt.Do(req)
		if err != nil {
			lastErr = err
			if attempt <= t.cfg.MaxRetries {
				time.Sleep(backoffDelay(attempt))
				continue
			}
			return nil, lastErr
		}

		var decoded rpcResponse
		decErr := json.NewDecoder(resp.Body).Decode(&decoded)
		resp.Body.Close()
		if decErr != nil {
			return nil, decErr
		}
		return &decoded, nil
	}
	return nil, lastErr
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	_ = json.Unmarshal(data, &result)
	return result
}

// mcpTool adapts one remote MCP tool to the Tool interface.
type mcpTool struct {
	toolset *Toolset
	name    string
	desc    string
	schema  map[string]any
}

func (m *mcpTool) Name() string                { return m.name }
func (m *mcpTool) Description() string         { return m.desc }
func (m *mcpTool) Schema() map[string]any      { return m.schema }
func (m *mcpTool) Permission() permission.Class { return m.toolset.cfg.Permission }

func (m *mcpTool) Execute(ctx context.Context, params map[string]any) (tool.Result, error) {
	if m.toolset.cfg.Transport == "stdio" {
		return m.executeStdio(ctx, params)
	}
	return m.executeHTTP(ctx, params)
}

func (m *mcpTool) executeStdio(ctx context.Context, params map[string]any) (tool.Result, error) {
	m.toolset.mu.Lock()
	c := m.toolset.stdio
	m.toolset.mu.Unlock()

	if c == nil {
		return tool.Result{}, fmt.Errorf("mcp client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = m.name
	req.Params.Arguments = params

	resp, err := c.CallTool(ctx, req)
	if err != nil {
		return tool.Result{}, fmt.Errorf("mcp call failed: %w", err)
	}
	return parseCallResult(resp), nil
}

func (m *mcpTool) executeHTTP(ctx context.Context, params map[string]any) (tool.Result, error) {
	resp, err := m.toolset.rpc(ctx, "tools/call", map[string]any{"name": m.name, "arguments": params})
	if err != nil {
		return tool.Result{}, fmt.Errorf("mcp call failed: %w", err)
	}
	if resp.Error != nil {
		return tool.Result{Success: false, Message: resp.Error.Message}, nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		return tool.Result{Success: true, Data: resp.Result}, nil
	}

	if isErr, _ := resultMap["isError"].(bool); isErr {
		return tool.Result{Success: false, Message: extractText(resultMap)}, nil
	}
	return tool.Result{Success: true, Data: extractText(resultMap), Message: "ok"}, nil
}

func extractText(resultMap map[string]any) string {
	content, _ := resultMap["content"].([]any)
	for _, c := range content {
		if cm, ok := c.(map[string]any); ok {
			if text, ok := cm["text"].(string); ok {
				return text
			}
		}
	}
	return ""
}

func parseCallResult(resp *mcp.CallToolResult) tool.Result {
	if resp.IsError {
		for _, c := range resp.Content {
			if tc, ok := c.(mcp.TextContent); ok {
				return tool.Result{Success: false, Message: tc.Text}
			}
		}
		return tool.Result{Success: false, Message: "unknown MCP error"}
	}

	var texts []string
	for _, c := range resp.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	switch len(texts) {
	case 0:
		return tool.Result{Success: true}
	case 1:
		return tool.Result{Success: true, Data: texts[0], Message: "ok"}
	default:
		return tool.Result{Success: true, Data: texts, Message: "ok"}
	}
}

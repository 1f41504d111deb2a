// Package mcp lets the agent extend its fixed set of browser actions with
// tools served by external Model Context Protocol servers — a site owner's
// "order lookup" or "ticket search" endpoint registered alongside go_to_url
// and click rather than scraped by hand.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ToolDef describes one tool as advertised by an MCP server's tools/list call.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Adapter speaks JSON-RPC 2.0 over HTTP to a single MCP server and caches
// its advertised tool list between discover calls.
type Adapter struct {
	name     string
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	mu    sync.RWMutex
	tools []ToolDef
}

func NewAdapter(name, endpoint string, logger *zap.Logger) *Adapter {
	return &Adapter{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

func (a *Adapter) Name() string { return a.name }

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DiscoverTools connects to the server and lists its available tools.
func (a *Adapter) DiscoverTools(ctx context.Context) ([]ToolDef, error) {
	resp, err := a.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("mcp tools/list failed for %s: %w", a.name, err)
	}

	var result struct {
		Tools []ToolDef `json:"tools"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("parse mcp tools response: %w", err)
	}

	a.mu.Lock()
	a.tools = result.Tools
	a.mu.Unlock()

	a.logger.Info("mcp tools discovered", zap.String("server", a.name), zap.Int("tool_count", len(result.Tools)))
	return result.Tools, nil
}

// CallTool invokes a discovered tool and flattens its content blocks into a
// single string the agent's action result can carry.
func (a *Adapter) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	params := map[string]interface{}{"name": name, "arguments": args}

	resp, err := a.call(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("mcp tools/call failed for %s.%s: %w", a.name, name, err)
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return string(resp), nil
	}

	if result.IsError {
		if len(result.Content) > 0 {
			return "", fmt.Errorf("mcp tool error: %s", result.Content[0].Text)
		}
		return "", fmt.Errorf("mcp tool returned error without message")
	}

	var output string
	for _, c := range result.Content {
		if c.Type == "text" {
			output += c.Text
		}
	}
	return output, nil
}

func (a *Adapter) GetTools() []ToolDef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ToolDef, len(a.tools))
	copy(out, a.tools)
	return out
}

var (
	rpcIDCounter int
	rpcIDMu      sync.Mutex
)

func nextRPCID() int {
	rpcIDMu.Lock()
	defer rpcIDMu.Unlock()
	rpcIDCounter++
	return rpcIDCounter
}

func (a *Adapter) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: nextRPCID(), Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal json-rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build mcp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("mcp server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode json-rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

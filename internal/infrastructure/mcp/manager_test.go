package mcp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ngoclaw/browseragent/internal/infrastructure/config"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
	"go.uber.org/zap"
)

func newFakeMCPServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")

		switch req.Method {
		case "tools/list":
			json.NewEncoder(w).Encode(jsonRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Result: mustMarshal(t, map[string]interface{}{
					"tools": []ToolDef{{Name: "lookup_order", Description: "Look up an order by ID"}},
				}),
			})
		case "tools/call":
			json.NewEncoder(w).Encode(jsonRPCResponse{
				JSONRPC: "2.0", ID: req.ID,
				Result: mustMarshal(t, map[string]interface{}{
					"content": []map[string]string{{"type": "text", "text": "order #123: shipped"}},
				}),
			})
		}
	}))
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestManager_AddServerRegistersDiscoveredToolsAsActions(t *testing.T) {
	srv := newFakeMCPServer(t)
	defer srv.Close()

	homeDir := t.TempDir()
	registry := domaintool.NewInMemoryRegistry()
	mgr := NewManager(homeDir+"/mcp.json", registry, zap.NewNop())

	if err := mgr.AddServer("orders", srv.URL, homeDir); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}

	tl, ok := registry.Get("orders_lookup_order")
	if !ok {
		t.Fatal("expected orders_lookup_order to be registered")
	}

	result, err := tl.Execute(t.Context(), map[string]interface{}{"order_id": "123"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.Success || result.Output != "order #123: shipped" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestManager_RemoveServerUnregistersItsActions(t *testing.T) {
	srv := newFakeMCPServer(t)
	defer srv.Close()

	homeDir := t.TempDir()
	registry := domaintool.NewInMemoryRegistry()
	mgr := NewManager(homeDir+"/mcp.json", registry, zap.NewNop())

	if err := mgr.AddServer("orders", srv.URL, homeDir); err != nil {
		t.Fatalf("AddServer failed: %v", err)
	}
	if err := mgr.RemoveServer("orders", homeDir); err != nil {
		t.Fatalf("RemoveServer failed: %v", err)
	}
	if _, ok := registry.Get("orders_lookup_order"); ok {
		t.Fatal("expected orders_lookup_order to be unregistered")
	}
}

func TestManager_InitFromConfigSkipsDisabledServers(t *testing.T) {
	srv := newFakeMCPServer(t)
	defer srv.Close()

	homeDir := t.TempDir()

	// Persist one enabled and one disabled server without registering
	// either, then let a fresh Manager discover tools from disk.
	seed := NewManager(homeDir+"/mcp.json", domaintool.NewInMemoryRegistry(), zap.NewNop())
	if err := seed.AddServer("orders", srv.URL, homeDir); err != nil {
		t.Fatalf("seed AddServer failed: %v", err)
	}
	if err := seed.persistAdd(homeDir, "legacy", "http://unreachable.invalid"); err != nil {
		t.Fatalf("seed persistAdd failed: %v", err)
	}
	cfg, path, err := config.LoadMCPConfig(homeDir)
	if err != nil {
		t.Fatalf("load seeded config: %v", err)
	}
	for i := range cfg.Servers {
		if cfg.Servers[i].Name == "legacy" {
			cfg.Servers[i].Enabled = false
		}
	}
	if err := config.SaveMCPConfig(path, cfg); err != nil {
		t.Fatalf("save seeded config: %v", err)
	}

	registry := domaintool.NewInMemoryRegistry()
	mgr := NewManager(homeDir+"/mcp.json", registry, zap.NewNop())
	mgr.InitFromConfig(homeDir)

	if _, ok := registry.Get("orders_lookup_order"); !ok {
		t.Fatal("expected enabled server's tools to be registered from config")
	}
	if len(mgr.ListServers(homeDir)) != 2 {
		t.Fatalf("expected 2 configured servers listed, got %d", len(mgr.ListServers(homeDir)))
	}
}

package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ngoclaw/browseragent/internal/infrastructure/config"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
	"go.uber.org/zap"
)

// ServerInfo is a read-only view of one managed MCP server.
type ServerInfo struct {
	Name      string `json:"name"`
	Endpoint  string `json:"endpoint"`
	Enabled   bool   `json:"enabled"`
	ToolCount int    `json:"tool_count"`
}

// Manager owns MCP server lifecycle: add/remove/refresh, with tools
// registered into (and removed from) a live domaintool.Registry and the
// server list read from and written to <homeDir>/.browseragent/mcp.json
// (config.LoadMCPConfig / config.SaveMCPConfig). configPath is stored but
// not read.
type Manager struct {
	configPath string
	registry   domaintool.Registry
	logger     *zap.Logger

	mu       sync.RWMutex
	adapters map[string]*Adapter
}

func NewManager(configPath string, registry domaintool.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		configPath: configPath,
		registry:   registry,
		logger:     logger,
		adapters:   make(map[string]*Adapter),
	}
}

// InitFromConfig discovers and registers tools for every enabled server
// listed in <homeDir>/.browseragent/mcp.json. Best-effort: a server that fails discovery is
// logged and skipped rather than aborting startup.
func (m *Manager) InitFromConfig(homeDir string) {
	cfg, _, err := config.LoadMCPConfig(homeDir)
	if err != nil {
		m.logger.Warn("failed to load mcp config, starting with no external tool servers", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range cfg.Servers {
		if !srv.Enabled {
			m.logger.Info("mcp server disabled, skipping", zap.String("name", srv.Name))
			continue
		}
		if err := m.addAndDiscover(ctx, srv.Name, srv.Endpoint); err != nil {
			m.logger.Error("mcp server init failed", zap.String("name", srv.Name), zap.String("endpoint", srv.Endpoint), zap.Error(err))
		}
	}
}

// AddServer discovers and registers a server's tools as browser actions,
// then persists it to <homeDir>/.browseragent/mcp.json. Hot-pluggable: no restart required.
func (m *Manager) AddServer(name, endpoint, homeDir string) error {
	m.mu.Lock()
	if _, exists := m.adapters[name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("mcp server %q already registered", name)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := m.addAndDiscover(ctx, name, endpoint); err != nil {
		return err
	}
	return m.persistAdd(homeDir, name, endpoint)
}

// RemoveServer unregisters every action the server contributed and drops
// it from <homeDir>/.browseragent/mcp.json.
func (m *Manager) RemoveServer(name, homeDir string) error {
	m.mu.Lock()
	adapter, exists := m.adapters[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("mcp server %q not found", name)
	}
	for _, def := range adapter.GetTools() {
		actionName := fmt.Sprintf("%s_%s", name, def.Name)
		if err := m.registry.Unregister(actionName); err != nil {
			m.logger.Warn("failed to unregister mcp action", zap.String("action", actionName), zap.Error(err))
		}
	}
	delete(m.adapters, name)
	m.mu.Unlock()

	m.logger.Info("mcp server removed", zap.String("name", name))
	return m.persistRemove(homeDir, name)
}

// ListServers reports every configured server, enabled or not, merged with
// the live tool counts for those currently registered.
func (m *Manager) ListServers(homeDir string) []ServerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, _, err := config.LoadMCPConfig(homeDir)
	if err != nil {
		var infos []ServerInfo
		for name, adapter := range m.adapters {
			infos = append(infos, ServerInfo{Name: name, Endpoint: adapter.endpoint, Enabled: true, ToolCount: len(adapter.GetTools())})
		}
		return infos
	}

	var infos []ServerInfo
	for _, srv := range cfg.Servers {
		info := ServerInfo{Name: srv.Name, Endpoint: srv.Endpoint, Enabled: srv.Enabled}
		if adapter, ok := m.adapters[srv.Name]; ok {
			info.ToolCount = len(adapter.GetTools())
		}
		infos = append(infos, info)
	}
	return infos
}

func (m *Manager) addAndDiscover(ctx context.Context, name, endpoint string) error {
	adapter := NewAdapter(name, endpoint, m.logger)
	count, err := registerTools(ctx, adapter, m.registry, m.logger)
	if err != nil {
		return fmt.Errorf("mcp discovery failed for %s: %w", name, err)
	}

	m.mu.Lock()
	m.adapters[name] = adapter
	m.mu.Unlock()

	m.logger.Info("mcp server added", zap.String("name", name), zap.String("endpoint", endpoint), zap.Int("tools", count))
	return nil
}

func (m *Manager) persistAdd(homeDir, name, endpoint string) error {
	cfg, path, err := config.LoadMCPConfig(homeDir)
	if err != nil {
		cfg = &config.MCPFileConfig{}
	}
	cfg.Servers = append(cfg.Servers, config.MCPServerEntry{Name: name, Endpoint: endpoint, Enabled: true})
	return config.SaveMCPConfig(path, cfg)
}

func (m *Manager) persistRemove(homeDir, name string) error {
	cfg, path, err := config.LoadMCPConfig(homeDir)
	if err != nil {
		return nil
	}
	filtered := cfg.Servers[:0]
	for _, s := range cfg.Servers {
		if s.Name != name {
			filtered = append(filtered, s)
		}
	}
	cfg.Servers = filtered
	return config.SaveMCPConfig(path, cfg)
}

// registerTools discovers a server's tools and wraps each as a
// domaintool.Tool, namespaced "<server>_<tool>" so two servers can't collide.
func registerTools(ctx context.Context, adapter *Adapter, registry domaintool.Registry, logger *zap.Logger) (int, error) {
	defs, err := adapter.DiscoverTools(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, def := range defs {
		t := &dynamicTool{adapter: adapter, def: def}
		if err := registry.Register(t); err != nil {
			logger.Warn("failed to register mcp action", zap.String("action", t.Name()), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// dynamicTool adapts one MCP-advertised tool to domaintool.Tool so the
// agent's catalog sees it alongside go_to_url, click, and the rest.
type dynamicTool struct {
	adapter *Adapter
	def     ToolDef
}

func (t *dynamicTool) Name() string        { return fmt.Sprintf("%s_%s", t.adapter.Name(), t.def.Name) }
func (t *dynamicTool) Description() string { return t.def.Description }
func (t *dynamicTool) Kind() domaintool.Kind { return domaintool.KindExecute }
func (t *dynamicTool) Schema() map[string]interface{} {
	if t.def.InputSchema != nil {
		return t.def.InputSchema
	}
	return map[string]interface{}{"type": "object"}
}

func (t *dynamicTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	out, err := t.adapter.CallTool(ctx, t.def.Name, args)
	if err != nil {
		return &domaintool.Result{Error: err.Error()}, nil
	}
	return &domaintool.Result{Output: out, Success: true}, nil
}

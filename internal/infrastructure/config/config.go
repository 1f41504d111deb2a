package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	Log          LogConfig          `mapstructure:"log"`
	Agent        AgentConfig        `mapstructure:"agent"`
	BrowserAgent BrowserAgentConfig `mapstructure:"browser_agent"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AgentConfig configures the LLM-driven agent loop shared by every run.
type AgentConfig struct {
	DefaultModel    string              `mapstructure:"default_model"`
	DefaultProvider string              `mapstructure:"default_provider"`
	Workspace       string              `mapstructure:"workspace"`
	MaxIterations   int                 `mapstructure:"max_iterations"`
	Models          []ModelConfig       `mapstructure:"models"`
	FallbackModels  []string            `mapstructure:"fallback_models"`
	Providers       []LLMProviderConfig `mapstructure:"providers"`

	// Per-model policy overrides (model family key → overrides).
	// Keys are matched by substring against model ID, e.g. "qwen3", "claude".
	ModelPolicies map[string]ModelPolicyConfig `mapstructure:"model_policies"`

	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	Security   SecurityConfig   `mapstructure:"security"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	MCP        MCPConfig        `mapstructure:"mcp"`
}

// BrowserAgentConfig configures the browser-automation domain itself:
// how sessions are launched, shared, recorded, and (optionally) handed
// off to external collaborators.
type BrowserAgentConfig struct {
	Headless       bool   `mapstructure:"headless"`
	UserDataDir    string `mapstructure:"user_data_dir"`
	ProxyServer    string `mapstructure:"proxy_server"`
	ViewportWidth  int    `mapstructure:"viewport_width"`
	ViewportHeight int    `mapstructure:"viewport_height"`

	// AttachmentMode is the default session-sharing policy: "exclusive",
	// "strict", or "shared" (see domain/browser.AttachmentMode).
	AttachmentMode string `mapstructure:"attachment_mode"`

	// SessionLock selects how the shared-session lock table is backed:
	// "memory" (single process) or "redis" (multiple gateway processes).
	SessionLock SessionLockConfig `mapstructure:"session_lock"`

	// HistoryDSN is the sqlite DSN historystore.Open connects to.
	HistoryDSN string `mapstructure:"history_dsn"`

	// CloudSession configures the optional remote browser-pool client.
	CloudSession CloudSessionConfig `mapstructure:"cloud_session"`

	// Telemetry configures the optional best-effort step-event sink.
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// RenderGIF turns on the (still no-op, see visualizer package)
	// end-of-run visualization hand-off.
	RenderGIF bool `mapstructure:"render_gif"`
}

// SessionLockConfig configures the shared-session lock table backend.
type SessionLockConfig struct {
	Backend   string        `mapstructure:"backend"` // memory | redis
	RedisAddr string        `mapstructure:"redis_addr"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
	PollEvery time.Duration `mapstructure:"poll_every"`
}

// CloudSessionConfig configures the remote browser-pool gRPC client.
type CloudSessionConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TelemetryConfig configures the best-effort websocket event sink.
type TelemetryConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	URL        string   `mapstructure:"url"`
	EventTypes []string `mapstructure:"event_types"`
}

// ModelPolicyConfig holds YAML-configurable per-model policy overrides.
// All fields are pointers so nil = "don't override, use auto-detected value".
type ModelPolicyConfig struct {
	RepairToolPairing   *bool   `mapstructure:"repair_tool_pairing"`
	EnforceTurnOrdering *bool   `mapstructure:"enforce_turn_ordering"`
	ReasoningFormat     *string `mapstructure:"reasoning_format"`
	ProgressInterval    *int    `mapstructure:"progress_interval"`
	ProgressEscalation  *bool   `mapstructure:"progress_escalation"`
	PromptStyle         *string `mapstructure:"prompt_style"`
	SystemRoleSupport   *bool   `mapstructure:"system_role_support"`
	ThinkingTagHint     *bool   `mapstructure:"thinking_tag_hint"`
}

// LLMProviderConfig configures a Go-native LLM provider (used by llm.Router).
type LLMProviderConfig struct {
	Name string `mapstructure:"name"`
	// Type selects the provider factory: "anthropic" | "openai" | "gemini".
	// Defaults to "openai" when empty (see llm.CreateProvider).
	Type     string   `mapstructure:"type"`
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// ModelConfig is one entry in the agent's available-model list.
type ModelConfig struct {
	ID          string `mapstructure:"id"`
	Alias       string `mapstructure:"alias"`
	Provider    string `mapstructure:"provider"`
	Description string `mapstructure:"description"`
}

// RuntimeConfig holds the run-loop's timeout and budget knobs.
type RuntimeConfig struct {
	ToolTimeout     time.Duration `mapstructure:"tool_timeout"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
	MaxTokenBudget  int64         `mapstructure:"max_token_budget"`
	ConcurrentTools bool          `mapstructure:"concurrent_tools"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBaseWait   time.Duration `mapstructure:"retry_base_wait"`
}

// GuardrailsConfig configures context-window and loop-detection limits.
type GuardrailsConfig struct {
	ContextMaxTokens    int     `mapstructure:"context_max_tokens"`
	ContextWarnRatio    float64 `mapstructure:"context_warn_ratio"`
	ContextHardRatio    float64 `mapstructure:"context_hard_ratio"`
	LoopDetectWindow    int     `mapstructure:"loop_detect_window"`
	LoopDetectThreshold int     `mapstructure:"loop_detect_threshold"`
	CostGuardEnabled    bool    `mapstructure:"cost_guard_enabled"`
}

// SecurityConfig is the tool-approval policy.
type SecurityConfig struct {
	// ApprovalMode: "auto" | "ask_dangerous" | "ask_all"
	ApprovalMode    string        `mapstructure:"approval_mode"`
	DangerousTools  []string      `mapstructure:"dangerous_tools"`
	TrustedTools    []string      `mapstructure:"trusted_tools"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
}

// CompactionConfig configures conversation-history summarization.
type CompactionConfig struct {
	MessageThreshold int `mapstructure:"message_threshold"`
	TokenThreshold   int `mapstructure:"token_threshold"`
	KeepRecent       int `mapstructure:"keep_recent"`
	SummaryMaxTokens int `mapstructure:"summary_max_tokens"`
}

// MCPConfig lists the MCP servers registered at startup. This mirrors
// config.MCPFileConfig (mcp.go) so both a viper-loaded config.yaml and
// the standalone mcp.json can describe the same servers; mcp.Manager
// reads from mcp.json at runtime (it's the one that gets rewritten by
// AddServer/RemoveServer), this block just seeds it on first boot.
type MCPConfig struct {
	Servers []MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig is one MCP server entry under agent.mcp.servers.
type MCPServerConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
	Enabled  bool   `mapstructure:"enabled"`
}

// Load reads configuration layered (low → high priority):
// defaults → global ~/.browseragent/config.yaml → project-local
// ./config/config.yaml (or, if absent, ./config.yaml) → BROWSERAGENT_*
// environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath(HomeDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("BROWSERAGENT")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("agent.max_iterations", 50)
	v.SetDefault("agent.runtime.tool_timeout", "30s")
	v.SetDefault("agent.runtime.run_timeout", "10m")
	v.SetDefault("agent.runtime.max_token_budget", 180000)
	v.SetDefault("agent.runtime.concurrent_tools", true)
	v.SetDefault("agent.runtime.max_retries", 3)
	v.SetDefault("agent.runtime.retry_base_wait", "2s")

	v.SetDefault("agent.guardrails.context_max_tokens", 128000)
	v.SetDefault("agent.guardrails.context_warn_ratio", 0.7)
	v.SetDefault("agent.guardrails.context_hard_ratio", 0.85)
	v.SetDefault("agent.guardrails.loop_detect_window", 10)
	v.SetDefault("agent.guardrails.loop_detect_threshold", 5)
	v.SetDefault("agent.guardrails.cost_guard_enabled", true)

	v.SetDefault("agent.compaction.message_threshold", 30)
	v.SetDefault("agent.compaction.token_threshold", 30000)
	v.SetDefault("agent.compaction.keep_recent", 10)
	v.SetDefault("agent.compaction.summary_max_tokens", 1000)

	v.SetDefault("agent.security.approval_mode", "ask_dangerous")
	v.SetDefault("agent.security.dangerous_tools", []string{"click", "type", "navigate"})
	v.SetDefault("agent.security.trusted_tools", []string{"extract_content", "scroll", "screenshot"})
	v.SetDefault("agent.security.approval_timeout", "5m")

	v.SetDefault("browser_agent.headless", true)
	v.SetDefault("browser_agent.viewport_width", 1280)
	v.SetDefault("browser_agent.viewport_height", 900)
	v.SetDefault("browser_agent.attachment_mode", "exclusive")
	v.SetDefault("browser_agent.history_dsn", filepath.Join(HomeDir(), "history.db"))
	v.SetDefault("browser_agent.session_lock.backend", "memory")
	v.SetDefault("browser_agent.session_lock.key_prefix", "browseragent:lock:")
	v.SetDefault("browser_agent.session_lock.lease_ttl", "5m")
	v.SetDefault("browser_agent.session_lock.poll_every", "500ms")
	v.SetDefault("browser_agent.render_gif", false)
}

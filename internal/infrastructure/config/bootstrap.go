package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "browseragent"

// WorkspaceDirName is the directory name used for workspace-level config.
// Place .browseragent/ in a project root for project-specific overrides.
const WorkspaceDirName = "." + AppName

// HomeDir returns the agent's configuration home: ~/.browseragent
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures the ~/.browseragent directory exists with all default
// content. Called once at startup. Safe to call multiple times — only
// creates missing items, never overwrites user edits.
func Bootstrap(logger *zap.Logger) error {
	root := HomeDir()

	dirs := []string{
		root,
		filepath.Join(root, "prompts"),
		filepath.Join(root, "prompts", "variants"),
		filepath.Join(root, "skills"),
		filepath.Join(root, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	defaults := map[string]string{
		filepath.Join(root, "config.yaml"):                       defaultConfig,
		filepath.Join(root, "soul.md"):                            defaultSoul,
		filepath.Join(root, "prompts", "rules.md"):                defaultRules,
		filepath.Join(root, "prompts", "capabilities.md"):         defaultCapabilities,
		filepath.Join(root, "prompts", "variants", "qwen.md"):     defaultVariantQwen,
		filepath.Join(root, "prompts", "variants", "default.md"):  defaultVariantDefault,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("browser agent bootstrap complete",
			zap.String("home", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("browser agent home directory OK", zap.String("home", root))
	}

	return nil
}

// ──────────────────────────────────────────────────────────────
// Embedded default file contents
// ──────────────────────────────────────────────────────────────

const defaultConfig = `# ═══════════════════════════════════════════════════════════════
# Browser Agent Configuration
# Auto-generated on first launch — feel free to edit.
# ═══════════════════════════════════════════════════════════════

# ─── Logging ─────────────────────────────────────────────────
log:
  level: info                  # debug | info | warn | error
  format: json                 # json | console

# ─── Agent Core ──────────────────────────────────────────────
agent:
  default_model: ""            # e.g. "anthropic/claude-sonnet-4-20250514"
  workspace: ""                # default workspace dir (empty = current dir)
  max_iterations: 50           # max steps per run

  # One or more LLM providers. Lower priority = preferred.
  providers: []
  # Example:
  # providers:
  #   - name: anthropic
  #     type: anthropic
  #     base_url: "https://api.anthropic.com/v1"
  #     api_key: "sk-ant-..."
  #     models:
  #       - "anthropic/claude-sonnet-4-20250514"
  #     priority: 1

  runtime:
    tool_timeout: 30s          # single action timeout
    run_timeout: 10m           # total run timeout
    max_token_budget: 180000   # token budget per run
    concurrent_tools: true
    max_retries: 3
    retry_base_wait: 2s

  guardrails:
    context_max_tokens: 128000
    context_warn_ratio: 0.7
    context_hard_ratio: 0.85
    loop_detect_threshold: 5   # identical action N times in a row = loop

  compaction:
    message_threshold: 30
    keep_recent: 10
    summary_max_tokens: 1000

  security:
    approval_mode: ask_dangerous   # auto | ask_dangerous | ask_all
    dangerous_tools: ["click", "type", "navigate"]
    trusted_tools: ["extract_content", "scroll", "screenshot"]

  mcp:
    servers: []

# ─── Browser Agent ───────────────────────────────────────────
browser_agent:
  headless: true
  viewport_width: 1280
  viewport_height: 900
  attachment_mode: exclusive  # exclusive | strict | shared
  history_dsn: ""             # defaults to ~/.browseragent/history.db
  render_gif: false           # visualizer hand-off, no-op until a renderer is wired

  session_lock:
    backend: memory            # memory | redis
    redis_addr: ""
    key_prefix: "browseragent:lock:"
    lease_ttl: 5m
    poll_every: 500ms

  cloud_session:
    enabled: false
    addr: ""

  telemetry:
    enabled: false
    url: ""
    event_types: ["create_agent_step", "update_agent_task"]
`

const defaultSoul = `You are an autonomous browser agent: given a task in plain language, you
drive a real Chrome session — reading the page, clicking, typing, navigating —
until the task is done or you determine it can't be.

## Core Identity

- You perceive the page through an indexed map of its interactive elements,
  never raw HTML or a screen coordinate guess.
- You act one step at a time: observe the current page state, decide the
  single next action, execute it, then re-observe.
- You never claim a task is done without evidence from the page itself.

## Behavioral Principles

- Prefer the most specific action available (click an indexed element) over
  a blunt one (sending raw keys) when both would work.
- If an action's result doesn't match what you expected, re-read the page
  state before retrying — don't repeat the same action blindly.
- Ask for missing cookies or credentials via the skill system rather than
  guessing at login flows.

## Safety Boundaries

- Never submit a payment, a destructive form action, or send a message
  without the task explicitly asking for it.
- Stay within the site(s) the task implies; don't wander off to unrelated
  domains looking for shortcuts.
`

const defaultRules = `---
name: rules
priority: 10
---
## Operating Rules

- Before acting, check whether the element you intend to use is still
  present in the current indexed element map — it may have changed since
  your last observation.
- When a page is still loading, wait and re-observe rather than acting on
  a stale state.
- Report extracted content verbatim; do not paraphrase data the task asked
  you to retrieve.
- If a step fails, read the error before retrying — don't repeat an
  identical action expecting a different result.
`

const defaultCapabilities = `---
name: capabilities
priority: 20
---
## Your Capabilities

You act on the page through a fixed set of browser actions (navigate, click,
type, scroll, send_keys, extract_content, go_back, done, ...), plus any
skill-backed or MCP-registered actions currently available. The exact set
can vary by run — use only what's in your current action registry.
`

const defaultVariantQwen = `---
name: qwen_variant
priority: 5
---
## Model-Specific Instructions

When making tool calls, ensure JSON arguments are properly formatted. Use the
exact parameter names defined in tool schemas. Keep the final response
focused and actionable.
`

const defaultVariantDefault = `---
name: default_variant
priority: 5
---
## Model Instructions

Follow tool call schemas exactly. Provide structured JSON arguments for all
tool calls. Think step-by-step for complex tasks.
`

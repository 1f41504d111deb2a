package service

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/infrastructure/config"
)

func securityTestLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

func TestSecurityHook_AutoModeAlwaysAllows(t *testing.T) {
	hook := NewSecurityHook(config.SecurityConfig{ApprovalMode: "auto"}, nil, securityTestLogger())
	if !hook.BeforeToolCall(context.Background(), "click", nil) {
		t.Fatal("expected auto mode to allow every tool call")
	}
}

func TestSecurityHook_TrustedToolBypassesApproval(t *testing.T) {
	cfg := config.SecurityConfig{
		ApprovalMode: "ask_all",
		TrustedTools: []string{"extract_content"},
	}
	hook := NewSecurityHook(cfg, nil, securityTestLogger())
	if !hook.BeforeToolCall(context.Background(), "extract_content", nil) {
		t.Fatal("expected trusted tool to bypass approval")
	}
}

func TestSecurityHook_AskDangerousOnlyAsksForDangerousTools(t *testing.T) {
	cfg := config.SecurityConfig{
		ApprovalMode:   "ask_dangerous",
		DangerousTools: []string{"click"},
	}
	asked := false
	hook := NewSecurityHook(cfg, func(context.Context, string, map[string]interface{}) (bool, error) {
		asked = true
		return true, nil
	}, securityTestLogger())

	if !hook.BeforeToolCall(context.Background(), "scroll", nil) {
		t.Fatal("expected non-dangerous tool to be allowed without approval")
	}
	if asked {
		t.Fatal("did not expect approval to be requested for a non-dangerous tool")
	}

	if !hook.BeforeToolCall(context.Background(), "click", nil) {
		t.Fatal("expected approval func's true response to allow the call")
	}
	if !asked {
		t.Fatal("expected approval to be requested for a dangerous tool")
	}
}

func TestSecurityHook_DeniedApprovalBlocksTheCall(t *testing.T) {
	cfg := config.SecurityConfig{ApprovalMode: "ask_all"}
	hook := NewSecurityHook(cfg, func(context.Context, string, map[string]interface{}) (bool, error) {
		return false, nil
	}, securityTestLogger())

	if hook.BeforeToolCall(context.Background(), "click", nil) {
		t.Fatal("expected denied approval to block the tool call")
	}
}

func TestSecurityHook_MissingApprovalFuncAutoApproves(t *testing.T) {
	cfg := config.SecurityConfig{ApprovalMode: "ask_all"}
	hook := NewSecurityHook(cfg, nil, securityTestLogger())

	if !hook.BeforeToolCall(context.Background(), "click", nil) {
		t.Fatal("expected missing approval func to auto-approve with a warning")
	}
}

func TestSecurityHook_TrustToolMovesItOffTheDangerousList(t *testing.T) {
	cfg := config.SecurityConfig{
		ApprovalMode:   "ask_dangerous",
		DangerousTools: []string{"click"},
	}
	hook := NewSecurityHook(cfg, nil, securityTestLogger())

	hook.TrustTool("click")

	got := hook.GetConfig()
	for _, d := range got.DangerousTools {
		if d == "click" {
			t.Fatal("expected click to be removed from dangerous tools after TrustTool")
		}
	}
	found := false
	for _, tt := range got.TrustedTools {
		if tt == "click" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected click to appear in trusted tools after TrustTool")
	}
}

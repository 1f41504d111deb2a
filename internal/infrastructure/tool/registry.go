package tool

import (
	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
)

// BrowserActionDeps aggregates the dependencies the action registry needs
// for one run. A fresh Registry/Catalog pair is built per run controller
// invocation — the tools close over the run's Session, so they cannot be
// shared across runs the way a stateless coding-agent tool could be.
type BrowserActionDeps struct {
	Session   browser.Session
	UseVision string // "true", "false", or "auto" — mirrors AgentSettings.UseVision
	Logger    *zap.Logger
}

// RegisterBrowserActions is the single entry point for the action
// registry: every action the step executor can dispatch is added here.
// Adding a new action? Add it here.
func RegisterBrowserActions(deps BrowserActionDeps) (*domaintool.InMemoryRegistry, int) {
	reg := domaintool.NewInMemoryRegistry()
	session, logger := deps.Session, deps.Logger

	actions := []domaintool.Tool{
		NewGoToURLTool(session, logger),
		NewGoBackTool(session, logger),
		NewClickTool(session, logger),
		NewInputTextTool(session, logger),
		NewSendKeysTool(session, logger),
		NewScrollTool(session, logger),
		NewExtractContentTool(session, logger),
		NewSwitchTabTool(session, logger),
		NewCloseTabTool(session, logger),
		NewWaitTool(session, logger),
		NewDoneTool(logger),
	}

	// spec.md §8: when use_vision == "auto", the screenshot action is not
	// offered to the model at all; when "false" it stays registered (the
	// model may still request it), only the state message drops the image
	// part (message_manager.go handles that half).
	if deps.UseVision != "auto" {
		actions = append(actions, NewScreenshotTool(session, logger))
	}

	registered := 0
	for _, a := range actions {
		if err := reg.Register(a); err != nil {
			logger.Warn("failed to register action", zap.String("action", a.Name()), zap.Error(err))
			continue
		}
		registered++
	}
	logger.Info("action registry initialized", zap.Int("actions_registered", registered))
	return reg, registered
}

package tool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/browseragent/internal/domain/browser"
	domaintool "github.com/ngoclaw/browseragent/internal/domain/tool"
)

// browserAction is the shared base every action handler embeds: a session
// accessor (bound once the run controller provisions a browser) plus a
// logger. The registry builds one set of these per run, not per tool type,
// since every handler needs the same live session.
type browserAction struct {
	session browser.Session
	logger  *zap.Logger
}

func argString(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func argInt(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func argFloat(args map[string]interface{}, key string, def float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return def
}

func argBool(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func ok(output string) *domaintool.Result {
	return &domaintool.Result{Output: output, Success: true}
}

func failed(err error) (*domaintool.Result, error) {
	return &domaintool.Result{Output: err.Error(), Success: false, Error: err.Error()}, nil
}

// GoToURLTool implements spec.md's go_to_url action: load a URL in the
// active tab, optionally in a new tab.
type GoToURLTool struct {
	browserAction
}

func NewGoToURLTool(session browser.Session, logger *zap.Logger) *GoToURLTool {
	return &GoToURLTool{browserAction{session: session, logger: logger}}
}

func (t *GoToURLTool) Name() string        { return "go_to_url" }
func (t *GoToURLTool) Kind() domaintool.Kind { return domaintool.KindFetch }
func (t *GoToURLTool) Description() string {
	return "Navigate the active tab to a URL"
}
func (t *GoToURLTool) Aliases() []string { return []string{"navigate"} }

func (t *GoToURLTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url":     map[string]interface{}{"type": "string", "description": "URL to load"},
			"new_tab": map[string]interface{}{"type": "boolean", "description": "open in a new tab instead of the active one"},
		},
		"required": []string{"url"},
	}
}

func (t *GoToURLTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	url := argString(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}
	if argBool(args, "new_tab") {
		tab, err := t.session.OpenTab(ctx, url)
		if err != nil {
			return failed(err)
		}
		return ok(fmt.Sprintf("Opened new tab %s at %s", tab.TabID, url)), nil
	}
	if err := t.session.Navigate(ctx, url); err != nil {
		return failed(err)
	}
	return ok("Navigated to " + url), nil
}

// GoBackTool implements the go_back action. It is exempt from loop
// detection's action-repeat check — see BrowserLoopDetector.
type GoBackTool struct{ browserAction }

func NewGoBackTool(session browser.Session, logger *zap.Logger) *GoBackTool {
	return &GoBackTool{browserAction{session: session, logger: logger}}
}

func (t *GoBackTool) Name() string         { return "go_back" }
func (t *GoBackTool) Kind() domaintool.Kind { return domaintool.KindFetch }
func (t *GoBackTool) Description() string  { return "Go back one entry in the active tab's history" }
func (t *GoBackTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *GoBackTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	if err := t.session.GoBack(ctx); err != nil {
		return failed(err)
	}
	return ok("Navigated back"), nil
}

// ClickTool implements the click action: click the element at a selector
// map index.
type ClickTool struct{ browserAction }

func NewClickTool(session browser.Session, logger *zap.Logger) *ClickTool {
	return &ClickTool{browserAction{session: session, logger: logger}}
}

func (t *ClickTool) Name() string         { return "click" }
func (t *ClickTool) Kind() domaintool.Kind { return domaintool.KindExecute }
func (t *ClickTool) Description() string {
	return "Click the interactive element at the given selector-map index"
}
func (t *ClickTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"index": map[string]interface{}{"type": "integer", "description": "selector map index of the element to click"},
		},
		"required": []string{"index"},
	}
}

func (t *ClickTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	index := argInt(args, "index")
	if err := t.session.Click(ctx, index); err != nil {
		return failed(err)
	}
	return ok(fmt.Sprintf("Clicked element %d", index)), nil
}

// InputTextTool implements the input_text action: type text into the
// element at a selector map index. Sensitive-data substitution happens one
// layer up, in the step executor, before Args ever reaches Execute.
type InputTextTool struct{ browserAction }

func NewInputTextTool(session browser.Session, logger *zap.Logger) *InputTextTool {
	return &InputTextTool{browserAction{session: session, logger: logger}}
}

func (t *InputTextTool) Name() string         { return "input_text" }
func (t *InputTextTool) Kind() domaintool.Kind { return domaintool.KindExecute }
func (t *InputTextTool) Description() string  { return "Type text into the element at the given index" }
func (t *InputTextTool) Aliases() []string     { return []string{"type"} }
func (t *InputTextTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"index": map[string]interface{}{"type": "integer"},
			"text":  map[string]interface{}{"type": "string"},
		},
		"required": []string{"index", "text"},
	}
}

func (t *InputTextTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	index := argInt(args, "index")
	text := argString(args, "text")
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	if err := t.session.Type(ctx, index, text); err != nil {
		return failed(err)
	}
	return ok(fmt.Sprintf("Typed into element %d", index)), nil
}

// SendKeysTool implements send_keys: raw key sequences (Enter, Escape,
// Control+a, ...) sent to the active tab rather than a specific element.
type SendKeysTool struct{ browserAction }

func NewSendKeysTool(session browser.Session, logger *zap.Logger) *SendKeysTool {
	return &SendKeysTool{browserAction{session: session, logger: logger}}
}

func (t *SendKeysTool) Name() string         { return "send_keys" }
func (t *SendKeysTool) Kind() domaintool.Kind { return domaintool.KindExecute }
func (t *SendKeysTool) Description() string {
	return "Send a raw key sequence to the active tab (e.g. Enter, Escape, Control+a)"
}
func (t *SendKeysTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"keys": map[string]interface{}{"type": "string"}},
		"required":   []string{"keys"},
	}
}

func (t *SendKeysTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	keys := argString(args, "keys")
	if keys == "" {
		return nil, fmt.Errorf("keys is required")
	}
	if err := t.session.SendKeys(ctx, keys); err != nil {
		return failed(err)
	}
	return ok("Sent keys " + keys), nil
}

// ScrollTool implements scroll: move the viewport by a number of pages,
// negative scrolling up.
type ScrollTool struct{ browserAction }

func NewScrollTool(session browser.Session, logger *zap.Logger) *ScrollTool {
	return &ScrollTool{browserAction{session: session, logger: logger}}
}

func (t *ScrollTool) Name() string         { return "scroll" }
func (t *ScrollTool) Kind() domaintool.Kind { return domaintool.KindExecute }
func (t *ScrollTool) Description() string  { return "Scroll the active tab by a number of pages" }
func (t *ScrollTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"pages": map[string]interface{}{"type": "number", "description": "pages to scroll; negative scrolls up"},
		},
		"required": []string{"pages"},
	}
}

func (t *ScrollTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	pages := argFloat(args, "pages", 1)
	if err := t.session.Scroll(ctx, pages); err != nil {
		return failed(err)
	}
	return ok(fmt.Sprintf("Scrolled %.1f pages", pages)), nil
}

// ExtractContentTool implements extract_content (aliased extract ->
// extract_structured_data per spec.md's action alias example), pulling the
// page's visible text, optionally scoped to a CSS selector.
type ExtractContentTool struct{ browserAction }

func NewExtractContentTool(session browser.Session, logger *zap.Logger) *ExtractContentTool {
	return &ExtractContentTool{browserAction{session: session, logger: logger}}
}

func (t *ExtractContentTool) Name() string         { return "extract_content" }
func (t *ExtractContentTool) Kind() domaintool.Kind { return domaintool.KindRead }
func (t *ExtractContentTool) Description() string {
	return "Extract visible text from the page, optionally scoped to a CSS selector"
}
func (t *ExtractContentTool) Aliases() []string { return []string{"extract", "extract_structured_data"} }
func (t *ExtractContentTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"selector": map[string]interface{}{"type": "string", "description": "optional CSS selector to scope extraction"},
			"goal":     map[string]interface{}{"type": "string", "description": "what to look for in the extracted text"},
		},
	}
}

func (t *ExtractContentTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	selector := argString(args, "selector")
	content, err := t.session.ExtractContent(ctx, selector)
	if err != nil {
		return failed(err)
	}
	return &domaintool.Result{Output: content, Success: true}, nil
}

// SwitchTabTool implements switch_tab.
type SwitchTabTool struct{ browserAction }

func NewSwitchTabTool(session browser.Session, logger *zap.Logger) *SwitchTabTool {
	return &SwitchTabTool{browserAction{session: session, logger: logger}}
}

func (t *SwitchTabTool) Name() string         { return "switch_tab" }
func (t *SwitchTabTool) Kind() domaintool.Kind { return domaintool.KindFetch }
func (t *SwitchTabTool) Description() string  { return "Activate the tab with the given id" }
func (t *SwitchTabTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"tab_id": map[string]interface{}{"type": "string"}},
		"required":   []string{"tab_id"},
	}
}

func (t *SwitchTabTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	tabID := argString(args, "tab_id")
	if tabID == "" {
		return nil, fmt.Errorf("tab_id is required")
	}
	if err := t.session.SwitchTab(ctx, tabID); err != nil {
		return failed(err)
	}
	return ok("Switched to tab " + tabID), nil
}

// CloseTabTool implements close_tab.
type CloseTabTool struct{ browserAction }

func NewCloseTabTool(session browser.Session, logger *zap.Logger) *CloseTabTool {
	return &CloseTabTool{browserAction{session: session, logger: logger}}
}

func (t *CloseTabTool) Name() string         { return "close_tab" }
func (t *CloseTabTool) Kind() domaintool.Kind { return domaintool.KindDelete }
func (t *CloseTabTool) Description() string  { return "Close the tab with the given id" }
func (t *CloseTabTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"tab_id": map[string]interface{}{"type": "string"}},
		"required":   []string{"tab_id"},
	}
}

func (t *CloseTabTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	tabID := argString(args, "tab_id")
	if tabID == "" {
		return nil, fmt.Errorf("tab_id is required")
	}
	if err := t.session.CloseTab(ctx, tabID); err != nil {
		return failed(err)
	}
	return ok("Closed tab " + tabID), nil
}

// ScreenshotTool implements the screenshot action. Per spec.md §8, the
// registry omits this action entirely when use_vision == "auto" — handled
// by the registration site (RegisterBrowserActions), not here.
type ScreenshotTool struct{ browserAction }

func NewScreenshotTool(session browser.Session, logger *zap.Logger) *ScreenshotTool {
	return &ScreenshotTool{browserAction{session: session, logger: logger}}
}

func (t *ScreenshotTool) Name() string         { return "screenshot" }
func (t *ScreenshotTool) Kind() domaintool.Kind { return domaintool.KindRead }
func (t *ScreenshotTool) Description() string  { return "Capture a screenshot of the active tab" }
func (t *ScreenshotTool) Schema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	png, err := t.session.Screenshot(ctx)
	if err != nil {
		return failed(err)
	}
	return &domaintool.Result{
		Output:  fmt.Sprintf("Captured screenshot (%d bytes)", len(png)),
		Success: true,
		Metadata: map[string]interface{}{
			"screenshot_png": png,
		},
	}, nil
}

// WaitTool implements wait: pause for up to a few seconds, clamped so a
// single action cannot stall a step past any reasonable step_timeout.
type WaitTool struct{ browserAction }

func NewWaitTool(session browser.Session, logger *zap.Logger) *WaitTool {
	return &WaitTool{browserAction{session: session, logger: logger}}
}

const maxWaitSeconds = 30

func (t *WaitTool) Name() string         { return "wait" }
func (t *WaitTool) Kind() domaintool.Kind { return domaintool.KindThink }
func (t *WaitTool) Description() string  { return "Wait a number of seconds before the next action" }
func (t *WaitTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"seconds": map[string]interface{}{"type": "number", "description": "seconds to wait, capped at 30"},
		},
	}
}

func (t *WaitTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	seconds := argFloat(args, "seconds", 3)
	if seconds > maxWaitSeconds {
		seconds = maxWaitSeconds
	}
	if seconds < 0 {
		seconds = 0
	}
	d := time.Duration(seconds * float64(time.Second))
	if err := t.session.Wait(ctx, d); err != nil {
		return failed(err)
	}
	return ok(fmt.Sprintf("Waited %.1fs", seconds)), nil
}

// DoneTool implements done, the action that ends the run. It is the only
// action the VariantDoneOnly restriction ever allows, and it terminates the
// action sequence regardless of position (see spec.md's "done is only
// legal as the sole action" rule, enforced one layer up by the step
// executor — TerminatesSequence here just stops multi_act early if the
// model disobeys that rule).
type DoneTool struct{ logger *zap.Logger }

func NewDoneTool(logger *zap.Logger) *DoneTool {
	return &DoneTool{logger: logger}
}

func (t *DoneTool) Name() string               { return "done" }
func (t *DoneTool) Kind() domaintool.Kind       { return domaintool.KindThink }
func (t *DoneTool) Description() string        { return "Finish the task and report the result" }
func (t *DoneTool) TerminatesSequence() bool    { return true }
func (t *DoneTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"success": map[string]interface{}{"type": "boolean"},
			"text":    map[string]interface{}{"type": "string", "description": "final answer or summary"},
		},
		"required": []string{"success", "text"},
	}
}

func (t *DoneTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	success := argBool(args, "success")
	text := argString(args, "text")
	return &domaintool.Result{
		Output:  text,
		Success: success,
		Metadata: map[string]interface{}{
			"is_done": true,
		},
	}, nil
}

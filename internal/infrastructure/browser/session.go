package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	domainbrowser "github.com/ngoclaw/browseragent/internal/domain/browser"
)

// rodSession drives one Chromium process through go-rod. Click/Type
// resolve an index by re-querying the data-agent-index attribute State's
// JS pass stamped onto the live DOM, rather than caching *rod.Element
// handles that a re-render could invalidate.
type rodSession struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	logger   *zap.Logger

	mu     sync.Mutex
	active *rod.Page
}

func newSession(b *rod.Browser, initial *rod.Page, l *launcher.Launcher, logger *zap.Logger) *rodSession {
	return &rodSession{
		browser:  b,
		launcher: l,
		logger:   logger,
		active:   initial,
	}
}

var _ domainbrowser.Session = (*rodSession)(nil)

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	page := s.page().Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return page.WaitLoad()
}

func (s *rodSession) GoBack(ctx context.Context) error {
	return s.page().Context(ctx).NavigateBack()
}

func (s *rodSession) Click(ctx context.Context, index int) error {
	el, err := s.resolve(ctx, index)
	if err != nil {
		return err
	}
	return el.Context(ctx).Click(proto.InputMouseButtonLeft, 1)
}

func (s *rodSession) Type(ctx context.Context, index int, text string) error {
	el, err := s.resolve(ctx, index)
	if err != nil {
		return err
	}
	return el.Context(ctx).Input(text)
}

func (s *rodSession) SendKeys(ctx context.Context, keys string) error {
	page := s.page().Context(ctx)
	key, ok := namedKeys[strings.ToLower(keys)]
	if !ok {
		return fmt.Errorf("send_keys: unrecognized key %q", keys)
	}
	return page.Keyboard.Type(key)
}

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"backspace":  input.Backspace,
	"arrowdown":  input.ArrowDown,
	"arrowup":    input.ArrowUp,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"pagedown":   input.PageDown,
	"pageup":     input.PageUp,
	"home":       input.Home,
	"end":        input.End,
	"delete":     input.Delete,
}

func (s *rodSession) Scroll(ctx context.Context, pages float64) error {
	page := s.page().Context(ctx)
	_, err := page.Eval(`(pages) => window.scrollBy(0, pages * window.innerHeight)`, pages)
	return err
}

func (s *rodSession) ExtractContent(ctx context.Context, selector string) (string, error) {
	page := s.page().Context(ctx)
	if selector == "" {
		res, err := page.Eval(`() => document.body.innerText`)
		if err != nil {
			return "", fmt.Errorf("extract page content: %w", err)
		}
		return res.Value.Str(), nil
	}

	el, err := page.Element(selector)
	if err != nil {
		return "", fmt.Errorf("extract_content: selector %q not found: %w", selector, err)
	}
	text, err := el.Text()
	if err != nil {
		return "", fmt.Errorf("extract_content: read text: %w", err)
	}
	return text, nil
}

func (s *rodSession) SwitchTab(ctx context.Context, tabID string) error {
	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	for _, p := range pages {
		if string(p.TargetID) == tabID {
			s.mu.Lock()
			s.active = p
			s.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("switch_tab: no tab with id %q", tabID)
}

func (s *rodSession) OpenTab(ctx context.Context, url string) (domainbrowser.Tab, error) {
	target := url
	if target == "" {
		target = "about:blank"
	}
	page, err := s.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: target})
	if err != nil {
		return domainbrowser.Tab{}, fmt.Errorf("open_tab: %w", err)
	}

	s.mu.Lock()
	s.active = page
	s.mu.Unlock()

	info, _ := page.Info()
	tab := domainbrowser.Tab{TabID: string(page.TargetID), URL: target, Active: true}
	if info != nil {
		tab.Title = info.Title
		tab.URL = info.URL
	}
	return tab, nil
}

func (s *rodSession) CloseTab(ctx context.Context, tabID string) error {
	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	for _, p := range pages {
		if string(p.TargetID) == tabID {
			return p.Close()
		}
	}
	return fmt.Errorf("close_tab: no tab with id %q", tabID)
}

func (s *rodSession) Screenshot(ctx context.Context) ([]byte, error) {
	return s.page().Context(ctx).Screenshot(false, nil)
}

// selectorMapElement is the wire shape buildSelectorMapJS returns per node;
// it mirrors domainbrowser.Element field-for-field so the JSON decode is a
// straight unmarshal.
type selectorMapElement struct {
	Index         int               `json:"index"`
	TagName       string            `json:"tag_name"`
	Text          string            `json:"text"`
	Attributes    map[string]string `json:"attributes"`
	XPath         string            `json:"xpath"`
	IsInViewport  bool              `json:"is_in_viewport"`
	IsInteractive bool              `json:"is_interactive"`
	AXName        string            `json:"ax_name"`
}

func (s *rodSession) State(ctx context.Context, includeScreenshot bool) (*domainbrowser.StateSummary, error) {
	page := s.page().Context(ctx)

	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("read page info: %w", err)
	}

	raw, err := page.Eval(buildSelectorMapJS)
	if err != nil {
		return nil, fmt.Errorf("build selector map: %w", err)
	}
	var parsed []selectorMapElement
	if err := raw.Value.Unmarshal(&parsed); err != nil {
		return nil, fmt.Errorf("decode selector map: %w", err)
	}

	elements := make([]domainbrowser.Element, 0, len(parsed))
	for _, e := range parsed {
		elements = append(elements, domainbrowser.Element{
			Index: e.Index, TagName: e.TagName, Text: e.Text,
			Attributes: e.Attributes, XPath: e.XPath,
			IsInViewport: e.IsInViewport, IsInteractive: e.IsInteractive, AXName: e.AXName,
		})
	}

	pages, err := s.browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	tabs := make([]domainbrowser.Tab, 0, len(pages))
	for _, p := range pages {
		pInfo, err := p.Info()
		if err != nil {
			continue
		}
		tabs = append(tabs, domainbrowser.Tab{
			TabID: string(p.TargetID), URL: pInfo.URL, Title: pInfo.Title,
			Active: p.TargetID == page.TargetID,
		})
	}

	summary := &domainbrowser.StateSummary{
		URL: info.URL, Title: info.Title, Elements: elements,
		Tabs: tabs, ActiveTabID: string(page.TargetID), CapturedAt: time.Now(),
	}

	if includeScreenshot {
		png, err := page.Screenshot(false, nil)
		if err != nil {
			s.logger.Warn("screenshot capture failed", zap.Error(err))
		} else {
			summary.ScreenshotPNG = png
		}
	}
	return summary, nil
}

func (s *rodSession) Cookies(ctx context.Context) ([]domainbrowser.Cookie, error) {
	cookies, err := s.browser.Context(ctx).GetCookies()
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	out := make([]domainbrowser.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, domainbrowser.Cookie{Name: c.Name, Domain: c.Domain, Value: c.Value})
	}
	return out, nil
}

func (s *rodSession) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *rodSession) Close(ctx context.Context) error {
	if err := s.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	if s.launcher != nil {
		s.launcher.Cleanup()
	}
	return nil
}

func (s *rodSession) page() *rod.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// resolve re-selects the element tagged by State's JS pass with the given
// data-agent-index. Elements are never cached across a State call because
// the underlying DOM node may have been replaced (common after an action
// triggers a re-render).
func (s *rodSession) resolve(ctx context.Context, index int) (*rod.Element, error) {
	page := s.page().Context(ctx)
	el, err := page.Element(fmt.Sprintf(`[data-agent-index="%d"]`, index))
	if err != nil {
		return nil, fmt.Errorf("resolve index %d: %w", index, err)
	}
	return el, nil
}
